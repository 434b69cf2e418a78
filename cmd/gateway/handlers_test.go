package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"steward/pkg/configstore"
	"steward/pkg/ledger"
	"steward/pkg/metrics"
	"steward/pkg/models"
	"steward/pkg/pipeline"
	"steward/pkg/ratelimit"
	"steward/pkg/stream"

	"github.com/google/uuid"
)

type stubRunner struct {
	runs        []string
	decisions   []string
	escalations []string
}

func (r *stubRunner) Run(ctx context.Context, req models.GovernanceRequest, roleName string, cfg models.ProjectConfig) (models.AgentSession, error) {
	r.runs = append(r.runs, roleName)
	return models.AgentSession{
		ID:              uuid.NewString(),
		Project:         req.Project,
		Role:            roleName,
		Request:         req,
		Status:          models.SessionCompleted,
		DecisionsLogged: r.decisions,
		Escalations:     r.escalations,
	}, nil
}

func testProjectConfig() models.ProjectConfig {
	return models.ProjectConfig{
		Project: "acme/widgets",
		Status:  models.ProjectActive,
		Roles: map[string]models.RoleDefinition{
			"triager": {
				AcceptsTrust: []models.TrustLevel{models.TrustAnonymous, models.TrustContributor, models.TrustAuthorized},
			},
			"reviewer": {
				AcceptsTrust: []models.TrustLevel{models.TrustContributor, models.TrustAuthorized},
			},
		},
		GithubRoles: map[string]models.TrustLevel{"alice": models.TrustContributor},
		Routing: map[models.IntentCategory][]string{
			models.IntentTriage: {"triager"},
			models.IntentReview: {"reviewer", "triager"},
		},
		DefaultRole: "triager",
	}
}

func newTestServer(t *testing.T) (*Server, *stubRunner, ledger.Store) {
	t.Helper()
	st := ledger.NewMemory()
	cfgStore := configstore.NewStatic(map[string]models.ProjectConfig{"acme/widgets": testProjectConfig()})
	runner := &stubRunner{}
	s := &Server{
		Ledger:              st,
		Config:              cfgStore,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		EventTimeout:        time.Minute,
		MaxRequestBodyBytes: 1 << 20,
	}
	s.Pipeline = &pipeline.Pipeline{
		Config:   cfgStore,
		Limiter:  ratelimit.NewInMemory(time.Hour),
		Sessions: runner,
		Ledger:   st,
		Metrics:  s.Metrics,
	}
	return s, runner, st
}

func doRequest(t *testing.T, s *Server, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func syncDispose(t *testing.T) {
	t.Helper()
	prev := disposeAsync
	disposeAsync = false
	t.Cleanup(func() { disposeAsync = prev })
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"service":"gateway"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.WebhookSecret = "topsecret"
	body := []byte(`{"kind":"ping"}`)
	rec := doRequest(t, s, http.MethodPost, "/v1/events", body, map[string]string{
		"X-Hub-Signature-256": "sha256=deadbeef",
	})
	if rec.Code != 401 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookProcessesSignedDelivery(t *testing.T) {
	syncDispose(t)
	s, runner, _ := newTestServer(t)
	s.WebhookSecret = "topsecret"
	body := []byte(`{
		"kind": "pull_request",
		"action": "opened",
		"delivery_id": "d-1",
		"project": "acme/widgets",
		"sender": {"login": "alice"},
		"pull_request": {"number": 7, "title": "Add parser"}
	}`)
	rec := doRequest(t, s, http.MethodPost, "/v1/events", body, map[string]string{
		"X-Hub-Signature-256": signBody("topsecret", body),
	})
	if rec.Code != 200 {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var result pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Outcome != pipeline.OutcomeProcessed {
		t.Fatalf("outcome = %s (%s)", result.Outcome, result.Reason)
	}
	if len(runner.runs) != 1 || runner.runs[0] != "reviewer" {
		t.Fatalf("runs = %v", runner.runs)
	}
}

func TestWebhookKindFromHeader(t *testing.T) {
	syncDispose(t)
	s, _, _ := newTestServer(t)
	body := []byte(`{"project": "acme/widgets", "sender": {"login": "alice"}}`)
	rec := doRequest(t, s, http.MethodPost, "/v1/events", body, map[string]string{
		"X-GitHub-Event":    "ping",
		"X-GitHub-Delivery": "d-2",
	})
	if rec.Code != 200 {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookMissingKind(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/events", []byte(`{}`), nil)
	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookAsyncAccepted(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := []byte(`{"kind":"ping","delivery_id":"d-3"}`)
	rec := doRequest(t, s, http.MethodPost, "/v1/events", body, nil)
	if rec.Code != 202 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "d-3") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestInvokeRunsSession(t *testing.T) {
	s, runner, _ := newTestServer(t)
	body := []byte(`{
		"project": "acme/widgets",
		"intent": "Triage issue #12",
		"category": "triage",
		"source": {"channel": "api", "identity": "alice"}
	}`)
	rec := doRequest(t, s, http.MethodPost, "/v1/invoke", body, nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(runner.runs) != 1 || runner.runs[0] != "triager" {
		t.Fatalf("runs = %v", runner.runs)
	}
}

func TestInvokeValidation(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/invoke", []byte(`{"project":"acme/widgets"}`), nil)
	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInvokeUnknownProject(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := []byte(`{"project":"ghost/repo","intent":"triage this"}`)
	rec := doRequest(t, s, http.MethodPost, "/v1/invoke", body, nil)
	if rec.Code != 404 {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestInvokeRateLimited(t *testing.T) {
	s, _, _ := newTestServer(t)
	cfg := testProjectConfig()
	cfg.RateLimits = map[models.TrustLevel]int{models.TrustAnonymous: 0}
	s.Config = configstore.NewStatic(map[string]models.ProjectConfig{"acme/widgets": cfg})
	s.Pipeline.Config = s.Config
	body := []byte(`{"project":"acme/widgets","intent":"triage this","source":{"channel":"api"}}`)
	rec := doRequest(t, s, http.MethodPost, "/v1/invoke", body, nil)
	if rec.Code != 429 {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func seedLedgerDecision(t *testing.T, st ledger.Store) models.Decision {
	t.Helper()
	ctx := context.Background()
	n, err := st.NextDecisionNumber(ctx, "acme/widgets")
	if err != nil {
		t.Fatal(err)
	}
	d := models.Decision{
		ID:             "dec-http-1",
		DecisionNumber: n,
		Title:          "Pin Go version",
		Date:           time.Now().UTC(),
		Status:         models.DecisionAdopted,
		DecisionMaker:  "reviewer",
		Project:        "acme/widgets",
		Decision:       "CI builds against one pinned toolchain.",
	}
	if err := st.AppendDecision(ctx, d); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDecisionEndpoints(t *testing.T) {
	s, _, st := newTestServer(t)
	d := seedLedgerDecision(t, st)

	rec := doRequest(t, s, http.MethodGet, "/v1/decisions?project=acme/widgets", nil, nil)
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), d.ID) {
		t.Fatalf("list status = %d body = %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/decisions/"+d.ID, nil, nil)
	if rec.Code != 200 {
		t.Fatalf("get status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/decisions/ghost", nil, nil)
	if rec.Code != 404 {
		t.Fatalf("missing status = %d", rec.Code)
	}
}

func TestChallengeFlow(t *testing.T) {
	s, _, st := newTestServer(t)
	d := seedLedgerDecision(t, st)

	body := []byte(`{"decision_id":"` + d.ID + `","submitted_by":"alice","argument":"stale benchmark data"}`)
	rec := doRequest(t, s, http.MethodPost, "/v1/challenges", body, nil)
	if rec.Code != 201 {
		t.Fatalf("submit status = %d body = %s", rec.Code, rec.Body.String())
	}
	var ch models.Challenge
	if err := json.Unmarshal(rec.Body.Bytes(), &ch); err != nil {
		t.Fatal(err)
	}

	respond := []byte(`{"status":"accepted","responded_by":"reviewer","response":"data was stale"}`)
	rec = doRequest(t, s, http.MethodPost, "/v1/challenges/"+ch.ID+"/respond", respond, nil)
	if rec.Code != 200 {
		t.Fatalf("respond status = %d body = %s", rec.Code, rec.Body.String())
	}

	// Replayed response hits the terminal-state check.
	rec = doRequest(t, s, http.MethodPost, "/v1/challenges/"+ch.ID+"/respond", respond, nil)
	if rec.Code != 409 {
		t.Fatalf("replay status = %d", rec.Code)
	}

	reversed, err := st.GetDecision(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reversed.Status != models.DecisionReversed {
		t.Fatalf("decision status = %s", reversed.Status)
	}
}

func TestChallengeValidationErrors(t *testing.T) {
	s, _, st := newTestServer(t)
	d := seedLedgerDecision(t, st)

	rec := doRequest(t, s, http.MethodPost, "/v1/challenges", []byte(`{"decision_id":"`+d.ID+`"}`), nil)
	if rec.Code != 400 {
		t.Fatalf("empty argument status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodPost, "/v1/challenges", []byte(`{"decision_id":"ghost","argument":"x"}`), nil)
	if rec.Code != 404 {
		t.Fatalf("missing decision status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodPost, "/v1/challenges/ch-x/respond", []byte(`{"status":"pending"}`), nil)
	if rec.Code != 400 {
		t.Fatalf("bad status = %d", rec.Code)
	}
}

func TestAuditListing(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := []byte(`{"project":"acme/widgets","intent":"triage this","source":{"channel":"api","identity":"alice"}}`)
	if rec := doRequest(t, s, http.MethodPost, "/v1/invoke", body, nil); rec.Code != 200 {
		t.Fatalf("invoke status = %d", rec.Code)
	}
	rec := doRequest(t, s, http.MethodGet, "/v1/audit?project=acme/widgets&event_type=request_routed", nil, nil)
	if rec.Code != 200 {
		t.Fatalf("audit status = %d", rec.Code)
	}
	var out struct {
		Audit []models.AuditEntry `json:"audit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Audit) != 1 {
		t.Fatalf("routed audit entries = %d", len(out.Audit))
	}
}

func TestProjectLifecycleEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := []byte(`{"project":"acme/tools","config":{"roles":{"triager":{}},"default_role":"triager"}}`)
	rec := doRequest(t, s, http.MethodPost, "/v1/projects", body, nil)
	if rec.Code != 201 {
		t.Fatalf("register status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodPost, "/v1/projects/acme/tools/suspend", nil, nil)
	if rec.Code != 200 {
		t.Fatalf("suspend status = %d body = %s", rec.Code, rec.Body.String())
	}

	invoke := []byte(`{"project":"acme/tools","intent":"triage this"}`)
	rec = doRequest(t, s, http.MethodPost, "/v1/invoke", invoke, nil)
	if rec.Code != 403 {
		t.Fatalf("suspended invoke status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodPost, "/v1/projects/ghost/suspend", nil, nil)
	if rec.Code != 404 {
		t.Fatalf("unknown suspend status = %d", rec.Code)
	}
}

func TestProjectStats(t *testing.T) {
	s, _, st := newTestServer(t)
	seedLedgerDecision(t, st)
	rec := doRequest(t, s, http.MethodGet, "/v1/projects/acme/widgets/stats", nil, nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats ledger.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Decisions != 1 {
		t.Fatalf("decisions = %d", stats.Decisions)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.MaxRequestBodyBytes = 16
	body := []byte(`{"project":"acme/widgets","intent":"this body is comfortably past sixteen bytes"}`)
	rec := doRequest(t, s, http.MethodPost, "/v1/invoke", body, nil)
	if rec.Code != 413 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStreamPublishOnInvoke(t *testing.T) {
	s, _, _ := newTestServer(t)
	sub := s.Events.Subscribe("acme/widgets", 8)
	defer s.Events.Unsubscribe(sub)

	body := []byte(`{"project":"acme/widgets","intent":"triage this","source":{"channel":"api","identity":"alice"}}`)
	if rec := doRequest(t, s, http.MethodPost, "/v1/invoke", body, nil); rec.Code != 200 {
		t.Fatalf("invoke status = %d", rec.Code)
	}

	select {
	case evt := <-sub:
		if evt.Type != stream.TypeEventDisposed {
			t.Fatalf("event type = %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no stream event published")
	}
}

func TestStreamPublishesSessionDetail(t *testing.T) {
	s, runner, _ := newTestServer(t)
	runner.decisions = []string{"dec-9"}
	runner.escalations = []string{"esc-4"}
	sub := s.Events.Subscribe("acme/widgets", 8)
	defer s.Events.Unsubscribe(sub)

	body := []byte(`{"project":"acme/widgets","intent":"triage this","source":{"channel":"api","identity":"alice"}}`)
	if rec := doRequest(t, s, http.MethodPost, "/v1/invoke", body, nil); rec.Code != 200 {
		t.Fatalf("invoke status = %d", rec.Code)
	}

	got := map[string]int{}
	for i := 0; i < 4; i++ {
		select {
		case evt := <-sub:
			got[evt.Type]++
		case <-time.After(time.Second):
			t.Fatalf("stream events = %v, want 4", got)
		}
	}
	for _, want := range []string{stream.TypeEventDisposed, stream.TypeEscalationRaised, stream.TypeDecisionLogged, stream.TypeSessionEnded} {
		if got[want] != 1 {
			t.Fatalf("events = %v, missing %s", got, want)
		}
	}
}
