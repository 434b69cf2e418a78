package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"steward/pkg/configstore"
	"steward/pkg/eventclass"
	"steward/pkg/ledger"
	"steward/pkg/metrics"
	"steward/pkg/models"
	"steward/pkg/ratelimit"
	"steward/pkg/store"
)

type recordingRunner struct {
	runs []string
}

func (r *recordingRunner) Run(ctx context.Context, req models.GovernanceRequest, roleName string, cfg models.ProjectConfig) (models.AgentSession, error) {
	r.runs = append(r.runs, roleName)
	now := time.Now().UTC()
	return models.AgentSession{
		ID:        uuid.NewString(),
		Project:   req.Project,
		Role:      roleName,
		Request:   req,
		StartedAt: now,
		EndedAt:   &now,
		Status:    models.SessionCompleted,
	}, nil
}

func projectConfig() models.ProjectConfig {
	return models.ProjectConfig{
		Roles: map[string]models.RoleDefinition{
			"triager": {
				AcceptsTrust: []models.TrustLevel{models.TrustAnonymous, models.TrustContributor},
			},
			"reviewer": {
				AcceptsTrust: []models.TrustLevel{models.TrustContributor, models.TrustAuthorized},
			},
		},
		GithubRoles: map[string]models.TrustLevel{"alice": models.TrustContributor},
		RateLimits:  map[models.TrustLevel]int{models.TrustAnonymous: 2},
		Routing: map[models.IntentCategory][]string{
			models.IntentReview: {"reviewer", "triager"},
			models.IntentTriage: {"triager"},
		},
		DefaultRole: "triager",
	}
}

func newPipeline(t *testing.T) (*Pipeline, *recordingRunner, ledger.Store) {
	t.Helper()
	runner := &recordingRunner{}
	st := ledger.NewMemory()
	p := &Pipeline{
		Config:   configstore.NewStatic(map[string]models.ProjectConfig{"acme/widgets": projectConfig()}),
		Dedup:    store.NewDeduper(store.NewMemoryCache()),
		Limiter:  ratelimit.NewInMemory(time.Hour),
		Sessions: runner,
		Ledger:   st,
		Metrics:  metrics.NewRegistry(),
	}
	return p, runner, st
}

func prOpened(delivery string) eventclass.Event {
	return eventclass.Event{
		Kind:       eventclass.KindPullRequest,
		Action:     "opened",
		DeliveryID: delivery,
		Project:    "acme/widgets",
		Sender:     eventclass.Sender{Login: "alice", Type: "User"},
		PR:         &eventclass.PullRequest{Number: 41, Title: "Add retry"},
	}
}

func auditEvents(t *testing.T, st ledger.Store, eventType string) []models.AuditEntry {
	t.Helper()
	entries, err := st.ListAudit(context.Background(), ledger.AuditFilter{Project: "acme/widgets", EventType: eventType, Limit: 100})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	return entries
}

func TestPullRequestOpenedRunsSession(t *testing.T) {
	p, runner, st := newPipeline(t)
	res, err := p.HandleEvent(context.Background(), prOpened("d-1"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if res.Request.Trust != models.TrustContributor {
		t.Fatalf("trust = %s, want contributor via platform role", res.Request.Trust)
	}
	if res.Request.Category != models.IntentReview {
		t.Fatalf("category = %s", res.Request.Category)
	}
	if len(runner.runs) != 1 || runner.runs[0] != "reviewer" {
		t.Fatalf("runs = %v, want [reviewer] per routing table order", runner.runs)
	}
	if res.Request.ID == "" || res.Request.Timestamp.IsZero() {
		t.Fatal("request id and timestamp must be assigned")
	}
	if got := len(auditEvents(t, st, models.AuditTrustGranted)); got != 1 {
		t.Fatalf("trust_granted audit entries = %d", got)
	}
	if got := len(auditEvents(t, st, models.AuditRouted)); got != 1 {
		t.Fatalf("request_routed audit entries = %d", got)
	}
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	p, runner, _ := newPipeline(t)
	ctx := context.Background()
	if _, err := p.HandleEvent(ctx, prOpened("d-7")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	res, err := p.HandleEvent(ctx, prOpened("d-7"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %s, want duplicate", res.Outcome)
	}
	if len(runner.runs) != 1 {
		t.Fatalf("runs = %d, redelivery must not start a second session", len(runner.runs))
	}
}

func TestBotCommentSkipped(t *testing.T) {
	p, runner, st := newPipeline(t)
	ev := eventclass.Event{
		Kind:    eventclass.KindIssueComment,
		Action:  "created",
		Project: "acme/widgets",
		Sender:  eventclass.Sender{Login: "ci-bot", Type: "Bot"},
		Issue:   &eventclass.Issue{Number: 3},
		Comment: &eventclass.Comment{Body: "build failed, see logs at https://ci.example.com"},
	}
	res, err := p.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Outcome != OutcomeSkipped || !strings.Contains(res.Reason, "bot") {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(runner.runs) != 0 {
		t.Fatal("bot comment must never reach a session")
	}
	if got := len(auditEvents(t, st, models.AuditEventSkipped)); got != 1 {
		t.Fatalf("event_skipped audit entries = %d", got)
	}
}

func TestRateLimitBudgetExhausted(t *testing.T) {
	p, runner, st := newPipeline(t)
	ctx := context.Background()
	// Anonymous budget is 2; the sender has no platform role.
	ev := prOpened("")
	ev.Sender = eventclass.Sender{Login: "stranger", Type: "User"}
	// Anonymous actors are not accepted by reviewer, so route to triager.
	for i := 0; i < 2; i++ {
		res, err := p.HandleEvent(ctx, ev)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if res.Outcome != OutcomeProcessed {
			t.Fatalf("event %d outcome = %s (%s)", i, res.Outcome, res.Reason)
		}
	}
	res, err := p.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("third event: %v", err)
	}
	if res.Outcome != OutcomeRateLimited {
		t.Fatalf("outcome = %s, want rate_limited", res.Outcome)
	}
	if len(runner.runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runner.runs))
	}
	if got := len(auditEvents(t, st, models.AuditRateLimited)); got != 1 {
		t.Fatalf("rate_limited audit entries = %d", got)
	}
}

func TestUnknownProjectSkipped(t *testing.T) {
	p, runner, _ := newPipeline(t)
	ev := prOpened("d-2")
	ev.Project = "acme/unknown"
	res, err := p.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Outcome != OutcomeSkipped || res.Reason != "project not registered" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(runner.runs) != 0 {
		t.Fatal("unregistered project must not run sessions")
	}
}

func TestSuspendedProjectSkipped(t *testing.T) {
	p, runner, _ := newPipeline(t)
	ctx := context.Background()
	if err := p.Config.Suspend(ctx, "acme/widgets"); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	res, err := p.HandleEvent(ctx, prOpened("d-3"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Outcome != OutcomeSuspended {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if len(runner.runs) != 0 {
		t.Fatal("suspended project must not run sessions")
	}
}

func TestInstallationRegistersProject(t *testing.T) {
	p, _, _ := newPipeline(t)
	ctx := context.Background()
	ev := eventclass.Event{
		Kind:         eventclass.KindInstallation,
		Action:       "created",
		Repositories: []string{"acme/newrepo"},
	}
	res, err := p.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Outcome != OutcomeAdmin {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if _, err := p.Config.Get(ctx, "acme/newrepo"); err != nil {
		t.Fatalf("project not registered after installation: %v", err)
	}
}

func TestInstallationRedeliveryKeepsExistingConfig(t *testing.T) {
	p, _, _ := newPipeline(t)
	ctx := context.Background()
	ev := eventclass.Event{
		Kind:         eventclass.KindInstallation,
		Action:       "created",
		DeliveryID:   "d-9",
		Repositories: []string{"acme/widgets"},
	}
	res, err := p.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Outcome != OutcomeAdmin {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	cfg, err := p.Config.Get(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(cfg.Roles) == 0 || len(cfg.Routing) == 0 {
		t.Fatalf("installation redelivery wiped the project config: %+v", cfg)
	}
}

func TestNoEligibleRoleAudited(t *testing.T) {
	runner := &recordingRunner{}
	st := ledger.NewMemory()
	cfg := models.ProjectConfig{
		Roles: map[string]models.RoleDefinition{
			"maintainer": {AcceptsTrust: []models.TrustLevel{models.TrustElevated}},
		},
	}
	p := &Pipeline{
		Config:   configstore.NewStatic(map[string]models.ProjectConfig{"acme/widgets": cfg}),
		Limiter:  ratelimit.NewInMemory(time.Hour),
		Sessions: runner,
		Ledger:   st,
	}
	res, err := p.HandleEvent(context.Background(), prOpened("d-4"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Outcome != OutcomeNoRole {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if got := len(auditEvents(t, st, models.AuditNoEligibleRole)); got != 1 {
		t.Fatalf("no_eligible_role audit entries = %d", got)
	}
	if len(runner.runs) != 0 {
		t.Fatal("ineligible request must not run sessions")
	}
}

// detailRunner returns a session rich enough to exercise the per-session
// counters: one escalation, one decision, one tool use per disposition.
type detailRunner struct{}

func (detailRunner) Run(ctx context.Context, req models.GovernanceRequest, roleName string, cfg models.ProjectConfig) (models.AgentSession, error) {
	now := time.Now().UTC()
	return models.AgentSession{
		ID:              uuid.NewString(),
		Project:         req.Project,
		Role:            roleName,
		Request:         req,
		StartedAt:       now,
		EndedAt:         &now,
		Status:          models.SessionCompleted,
		Escalations:     []string{"esc-1"},
		DecisionsLogged: []string{"dec-1"},
		ToolUses: []models.ToolUse{
			{ToolName: "read_file"},
			{ToolName: "write_file", Error: "disk full"},
			{ToolName: "merge_pr", Blocked: true, BlockReason: "denied"},
		},
	}, nil
}

func TestSessionCountersRecorded(t *testing.T) {
	p, _, _ := newPipeline(t)
	p.Sessions = detailRunner{}
	res, err := p.HandleEvent(context.Background(), prOpened("d-8"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	snap := p.Metrics.Snapshot()
	if snap.Escalations != 1 {
		t.Fatalf("escalations = %d", snap.Escalations)
	}
	if snap.DecisionsLogged != 1 {
		t.Fatalf("decisions logged = %d", snap.DecisionsLogged)
	}
	for _, outcome := range []string{"executed", "errored", "blocked"} {
		if snap.ToolOutcomes[outcome] != 1 {
			t.Fatalf("tool outcomes = %v, want one %s", snap.ToolOutcomes, outcome)
		}
	}
	if snap.SessionStatuses[string(models.SessionCompleted)] != 1 {
		t.Fatalf("session statuses = %v", snap.SessionStatuses)
	}
}

func TestProcessHonorsPresetTrust(t *testing.T) {
	p, runner, _ := newPipeline(t)
	req := models.GovernanceRequest{
		Project:  "acme/widgets",
		Intent:   "Review pull request #9: refactor",
		Category: models.IntentReview,
		Trust:    models.TrustAuthorized,
		Source:   models.RequestSource{Channel: "api", Identity: "svc-key"},
	}
	res, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if res.Request.Trust != models.TrustAuthorized {
		t.Fatalf("trust reclassified to %s", res.Request.Trust)
	}
	if len(runner.runs) != 1 || runner.runs[0] != "reviewer" {
		t.Fatalf("runs = %v", runner.runs)
	}
}
