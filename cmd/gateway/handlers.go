package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"steward/pkg/configstore"
	"steward/pkg/eventclass"
	"steward/pkg/httpx"
	"steward/pkg/ledger"
	"steward/pkg/models"
	"steward/pkg/pipeline"
	"steward/pkg/stream"

	"github.com/go-chi/chi/v5"
)

// disposeAsync is a testable variable: webhook deliveries run in the
// background in production, synchronously under test.
var disposeAsync = true

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	if s.WebhookSecret != "" && !verifySignature(s.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		httpx.Error(w, 401, "invalid signature")
		return
	}
	var ev eventclass.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if ev.Kind == "" {
		ev.Kind = strings.TrimSpace(r.Header.Get("X-GitHub-Event"))
	}
	if ev.DeliveryID == "" {
		ev.DeliveryID = strings.TrimSpace(r.Header.Get("X-GitHub-Delivery"))
	}
	if ev.Kind == "" {
		httpx.Error(w, 400, "event kind required")
		return
	}
	if disposeAsync {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.eventTimeout())
			defer cancel()
			if _, err := s.dispose(ctx, ev); err != nil {
				log.Printf("gateway: dispose delivery %s: %v", ev.DeliveryID, err)
			}
		}()
		httpx.WriteJSON(w, 202, map[string]string{"status": "accepted", "delivery_id": ev.DeliveryID})
		return
	}
	result, err := s.dispose(r.Context(), ev)
	if err != nil {
		httpx.Error(w, 500, "event processing failed")
		return
	}
	httpx.WriteJSON(w, 200, result)
}

func (s *Server) eventTimeout() time.Duration {
	if s.EventTimeout > 0 {
		return s.EventTimeout
	}
	return 5 * time.Minute
}

// dispose runs one delivery through the pipeline and publishes the outcome
// on the live feed.
func (s *Server) dispose(ctx context.Context, ev eventclass.Event) (pipeline.Result, error) {
	result, err := s.Pipeline.HandleEvent(ctx, ev)
	if err != nil {
		return pipeline.Result{}, err
	}
	s.publishResult(ev.Project, result)
	return result, nil
}

func (s *Server) publishResult(project string, result pipeline.Result) {
	if s.Events == nil {
		return
	}
	if result.Request != nil && result.Request.Project != "" {
		project = result.Request.Project
	}
	s.Events.Publish(stream.NewEvent(stream.TypeEventDisposed, project, map[string]string{
		"outcome": result.Outcome,
		"reason":  result.Reason,
	}))
	if result.Session != nil {
		sess := result.Session
		for _, id := range sess.Escalations {
			s.Events.Publish(stream.NewEvent(stream.TypeEscalationRaised, sess.Project, map[string]string{
				"escalation_id": id,
				"session_id":    sess.ID,
			}))
		}
		for _, id := range sess.DecisionsLogged {
			s.Events.Publish(stream.NewEvent(stream.TypeDecisionLogged, sess.Project, map[string]string{
				"decision_id": id,
				"session_id":  sess.ID,
			}))
		}
		s.Events.Publish(stream.NewEvent(stream.TypeSessionEnded, sess.Project, map[string]string{
			"session_id": sess.ID,
			"status":     string(sess.Status),
		}))
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.GovernanceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Project) == "" || strings.TrimSpace(req.Intent) == "" {
		httpx.Error(w, 400, "project and intent required")
		return
	}
	result, err := s.Pipeline.Process(r.Context(), req)
	if err != nil {
		httpx.Error(w, 500, "request processing failed")
		return
	}
	s.publishResult(req.Project, result)
	httpx.WriteJSON(w, outcomeStatus(result.Outcome), result)
}

func outcomeStatus(outcome string) int {
	switch outcome {
	case pipeline.OutcomeRateLimited:
		return 429
	case pipeline.OutcomeSuspended:
		return 403
	case pipeline.OutcomeNoRole:
		return 422
	case pipeline.OutcomeSkipped:
		return 404
	default:
		return 200
	}
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.Ledger.ListDecisions(r.Context(), ledger.DecisionFilter{
		Project: q.Get("project"),
		Status:  models.DecisionStatus(q.Get("status")),
		Limit:   queryInt(q.Get("limit")),
	})
	if err != nil {
		httpx.Error(w, 500, "ledger unavailable")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"decisions": out})
}

func (s *Server) getDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.Ledger.GetDecision(r.Context(), chi.URLParam(r, "decision_id"))
	if errors.Is(err, ledger.ErrNotFound) {
		httpx.Error(w, 404, "decision not found")
		return
	}
	if err != nil {
		httpx.Error(w, 500, "ledger unavailable")
		return
	}
	httpx.WriteJSON(w, 200, d)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.Ledger.ListSessions(r.Context(), ledger.SessionFilter{
		Project: q.Get("project"),
		Status:  models.SessionStatus(q.Get("status")),
		Limit:   queryInt(q.Get("limit")),
	})
	if err != nil {
		httpx.Error(w, 500, "ledger unavailable")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"sessions": out})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Ledger.GetSession(r.Context(), chi.URLParam(r, "session_id"))
	if errors.Is(err, ledger.ErrNotFound) {
		httpx.Error(w, 404, "session not found")
		return
	}
	if err != nil {
		httpx.Error(w, 500, "ledger unavailable")
		return
	}
	httpx.WriteJSON(w, 200, sess)
}

func (s *Server) listChallenges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.Ledger.ListChallenges(r.Context(), ledger.ChallengeFilter{
		Project:    q.Get("project"),
		DecisionID: q.Get("decision_id"),
		Status:     models.ChallengeStatus(q.Get("status")),
		Limit:      queryInt(q.Get("limit")),
	})
	if err != nil {
		httpx.Error(w, 500, "ledger unavailable")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"challenges": out})
}

func (s *Server) submitChallenge(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var sub pipeline.ChallengeSubmission
	if err := json.Unmarshal(body, &sub); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	ch, err := s.Pipeline.SubmitChallenge(r.Context(), sub)
	switch {
	case errors.Is(err, pipeline.ErrChallengeArgument):
		httpx.Error(w, 400, err.Error())
		return
	case errors.Is(err, ledger.ErrNotFound):
		httpx.Error(w, 404, "decision not found")
		return
	case err != nil:
		httpx.Error(w, 500, "challenge submission failed")
		return
	}
	s.publishChallenge(ch)
	httpx.WriteJSON(w, 201, ch)
}

func (s *Server) respondChallenge(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var resp pipeline.ChallengeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	ch, err := s.Pipeline.RespondChallenge(r.Context(), chi.URLParam(r, "challenge_id"), resp)
	switch {
	case errors.Is(err, pipeline.ErrChallengeStatus):
		httpx.Error(w, 400, err.Error())
		return
	case errors.Is(err, ledger.ErrChallengeFinalized):
		httpx.Error(w, 409, "challenge already finalized")
		return
	case errors.Is(err, ledger.ErrNotFound):
		httpx.Error(w, 404, "challenge not found")
		return
	case err != nil:
		httpx.Error(w, 500, "challenge response failed")
		return
	}
	s.publishChallenge(ch)
	httpx.WriteJSON(w, 200, ch)
}

func (s *Server) publishChallenge(ch models.Challenge) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(stream.NewEvent(stream.TypeChallengeUpdated, ch.Project, map[string]string{
		"challenge_id": ch.ID,
		"decision_id":  ch.DecisionID,
		"status":       string(ch.Status),
	}))
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.Ledger.ListAudit(r.Context(), ledger.AuditFilter{
		Project:   q.Get("project"),
		SessionID: q.Get("session_id"),
		EventType: q.Get("event_type"),
		Limit:     queryInt(q.Get("limit")),
	})
	if err != nil {
		httpx.Error(w, 500, "ledger unavailable")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"audit": out})
}

type registerProjectRequest struct {
	Project string               `json:"project"`
	Config  models.ProjectConfig `json:"config"`
}

func (s *Server) registerProject(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req registerProjectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Project) == "" {
		httpx.Error(w, 400, "project required")
		return
	}
	if req.Config.Status == "" {
		req.Config.Status = models.ProjectActive
	}
	if err := s.Config.Register(r.Context(), req.Project, req.Config); err != nil {
		httpx.Error(w, 500, "project registration failed")
		return
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeProjectRegistered, req.Project, nil))
	}
	httpx.WriteJSON(w, 201, map[string]string{"project": req.Project, "status": string(req.Config.Status)})
}

// projectParam rebuilds the owner/repo project name from the route.
func projectParam(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
}

func (s *Server) suspendProject(w http.ResponseWriter, r *http.Request) {
	project := projectParam(r)
	err := s.Config.Suspend(r.Context(), project)
	if errors.Is(err, configstore.ErrProjectUnknown) {
		httpx.Error(w, 404, "project not registered")
		return
	}
	if err != nil {
		httpx.Error(w, 500, "project suspension failed")
		return
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeProjectSuspended, project, nil))
	}
	httpx.WriteJSON(w, 200, map[string]string{"project": project, "status": string(models.ProjectSuspended)})
}

func (s *Server) syncProject(w http.ResponseWriter, r *http.Request) {
	project := projectParam(r)
	s.Config.Invalidate(project)
	httpx.WriteJSON(w, 200, map[string]string{"project": project, "status": "synced"})
}

func (s *Server) projectStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Ledger.Stats(r.Context(), projectParam(r))
	if err != nil {
		httpx.Error(w, 500, "ledger unavailable")
		return
	}
	httpx.WriteJSON(w, 200, stats)
}

func queryInt(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
