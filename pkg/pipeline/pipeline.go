package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"steward/pkg/configstore"
	"steward/pkg/eventclass"
	"steward/pkg/ledger"
	"steward/pkg/metrics"
	"steward/pkg/models"
	"steward/pkg/ratelimit"
	"steward/pkg/router"
	"steward/pkg/session"
	"steward/pkg/store"
	"steward/pkg/trust"
)

// Dispositions of one inbound event.
const (
	OutcomeProcessed   = "processed"
	OutcomeSkipped     = "skipped"
	OutcomeDuplicate   = "duplicate"
	OutcomeAdmin       = "admin"
	OutcomeSuspended   = "suspended"
	OutcomeRateLimited = "rate_limited"
	OutcomeNoRole      = "no_role"
)

var timeNow = time.Now

// defaultBudgets apply when the project config has no explicit limit for the
// trust level. Counted per project and level over the limiter window.
var defaultBudgets = map[models.TrustLevel]int{
	models.TrustAnonymous:   5,
	models.TrustContributor: 20,
	models.TrustAuthorized:  60,
	models.TrustElevated:    120,
}

// Result reports how the pipeline disposed of one event.
type Result struct {
	Outcome string                    `json:"outcome"`
	Reason  string                    `json:"reason,omitempty"`
	Request *models.GovernanceRequest `json:"request,omitempty"`
	Session *models.AgentSession      `json:"session,omitempty"`
}

// SessionRunner runs one governed session for a routed request.
type SessionRunner interface {
	Run(ctx context.Context, req models.GovernanceRequest, roleName string, cfg models.ProjectConfig) (models.AgentSession, error)
}

// Pipeline drives one event from delivery to terminal disposition:
// deduplication, classification, trust, rate limiting, routing, then the
// governed session. Every transition writes one audit entry.
type Pipeline struct {
	Config   configstore.Provider
	Dedup    *store.Deduper
	Limiter  ratelimit.Limiter
	Sessions SessionRunner
	Ledger   ledger.Store
	Metrics  *metrics.Registry
	Notifier session.Notifier
	Log      *log.Logger
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.Log != nil {
		p.Log.Printf(format, args...)
	}
}

func (p *Pipeline) count(outcome string) {
	if p.Metrics != nil {
		p.Metrics.IncEventOutcome(outcome)
	}
}

// HandleEvent disposes of one parsed webhook delivery.
func (p *Pipeline) HandleEvent(ctx context.Context, ev eventclass.Event) (Result, error) {
	if p.Dedup != nil && !p.Dedup.FirstSeen(ctx, ev.DeliveryID) {
		p.count(OutcomeDuplicate)
		p.auditEvent(ctx, ev.Project, models.AuditEventSkipped, ev.Kind,
			fmt.Sprintf("duplicate delivery %s", ev.DeliveryID), "")
		return Result{Outcome: OutcomeDuplicate, Reason: "duplicate delivery"}, nil
	}

	out := eventclass.Classify(ev)
	if out.Admin != nil {
		return p.applyAdmin(ctx, ev, out.Admin)
	}
	if !out.ShouldProcess {
		p.count(OutcomeSkipped)
		p.auditEvent(ctx, ev.Project, models.AuditEventSkipped, ev.Kind+"/"+ev.Action, out.SkipReason, "")
		return Result{Outcome: OutcomeSkipped, Reason: out.SkipReason}, nil
	}
	return p.Process(ctx, out.Request)
}

// Process runs an already-classified request through trust, rate limiting,
// routing, and the session engine. Direct invocations enter here.
func (p *Pipeline) Process(ctx context.Context, req models.GovernanceRequest) (Result, error) {
	cfg, err := p.Config.Get(ctx, req.Project)
	if err != nil {
		if errors.Is(err, configstore.ErrProjectUnknown) {
			p.count(OutcomeSkipped)
			p.auditEvent(ctx, req.Project, models.AuditEventSkipped, req.Intent, "project not registered", "")
			return Result{Outcome: OutcomeSkipped, Reason: "project not registered"}, nil
		}
		return Result{}, err
	}
	if cfg.Status == models.ProjectSuspended {
		p.count(OutcomeSuspended)
		p.auditEvent(ctx, req.Project, models.AuditEventSkipped, req.Intent, "project suspended", "")
		return Result{Outcome: OutcomeSuspended, Reason: "project suspended"}, nil
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = timeNow().UTC()
	}
	if req.Trust == "" {
		granted := trust.Classify(req.Source.Identity, req.Source.Channel, cfg)
		req.Trust = granted.Level
		p.auditEvent(ctx, req.Project, models.AuditTrustGranted, req.Source.Identity, granted.Reason, req.Trust)
	}

	if p.Limiter != nil {
		limit, ok := cfg.RateLimits[req.Trust]
		if !ok {
			limit = defaultBudgets[req.Trust]
		}
		decision := p.Limiter.Allow(ratelimit.GateKey(req.Project, string(req.Trust)), limit)
		if !decision.Allowed {
			p.count(OutcomeRateLimited)
			if p.Metrics != nil {
				p.Metrics.IncRateLimited()
			}
			p.auditEvent(ctx, req.Project, models.AuditRateLimited, req.Source.Identity,
				fmt.Sprintf("budget %d exhausted, retry in %s", decision.Limit, decision.RetryAfter().Round(time.Second)), req.Trust)
			return Result{Outcome: OutcomeRateLimited, Reason: "rate limit exhausted", Request: &req}, nil
		}
	}

	role, err := router.Route(req, cfg)
	if err != nil {
		p.count(OutcomeNoRole)
		p.auditEvent(ctx, req.Project, models.AuditNoEligibleRole, req.Intent,
			fmt.Sprintf("no role accepts trust %s for category %s", req.Trust, req.Category), req.Trust)
		return Result{Outcome: OutcomeNoRole, Reason: err.Error(), Request: &req}, nil
	}
	p.auditEvent(ctx, req.Project, models.AuditRouted, role.Name, string(req.Category), req.Trust)

	sess, err := p.Sessions.Run(ctx, req, role.Name, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: session for %s: %w", req.ID, err)
	}
	p.count(OutcomeProcessed)
	p.countSession(sess)
	return Result{Outcome: OutcomeProcessed, Request: &req, Session: &sess}, nil
}

func (p *Pipeline) countSession(sess models.AgentSession) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.IncSessionStatus(string(sess.Status))
	for range sess.Escalations {
		p.Metrics.IncEscalations()
	}
	for range sess.DecisionsLogged {
		p.Metrics.IncDecisionsLogged()
	}
	for _, use := range sess.ToolUses {
		switch {
		case use.Blocked:
			p.Metrics.IncToolOutcome("blocked")
		case use.Error != "":
			p.Metrics.IncToolOutcome("errored")
		default:
			p.Metrics.IncToolOutcome("executed")
		}
	}
}

// applyAdmin handles installation and configuration events that change the
// project registry instead of routing to a session.
func (p *Pipeline) applyAdmin(ctx context.Context, ev eventclass.Event, action *eventclass.AdminAction) (Result, error) {
	for _, project := range action.Projects {
		var err error
		switch action.Kind {
		case eventclass.AdminRegister:
			err = p.Config.EnsureRegistered(ctx, project, models.ProjectConfig{Status: models.ProjectActive})
		case eventclass.AdminSuspend:
			err = p.Config.Suspend(ctx, project)
		case eventclass.AdminSync:
			p.Config.Invalidate(project)
		}
		if err != nil {
			p.logf("pipeline: admin %s for %s: %v", action.Kind, project, err)
			if errors.Is(err, configstore.ErrProjectUnknown) {
				continue
			}
			return Result{}, err
		}
		p.auditEvent(ctx, project, models.AuditEventAdmin, string(action.Kind), ev.Kind+"/"+ev.Action, "")
	}
	p.count(OutcomeAdmin)
	return Result{Outcome: OutcomeAdmin, Reason: string(action.Kind)}, nil
}

func (p *Pipeline) auditEvent(ctx context.Context, project, eventType, action, detail string, level models.TrustLevel) {
	var details json.RawMessage
	if detail != "" {
		details, _ = json.Marshal(map[string]string{"detail": detail})
	}
	err := p.Ledger.AppendAudit(ctx, models.AuditEntry{
		Timestamp: timeNow().UTC(),
		Project:   project,
		EventType: eventType,
		Actor:     "pipeline",
		Action:    action,
		Details:   details,
		Trust:     level,
	})
	if err != nil {
		p.logf("pipeline: audit %s for %s: %v", eventType, project, err)
	}
}
