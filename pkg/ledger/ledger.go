package ledger

import (
	"context"
	"errors"

	"steward/pkg/models"
)

var (
	ErrNotFound           = errors.New("ledger: not found")
	ErrChallengeFinalized = errors.New("ledger: challenge already finalized")
	ErrDecisionExists     = errors.New("ledger: decision id already recorded")
)

type DecisionFilter struct {
	Project string
	Status  models.DecisionStatus
	Limit   int
}

type ChallengeFilter struct {
	Project    string
	DecisionID string
	Status     models.ChallengeStatus
	Limit      int
}

type AuditFilter struct {
	Project   string
	SessionID string
	EventType string
	Limit     int
}

type SessionFilter struct {
	Project string
	Status  models.SessionStatus
	Limit   int
}

// Stats is the dashboard read model for one project.
type Stats struct {
	Project           string              `json:"project"`
	Decisions         int                 `json:"decisions"`
	Sessions          int                 `json:"sessions"`
	Challenges        int                 `json:"challenges"`
	PendingChallenges int                 `json:"pending_challenges"`
	RecentAudit       []models.AuditEntry `json:"recent_audit,omitempty"`
	SessionsByStatus  map[string]int      `json:"sessions_by_status,omitempty"`
}

// Store is the durable append/amend-only ledger. Decisions and audit entries
// are never mutated once written; challenges move from pending to exactly one
// terminal status.
type Store interface {
	// NextDecisionNumber assigns the next monotonic number for the
	// project; assignment is linearizable per project.
	NextDecisionNumber(ctx context.Context, project string) (int64, error)
	AppendDecision(ctx context.Context, d models.Decision) error
	GetDecision(ctx context.Context, id string) (models.Decision, error)
	// MarkDecisionStatus records supersession or reversal. Only the
	// status amends; the decision body is immutable.
	MarkDecisionStatus(ctx context.Context, id string, status models.DecisionStatus) error
	ListDecisions(ctx context.Context, f DecisionFilter) ([]models.Decision, error)

	AppendChallenge(ctx context.Context, c models.Challenge) error
	GetChallenge(ctx context.Context, id string) (models.Challenge, error)
	// RespondChallenge transitions a pending challenge to a terminal
	// status. Terminal challenges reject further transitions.
	RespondChallenge(ctx context.Context, id string, status models.ChallengeStatus, respondedBy, response, outcome string) (models.Challenge, error)
	ListChallenges(ctx context.Context, f ChallengeFilter) ([]models.Challenge, error)

	AppendAudit(ctx context.Context, e models.AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]models.AuditEntry, error)

	SaveSession(ctx context.Context, s models.AgentSession) error
	GetSession(ctx context.Context, id string) (models.AgentSession, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]models.AgentSession, error)

	Stats(ctx context.Context, project string) (Stats, error)
}

func normalizeLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
