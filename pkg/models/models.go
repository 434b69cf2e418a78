package models

import (
	"encoding/json"
	"time"
)

// TrustLevel is the ordered privilege classification of an actor.
type TrustLevel string

const (
	TrustAnonymous   TrustLevel = "anonymous"
	TrustContributor TrustLevel = "contributor"
	TrustAuthorized  TrustLevel = "authorized"
	TrustElevated    TrustLevel = "elevated"
)

var trustOrder = map[TrustLevel]int{
	TrustAnonymous:   0,
	TrustContributor: 1,
	TrustAuthorized:  2,
	TrustElevated:    3,
}

// Rank returns the ordinal position of the level; unknown levels rank below anonymous.
func (t TrustLevel) Rank() int {
	if r, ok := trustOrder[t]; ok {
		return r
	}
	return -1
}

func (t TrustLevel) AtLeast(other TrustLevel) bool { return t.Rank() >= other.Rank() }

func (t TrustLevel) Below(other TrustLevel) bool { return t.Rank() < other.Rank() }

// IntentCategory is parsed from a request's intent for routing.
type IntentCategory string

const (
	IntentTriage       IntentCategory = "triage"
	IntentReview       IntentCategory = "review"
	IntentImplement    IntentCategory = "implement"
	IntentEvaluate     IntentCategory = "evaluate"
	IntentNotification IntentCategory = "notification"
	IntentGovernance   IntentCategory = "governance"
	IntentCIFailure    IntentCategory = "ci-failure"
	IntentAcknowledge  IntentCategory = "acknowledge"
)

// RequestSource identifies where a governance request entered the system.
type RequestSource struct {
	Channel  string            `json:"channel"`
	Identity string            `json:"identity,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// GovernanceRequest is the normalized unit of work produced from an inbound
// trigger. Immutable once created.
type GovernanceRequest struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Trust     TrustLevel      `json:"trust"`
	Source    RequestSource   `json:"source"`
	Project   string          `json:"project"`
	Intent    string          `json:"intent"`
	Category  IntentCategory  `json:"category"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ToolPolicy is a role's allow/deny tool surface. Denied wins over allowed.
type ToolPolicy struct {
	Allowed []string `json:"allowed,omitempty"`
	Denied  []string `json:"denied,omitempty"`
}

// ConstraintKind is the closed set of known constraint kinds plus a generic
// custom kind carrying an opaque parameter map.
type ConstraintKind string

const (
	ConstraintPathRestriction ConstraintKind = "path_restriction"
	ConstraintActionLimit     ConstraintKind = "action_limit"
	ConstraintTrustGate       ConstraintKind = "trust_gate"
	ConstraintCustom          ConstraintKind = "custom"
)

type Enforcement string

const (
	EnforceHard Enforcement = "hard"
	EnforceSoft Enforcement = "soft"
)

type Constraint struct {
	Kind         ConstraintKind         `json:"kind"`
	Description  string                 `json:"description,omitempty"`
	Enforcement  Enforcement            `json:"enforcement"`
	OnActions    []string               `json:"on_actions,omitempty"`
	Paths        []string               `json:"paths,omitempty"`
	WithoutTrust TrustLevel             `json:"without_trust,omitempty"`
	Limit        int                    `json:"limit,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
}

// RoleDefinition is a named bundle of tools, constraints, and trust
// eligibility an agent session operates under.
type RoleDefinition struct {
	Name               string       `json:"name"`
	Purpose            string       `json:"purpose,omitempty"`
	AcceptsTrust       []TrustLevel `json:"accepts_trust"`
	Tools              ToolPolicy   `json:"tools"`
	SignificantActions []string     `json:"significant_actions,omitempty"`
	EscalatesTo        string       `json:"escalates_to,omitempty"`
	Instructions       string       `json:"instructions,omitempty"`
	Constraints        []Constraint `json:"constraints,omitempty"`
	Model              string       `json:"model,omitempty"`
	MaxTokens          int          `json:"max_tokens,omitempty"`
}

// AcceptsLevel reports whether the role may serve requests at the given trust.
func (r RoleDefinition) AcceptsLevel(t TrustLevel) bool {
	for _, lvl := range r.AcceptsTrust {
		if lvl == t {
			return true
		}
	}
	return false
}

// EscalationThresholds configure when oversight contacts must be notified.
type EscalationThresholds struct {
	OverturnedChallenges bool `json:"overturned_challenges,omitempty"`
	ConstitutionalAmends bool `json:"constitutional_amendments,omitempty"`
}

const (
	ProjectActive    = "active"
	ProjectSuspended = "suspended"
)

// ProjectConfig is the per-project governance configuration served by the
// configuration store.
type ProjectConfig struct {
	Project            string                      `json:"project"`
	Status             string                      `json:"status"`
	Roles              map[string]RoleDefinition   `json:"roles"`
	APIKeys            map[string]TrustLevel       `json:"api_keys,omitempty"`
	GithubRoles        map[string]TrustLevel       `json:"github_roles,omitempty"`
	RateLimits         map[TrustLevel]int          `json:"rate_limits,omitempty"`
	Routing            map[IntentCategory][]string `json:"routing,omitempty"`
	DefaultRole        string                      `json:"default_role,omitempty"`
	FallbackRole       string                      `json:"fallback_role,omitempty"`
	MaxEscalationDepth int                         `json:"max_escalation_depth,omitempty"`
	Thresholds         EscalationThresholds        `json:"escalation_thresholds"`
	OversightContacts  []string                    `json:"oversight_contacts,omitempty"`
}

// Normalized fills each role's Name from its map key so routing and session
// code can rely on it.
func (c ProjectConfig) Normalized() ProjectConfig {
	for name, role := range c.Roles {
		if role.Name == "" {
			role.Name = name
			c.Roles[name] = role
		}
	}
	return c
}

// EscalationDepth returns the configured bound with the project-wide default.
func (c ProjectConfig) EscalationDepth() int {
	if c.MaxEscalationDepth > 0 {
		return c.MaxEscalationDepth
	}
	return 3
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionBlocked   SessionStatus = "blocked"
)

// ToolUse records one attempted tool call, executed or blocked, in attempt
// order within a session.
type ToolUse struct {
	Timestamp   time.Time       `json:"timestamp"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Blocked     bool            `json:"blocked,omitempty"`
	BlockReason string          `json:"block_reason,omitempty"`
}

// AgentSession is one routed request attempt under one role.
type AgentSession struct {
	ID              string            `json:"id"`
	Project         string            `json:"project"`
	Role            string            `json:"role"`
	Request         GovernanceRequest `json:"request"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	Status          SessionStatus     `json:"status"`
	StatusReason    string            `json:"status_reason,omitempty"`
	ToolUses        []ToolUse         `json:"tool_uses,omitempty"`
	DecisionsLogged []string          `json:"decisions_logged,omitempty"`
	Escalations     []string          `json:"escalations,omitempty"`
	FinalResponse   string            `json:"final_response,omitempty"`
}

type DecisionStatus string

const (
	DecisionAdopted    DecisionStatus = "adopted"
	DecisionSuperseded DecisionStatus = "superseded"
	DecisionReversed   DecisionStatus = "reversed"
)

// Decision is an adopted governance outcome. Never edited in place; later
// decisions or accepted challenges supersede or reverse it.
type Decision struct {
	ID               string         `json:"id"`
	DecisionNumber   int64          `json:"decision_number"`
	Title            string         `json:"title"`
	Date             time.Time      `json:"date"`
	Status           DecisionStatus `json:"status"`
	DecisionMaker    string         `json:"decision_maker"`
	Project          string         `json:"project"`
	Decision         string         `json:"decision"`
	Reasoning        string         `json:"reasoning,omitempty"`
	Considerations   []string       `json:"considerations,omitempty"`
	Uncertainties    []string       `json:"uncertainties,omitempty"`
	Reversibility    string         `json:"reversibility,omitempty"`
	WouldChangeIf    []string       `json:"would_change_if,omitempty"`
	RelatedDecisions []string       `json:"related_decisions,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
}

type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeAccepted  ChallengeStatus = "accepted"
	ChallengeRejected  ChallengeStatus = "rejected"
	ChallengeWithdrawn ChallengeStatus = "withdrawn"
)

// Terminal reports whether a challenge status admits no further transitions.
func (s ChallengeStatus) Terminal() bool {
	switch s {
	case ChallengeAccepted, ChallengeRejected, ChallengeWithdrawn:
		return true
	default:
		return false
	}
}

type Challenge struct {
	ID          string          `json:"id"`
	DecisionID  string          `json:"decision_id"`
	Project     string          `json:"project"`
	SubmittedBy string          `json:"submitted_by"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Status      ChallengeStatus `json:"status"`
	Argument    string          `json:"argument"`
	Evidence    string          `json:"evidence,omitempty"`
	RespondedBy string          `json:"responded_by,omitempty"`
	RespondedAt *time.Time      `json:"responded_at,omitempty"`
	Response    string          `json:"response,omitempty"`
	Outcome     string          `json:"outcome,omitempty"`
}

// Audit event types produced by the pipeline and session engine. Every state
// transition in the core writes exactly one entry.
const (
	AuditEventSkipped       = "event_skipped"
	AuditEventAdmin         = "event_admin"
	AuditTrustGranted       = "trust_granted"
	AuditRateLimited        = "rate_limited"
	AuditRouted             = "request_routed"
	AuditNoEligibleRole     = "no_eligible_role"
	AuditToolBlocked        = "tool_blocked"
	AuditSoftViolation      = "soft_constraint_violation"
	AuditSessionEnded       = "session_ended"
	AuditDecisionLogged     = "decision_logged"
	AuditChallengeSubmitted = "challenge_submitted"
	AuditChallengeResponded = "challenge_responded"
	AuditEscalationRaised   = "escalation_raised"
	AuditNotifyFailed       = "notification_failed"
)

type AuditEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Project   string          `json:"project"`
	SessionID string          `json:"session_id,omitempty"`
	EventType string          `json:"event_type"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details,omitempty"`
	Trust     TrustLevel      `json:"trust_level,omitempty"`
}

// Escalation links a blocked or significant action to the child session that
// re-routed it.
type Escalation struct {
	ID              string    `json:"id"`
	ParentSessionID string    `json:"parent_session_id"`
	RequestID       string    `json:"request_id"`
	TargetRole      string    `json:"target_role"`
	Action          string    `json:"action"`
	Reason          string    `json:"reason"`
	Depth           int       `json:"depth"`
	CreatedAt       time.Time `json:"created_at"`
}
