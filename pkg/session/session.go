package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"steward/pkg/constraint"
	"steward/pkg/ledger"
	"steward/pkg/models"
	"steward/pkg/router"
)

var (
	ErrRoleUnknown        = errors.New("session: role not defined for project")
	ErrEscalationLimit    = errors.New("escalation limit exceeded")
	ErrModelLoopExhausted = errors.New("session: turn budget exhausted")
)

var timeNow = time.Now

// DecisionTool is the built-in tool every role may use to append a decision
// to the ledger. It never reaches the executor registry.
const DecisionTool = "log_decision"

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is fed back to the model after the engine disposes of a call.
type ToolResult struct {
	Name    string          `json:"name"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Blocked bool            `json:"blocked,omitempty"`
}

// Turn is one entry of the conversation history handed back to the model.
type Turn struct {
	Role    string       `json:"role"`
	Content string       `json:"content,omitempty"`
	Calls   []ToolCall   `json:"calls,omitempty"`
	Results []ToolResult `json:"results,omitempty"`
}

// Reply is a single model response: either tool calls or a final answer.
type Reply struct {
	Calls []ToolCall
	Final string
}

// Model produces the next step of an agent conversation.
type Model interface {
	Converse(ctx context.Context, prompt string, history []Turn, tools []ToolSchema) (Reply, error)
}

// ToolExecutor resolves and runs concrete tools.
type ToolExecutor interface {
	Schemas() []ToolSchema
	Execute(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}

// Notifier delivers out-of-band messages to oversight contacts.
type Notifier interface {
	Notify(ctx context.Context, contact, subject, body string) error
}

// Engine runs policy-governed agent sessions. Every terminal transition
// writes exactly one session_ended audit entry.
type Engine struct {
	Model    Model
	Tools    ToolExecutor
	Ledger   ledger.Store
	Notifier Notifier
	Matcher  constraint.Matcher
	MaxTurns int
	Log      *log.Logger
}

func (e *Engine) maxTurns() int {
	if e.MaxTurns > 0 {
		return e.MaxTurns
	}
	return 32
}

func (e *Engine) logf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
	}
}

// Run executes one session for a routed request under the named role and
// returns the terminal session. A non-nil error means the engine itself
// failed; policy outcomes (blocked, failed) are reported on the session.
func (e *Engine) Run(ctx context.Context, req models.GovernanceRequest, roleName string, cfg models.ProjectConfig) (models.AgentSession, error) {
	return e.run(ctx, req, roleName, cfg, 0, "")
}

func (e *Engine) run(ctx context.Context, req models.GovernanceRequest, roleName string, cfg models.ProjectConfig, depth int, parentID string) (models.AgentSession, error) {
	role, ok := cfg.Roles[roleName]
	if !ok {
		return models.AgentSession{}, fmt.Errorf("%w: %q", ErrRoleUnknown, roleName)
	}
	sess := models.AgentSession{
		ID:        uuid.NewString(),
		Project:   req.Project,
		Role:      roleName,
		Request:   req,
		StartedAt: timeNow().UTC(),
		Status:    models.SessionActive,
	}
	if err := e.Ledger.SaveSession(ctx, sess); err != nil {
		return models.AgentSession{}, err
	}

	counts := constraint.Counts{ToolCalls: map[string]int{}}
	schemas := e.offeredSchemas(role)
	prompt := buildPrompt(role, req)
	var history []Turn

	for turn := 0; turn < e.maxTurns(); turn++ {
		if ctx.Err() != nil {
			return e.finish(sess, models.SessionFailed, "cancelled")
		}
		reply, err := e.Model.Converse(ctx, prompt, history, schemas)
		if err != nil {
			if ctx.Err() != nil {
				return e.finish(sess, models.SessionFailed, "cancelled")
			}
			return e.finish(sess, models.SessionFailed, "model error: "+err.Error())
		}
		if len(reply.Calls) == 0 {
			sess.FinalResponse = reply.Final
			return e.finish(sess, models.SessionCompleted, "")
		}
		history = append(history, Turn{Role: "assistant", Content: reply.Final, Calls: reply.Calls})

		var results []ToolResult
		for _, call := range reply.Calls {
			if ctx.Err() != nil {
				return e.finish(sess, models.SessionFailed, "cancelled")
			}
			res, stop, reason := e.handleCall(ctx, &sess, role, cfg, req, call, &counts, depth)
			results = append(results, res)
			if stop != "" {
				sess.ToolUses = append(sess.ToolUses, blockedUse(call, reason))
				return e.finish(sess, stop, reason)
			}
		}
		history = append(history, Turn{Role: "tool", Results: results})
	}
	return e.finish(sess, models.SessionFailed, ErrModelLoopExhausted.Error())
}

// handleCall disposes of one tool call in policy order: allow/deny first,
// then significant actions, then constraints, then execution. A non-empty
// stop status ends the session: blocked for an unescalatable hard violation,
// failed for an exhausted escalation chain.
func (e *Engine) handleCall(ctx context.Context, sess *models.AgentSession, role models.RoleDefinition, cfg models.ProjectConfig, req models.GovernanceRequest, call ToolCall, counts *constraint.Counts, depth int) (res ToolResult, stop models.SessionStatus, reason string) {
	action := constraint.Action{Name: call.Name, Path: pathFromInput(call.Input), Trust: req.Trust}

	if deniedReason, denied := policyDenies(role.Tools, call.Name); denied {
		sess.ToolUses = append(sess.ToolUses, blockedUse(call, deniedReason))
		e.audit(ctx, sess, models.AuditToolBlocked, call.Name, deniedReason)
		return ToolResult{Name: call.Name, Blocked: true, Error: deniedReason}, "", ""
	}

	if isSignificant(role, call.Name) {
		return e.escalate(ctx, sess, role, cfg, req, call, depth, "significant action")
	}

	violations := constraint.Evaluate(role.Constraints, action, *counts, e.Matcher)
	for _, v := range violations {
		if !v.Hard {
			continue
		}
		if role.EscalatesTo != "" {
			return e.escalate(ctx, sess, role, cfg, req, call, depth, v.Reason)
		}
		e.audit(ctx, sess, models.AuditToolBlocked, call.Name, v.Reason)
		return ToolResult{}, models.SessionBlocked, v.Reason
	}
	var softNotes []string
	for _, v := range violations {
		softNotes = append(softNotes, v.Reason)
		e.audit(ctx, sess, models.AuditSoftViolation, call.Name, v.Reason)
	}

	use := models.ToolUse{Timestamp: timeNow().UTC(), ToolName: call.Name, Input: call.Input}
	if call.Name == DecisionTool {
		output, err := e.logDecision(ctx, sess, role, req, call.Input)
		if err != nil {
			// A rejected or failed write does not consume the decision
			// budget.
			use.Error = err.Error()
		} else {
			counts.Decisions++
			counts.ToolCalls[DecisionTool]++
			use.Output = output
		}
	} else {
		// Counted under the same canonical key action_limit reads.
		counts.ToolCalls[strings.ToLower(call.Name)]++
		output, err := e.Tools.Execute(ctx, call.Name, call.Input)
		use.Output = output
		if err != nil {
			use.Error = err.Error()
		}
	}
	use.Output = annotateSoft(use.Output, softNotes)
	sess.ToolUses = append(sess.ToolUses, use)
	return ToolResult{Name: call.Name, Output: use.Output, Error: use.Error}, "", ""
}

// escalate raises the action to the role's escalation target and runs the
// child session synchronously. Depth is bounded by the project config;
// exceeding the bound is fatal and fails every session in the chain.
func (e *Engine) escalate(ctx context.Context, sess *models.AgentSession, role models.RoleDefinition, cfg models.ProjectConfig, req models.GovernanceRequest, call ToolCall, depth int, why string) (ToolResult, models.SessionStatus, string) {
	target := role.EscalatesTo
	if target == "" {
		target = cfg.FallbackRole
	}
	if target == "" {
		reason := "no escalation target for " + why
		sess.ToolUses = append(sess.ToolUses, blockedUse(call, reason))
		e.audit(ctx, sess, models.AuditToolBlocked, call.Name, reason)
		return ToolResult{Name: call.Name, Blocked: true, Error: reason}, "", ""
	}
	if _, err := router.RouteEscalation(target, cfg); err != nil {
		reason := "escalation target " + target + " not defined"
		sess.ToolUses = append(sess.ToolUses, blockedUse(call, reason))
		e.audit(ctx, sess, models.AuditToolBlocked, call.Name, reason)
		return ToolResult{Name: call.Name, Blocked: true, Error: reason}, "", ""
	}
	if depth+1 > cfg.EscalationDepth() {
		reason := ErrEscalationLimit.Error()
		e.audit(ctx, sess, models.AuditToolBlocked, call.Name, reason)
		return ToolResult{}, models.SessionFailed, reason
	}

	esc := models.Escalation{
		ID:              uuid.NewString(),
		ParentSessionID: sess.ID,
		RequestID:       req.ID,
		TargetRole:      target,
		Action:          call.Name,
		Reason:          why,
		Depth:           depth + 1,
		CreatedAt:       timeNow().UTC(),
	}
	sess.Escalations = append(sess.Escalations, esc.ID)
	e.audit(ctx, sess, models.AuditEscalationRaised, call.Name, fmt.Sprintf("%s -> %s: %s", sess.Role, target, why))

	childReq := req
	childReq.Intent = fmt.Sprintf("Escalated from role %s: approve or perform %s (%s). Original intent: %s",
		sess.Role, call.Name, why, req.Intent)
	child, err := e.run(ctx, childReq, target, cfg, depth+1, sess.ID)
	if err != nil {
		e.logf("session: escalation %s to %s failed: %v", esc.ID, target, err)
		sess.ToolUses = append(sess.ToolUses, blockedUse(call, "escalation failed: "+err.Error()))
		return ToolResult{Name: call.Name, Blocked: true, Error: "escalation failed"}, "", ""
	}
	if child.Status == models.SessionFailed && child.StatusReason == ErrEscalationLimit.Error() {
		// The chain hit the depth bound somewhere below; the whole chain
		// fails, not just the session that tripped it.
		return ToolResult{}, models.SessionFailed, child.StatusReason
	}
	sess.ToolUses = append(sess.ToolUses, models.ToolUse{
		Timestamp:   timeNow().UTC(),
		ToolName:    call.Name,
		Input:       call.Input,
		Blocked:     true,
		BlockReason: fmt.Sprintf("escalated to %s (session %s, %s)", target, child.ID, child.Status),
	})
	body, _ := json.Marshal(map[string]string{
		"escalated_to": target,
		"session_id":   child.ID,
		"status":       string(child.Status),
		"response":     child.FinalResponse,
	})
	return ToolResult{Name: call.Name, Output: body}, "", ""
}

// logDecision is the built-in ledger tool: number assignment and append are
// a single logical step so concurrent sessions never share a number.
func (e *Engine) logDecision(ctx context.Context, sess *models.AgentSession, role models.RoleDefinition, req models.GovernanceRequest, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Title          string   `json:"title"`
		Decision       string   `json:"decision"`
		Reasoning      string   `json:"reasoning"`
		Considerations []string `json:"considerations"`
		Uncertainties  []string `json:"uncertainties"`
		Reversibility  string   `json:"reversibility"`
		WouldChangeIf  []string `json:"would_change_if"`
		Related        []string `json:"related_decisions"`
		Tags           []string `json:"tags"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("log_decision: bad input: %w", err)
	}
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Decision) == "" {
		return nil, errors.New("log_decision: title and decision are required")
	}
	n, err := e.Ledger.NextDecisionNumber(ctx, req.Project)
	if err != nil {
		return nil, err
	}
	d := models.Decision{
		ID:               uuid.NewString(),
		DecisionNumber:   n,
		Title:            in.Title,
		Date:             timeNow().UTC(),
		Status:           models.DecisionAdopted,
		DecisionMaker:    sess.Role,
		Project:          req.Project,
		Decision:         in.Decision,
		Reasoning:        in.Reasoning,
		Considerations:   in.Considerations,
		Uncertainties:    in.Uncertainties,
		Reversibility:    in.Reversibility,
		WouldChangeIf:    in.WouldChangeIf,
		RelatedDecisions: in.Related,
		Tags:             in.Tags,
	}
	if err := e.Ledger.AppendDecision(ctx, d); err != nil {
		return nil, err
	}
	sess.DecisionsLogged = append(sess.DecisionsLogged, d.ID)
	e.audit(ctx, sess, models.AuditDecisionLogged, in.Title, fmt.Sprintf("decision #%d adopted", n))
	return json.Marshal(map[string]any{"id": d.ID, "decision_number": n})
}

// finish is the single terminal transition: it persists the session and
// writes the one session_ended audit entry.
func (e *Engine) finish(sess models.AgentSession, status models.SessionStatus, reason string) (models.AgentSession, error) {
	ended := timeNow().UTC()
	sess.EndedAt = &ended
	sess.Status = status
	sess.StatusReason = reason

	// Persist with a fresh context so cancellation still flushes the
	// session and its recorded tool uses.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Ledger.SaveSession(flushCtx, sess); err != nil {
		e.logf("session: flush %s: %v", sess.ID, err)
	}
	e.audit(flushCtx, &sess, models.AuditSessionEnded, string(status), reason)
	return sess, nil
}

func (e *Engine) audit(ctx context.Context, sess *models.AgentSession, eventType, action, detail string) {
	var details json.RawMessage
	if detail != "" {
		details, _ = json.Marshal(map[string]string{"detail": detail})
	}
	err := e.Ledger.AppendAudit(ctx, models.AuditEntry{
		Timestamp: timeNow().UTC(),
		Project:   sess.Project,
		SessionID: sess.ID,
		EventType: eventType,
		Actor:     sess.Role,
		Action:    action,
		Details:   details,
		Trust:     sess.Request.Trust,
	})
	if err != nil {
		e.logf("session: audit %s for %s: %v", eventType, sess.ID, err)
	}
}

func (e *Engine) offeredSchemas(role models.RoleDefinition) []ToolSchema {
	var out []ToolSchema
	for _, s := range e.Tools.Schemas() {
		if _, denied := policyDenies(role.Tools, s.Name); denied {
			continue
		}
		out = append(out, s)
	}
	out = append(out, ToolSchema{
		Name:        DecisionTool,
		Description: "Append an adopted decision to the project ledger.",
	})
	return out
}

// policyDenies applies the role's tool policy. An explicit deny always wins;
// a non-empty allow list denies anything it does not name. log_decision is
// always available unless explicitly denied.
func policyDenies(p models.ToolPolicy, name string) (string, bool) {
	for _, d := range p.Denied {
		if strings.EqualFold(d, name) {
			return "tool " + name + " denied by role policy", true
		}
	}
	if name == DecisionTool {
		return "", false
	}
	if len(p.Allowed) == 0 {
		return "", false
	}
	for _, a := range p.Allowed {
		if strings.EqualFold(a, name) {
			return "", false
		}
	}
	return "tool " + name + " not in role allow list", true
}

func isSignificant(role models.RoleDefinition, name string) bool {
	for _, s := range role.SignificantActions {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func blockedUse(call ToolCall, reason string) models.ToolUse {
	return models.ToolUse{
		Timestamp:   timeNow().UTC(),
		ToolName:    call.Name,
		Input:       call.Input,
		Blocked:     true,
		BlockReason: reason,
	}
}

// pathFromInput checks the conventional keys a file-touching tool carries.
func pathFromInput(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"path", "file_path", "target", "filename"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func annotateSoft(output json.RawMessage, notes []string) json.RawMessage {
	if len(notes) == 0 {
		return output
	}
	wrapped := map[string]any{"soft_constraint_violations": notes}
	if len(output) > 0 {
		wrapped["result"] = json.RawMessage(output)
	}
	b, err := json.Marshal(wrapped)
	if err != nil {
		return output
	}
	return b
}

func buildPrompt(role models.RoleDefinition, req models.GovernanceRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are acting as the %s role for project %s.\n", role.Name, req.Project)
	if role.Purpose != "" {
		fmt.Fprintf(&b, "Purpose: %s\n", role.Purpose)
	}
	if role.Instructions != "" {
		b.WriteString(role.Instructions)
		b.WriteString("\n")
	}
	if len(role.Constraints) > 0 {
		b.WriteString("Constraints in effect:\n")
		for _, c := range role.Constraints {
			if c.Description != "" {
				fmt.Fprintf(&b, "- [%s] %s\n", c.Enforcement, c.Description)
			}
		}
	}
	fmt.Fprintf(&b, "\nTask: %s\n", req.Intent)
	if len(req.Payload) > 0 {
		fmt.Fprintf(&b, "\nContext payload:\n%s\n", req.Payload)
	}
	return b.String()
}
