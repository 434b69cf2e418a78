package constraint

import (
	"fmt"
	"strings"

	"steward/pkg/models"
)

// Action is one tool call as seen by policy: the tool name and, when the
// input carries one, the target path.
type Action struct {
	Name  string
	Path  string
	Trust models.TrustLevel
}

// Counts tracks per-session totals that limit constraints bound.
type Counts struct {
	Decisions int
	ToolCalls map[string]int
}

// Violation describes one constraint the action breaks.
type Violation struct {
	Constraint models.Constraint
	Hard       bool
	Reason     string
}

// Matcher evaluates custom constraints whose condition grammar is owned by
// the project. The default matcher treats everything as satisfied.
type Matcher interface {
	Match(c models.Constraint, a Action) (violated bool, reason string)
}

// NoopMatcher never reports a violation.
type NoopMatcher struct{}

func (NoopMatcher) Match(models.Constraint, Action) (bool, string) { return false, "" }

// Applicable reports whether a constraint binds the given action: on_actions
// absent or containing the action name, paths (if given) matching the target
// by prefix, and without_trust (if given) only for trust strictly below it.
func Applicable(c models.Constraint, a Action) bool {
	if len(c.OnActions) > 0 && !containsFold(c.OnActions, a.Name) {
		return false
	}
	if len(c.Paths) > 0 && !matchesPrefix(c.Paths, a.Path) {
		return false
	}
	if c.WithoutTrust != "" && !a.Trust.Below(c.WithoutTrust) {
		return false
	}
	return true
}

// Evaluate checks every applicable constraint and returns the violations in
// declaration order.
func Evaluate(constraints []models.Constraint, a Action, counts Counts, matcher Matcher) []Violation {
	if matcher == nil {
		matcher = NoopMatcher{}
	}
	var out []Violation
	for _, c := range constraints {
		if !Applicable(c, a) {
			continue
		}
		violated, reason := evaluateOne(c, a, counts, matcher)
		if !violated {
			continue
		}
		out = append(out, Violation{
			Constraint: c,
			Hard:       c.Enforcement == models.EnforceHard,
			Reason:     reason,
		})
	}
	return out
}

func evaluateOne(c models.Constraint, a Action, counts Counts, matcher Matcher) (bool, string) {
	switch c.Kind {
	case models.ConstraintPathRestriction:
		// Applicability already matched the path prefix; reaching here
		// means the action touches a restricted path.
		return true, fmt.Sprintf("path %q is restricted: %s", a.Path, describe(c))
	case models.ConstraintActionLimit:
		limit := c.Limit
		if limit <= 0 {
			return false, ""
		}
		used := counts.ToolCalls[strings.ToLower(a.Name)]
		if a.Name == "log_decision" && counts.Decisions > used {
			used = counts.Decisions
		}
		if used >= limit {
			return true, fmt.Sprintf("action %q exceeded limit %d: %s", a.Name, limit, describe(c))
		}
		return false, ""
	case models.ConstraintTrustGate:
		// Applicability already restricted this to sessions below the
		// named trust level.
		return true, fmt.Sprintf("action %q requires trust %s or above: %s", a.Name, c.WithoutTrust, describe(c))
	case models.ConstraintCustom:
		violated, reason := matcher.Match(c, a)
		if violated && reason == "" {
			reason = describe(c)
		}
		return violated, reason
	default:
		// Unknown kinds never pass silently as satisfied hard policy.
		return true, fmt.Sprintf("unknown constraint kind %q", c.Kind)
	}
}

func describe(c models.Constraint) string {
	if c.Description != "" {
		return c.Description
	}
	return string(c.Kind)
}

func containsFold(list []string, name string) bool {
	for _, item := range list {
		if strings.EqualFold(item, name) {
			return true
		}
	}
	return false
}

func matchesPrefix(prefixes []string, path string) bool {
	if path == "" {
		return false
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
