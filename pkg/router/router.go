package router

import (
	"errors"
	"sort"
	"strings"

	"steward/pkg/models"
)

// ErrNoEligibleRole is returned when routing exhausts every candidate,
// including the project fallback. Callers audit it; requests are never
// silently dropped.
var ErrNoEligibleRole = errors.New("no eligible role for request")

// Route maps a governance request to the first role eligible for its intent
// category and trust level. Candidate order: the project routing table for
// the category, else the default ordering over all roles; the project
// fallback role is the last resort.
func Route(req models.GovernanceRequest, cfg models.ProjectConfig) (models.RoleDefinition, error) {
	category := req.Category
	if category == "" {
		category = CategoryFromIntent(req.Intent)
	}
	for _, name := range candidates(category, cfg) {
		role, ok := cfg.Roles[name]
		if !ok {
			continue
		}
		if role.AcceptsLevel(req.Trust) {
			return role, nil
		}
	}
	if fallback, ok := cfg.Roles[cfg.FallbackRole]; ok && fallback.AcceptsLevel(req.Trust) {
		return fallback, nil
	}
	return models.RoleDefinition{}, ErrNoEligibleRole
}

// RouteEscalation forces the target role for an escalated request. The
// target must exist; trust eligibility is not re-checked because escalation
// authority comes from the escalating role's policy, not the original actor.
func RouteEscalation(target string, cfg models.ProjectConfig) (models.RoleDefinition, error) {
	role, ok := cfg.Roles[target]
	if !ok {
		return models.RoleDefinition{}, ErrNoEligibleRole
	}
	return role, nil
}

func candidates(category models.IntentCategory, cfg models.ProjectConfig) []string {
	if names, ok := cfg.Routing[category]; ok && len(names) > 0 {
		return names
	}
	// Default ordering: the configured default role first, then the rest
	// alphabetically so routing stays deterministic.
	rest := make([]string, 0, len(cfg.Roles))
	for name := range cfg.Roles {
		if name != cfg.DefaultRole {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	if cfg.DefaultRole != "" {
		return append([]string{cfg.DefaultRole}, rest...)
	}
	return rest
}

// CategoryFromIntent recovers a routing category from intent text for
// requests that did not carry one.
func CategoryFromIntent(intent string) models.IntentCategory {
	lower := strings.ToLower(intent)
	switch {
	case strings.HasPrefix(lower, "triage"):
		return models.IntentTriage
	case strings.HasPrefix(lower, "implement"):
		return models.IntentImplement
	case strings.HasPrefix(lower, "evaluate"):
		return models.IntentEvaluate
	case strings.HasPrefix(lower, "notify"):
		return models.IntentNotification
	case strings.HasPrefix(lower, "acknowledge"):
		return models.IntentAcknowledge
	case strings.Contains(lower, "governance"), strings.Contains(lower, "escalat"):
		return models.IntentGovernance
	case strings.Contains(lower, "ci failure"):
		return models.IntentCIFailure
	default:
		return models.IntentReview
	}
}
