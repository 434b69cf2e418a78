package trust

import (
	"strings"

	"steward/pkg/models"
)

const (
	ReasonAPIKey       = "TRUST_API_KEY"
	ReasonPlatformRole = "TRUST_PLATFORM_ROLE"
	ReasonAnonymous    = "TRUST_ANONYMOUS"
)

type Result struct {
	Level  models.TrustLevel
	Reason string
}

// Classify maps an actor identity and channel to a trust level. An explicit
// per-project API key match fixes trust regardless of platform identity;
// otherwise the platform-role mapping is consulted; absence of both yields
// anonymous.
func Classify(identity, channel string, cfg models.ProjectConfig) Result {
	identity = strings.TrimSpace(identity)
	if identity != "" {
		if level, ok := cfg.APIKeys[identity]; ok {
			return Result{Level: level, Reason: ReasonAPIKey}
		}
	}
	if strings.EqualFold(channel, "github") && identity != "" {
		if level, ok := cfg.GithubRoles[identity]; ok {
			return Result{Level: level, Reason: ReasonPlatformRole}
		}
		if level, ok := cfg.GithubRoles[strings.ToLower(identity)]; ok {
			return Result{Level: level, Reason: ReasonPlatformRole}
		}
	}
	return Result{Level: models.TrustAnonymous, Reason: ReasonAnonymous}
}
