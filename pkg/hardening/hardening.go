package hardening

import (
	"fmt"
	"strings"
)

// EnvRequirement names a secret that must be set before the service may run
// in a production-like environment (webhook signing secret, model endpoint
// token, and so on).
type EnvRequirement struct {
	Name  string
	Value string
}

// Options carries the deployment posture a service wants validated at
// startup. Values are the raw env strings; empty means unset.
type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction rejects startup configurations that would run a
// production-like deployment without TLS on its stores, with permissive
// CORS, or with required secrets missing. Development and test environments
// pass unconditionally, as does any environment that explicitly opts out of
// strict security.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) {
		return nil
	}
	if !boolEnv(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !boolEnv(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !boolEnv(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if boolEnv(o.RedisTLSInsecure, false) || boolEnv(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := checkCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, secret := range o.RequiredServiceSecrets {
		if strings.TrimSpace(secret.Name) == "" {
			continue
		}
		if strings.TrimSpace(secret.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, secret.Name)
		}
	}
	return nil
}

// checkCORSOrigins requires an explicit HTTPS origin list. Wildcards and
// localhost origins are developer conveniences that must not reach
// production.
func checkCORSOrigins(raw, service string) error {
	seen := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		seen++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") ||
			strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if seen == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func boolEnv(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
