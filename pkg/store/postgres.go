package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Seams so failure-path tests run without waiting out the retry loop.
var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// NewPostgresPool builds the shared pool behind the ledger and project
// config stores. DATABASE_URL wins; otherwise the DSN is assembled from
// the DATABASE_* variables. The retry loop covers the database coming up
// after the gateway in compose environments.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	if requiresSecureTransport("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := poolConfig(dsn)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func poolConfig(dsn string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	// Session variables consumed by row-level security policies when the
	// database is shared between deployments.
	if v := strings.TrimSpace(os.Getenv("DB_TENANT_SCOPE")); v != "" {
		cfg.ConnConfig.RuntimeParams["app.current_tenant_scope"] = v
	}
	if v := strings.TrimSpace(os.Getenv("DB_TENANT_STATIC")); v != "" {
		cfg.ConnConfig.RuntimeParams["app.current_tenant"] = v
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = time.Minute * 5
	return cfg, nil
}

func defaultPostgresURL() string {
	user := envOr("DATABASE_USER", "steward")
	host := envOr("DATABASE_HOST", "localhost")
	port := envOr("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + envOr("DATABASE_NAME", "steward"),
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", envOr("DATABASE_SSLMODE", "disable"))
	uri.RawQuery = q.Encode()
	return uri.String()
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func requiresSecureTransport(envKey string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(envKey)))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}
