package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedis connects using REDIS_ADDR, REDIS_PASSWORD, REDIS_DB and the
// REDIS_TLS family of variables. The connection is verified with a short
// ping so callers can fall back to in-memory backends at startup.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			db = parsed
		}
	}
	tlsConfig, err := redisTLSFromEnv()
	if err != nil {
		return nil, err
	}
	if requiresSecureTransport("REDIS_REQUIRE_TLS") && tlsConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  os.Getenv("REDIS_PASSWORD"),
		DB:        db,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, time.Second*2)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

// redisTLSFromEnv returns nil when REDIS_TLS is not "true". Skipping
// verification needs both REDIS_TLS_INSECURE and REDIS_ALLOW_INSECURE_TLS.
func redisTLSFromEnv() (*tls.Config, error) {
	if !envFlag("REDIS_TLS") {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if envFlag("REDIS_TLS_INSECURE") {
		if !envFlag("REDIS_ALLOW_INSECURE_TLS") {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")); serverName != "" {
		cfg.ServerName = serverName
	}
	if err := applyRedisCA(cfg); err != nil {
		return nil, err
	}
	if err := applyRedisKeyPair(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyRedisCA(cfg *tls.Config) error {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE"))
	if caFile == "" {
		return nil
	}
	caBytes, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
	}
	cfg.RootCAs = pool
	return nil
}

func applyRedisKeyPair(cfg *tls.Config) error {
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	if certFile == "" && keyFile == "" {
		return nil
	}
	if certFile == "" || keyFile == "" {
		return fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return fmt.Errorf("load redis mTLS keypair: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	return nil
}

func envFlag(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}
