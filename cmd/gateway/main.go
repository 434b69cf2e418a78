package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"steward/pkg/configstore"
	"steward/pkg/constraint"
	"steward/pkg/eventclass"
	"steward/pkg/hardening"
	"steward/pkg/httpx"
	"steward/pkg/ledger"
	"steward/pkg/metrics"
	"steward/pkg/notify"
	"steward/pkg/pipeline"
	"steward/pkg/ratelimit"
	"steward/pkg/session"
	"steward/pkg/statebus"
	"steward/pkg/store"
	"steward/pkg/stream"
	"steward/pkg/telemetry"
	"steward/pkg/tools"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Ledger              ledger.Store
	Config              configstore.Provider
	Pipeline            *pipeline.Pipeline
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Consumer            statebus.Consumer
	HTTPClient          *http.Client
	WebhookSecret       string
	EventTimeout        time.Duration
	MaxRequestBodyBytes int64
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayOpenConsumerFunc func() (statebus.Consumer, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	openConsumerFn = func() (statebus.Consumer, error) {
		brokers := strings.TrimSpace(env("KAFKA_BROKERS", ""))
		if brokers == "" {
			return nil, nil
		}
		return statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_EVENTS_TOPIC", "governance.events"),
			GroupID: env("KAFKA_GROUP_ID", "gateway"),
		})
	}
	listenFnG     = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG = func(s *Server) {
		if s.Consumer != nil {
			go s.consumeLoop(context.Background())
		}
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, openConsumerFn, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	openConsumer gatewayOpenConsumerFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	ledgerStore := ledger.NewPostgres(pool)
	configTTL := envDurationSec("CONFIG_CACHE_TTL_SEC", 30)
	configProvider := configstore.NewPostgres(pool, configTTL)
	if env("DB_MIGRATE", "true") == "true" {
		if err := ledgerStore.Migrate(ctx); err != nil {
			return fmt.Errorf("ledger migrate: %w", err)
		}
		if err := configProvider.Migrate(ctx); err != nil {
			return fmt.Errorf("config migrate: %w", err)
		}
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	dedup := store.NewDeduper(cache)
	dedup.TTL = envDurationSec("DEDUP_TTL_SEC", 86400)

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 3600)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Hour
	}
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
	} else {
		limiter = ratelimit.NewInMemory(rateLimitWindow)
	}

	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 30000)),
	})
	upstreamRetries := envInt("UPSTREAM_RETRIES", 1)
	upstreamRetryDelay := time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 50))

	model := &httpModel{
		Client:     httpClient,
		Endpoint:   env("MODEL_URL", "http://localhost:8091") + "/v1/converse",
		Headers:    authHeaderMap(env("MODEL_AUTH_HEADER", "Authorization"), env("MODEL_AUTH_TOKEN", "")),
		Retries:    upstreamRetries,
		RetryDelay: upstreamRetryDelay,
	}

	toolURL := env("TOOL_URL", "http://localhost:8092")
	toolHeaders := authHeaderMap(env("TOOL_AUTH_HEADER", ""), env("TOOL_AUTH_TOKEN", ""))
	registry := tools.NewRegistry()
	for _, name := range splitList(env("TOOL_NAMES", "post_comment,add_label,close_issue,merge_pull_request,read_file,search_code")) {
		registry.Register(session.ToolSchema{Name: name}, tools.HTTPExecutor{
			Client:     httpClient,
			Endpoint:   toolURL + "/v1/tools/" + name,
			Headers:    toolHeaders,
			Retries:    upstreamRetries,
			RetryDelay: upstreamRetryDelay,
		})
	}

	var notifier session.Notifier
	if url := strings.TrimSpace(env("NOTIFY_WEBHOOK_URL", "")); url != "" {
		notifier = notify.Webhook{
			Client:     httpClient,
			Endpoint:   url,
			Headers:    authHeaderMap(env("NOTIFY_AUTH_HEADER", ""), env("NOTIFY_AUTH_TOKEN", "")),
			Retries:    upstreamRetries,
			RetryDelay: upstreamRetryDelay,
		}
	} else {
		notifier = notify.Logger{}
	}

	engine := &session.Engine{
		Model:    model,
		Tools:    registry,
		Ledger:   ledgerStore,
		Notifier: notifier,
		Matcher:  constraint.NoopMatcher{},
		MaxTurns: envInt("SESSION_MAX_TURNS", 32),
		Log:      log.Default(),
	}

	webhookSecret := env("WEBHOOK_SECRET", "")
	modelToken := env("MODEL_AUTH_TOKEN", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "WEBHOOK_SECRET", Value: webhookSecret},
			{Name: "MODEL_AUTH_TOKEN", Value: modelToken},
		},
	}); err != nil {
		return err
	}

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Ledger:              ledgerStore,
		Config:              configProvider,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		HTTPClient:          httpClient,
		WebhookSecret:       webhookSecret,
		EventTimeout:        envDurationSec("EVENT_TIMEOUT_SEC", 300),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}
	s.Pipeline = &pipeline.Pipeline{
		Config:   configProvider,
		Dedup:    dedup,
		Limiter:  limiter,
		Sessions: engine,
		Ledger:   ledgerStore,
		Metrics:  s.Metrics,
		Notifier: notifier,
		Log:      log.Default(),
	}

	if openConsumer != nil {
		consumer, err := openConsumer()
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		s.Consumer = consumer
		if consumer != nil {
			defer consumer.Close()
		}
	}

	r := s.routes()

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Post("/v1/events", s.handleWebhook)
	r.Post("/v1/invoke", s.handleInvoke)
	r.Get("/v1/decisions", s.listDecisions)
	r.Get("/v1/decisions/{decision_id}", s.getDecision)
	r.Get("/v1/sessions", s.listSessions)
	r.Get("/v1/sessions/{session_id}", s.getSession)
	r.Get("/v1/challenges", s.listChallenges)
	r.Post("/v1/challenges", s.submitChallenge)
	r.Post("/v1/challenges/{challenge_id}/respond", s.respondChallenge)
	r.Get("/v1/audit", s.listAudit)
	r.Post("/v1/projects", s.registerProject)
	r.Post("/v1/projects/{owner}/{repo}/suspend", s.suspendProject)
	r.Post("/v1/projects/{owner}/{repo}/sync", s.syncProject)
	r.Get("/v1/projects/{owner}/{repo}/stats", s.projectStats)
	r.Get("/v1/stream", s.streamEvents)
	return r
}

func (s *Server) consumeLoop(ctx context.Context) {
	handler := func(ctx context.Context, ev eventclass.Event) error {
		_, err := s.dispose(ctx, ev)
		return err
	}
	for {
		err := statebus.Ingest(ctx, s.Consumer, handler, log.Default())
		if err == nil {
			return
		}
		log.Printf("gateway: event consumer: %v", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.DB == nil || s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var activeSessions int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE status='active'`).Scan(&activeSessions)
	s.Metrics.SetGauge("sessions_active", float64(activeSessions))
	var pendingChallenges int
	var pendingOldest float64
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MAX(EXTRACT(EPOCH FROM (now() - submitted_at))), 0)
		FROM challenges WHERE status='pending'
	`).Scan(&pendingChallenges, &pendingOldest)
	s.Metrics.SetGauge("challenges_pending", float64(pendingChallenges))
	s.Metrics.SetGauge("challenges_pending_oldest_seconds", pendingOldest)
	var decisions int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&decisions)
	s.Metrics.SetGauge("decisions_total", float64(decisions))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func verifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func authHeaderMap(header, token string) map[string]string {
	header = strings.TrimSpace(header)
	token = strings.TrimSpace(token)
	if header == "" || token == "" {
		return nil
	}
	if strings.EqualFold(header, "Authorization") && !strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = "Bearer " + token
	}
	return map[string]string{header: token}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	project := strings.TrimSpace(r.URL.Query().Get("project"))
	sub := s.Events.Subscribe(project, 64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", project, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// httpModel drives the agent conversation through an upstream inference
// endpoint. The endpoint receives the prompt, full history, and offered
// tool schemas, and answers with either tool calls or a final message.
type httpModel struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

type converseRequest struct {
	Prompt  string               `json:"prompt"`
	History []session.Turn       `json:"history,omitempty"`
	Tools   []session.ToolSchema `json:"tools,omitempty"`
}

type converseResponse struct {
	Calls []session.ToolCall `json:"calls,omitempty"`
	Final string             `json:"final,omitempty"`
}

func (m *httpModel) Converse(ctx context.Context, prompt string, history []session.Turn, schemas []session.ToolSchema) (session.Reply, error) {
	payload, err := json.Marshal(converseRequest{Prompt: prompt, History: history, Tools: schemas})
	if err != nil {
		return session.Reply{}, err
	}
	status, body, err := httpx.RequestJSON(ctx, m.Client, http.MethodPost, m.Endpoint, payload, m.Headers, m.Retries, m.RetryDelay)
	if err != nil {
		return session.Reply{}, err
	}
	if status >= 300 {
		return session.Reply{}, fmt.Errorf("model endpoint status %d", status)
	}
	var resp converseResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return session.Reply{}, fmt.Errorf("model response: %w", err)
	}
	return session.Reply{Calls: resp.Calls, Final: resp.Final}, nil
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
