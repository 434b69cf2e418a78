package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	eventOutcome    map[string]int64
	sessionStatus   map[string]int64
	toolOutcome     map[string]int64
	challengeStatus map[string]int64
	gauges          map[string]float64
	rateLimited     int64
	escalations     int64
	decisionsLogged int64
	notifyFailures  int64
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	EventOutcomes   map[string]int64        `json:"event_outcomes"`
	SessionStatuses map[string]int64        `json:"session_statuses"`
	ToolOutcomes    map[string]int64        `json:"tool_outcomes"`
	ChallengeTotals map[string]int64        `json:"challenge_totals"`
	Gauges          map[string]float64      `json:"gauges"`
	RateLimited     int64                   `json:"rate_limited_total"`
	Escalations     int64                   `json:"escalations_total"`
	DecisionsLogged int64                   `json:"decisions_logged_total"`
	NotifyFailures  int64                   `json:"notify_failures_total"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:        map[string]*EndpointStat{},
		eventOutcome:    map[string]int64{},
		sessionStatus:   map[string]int64{},
		toolOutcome:     map[string]int64{},
		challengeStatus: map[string]int64{},
		gauges:          map[string]float64{},
		Histograms:      NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncEventOutcome counts inbound events by disposition: processed, skipped,
// duplicate, admin, suspended, rate_limited.
func (r *Registry) IncEventOutcome(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.eventOutcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncSessionStatus(status string) {
	if status == "" {
		return
	}
	r.mu.Lock()
	r.sessionStatus[status]++
	r.mu.Unlock()
}

// IncToolOutcome counts tool calls by disposition: executed, blocked, errored.
func (r *Registry) IncToolOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.toolOutcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncChallenge(status string) {
	if status == "" {
		return
	}
	r.mu.Lock()
	r.challengeStatus[status]++
	r.mu.Unlock()
}

func (r *Registry) IncRateLimited() {
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
}

func (r *Registry) IncEscalations() {
	r.mu.Lock()
	r.escalations++
	r.mu.Unlock()
}

func (r *Registry) IncDecisionsLogged() {
	r.mu.Lock()
	r.decisionsLogged++
	r.mu.Unlock()
}

func (r *Registry) IncNotifyFailures() {
	r.mu.Lock()
	r.notifyFailures++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		EventOutcomes:   make(map[string]int64, len(r.eventOutcome)),
		SessionStatuses: make(map[string]int64, len(r.sessionStatus)),
		ToolOutcomes:    make(map[string]int64, len(r.toolOutcome)),
		ChallengeTotals: make(map[string]int64, len(r.challengeStatus)),
		Gauges:          make(map[string]float64, len(r.gauges)),
		RateLimited:     r.rateLimited,
		Escalations:     r.escalations,
		DecisionsLogged: r.decisionsLogged,
		NotifyFailures:  r.notifyFailures,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.eventOutcome {
		out.EventOutcomes[k] = v
	}
	for k, v := range r.sessionStatus {
		out.SessionStatuses[k] = v
	}
	for k, v := range r.toolOutcome {
		out.ToolOutcomes[k] = v
	}
	for k, v := range r.challengeStatus {
		out.ChallengeTotals[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP steward_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE steward_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "steward_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP steward_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE steward_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "steward_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP steward_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE steward_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "steward_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP steward_event_total inbound events by disposition\n")
		b.WriteString("# TYPE steward_event_total counter\n")
		for _, outcome := range SortedKeys(snap.EventOutcomes) {
			fmt.Fprintf(b, "steward_event_total{outcome=%q} %d\n", outcome, snap.EventOutcomes[outcome])
		}
		b.WriteString("# HELP steward_session_total agent sessions by terminal status\n")
		b.WriteString("# TYPE steward_session_total counter\n")
		for _, status := range SortedKeys(snap.SessionStatuses) {
			fmt.Fprintf(b, "steward_session_total{status=%q} %d\n", status, snap.SessionStatuses[status])
		}
		b.WriteString("# HELP steward_tool_total tool calls by disposition\n")
		b.WriteString("# TYPE steward_tool_total counter\n")
		for _, outcome := range SortedKeys(snap.ToolOutcomes) {
			fmt.Fprintf(b, "steward_tool_total{outcome=%q} %d\n", outcome, snap.ToolOutcomes[outcome])
		}
		b.WriteString("# HELP steward_challenge_total challenges by status\n")
		b.WriteString("# TYPE steward_challenge_total counter\n")
		for _, status := range SortedKeys(snap.ChallengeTotals) {
			fmt.Fprintf(b, "steward_challenge_total{status=%q} %d\n", status, snap.ChallengeTotals[status])
		}
		b.WriteString("# HELP steward_rate_limited_total requests rejected by rate limiting\n")
		b.WriteString("# TYPE steward_rate_limited_total counter\n")
		fmt.Fprintf(b, "steward_rate_limited_total %d\n", snap.RateLimited)
		b.WriteString("# HELP steward_escalations_total escalations raised by sessions\n")
		b.WriteString("# TYPE steward_escalations_total counter\n")
		fmt.Fprintf(b, "steward_escalations_total %d\n", snap.Escalations)
		b.WriteString("# HELP steward_decisions_logged_total decisions appended to the ledger\n")
		b.WriteString("# TYPE steward_decisions_logged_total counter\n")
		fmt.Fprintf(b, "steward_decisions_logged_total %d\n", snap.DecisionsLogged)
		b.WriteString("# HELP steward_notify_failures_total oversight notifications that failed\n")
		b.WriteString("# TYPE steward_notify_failures_total counter\n")
		fmt.Fprintf(b, "steward_notify_failures_total %d\n", snap.NotifyFailures)
		b.WriteString("# HELP steward_gauge operational gauge metrics\n")
		b.WriteString("# TYPE steward_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "steward_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP steward_latency_seconds latency histogram\n")
			b.WriteString("# TYPE steward_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "steward_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "steward_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "steward_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "steward_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "steward_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "steward_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "steward_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
