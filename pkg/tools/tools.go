package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"steward/pkg/httpx"
	"steward/pkg/session"
)

var ErrUnknownTool = errors.New("tools: unknown tool")

// Executor runs one concrete tool.
type Executor interface {
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

type entry struct {
	schema   session.ToolSchema
	executor Executor
}

// Registry maps tool names to executors and serves the schema list offered
// to the model. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

func (r *Registry) Register(schema session.ToolSchema, ex Executor) {
	r.mu.Lock()
	r.entries[schema.Name] = entry{schema: schema, executor: ex}
	r.mu.Unlock()
}

func (r *Registry) Schemas() []session.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]session.ToolSchema, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return e.executor.Execute(ctx, input)
}

// HTTPExecutor forwards tool input to an upstream endpoint as JSON. Used for
// tools backed by external services (issue trackers, CI, repository hosts).
type HTTPExecutor struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (h HTTPExecutor) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if h.Endpoint == "" {
		return nil, errors.New("tools: endpoint is empty")
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	status, body, err := httpx.RequestJSON(ctx, client, http.MethodPost, h.Endpoint, input, h.Headers, h.Retries, h.RetryDelay)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("tools: upstream status %d", status)
	}
	return body, nil
}
