package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"steward/pkg/session"
)

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry()
	reg.Register(session.ToolSchema{Name: "echo"}, ExecutorFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	}))

	out, err := reg.Execute(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != `{"x":1}` {
		t.Fatalf("output = %s", out)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Execute(context.Background(), "missing", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
}

func TestSchemasSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(session.ToolSchema{Name: "zeta"}, ExecutorFunc(nil))
	reg.Register(session.ToolSchema{Name: "alpha"}, ExecutorFunc(nil))
	schemas := reg.Schemas()
	if len(schemas) != 2 || schemas[0].Name != "alpha" || schemas[1].Name != "zeta" {
		t.Fatalf("schemas = %+v", schemas)
	}
}

func TestHTTPExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		_, _ = w.Write([]byte(`{"done":true}`))
	}))
	defer srv.Close()

	ex := HTTPExecutor{Client: srv.Client(), Endpoint: srv.URL}
	out, err := ex.Execute(context.Background(), json.RawMessage(`{"pr":7}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != `{"done":true}` {
		t.Fatalf("output = %s", out)
	}
}

func TestHTTPExecutorUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ex := HTTPExecutor{Client: srv.Client(), Endpoint: srv.URL}
	if _, err := ex.Execute(context.Background(), nil); err == nil {
		t.Fatal("expected error for 403 upstream")
	}
}
