package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"steward/pkg/httpx"
)

// Webhook posts notifications to a single endpoint, one JSON document per
// message. Delivery is best effort; callers record failures in the audit
// trail rather than retrying indefinitely.
type Webhook struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

type message struct {
	Contact string `json:"contact"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	SentAt  string `json:"sent_at"`
}

func (w Webhook) Notify(ctx context.Context, contact, subject, body string) error {
	if w.Endpoint == "" {
		return errors.New("notify: webhook endpoint is empty")
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	payload, err := json.Marshal(message{
		Contact: contact,
		Subject: subject,
		Body:    body,
		SentAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	status, _, err := httpx.RequestJSON(ctx, client, http.MethodPost, w.Endpoint, payload, w.Headers, w.Retries, w.RetryDelay)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("notify: webhook status %d", status)
	}
	return nil
}

// Logger writes notifications to the process log. Used when no webhook is
// configured so oversight messages are never silently dropped.
type Logger struct {
	Log *log.Logger
}

func (l Logger) Notify(ctx context.Context, contact, subject, body string) error {
	out := l.Log
	if out == nil {
		out = log.Default()
	}
	out.Printf("notify: to=%s subject=%q body=%q", contact, subject, body)
	return nil
}
