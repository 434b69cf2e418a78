package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON sends a JSON request and returns the status, body, and error.
// Transport errors, body read errors, and 5xx responses retry up to the
// given count with a fixed delay; 4xx responses return immediately since
// repeating them cannot help.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		status, respBody, retryable, err := sendJSONOnce(ctx, client, method, url, body, headers)
		if err != nil && !retryable {
			return 0, nil, err
		}
		if err == nil && (status < 500 || attempt == retries) {
			return status, respBody, nil
		}
		lastErr = err
		if attempt == retries {
			break
		}
		time.Sleep(retryDelay)
	}
	if lastErr != nil {
		return 0, nil, lastErr
	}
	return 0, nil, nil
}

// sendJSONOnce performs a single attempt. retryable distinguishes
// transport and read failures from request construction errors.
func sendJSONOnce(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, false, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, true, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return 0, nil, true, readErr
	}
	return resp.StatusCode, respBody, false, nil
}
