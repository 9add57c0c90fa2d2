package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/vigil/internal/ir"
)

// IdempotencyHeader carries the idempotency key of every request.
const IdempotencyHeader = "Idempotency-Key"

// HTTPClient posts JSON to a ledger endpoint. It makes one attempt per
// call; retries belong to the caller.
type HTTPClient struct {
	endpoint string
	token    string
	client   *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.client = c }
}

// WithBearerToken sends token in the Authorization header.
func WithBearerToken(token string) HTTPOption {
	return func(h *HTTPClient) { h.token = token }
}

// NewHTTPClient creates a client for endpoint (e.g. "https://ledger.example/v1").
func NewHTTPClient(endpoint string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SubmitIncident posts inc to {endpoint}/incidents.
func (h *HTTPClient) SubmitIncident(ctx context.Context, key string, inc ir.Incident) error {
	return h.post(ctx, "submit incident", "/incidents", key, inc)
}

// RegisterModule posts reg to {endpoint}/modules.
func (h *HTTPClient) RegisterModule(ctx context.Context, key string, reg Registration) error {
	return h.post(ctx, "register module", "/modules", key, reg)
}

func (h *HTTPClient) post(ctx context.Context, op, path, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return &Error{Op: op, Permanent: true, Err: fmt.Errorf("marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return &Error{Op: op, Permanent: true, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, key)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	// 409 means the key was already accepted.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &Error{
		Op:         op,
		StatusCode: resp.StatusCode,
		Permanent:  permanentStatus(resp.StatusCode),
		Err:        fmt.Errorf("%s", strings.TrimSpace(string(respBody))),
	}
}

func permanentStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}
