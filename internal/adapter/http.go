package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joluben/iotdevsim-transmission/internal/netguard"
	"github.com/joluben/iotdevsim-transmission/internal/pool"
)

const maxHTTPResponseBodyBytes = 64 * 1024

// httpMethodsWithBody are the methods PublishPooled attaches payload to;
// GET and DELETE are sent without a body (spec.md §4.5).
var httpMethodsWithBody = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// HTTPAdapter implements Adapter for the http and https protocols. Unlike
// MQTT and Kafka it has no long-lived connection to pool — the pooled
// Handle is just the validated base URL and an *http.Client tuned for
// reuse, so "pooling" here means reusing one http.Client (and its
// transport's keep-alive connections) per connection ID rather than
// reusing a single socket.
type HTTPAdapter struct {
	client *http.Client
	ssrf   *netguard.Validator
}

// NewHTTPAdapter builds an HTTPAdapter. timeout bounds every request
// (spec.md §6.5 PublishTimeout).
func NewHTTPAdapter(timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{client: &http.Client{Timeout: timeout}}
}

// SetSSRFGuard installs the validator ValidateConfig runs every configured
// url through before the connection is ever dialed. A nil guard (the
// default) performs no SSRF checking.
func (a *HTTPAdapter) SetSSRFGuard(guard *netguard.Validator) {
	a.ssrf = guard
}

type httpHandle struct {
	baseURL      string
	method       string
	headers      map[string]string
	client       *http.Client
	username     string
	password     string
	bearerToken  string
	apiKeyHeader string
	apiKeyValue  string
}

// applyAuth attaches whichever auth modes the connection config supplied.
// The three modes are independent (spec.md §4.5) — a config may set more
// than one and all apply.
func (h *httpHandle) applyAuth(req *http.Request) {
	if h.username != "" && h.password != "" {
		req.SetBasicAuth(h.username, h.password)
	}
	if h.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.bearerToken)
	}
	if h.apiKeyHeader != "" && h.apiKeyValue != "" {
		req.Header.Set(h.apiKeyHeader, h.apiKeyValue)
	}
}

func (h *httpHandle) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (h *httpHandle) Close() error { return nil }

func (a *HTTPAdapter) ValidateConfig(config map[string]any) error {
	url, ok := config["endpoint_url"].(string)
	if !ok || url == "" {
		return fmt.Errorf("adapter/http: config missing required field %q", "endpoint_url")
	}
	if a.ssrf != nil {
		if err := a.ssrf.ValidateURL(url); err != nil {
			return fmt.Errorf("adapter/http: %w", err)
		}
	}
	if _, err := httpMethodFromConfig(config); err != nil {
		return err
	}
	return nil
}

// httpMethodFromConfig reads config["method"], defaulting to POST, and
// validates it against the methods spec.md §4.5 allows.
func httpMethodFromConfig(config map[string]any) (string, error) {
	raw := stringField(config, "method")
	if raw == "" {
		return http.MethodPost, nil
	}
	method := strings.ToUpper(raw)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return method, nil
	default:
		return "", fmt.Errorf("adapter/http: unsupported method %q", raw)
	}
}

func (a *HTTPAdapter) Dial(ctx context.Context, connectionID string, config map[string]any) (pool.Handle, error) {
	if err := a.ValidateConfig(config); err != nil {
		return nil, &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: err}
	}
	if a.ssrf != nil {
		if err := a.ssrf.ResolveAndValidate(stringField(config, "endpoint_url")); err != nil {
			return nil, &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: fmt.Errorf("adapter/http: %w", err)}
		}
	}
	method, _ := httpMethodFromConfig(config)
	return &httpHandle{
		baseURL:      stringField(config, "endpoint_url"),
		method:       method,
		headers:      headersFromConfig(config),
		client:       a.client,
		username:     stringField(config, "username"),
		password:     stringField(config, "password"),
		bearerToken:  stringField(config, "bearer_token"),
		apiKeyHeader: stringField(config, "api_key_header"),
		apiKeyValue:  stringField(config, "api_key_value"),
	}, nil
}

func (a *HTTPAdapter) Publish(ctx context.Context, config map[string]any, topic string, payload []byte) (PublishResult, error) {
	h, err := a.Dial(ctx, "", config)
	if err != nil {
		return PublishResult{}, err
	}
	defer h.Close()
	return a.PublishPooled(ctx, h, topic, payload)
}

func (a *HTTPAdapter) PublishPooled(ctx context.Context, handle pool.Handle, topic string, payload []byte) (PublishResult, error) {
	h, ok := handle.(*httpHandle)
	if !ok {
		return PublishResult{}, &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: fmt.Errorf("adapter/http: handle is not an http handle")}
	}

	method := h.method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if httpMethodsWithBody[method] {
		body = bytes.NewReader(payload)
	}

	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL, body)
	if err != nil {
		return PublishResult{}, &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: fmt.Errorf("%s", Sanitize(err.Error()))}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if topic != "" {
		req.Header.Set("X-Device-Topic", topic)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	h.applyAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return PublishResult{}, &PublishError{Category: CategoryTransient, Code: ClassifyError(err), Err: fmt.Errorf("%s", Sanitize(err.Error()))}
	}
	defer resp.Body.Close()

	_, _ = readCapped(resp.Body, maxHTTPResponseBodyBytes)
	latency := time.Since(started).Milliseconds()

	// Non-2xx is always reported as HTTP_<status> (spec.md §4.5) — including
	// 401/403, which are NOT reclassified as AUTHENTICATION_FAILED. Category
	// still distinguishes retry behavior: 5xx is transient, 401/403 is an
	// auth failure that is not retried, other 4xx is a flat remote rejection.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return PublishResult{}, &PublishError{Category: CategoryAuth, Code: HTTPErrorCode(resp.StatusCode), Err: fmt.Errorf("adapter/http: status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 500 {
		return PublishResult{}, &PublishError{Category: CategoryTransient, Code: HTTPErrorCode(resp.StatusCode), Err: fmt.Errorf("adapter/http: status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return PublishResult{}, &PublishError{Category: CategoryRemoteRejected, Code: HTTPErrorCode(resp.StatusCode), Err: fmt.Errorf("adapter/http: status %d", resp.StatusCode)}
	}

	return PublishResult{
		LatencyMs:    latency,
		BytesWritten: len(payload),
		RemoteAck:    true,
	}, nil
}

func headersFromConfig(config map[string]any) map[string]string {
	headers := make(map[string]string)
	raw, ok := config["headers"].(map[string]any)
	if !ok {
		return headers
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return headers
}

func readCapped(r io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(r, limit)
	return io.ReadAll(limited)
}
