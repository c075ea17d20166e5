// Package adapter defines the protocol adapter contract (spec.md §4.5) and
// a registry that dispatches by protocol. Concrete adapters live in
// mqtt.go, http.go, and kafka.go.
package adapter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
	"github.com/joluben/iotdevsim-transmission/internal/pool"
)

// Category classifies a publish failure for retry decisions (spec.md §4.5's
// error taxonomy). It does not affect the circuit breaker: every failed
// dispatch counts as one breaker failure whatever its category.
type Category string

const (
	CategoryTransient      Category = "transient"       // network blip, timeout — retry
	CategoryAuth           Category = "auth"             // bad credentials — don't retry
	CategoryConfig         Category = "config"           // malformed config — don't retry
	CategoryRemoteRejected Category = "remote_rejected"  // broker/server rejected the message — don't retry
)

// ErrorCode is the literal, spec-mandated machine-readable classification
// surfaced in transmission log metadata (spec.md §4.5, §7). It is a
// separate axis from Category: Category drives retry decisions, ErrorCode
// is what gets reported to operators and the transmission log.
type ErrorCode string

const (
	ErrorCodeTimeout              ErrorCode = "TIMEOUT"
	ErrorCodeConnectionRefused    ErrorCode = "CONNECTION_REFUSED"
	ErrorCodeHostNotFound         ErrorCode = "HOST_NOT_FOUND"
	ErrorCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrorCodeSSLError             ErrorCode = "SSL_ERROR"
	ErrorCodeNetworkError         ErrorCode = "NETWORK_ERROR"
	ErrorCodePublishError         ErrorCode = "PUBLISH_ERROR"
	ErrorCodeKafkaError           ErrorCode = "KAFKA_ERROR"
	ErrorCodeUnexpectedError      ErrorCode = "UNEXPECTED_ERROR"
)

// HTTPErrorCode builds the HTTP_<status> code spec.md §4.5/§7 mandate for
// any non-2xx HTTP response — including 401/403, which are NOT reported as
// AUTHENTICATION_FAILED: that code is reserved for connection-level
// credential failures (e.g. an MQTT CONNACK rejection), not HTTP statuses.
func HTTPErrorCode(status int) ErrorCode {
	return ErrorCode(fmt.Sprintf("HTTP_%d", status))
}

// ClassifyError maps a transport-level Go error to its canonical error code
// (spec.md §7). It only looks at connection-level failures (DNS, TCP
// connect, TLS handshake, deadline); protocol-level rejections (HTTP
// status, Kafka broker error codes) are classified by the caller.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return ErrorCodeHostNotFound
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrorCodeConnectionRefused
	}

	var certInvalidErr x509.CertificateInvalidError
	var hostnameErr x509.HostnameError
	var unknownAuthorityErr x509.UnknownAuthorityError
	var tlsRecordErr tls.RecordHeaderError
	if errors.As(err, &certInvalidErr) || errors.As(err, &hostnameErr) ||
		errors.As(err, &unknownAuthorityErr) || errors.As(err, &tlsRecordErr) {
		return ErrorCodeSSLError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorCodeTimeout
	}

	return ErrorCodeNetworkError
}

// stringField reads a string config field, returning "" if absent or of
// the wrong type.
func stringField(config map[string]any, key string) string {
	v, _ := config[key].(string)
	return v
}

// intFromConfig reads an integer-valued config field, accepting the
// numeric types a config map commonly holds (int, int64, float64), and
// falls back to def when the field is absent or of an unrecognized type.
func intFromConfig(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// boolFromConfig reads a bool config field, falling back to def when
// absent or of the wrong type.
func boolFromConfig(config map[string]any, key string, def bool) bool {
	v, ok := config[key].(bool)
	if !ok {
		return def
	}
	return v
}

// PublishResult is returned by a successful Publish/PublishPooled call.
type PublishResult struct {
	LatencyMs    int64
	BytesWritten int
	RemoteAck    bool
	// MessageID is set when the protocol assigns one on ack (Kafka's
	// "<topic>-<partition>-<offset>", spec.md §4.5); empty otherwise.
	MessageID string
}

// PublishError wraps a publish failure with its retry Category and its
// reported ErrorCode. Adapters must sanitize Err's
// message before returning (see Sanitize) so credentials never reach logs
// or control-plane responses.
type PublishError struct {
	Category Category
	Code     ErrorCode
	Err      error
}

func (e *PublishError) Error() string { return e.Err.Error() }
func (e *PublishError) Unwrap() error { return e.Err }

// sensitiveMarkers are substrings (case-insensitive) that mark an error
// message as potentially containing credential material (spec.md §4.5).
var sensitiveMarkers = []string{"password", "token", "key", "secret", "credential", "auth"}

// Sanitize replaces msg with a generic message if it contains any
// credential-shaped substring, so adapter errors never leak secrets into
// logs or control-plane responses.
func Sanitize(msg string) string {
	lower := strings.ToLower(msg)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return "adapter: publish failed (details withheld)"
		}
	}
	return msg
}

// Adapter is implemented once per protocol (mqtt, http, https, kafka).
type Adapter interface {
	// ValidateConfig checks a connection's config map for the fields this
	// protocol requires, without dialing anything.
	ValidateConfig(config map[string]any) error

	// Dial opens a new pool.Handle for this protocol, used as a
	// pool.Factory.
	Dial(ctx context.Context, connectionID string, config map[string]any) (pool.Handle, error)

	// Publish sends payload once using a freshly dialed (non-pooled)
	// handle, used by the scheduler's dispatch as a fallback when the
	// connection pool cannot supply a handle.
	Publish(ctx context.Context, config map[string]any, topic string, payload []byte) (PublishResult, error)

	// PublishPooled sends payload over an already-acquired pool.Handle.
	PublishPooled(ctx context.Context, handle pool.Handle, topic string, payload []byte) (PublishResult, error)
}

// Registry maps metadatastore.Protocol to its Adapter.
type Registry struct {
	adapters map[metadatastore.Protocol]Adapter
}

// NewRegistry builds a Registry from a protocol-to-adapter map.
func NewRegistry(adapters map[metadatastore.Protocol]Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// For returns the Adapter registered for protocol, or false if none is
// registered (spec.md §4.5 "unknown protocol is a config error").
func (r *Registry) For(protocol metadatastore.Protocol) (Adapter, bool) {
	a, ok := r.adapters[protocol]
	return a, ok
}

// TestConnection dials and immediately closes a handle for config, without
// publishing anything — the connection-testing dry run spec.md §9 calls
// out as a supplemented feature carried over from the original
// implementation's "test connection" API.
func (r *Registry) TestConnection(ctx context.Context, protocol metadatastore.Protocol, config map[string]any) error {
	a, ok := r.For(protocol)
	if !ok {
		return &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: errUnknownProtocol(protocol)}
	}
	if err := a.ValidateConfig(config); err != nil {
		return &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: err}
	}
	h, err := a.Dial(ctx, "test", config)
	if err != nil {
		return err
	}
	defer h.Close()
	if !h.Healthy(ctx) {
		return &PublishError{Category: CategoryTransient, Code: ErrorCodeNetworkError, Err: errUnhealthyAfterDial()}
	}
	return nil
}
