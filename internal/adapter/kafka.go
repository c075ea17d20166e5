package adapter

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/joluben/iotdevsim-transmission/internal/pool"
)

const (
	defaultKafkaRetries      = 3
	defaultKafkaLinger       = 20 * time.Millisecond
	defaultKafkaBatchSize    = 65536
	defaultKafkaRetryBackoff = 100 * time.Millisecond
)

// KafkaAdapter implements Adapter over segmentio/kafka-go. This library has
// no grounding in _examples/ — no pack repo touches Kafka — and is wired in
// as an explicit, spec-mandated out-of-pack choice (SPEC_FULL.md §8): it is
// the de-facto standard pure-Go Kafka client and matches the writer-per-
// topic pooling model this adapter needs.
type KafkaAdapter struct {
	dialTimeout    time.Duration
	publishTimeout time.Duration
}

// NewKafkaAdapter builds a KafkaAdapter.
func NewKafkaAdapter(dialTimeout, publishTimeout time.Duration) *KafkaAdapter {
	return &KafkaAdapter{dialTimeout: dialTimeout, publishTimeout: publishTimeout}
}

type kafkaHandle struct {
	writer  *kafka.Writer
	brokers []string
}

// Healthy reports the handle usable as long as any one broker in the list
// is reachable — a single down broker in a multi-broker cluster must not
// invalidate the connection.
func (h *kafkaHandle) Healthy(ctx context.Context) bool {
	dialer := &kafka.Dialer{Timeout: 5 * time.Second}
	for _, broker := range h.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			continue
		}
		conn.Close()
		return true
	}
	return false
}

func (h *kafkaHandle) Close() error { return h.writer.Close() }

func (a *KafkaAdapter) ValidateConfig(config map[string]any) error {
	brokers, err := bootstrapServersFromConfig(config)
	if err != nil {
		return err
	}
	if len(brokers) == 0 {
		return fmt.Errorf("adapter/kafka: config missing required field %q", "bootstrap_servers")
	}
	if _, err := kafkaAcksFromConfig(config); err != nil {
		return err
	}
	return nil
}

// bootstrapServersFromConfig reads the spec-mandated "bootstrap_servers"
// field (spec.md §4.4, matching original_source's kafka_handler.py), as
// either a comma-separated string or a list of strings.
func bootstrapServersFromConfig(config map[string]any) ([]string, error) {
	raw, ok := config["bootstrap_servers"]
	if !ok {
		return nil, fmt.Errorf("adapter/kafka: config missing required field %q", "bootstrap_servers")
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("adapter/kafka: bootstrap_servers entries must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		out := make([]string, 0)
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("adapter/kafka: unsupported bootstrap_servers type %T", raw)
	}
}

// kafkaAcksFromConfig reads config["acks"], coercing the numeric-string
// forms kafka_handler.py accepts ("0", "1", "-1") alongside the literal
// "all", and defaults to RequireOne (spec.md §4.4).
func kafkaAcksFromConfig(config map[string]any) (kafka.RequiredAcks, error) {
	raw, ok := config["acks"]
	if !ok {
		return kafka.RequireOne, nil
	}
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case int:
		s = strconv.Itoa(v)
	case float64:
		s = strconv.Itoa(int(v))
	default:
		return 0, fmt.Errorf("adapter/kafka: unsupported acks type %T", raw)
	}
	switch s {
	case "0":
		return kafka.RequireNone, nil
	case "1":
		return kafka.RequireOne, nil
	case "-1", "all":
		return kafka.RequireAll, nil
	default:
		return 0, fmt.Errorf("adapter/kafka: unsupported acks value %q", s)
	}
}

// kafkaCompressionFromConfig reads config["compression"], defaulting to
// lz4 (spec.md §4.4).
func kafkaCompressionFromConfig(config map[string]any) (kafka.Compression, error) {
	switch stringField(config, "compression") {
	case "", "lz4":
		return kafka.Lz4, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "zstd":
		return kafka.Zstd, nil
	case "none":
		return 0, nil
	default:
		return 0, fmt.Errorf("adapter/kafka: unsupported compression %q", stringField(config, "compression"))
	}
}

func (a *KafkaAdapter) Dial(ctx context.Context, connectionID string, config map[string]any) (pool.Handle, error) {
	if err := a.ValidateConfig(config); err != nil {
		return nil, &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: err}
	}
	brokers, _ := bootstrapServersFromConfig(config)
	acks, _ := kafkaAcksFromConfig(config)
	compression, _ := kafkaCompressionFromConfig(config)

	var transport *kafka.Transport
	if username := stringField(config, "sasl_username"); username != "" {
		transport = &kafka.Transport{
			SASL: plain.Mechanism{
				Username: username,
				Password: stringField(config, "sasl_password"),
			},
		}
	}
	if boolFromConfig(config, "use_ssl", false) {
		if transport == nil {
			transport = &kafka.Transport{}
		}
		transport.TLS = &tls.Config{
			InsecureSkipVerify: boolFromConfig(config, "insecure_skip_verify", false),
		}
	}

	writer := &kafka.Writer{
		Addr:            kafka.TCP(brokers...),
		Balancer:        &kafka.LeastBytes{},
		WriteTimeout:    a.publishTimeout,
		RequiredAcks:    acks,
		MaxAttempts:     intFromConfig(config, "retries", defaultKafkaRetries),
		WriteBackoffMin: defaultKafkaRetryBackoff,
		BatchSize:       intFromConfig(config, "batch_size", defaultKafkaBatchSize),
		BatchTimeout:    kafkaLingerFromConfig(config),
		Compression:     compression,
	}
	if transport != nil {
		writer.Transport = transport
	}
	return &kafkaHandle{writer: writer, brokers: brokers}, nil
}

// kafkaLingerFromConfig reads config["linger_ms"], defaulting to 20ms
// (spec.md §4.4's batching window, matching kafka_handler.py's linger_ms).
func kafkaLingerFromConfig(config map[string]any) time.Duration {
	ms := intFromConfig(config, "linger_ms", -1)
	if ms < 0 {
		return defaultKafkaLinger
	}
	return time.Duration(ms) * time.Millisecond
}

func (a *KafkaAdapter) Publish(ctx context.Context, config map[string]any, topic string, payload []byte) (PublishResult, error) {
	h, err := a.Dial(ctx, "oneshot", config)
	if err != nil {
		return PublishResult{}, err
	}
	defer h.Close()
	return a.PublishPooled(ctx, h, topic, payload)
}

func (a *KafkaAdapter) PublishPooled(ctx context.Context, handle pool.Handle, topic string, payload []byte) (PublishResult, error) {
	h, ok := handle.(*kafkaHandle)
	if !ok {
		return PublishResult{}, &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: fmt.Errorf("adapter/kafka: handle is not a kafka handle")}
	}
	if topic == "" {
		return PublishResult{}, &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: fmt.Errorf("adapter/kafka: topic is required")}
	}

	writeCtx, cancel := context.WithTimeout(ctx, a.publishTimeout)
	defer cancel()

	started := time.Now()
	msgs := []kafka.Message{{Topic: topic, Value: payload}}
	if err := h.writer.WriteMessages(writeCtx, msgs...); err != nil {
		return PublishResult{}, &PublishError{Category: CategoryTransient, Code: ErrorCodeKafkaError, Err: fmt.Errorf("%s", Sanitize(err.Error()))}
	}

	written := msgs[0]
	return PublishResult{
		LatencyMs:    time.Since(started).Milliseconds(),
		BytesWritten: len(payload),
		RemoteAck:    true,
		MessageID:    fmt.Sprintf("%s-%d-%d", written.Topic, written.Partition, written.Offset),
	}, nil
}
