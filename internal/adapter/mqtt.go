package adapter

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/joluben/iotdevsim-transmission/internal/pool"
)

// MQTTAdapter implements Adapter over github.com/eclipse/paho.mqtt.golang's
// classic client, chosen over the newer paho.golang/autopaho because this
// engine's own pool already owns a handle's lifecycle (acquire/invalidate/
// health-check) — autopaho's self-managed auto-reconnect loop would
// duplicate that ownership rather than compose with it.
type MQTTAdapter struct {
	connectTimeout time.Duration
	publishTimeout time.Duration
}

// NewMQTTAdapter builds an MQTTAdapter.
func NewMQTTAdapter(connectTimeout, publishTimeout time.Duration) *MQTTAdapter {
	return &MQTTAdapter{connectTimeout: connectTimeout, publishTimeout: publishTimeout}
}

type mqttHandle struct {
	client mqtt.Client
	qos    byte
	retain bool
}

func (h *mqttHandle) Healthy(ctx context.Context) bool {
	return h.client.IsConnectionOpen()
}

func (h *mqttHandle) Close() error {
	h.client.Disconnect(250)
	return nil
}

func (a *MQTTAdapter) ValidateConfig(config map[string]any) error {
	brokerURL, ok := config["broker_url"].(string)
	if !ok || brokerURL == "" {
		return fmt.Errorf("adapter/mqtt: config missing required field %q", "broker_url")
	}
	if _, _, err := normalizeBrokerURL(brokerURL); err != nil {
		return err
	}
	qos := intFromConfig(config, "qos", 1)
	if qos < 0 || qos > 2 {
		return fmt.Errorf("adapter/mqtt: qos must be 0, 1, or 2, got %d", qos)
	}
	return nil
}

// normalizeBrokerURL translates a broker_url in the spec's scheme vocabulary
// (mqtt/mqtts/ws/wss/tcp/ssl/tls) into the scheme paho understands
// (tcp/ssl/ws/wss), filling in the protocol's default port when the config
// left it out (spec.md §4.4). It reports whether the scheme implies TLS.
func normalizeBrokerURL(raw string) (normalized string, useTLS bool, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("adapter/mqtt: invalid broker_url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", false, fmt.Errorf("adapter/mqtt: broker_url has no host")
	}
	port := u.Port()

	switch strings.ToLower(u.Scheme) {
	case "", "mqtt", "tcp":
		u.Scheme = "tcp"
		if port == "" {
			port = "1883"
		}
	case "mqtts", "ssl", "tls":
		u.Scheme = "ssl"
		useTLS = true
		if port == "" {
			port = "8883"
		}
	case "ws":
		u.Scheme = "ws"
		if port == "" {
			port = "80"
		}
	case "wss":
		u.Scheme = "wss"
		useTLS = true
		if port == "" {
			port = "443"
		}
	default:
		return "", false, fmt.Errorf("adapter/mqtt: unsupported broker_url scheme %q", u.Scheme)
	}

	u.Host = net.JoinHostPort(host, port)
	return u.String(), useTLS, nil
}

func (a *MQTTAdapter) Dial(ctx context.Context, connectionID string, config map[string]any) (pool.Handle, error) {
	if err := a.ValidateConfig(config); err != nil {
		return nil, &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: err}
	}
	brokerURL, _ := config["broker_url"].(string)
	normalized, useTLS, err := normalizeBrokerURL(brokerURL)
	if err != nil {
		return nil, &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: err}
	}

	clientID := fmt.Sprintf("iotdevsim-%s", connectionID)
	if cid, ok := config["client_id"].(string); ok && cid != "" {
		clientID = cid
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(normalized)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false) // the pool owns redial-on-failure, not the client
	opts.SetConnectTimeout(a.connectTimeout)
	if username, ok := config["username"].(string); ok && username != "" {
		opts.SetUsername(username)
	}
	if password, ok := config["password"].(string); ok && password != "" {
		opts.SetPassword(password)
	}
	if useTLS {
		opts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: boolFromConfig(config, "insecure_skip_verify", false),
		})
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(a.connectTimeout) {
		return nil, &PublishError{Category: CategoryTransient, Code: ErrorCodeTimeout, Err: fmt.Errorf("adapter/mqtt: connect timed out")}
	}
	if err := token.Error(); err != nil {
		return nil, classifyMQTTConnectError(err)
	}

	qos := byte(intFromConfig(config, "qos", 1))
	retain := boolFromConfig(config, "retain", false)
	return &mqttHandle{client: client, qos: qos, retain: retain}, nil
}

// classifyMQTTConnectError reports CONNACK-level rejections (bad
// credentials, rejected client identifier) as AUTHENTICATION_FAILED and
// everything else through the shared transport classifier.
func classifyMQTTConnectError(err error) *PublishError {
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "not authorized") || strings.Contains(lower, "bad user") ||
		strings.Contains(lower, "identifier rejected") || strings.Contains(lower, "credentials") {
		return &PublishError{Category: CategoryAuth, Code: ErrorCodeAuthenticationFailed, Err: fmt.Errorf("%s", Sanitize(err.Error()))}
	}
	code := ClassifyError(err)
	if code == "" {
		code = ErrorCodeNetworkError
	}
	return &PublishError{Category: CategoryTransient, Code: code, Err: fmt.Errorf("%s", Sanitize(err.Error()))}
}

func (a *MQTTAdapter) Publish(ctx context.Context, config map[string]any, topic string, payload []byte) (PublishResult, error) {
	h, err := a.Dial(ctx, "oneshot", config)
	if err != nil {
		return PublishResult{}, err
	}
	defer h.Close()
	return a.PublishPooled(ctx, h, topic, payload)
}

func (a *MQTTAdapter) PublishPooled(ctx context.Context, handle pool.Handle, topic string, payload []byte) (PublishResult, error) {
	h, ok := handle.(*mqttHandle)
	if !ok {
		return PublishResult{}, &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: fmt.Errorf("adapter/mqtt: handle is not an mqtt handle")}
	}
	if topic == "" {
		return PublishResult{}, &PublishError{Category: CategoryConfig, Code: ErrorCodePublishError, Err: fmt.Errorf("adapter/mqtt: topic is required")}
	}

	started := time.Now()
	token := h.client.Publish(topic, h.qos, h.retain, payload)
	acked := token.WaitTimeout(a.publishTimeout)

	if !acked {
		if h.qos == 0 {
			return PublishResult{}, &PublishError{Category: CategoryTransient, Code: ErrorCodeTimeout, Err: fmt.Errorf("adapter/mqtt: publish timed out")}
		}
		// At QoS>=1 the publish call itself already went out; a slow PUBACK/
		// PUBCOMP is not fatal (spec.md §4.5). The message is treated as
		// delivered without a confirmed broker acknowledgment.
		return PublishResult{
			LatencyMs:    time.Since(started).Milliseconds(),
			BytesWritten: len(payload),
			RemoteAck:    false,
		}, nil
	}

	if err := token.Error(); err != nil {
		return PublishResult{}, &PublishError{Category: CategoryTransient, Code: ClassifyError(err), Err: fmt.Errorf("%s", Sanitize(err.Error()))}
	}

	return PublishResult{
		LatencyMs:    time.Since(started).Milliseconds(),
		BytesWritten: len(payload),
		RemoteAck:    true,
	}, nil
}
