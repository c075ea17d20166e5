// Package config holds the runtime options recognized by the transmission
// engine and their defaults.
package config

import "time"

// Engine collects every tunable named in the transmission engine's
// external-interface contract. Zero-value fields are filled in by
// Defaults(), never silently assumed deep inside a component.
type Engine struct {
	SchedulerTickInterval time.Duration
	DeviceMonitorInterval time.Duration

	MaxConcurrentTransmissions int
	MaxActiveDevices           int

	ConnectionPoolMaxIdle           time.Duration
	ConnectionPoolHealthCheckPeriod time.Duration

	ConnectionCacheTTL time.Duration
	DatasetCacheTTL    time.Duration

	PublishTimeout time.Duration

	RetryBaseDelay    time.Duration
	RetryBackoffCap   time.Duration
	CircuitBreakerFailureThreshold int
	CircuitBreakerBaseRecovery     time.Duration
	CircuitBreakerMaxRecovery      time.Duration

	// LogPayloadCapBytes, when non-zero, caps message_content size; beyond
	// it the payload is omitted from the transmission log and
	// metadata.content_omitted is set. See SPEC_FULL.md §4.
	LogPayloadCapBytes int
}

// Defaults returns the engine configuration with every knob set to the
// value named in spec.md §6.5.
func Defaults() Engine {
	return Engine{
		SchedulerTickInterval:           250 * time.Millisecond,
		DeviceMonitorInterval:           15 * time.Second,
		MaxConcurrentTransmissions:      200,
		MaxActiveDevices:                1000,
		ConnectionPoolMaxIdle:           300 * time.Second,
		ConnectionPoolHealthCheckPeriod: 60 * time.Second,
		ConnectionCacheTTL:              30 * time.Second,
		DatasetCacheTTL:                 60 * time.Second,
		PublishTimeout:                  30 * time.Second,
		RetryBaseDelay:                  1 * time.Second,
		RetryBackoffCap:                 30 * time.Second,
		CircuitBreakerFailureThreshold:  5,
		CircuitBreakerBaseRecovery:      30 * time.Second,
		CircuitBreakerMaxRecovery:       300 * time.Second,
		LogPayloadCapBytes:              0,
	}
}

// Minimum and maximum bounds for per-device transmission frequency
// (spec.md §4.7 "Numeric semantics").
const (
	MinFrequencySeconds = 1
	MaxFrequencySeconds = 172800

	// MaxPublishBackoffAttempts caps the retry loop regardless of
	// max_retries misconfiguration (defensive upper bound, never hit in
	// normal operation since devices.transmission_config.max_retries is
	// control-plane validated).
	MaxPublishBackoffAttempts = 20
)
