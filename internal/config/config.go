package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	DefaultServerPort         = 18790
	DefaultDialTimeoutMs      = 5000
	DefaultAckTimeoutMs       = 10000
	DefaultRingTimeout        = 45
	DefaultNegotiationTimeout = 30
	DefaultDedupWindow        = 4096
	DefaultHistoryLimit       = 200
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// DialTimeout is the relay dial timeout as a duration.
func (r RelayConfig) DialTimeout() time.Duration {
	return time.Duration(r.DialTimeoutMs) * time.Millisecond
}

// AckTimeout bounds how long an emit waits for the relay acknowledgement.
func (r RelayConfig) AckTimeout() time.Duration {
	return time.Duration(r.AckTimeoutMs) * time.Millisecond
}

// RingTimeout is how long an outgoing ring may go unanswered.
func (c CallConfig) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSeconds) * time.Second
}

// NegotiationTimeout is how long a call may sit in negotiation before failing.
func (c CallConfig) NegotiationTimeout() time.Duration {
	return time.Duration(c.NegotiationTimeoutSeconds) * time.Second
}
