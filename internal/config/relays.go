package config

import "time"

// RelaysConfig holds the relay pool settings.
type RelaysConfig struct {
	// Persisted relay list. Transient relays discovered per recipient are
	// managed at runtime and never written back here.
	URLs []string `mapstructure:"URLS" json:"urls" validate:"required,min=1,dive,relay_url"`

	MaxConnections int           `mapstructure:"MAX_CONNECTIONS" json:"max_connections" validate:"required,min=1,max=100"`
	DialTimeout    time.Duration `mapstructure:"DIAL_TIMEOUT"    json:"dial_timeout"    validate:"required"`
	AckTimeout     time.Duration `mapstructure:"ACK_TIMEOUT"     json:"ack_timeout"     validate:"required"`
	PingInterval   time.Duration `mapstructure:"PING_INTERVAL"   json:"ping_interval"   validate:"required"`

	Backoff BackoffConfig `mapstructure:"BACKOFF" json:"backoff" validate:"required"`
	Circuit CircuitConfig `mapstructure:"CIRCUIT" json:"circuit" validate:"required"`

	// Outbound frame pacing per relay connection.
	SendRate  float64 `mapstructure:"SEND_RATE"  json:"send_rate"  validate:"required,min=1,max=10000"`
	SendBurst int     `mapstructure:"SEND_BURST" json:"send_burst" validate:"required,min=1,max=1000"`
}

// BackoffConfig holds reconnect backoff settings.
type BackoffConfig struct {
	InitialDelay time.Duration `mapstructure:"INITIAL_DELAY" json:"initial_delay" validate:"required"`
	Multiplier   float64       `mapstructure:"MULTIPLIER"    json:"multiplier"    validate:"required,min=1,max=10"`
	MaxDelay     time.Duration `mapstructure:"MAX_DELAY"     json:"max_delay"     validate:"required"`
	Jitter       bool          `mapstructure:"JITTER"        json:"jitter"`
}

// CircuitConfig holds circuit breaker settings for unreliable relays.
type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"FAILURE_THRESHOLD" json:"failure_threshold" validate:"required,min=1,max=100"`
	SuccessThreshold int           `mapstructure:"SUCCESS_THRESHOLD" json:"success_threshold" validate:"required,min=1,max=100"`
	OpenDuration     time.Duration `mapstructure:"OPEN_DURATION"     json:"open_duration"     validate:"required"`
}
