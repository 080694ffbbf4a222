package models

import "time"

// RelayStatus is the lifecycle state of one relay socket.
type RelayStatus string

const (
	RelayConnecting RelayStatus = "connecting"
	RelayOpen       RelayStatus = "open"
	RelayError      RelayStatus = "error"
	RelayClosed     RelayStatus = "closed"
)

// CircuitState is the breaker state guarding a consistently failing relay.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// HealthStatus classifies a relay by its recent success rate.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"   // success rate >= 90%
	HealthDegraded  HealthStatus = "degraded"  // 50–89%
	HealthUnhealthy HealthStatus = "unhealthy" // < 50% or circuit open
	HealthUnknown   HealthStatus = "unknown"   // no samples yet
)

// RelayConnectionInfo is a point-in-time snapshot of one pool connection.
type RelayConnectionInfo struct {
	URL          string      `json:"url"`
	Status       RelayStatus `json:"status"`
	UpdatedAt    time.Time   `json:"updated_at"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Transient    bool        `json:"transient,omitempty"`
}

// RelayHealthSnapshot is a copy of the health monitor's view of one relay,
// safe to hand to callers. Never serialized to disk.
type RelayHealthSnapshot struct {
	URL                   string        `json:"url"`
	Status                HealthStatus  `json:"status"`
	ConnectionAttempts    int           `json:"connection_attempts"`
	SuccessfulConnections int           `json:"successful_connections"`
	FailedConnections     int           `json:"failed_connections"`
	LatencyMs             float64       `json:"latency_ms"`
	SuccessRate           float64       `json:"success_rate"`
	CircuitState          CircuitState  `json:"circuit_state"`
	CircuitFailureCount   int           `json:"circuit_failure_count"`
	CircuitOpenedAt       time.Time     `json:"circuit_opened_at,omitzero"`
	RetryCount            int           `json:"retry_count"`
	NextRetryAt           time.Time     `json:"next_retry_at,omitzero"`
	BackoffDelay          time.Duration `json:"backoff_delay"`
}
