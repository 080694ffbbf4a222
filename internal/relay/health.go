package relay

import (
	"math"
	mrand "math/rand/v2"
	"sync"
	"time"

	"github.com/Shugur-Network/courier/internal/config"
	"github.com/Shugur-Network/courier/internal/logger"
	"github.com/Shugur-Network/courier/internal/metrics"
	"github.com/Shugur-Network/courier/internal/models"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const latencySamples = 10

// relayHealth is the monitor's mutable per-relay record. All fields are
// guarded by HealthMonitor.mu.
type relayHealth struct {
	url string

	attempts  int
	successes int
	failures  int

	latencies []time.Duration // ring of the last latencySamples handshakes
	latIdx    int

	circuit         models.CircuitState
	circuitFailures int
	halfOpenSuccess int
	openedAt        time.Time

	retryCount  int
	nextRetryAt time.Time
	lastDelay   time.Duration
}

// HealthMonitor tracks per-relay reliability: a circuit breaker over
// consecutive failures, exponential reconnect backoff, and a rolling success
// rate used to rank relays when publishing.
type HealthMonitor struct {
	mu      sync.RWMutex
	relays  map[string]*relayHealth
	backoff config.BackoffConfig
	circuit config.CircuitConfig
	clock   clock.Clock
	log     *zap.Logger

	subMu       sync.Mutex
	subscribers map[int]func(url string, snapshot models.RelayHealthSnapshot)
	nextSubID   int
}

// NewHealthMonitor builds a monitor with the given breaker and backoff
// settings. clk is injectable for tests; pass clock.New() in production.
func NewHealthMonitor(backoff config.BackoffConfig, circuit config.CircuitConfig, clk clock.Clock) *HealthMonitor {
	return &HealthMonitor{
		relays:      make(map[string]*relayHealth),
		backoff:     backoff,
		circuit:     circuit,
		clock:       clk,
		log:         logger.New("health"),
		subscribers: make(map[int]func(string, models.RelayHealthSnapshot)),
	}
}

func (h *HealthMonitor) relay(url string) *relayHealth {
	r, ok := h.relays[url]
	if !ok {
		r = &relayHealth{
			url:       url,
			latencies: make([]time.Duration, 0, latencySamples),
			circuit:   models.CircuitClosed,
		}
		h.relays[url] = r
	}
	return r
}

// Forget removes a relay from the monitor, e.g. after a config change drops
// it from the pool.
func (h *HealthMonitor) Forget(url string) {
	h.mu.Lock()
	delete(h.relays, url)
	h.mu.Unlock()
	metrics.RelayCircuitState.DeleteLabelValues(url)
}

// CanConnect reports whether a connection attempt to the relay is allowed
// right now. It transitions an expired open circuit to half-open as a side
// effect.
func (h *HealthMonitor) CanConnect(url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.relay(url)
	now := h.clock.Now()

	if r.circuit == models.CircuitOpen {
		if now.Sub(r.openedAt) < h.circuit.OpenDuration {
			return false
		}
		r.circuit = models.CircuitHalfOpen
		r.halfOpenSuccess = 0
		h.setCircuitGauge(url, r.circuit)
		h.log.Info("circuit half-open, probing relay", zap.String("relay", url))
	}

	return !now.Before(r.nextRetryAt)
}

// RecordSuccess records a successful connection handshake and its latency.
func (h *HealthMonitor) RecordSuccess(url string, latency time.Duration) {
	h.mu.Lock()
	r := h.relay(url)
	r.attempts++
	r.successes++
	r.retryCount = 0
	r.nextRetryAt = time.Time{}
	r.lastDelay = 0
	r.circuitFailures = 0

	if len(r.latencies) < latencySamples {
		r.latencies = append(r.latencies, latency)
	} else {
		r.latencies[r.latIdx] = latency
	}
	r.latIdx = (r.latIdx + 1) % latencySamples

	switch r.circuit {
	case models.CircuitHalfOpen:
		r.halfOpenSuccess++
		if r.halfOpenSuccess >= h.circuit.SuccessThreshold {
			r.circuit = models.CircuitClosed
			h.setCircuitGauge(url, r.circuit)
			h.log.Info("circuit closed, relay recovered", zap.String("relay", url))
		}
	case models.CircuitOpen:
		// A success while open can only come from an in-flight attempt that
		// started before the circuit tripped; treat it as a half-open probe.
		r.circuit = models.CircuitHalfOpen
		r.halfOpenSuccess = 1
		h.setCircuitGauge(url, r.circuit)
	}
	snapshot := h.snapshotLocked(r)
	h.mu.Unlock()

	metrics.RelayConnectAttempts.WithLabelValues("success").Inc()
	metrics.RelayLatency.Observe(latency.Seconds())
	h.notify(url, snapshot)
}

// RecordFailure records a failed connection or a relay-level failure. It
// advances the breaker and schedules the next retry with jittered
// exponential backoff.
func (h *HealthMonitor) RecordFailure(url string) {
	h.mu.Lock()
	r := h.relay(url)
	now := h.clock.Now()
	r.attempts++
	r.failures++
	r.circuitFailures++

	switch r.circuit {
	case models.CircuitHalfOpen:
		// One failure while probing re-opens immediately.
		r.circuit = models.CircuitOpen
		r.openedAt = now
		h.setCircuitGauge(url, r.circuit)
		h.log.Warn("circuit re-opened, probe failed", zap.String("relay", url))
	case models.CircuitClosed:
		if r.circuitFailures >= h.circuit.FailureThreshold {
			r.circuit = models.CircuitOpen
			r.openedAt = now
			h.setCircuitGauge(url, r.circuit)
			h.log.Warn("circuit opened",
				zap.String("relay", url),
				zap.Int("consecutive_failures", r.circuitFailures))
		}
	}

	r.retryCount++
	delay := h.backoffDelay(r.retryCount)
	r.lastDelay = delay
	r.nextRetryAt = now.Add(delay)
	snapshot := h.snapshotLocked(r)
	h.mu.Unlock()

	metrics.RelayConnectAttempts.WithLabelValues("failure").Inc()
	h.notify(url, snapshot)
}

// backoffDelay computes the delay before retry attempt n (1-based).
func (h *HealthMonitor) backoffDelay(n int) time.Duration {
	d := float64(h.backoff.InitialDelay) * math.Pow(h.backoff.Multiplier, float64(n-1))
	if d > float64(h.backoff.MaxDelay) {
		d = float64(h.backoff.MaxDelay)
	}
	if h.backoff.Jitter {
		d *= 0.5 + mrand.Float64()*0.5
	}
	return time.Duration(d)
}

// NextRetryIn returns how long until the relay may be dialed again, zero when
// it may be dialed now.
func (h *HealthMonitor) NextRetryIn(url string) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.relays[url]
	if !ok {
		return 0
	}
	if wait := r.nextRetryAt.Sub(h.clock.Now()); wait > 0 {
		return wait
	}
	return 0
}

// Status classifies a relay by its recent success rate and breaker state.
func (h *HealthMonitor) Status(url string) models.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.relays[url]
	if !ok {
		return models.HealthUnknown
	}
	return statusLocked(r)
}

func statusLocked(r *relayHealth) models.HealthStatus {
	if r.circuit == models.CircuitOpen {
		return models.HealthUnhealthy
	}
	if r.attempts == 0 {
		return models.HealthUnknown
	}
	rate := float64(r.successes) / float64(r.attempts)
	switch {
	case rate >= 0.9:
		return models.HealthHealthy
	case rate >= 0.5:
		return models.HealthDegraded
	default:
		return models.HealthUnhealthy
	}
}

// Snapshot returns a copy of one relay's health, or ok=false when the relay
// is unknown.
func (h *HealthMonitor) Snapshot(url string) (models.RelayHealthSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.relays[url]
	if !ok {
		return models.RelayHealthSnapshot{}, false
	}
	return h.snapshotLocked(r), true
}

// Snapshots returns copies of every tracked relay's health.
func (h *HealthMonitor) Snapshots() []models.RelayHealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.RelayHealthSnapshot, 0, len(h.relays))
	for _, r := range h.relays {
		out = append(out, h.snapshotLocked(r))
	}
	return out
}

func (h *HealthMonitor) snapshotLocked(r *relayHealth) models.RelayHealthSnapshot {
	var avg time.Duration
	if len(r.latencies) > 0 {
		var sum time.Duration
		for _, l := range r.latencies {
			sum += l
		}
		avg = sum / time.Duration(len(r.latencies))
	}
	var rate float64
	if r.attempts > 0 {
		rate = float64(r.successes) / float64(r.attempts)
	}
	return models.RelayHealthSnapshot{
		URL:                   r.url,
		Status:                statusLocked(r),
		ConnectionAttempts:    r.attempts,
		SuccessfulConnections: r.successes,
		FailedConnections:     r.failures,
		LatencyMs:             float64(avg.Microseconds()) / 1000,
		SuccessRate:           rate,
		CircuitState:          r.circuit,
		CircuitFailureCount:   r.circuitFailures,
		CircuitOpenedAt:       r.openedAt,
		RetryCount:            r.retryCount,
		NextRetryAt:           r.nextRetryAt,
		BackoffDelay:          r.lastDelay,
	}
}

// SubscribeToHealthChanges registers a callback fired after every recorded
// success or failure. The returned function cancels the subscription.
func (h *HealthMonitor) SubscribeToHealthChanges(fn func(url string, snapshot models.RelayHealthSnapshot)) func() {
	h.subMu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subscribers[id] = fn
	h.subMu.Unlock()

	return func() {
		h.subMu.Lock()
		delete(h.subscribers, id)
		h.subMu.Unlock()
	}
}

func (h *HealthMonitor) notify(url string, snapshot models.RelayHealthSnapshot) {
	h.subMu.Lock()
	fns := make([]func(string, models.RelayHealthSnapshot), 0, len(h.subscribers))
	for _, fn := range h.subscribers {
		fns = append(fns, fn)
	}
	h.subMu.Unlock()
	for _, fn := range fns {
		fn(url, snapshot)
	}
}

func (h *HealthMonitor) setCircuitGauge(url string, state models.CircuitState) {
	var v float64
	switch state {
	case models.CircuitHalfOpen:
		v = 1
	case models.CircuitOpen:
		v = 2
	}
	metrics.RelayCircuitState.WithLabelValues(url).Set(v)
}
