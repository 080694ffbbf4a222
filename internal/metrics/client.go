package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Local counters mirrored next to the prometheus metrics so the status API can
// read current values directly (prometheus metrics cannot be read back).
var (
	openRelayCount     int64
	messagesSentCount  int64
	messagesRecvdCount int64
	queuedCount        int64
	activeSubsCount    int64
	errorCount         int64
)

// GetOpenRelayCount returns the number of relay sockets currently open.
func GetOpenRelayCount() int64 {
	return atomic.LoadInt64(&openRelayCount)
}

// IncrementOpenRelays increments both the prometheus gauge and the local counter
func IncrementOpenRelays() {
	RelayConnectionsOpen.Inc()
	atomic.AddInt64(&openRelayCount, 1)
}

// DecrementOpenRelays decrements both the prometheus gauge and the local counter
func DecrementOpenRelays() {
	RelayConnectionsOpen.Dec()
	atomic.AddInt64(&openRelayCount, -1)
}

// GetMessagesSentCount returns the number of DMs sent since start
func GetMessagesSentCount() int64 {
	return atomic.LoadInt64(&messagesSentCount)
}

// IncrementMessagesSent records an outgoing DM accepted by at least one relay
func IncrementMessagesSent() {
	MessagesSent.Inc()
	atomic.AddInt64(&messagesSentCount, 1)
}

// GetMessagesReceivedCount returns the number of DMs received since start
func GetMessagesReceivedCount() int64 {
	return atomic.LoadInt64(&messagesRecvdCount)
}

// IncrementMessagesReceived records a decrypted, routed inbound DM
func IncrementMessagesReceived() {
	MessagesReceived.Inc()
	atomic.AddInt64(&messagesRecvdCount, 1)
}

// GetQueuedMessageCount returns the retry queue depth
func GetQueuedMessageCount() int64 {
	return atomic.LoadInt64(&queuedCount)
}

// SetQueuedMessages records the retry queue depth
func SetQueuedMessages(n int64) {
	QueuedMessages.Set(float64(n))
	atomic.StoreInt64(&queuedCount, n)
}

// GetActiveSubscriptionsCount returns the number of logical subscriptions
func GetActiveSubscriptionsCount() int64 {
	return atomic.LoadInt64(&activeSubsCount)
}

// IncrementActiveSubscriptions increments the logical subscription counter
func IncrementActiveSubscriptions() {
	ActiveSubscriptions.Inc()
	atomic.AddInt64(&activeSubsCount, 1)
}

// DecrementActiveSubscriptions decrements the logical subscription counter
func DecrementActiveSubscriptions() {
	ActiveSubscriptions.Dec()
	atomic.AddInt64(&activeSubsCount, -1)
}

// IncrementErrorCount increments the local error counter
func IncrementErrorCount() {
	atomic.AddInt64(&errorCount, 1)
}

// GetErrorCount returns the current error count
func GetErrorCount() int64 {
	return atomic.LoadInt64(&errorCount)
}

// Metrics for tracking client performance and relay behavior
var (
	// Relay connection metrics
	RelayConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_relay_connections_open",
		Help: "The number of relay WebSocket connections currently open",
	})

	RelayConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_relay_connect_attempts_total",
		Help: "The total number of relay connection attempts by result",
	}, []string{"result"}) // "success", "failure"

	RelayCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "courier_relay_circuit_state",
		Help: "Circuit breaker state per relay (0=closed, 1=half-open, 2=open)",
	}, []string{"relay"})

	RelayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_relay_connect_latency_seconds",
		Help:    "Relay connection handshake latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
	})

	// Publish metrics
	Publishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_publishes_total",
		Help: "Per-relay publish outcomes",
	}, []string{"result"}) // "accepted", "rejected", "timeout", "error"

	PublishAckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_publish_ack_duration_seconds",
		Help:    "Time from EVENT frame write to OK acknowledgment",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 11), // 5ms .. ~10s
	})

	// Message pipeline metrics
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_dm_sent_total",
		Help: "The total number of direct messages accepted by at least one relay",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_dm_received_total",
		Help: "The total number of inbound direct messages decrypted and routed",
	})

	QueuedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_dm_queued",
		Help: "The number of messages waiting in the offline retry queue",
	})

	FormatFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_dm_format_fallbacks_total",
		Help: "Sends that fell back from the gift-wrap format to the legacy format",
	})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_duplicate_events_total",
		Help: "Inbound events discarded by deduplication",
	})

	// Subscription metrics
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_active_subscriptions",
		Help: "The number of active logical subscriptions",
	})

	CoalescedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_coalesced_req_total",
		Help: "Wire REQ frames sent after coalescing logical subscriptions",
	})

	// Wire metrics
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_frames_sent_total",
		Help: "Wire frames sent to relays by type",
	}, []string{"type"}) // "EVENT", "REQ", "CLOSE"

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_frames_received_total",
		Help: "Wire frames received from relays by type",
	}, []string{"type"}) // "EVENT", "EOSE", "OK", "NOTICE"

	// Error metrics
	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_errors_total",
		Help: "The total number of errors by type",
	}, []string{"type"}) // "protocol", "crypto", "network", ...
)

// RegisterMetrics pre-registers label combinations so scrapes see zero values
// instead of absent series.
func RegisterMetrics() {
	for _, result := range []string{"success", "failure"} {
		RelayConnectAttempts.WithLabelValues(result)
	}

	for _, result := range []string{"accepted", "rejected", "timeout", "error"} {
		Publishes.WithLabelValues(result)
	}

	for _, frameType := range []string{"EVENT", "REQ", "CLOSE"} {
		FramesSent.WithLabelValues(frameType)
	}
	for _, frameType := range []string{"EVENT", "EOSE", "OK", "NOTICE"} {
		FramesReceived.WithLabelValues(frameType)
	}

	errorTypes := []string{
		"protocol", "crypto", "network", "validation",
		"state", "storage", "timeout", "internal",
	}
	for _, errType := range errorTypes {
		ErrorsCount.WithLabelValues(errType)
	}
}
