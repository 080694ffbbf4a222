package errors

import (
	"sync"

	"github.com/Shugur-Network/courier/internal/logger"
	"github.com/Shugur-Network/courier/internal/metrics"
	"go.uber.org/zap"
)

// NetworkState summarizes overall relay reachability.
type NetworkState string

const (
	NetworkOnline   NetworkState = "online"   // at least one relay open
	NetworkDegraded NetworkState = "degraded" // relays configured but none open yet
	NetworkOffline  NetworkState = "offline"  // every relay circuit is open or unreachable
)

// Reporter is the observability sink for faults the pipeline recovers from
// silently. Crypto and protocol errors land here instead of crashing callers;
// it also tracks the aggregate network state derived from the pool.
type Reporter struct {
	log *zap.Logger

	mu          sync.RWMutex
	state       NetworkState
	subscribers map[int]func(NetworkState)
	nextSubID   int
}

// NewReporter creates a reporter starting in the degraded state (no relay
// connected yet).
func NewReporter() *Reporter {
	return &Reporter{
		log:         logger.New("errors"),
		state:       NetworkDegraded,
		subscribers: make(map[int]func(NetworkState)),
	}
}

// Report logs an error with a level chosen by its severity and increments the
// error counter for its type.
func (r *Reporter) Report(err error) {
	appErr, ok := err.(*AppError)
	if !ok {
		appErr = Wrap(err, ErrorTypeInternal, "INTERNAL_ERROR", "unclassified error")
	}

	fields := []zap.Field{
		zap.String("error_type", string(appErr.Type)),
		zap.String("error_code", appErr.Code),
		zap.String("severity", string(appErr.Severity)),
	}
	if appErr.RelayURL != "" {
		fields = append(fields, zap.String("relay", appErr.RelayURL))
	}
	if appErr.Details != "" {
		fields = append(fields, zap.String("details", appErr.Details))
	}
	if appErr.Cause != nil {
		fields = append(fields, zap.Error(appErr.Cause))
	}
	if appErr.Severity == SeverityHigh || appErr.Severity == SeverityCritical {
		fields = append(fields, zap.String("stack_trace", appErr.StackTrace))
	}

	switch appErr.Severity {
	case SeverityLow:
		r.log.Debug(appErr.Message, fields...)
	case SeverityMedium:
		r.log.Warn(appErr.Message, fields...)
	default:
		r.log.Error(appErr.Message, fields...)
	}

	metrics.ErrorsCount.WithLabelValues(string(appErr.Type)).Inc()
}

// HandleCryptoError reports a signature or decryption failure. These are a
// security boundary: always local, never propagated.
func (r *Reporter) HandleCryptoError(operation, eventID string, cause error) {
	if cause == nil {
		r.Report(SignatureError(eventID))
		return
	}
	r.Report(Wrap(cause, ErrorTypeCrypto, "CRYPTO_ERROR", "crypto "+operation+" failed").
		WithSeverity(SeverityLow).
		WithDetails("event id: " + eventID))
}

// HandleProtocolError reports a malformed wire frame.
func (r *Reporter) HandleProtocolError(frameType, reason string) {
	r.Report(ProtocolError(frameType, reason))
}

// HandleNetworkError reports a relay connectivity fault.
func (r *Reporter) HandleNetworkError(url, operation string, cause error) {
	r.Report(WebSocketError(url, operation, cause))
}

// HandleStateError reports a rejected status transition.
func (r *Reporter) HandleStateError(messageID, from, to string) {
	r.Report(StateTransitionError(messageID, from, to))
}

// GetNetworkState returns the current aggregate reachability state.
func (r *Reporter) GetNetworkState() NetworkState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SetNetworkState updates the state and notifies subscribers on change.
func (r *Reporter) SetNetworkState(state NetworkState) {
	r.mu.Lock()
	if r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	subs := make([]func(NetworkState), 0, len(r.subscribers))
	for _, cb := range r.subscribers {
		subs = append(subs, cb)
	}
	r.mu.Unlock()

	r.log.Info("network state changed", zap.String("state", string(state)))
	for _, cb := range subs {
		cb(state)
	}
}

// SubscribeToNetworkChanges registers a callback invoked on every state
// change. The returned function cancels the subscription.
func (r *Reporter) SubscribeToNetworkChanges(cb func(NetworkState)) func() {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = cb
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}
