package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Shugur-Network/courier/internal/errors"
	"github.com/Shugur-Network/courier/internal/limiter"
	"github.com/Shugur-Network/courier/internal/logger"
	"github.com/Shugur-Network/courier/internal/metrics"
	"github.com/Shugur-Network/courier/internal/models"
	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Transport is the minimal socket surface the connection needs. The gorilla
// conn satisfies it; tests substitute an in-memory pipe.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a Transport to a relay URL. Injectable for tests.
type Dialer func(ctx context.Context, url string) (Transport, error)

// GorillaDialer dials with the default gorilla websocket dialer.
func GorillaDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		d := websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		}
		conn, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// ConnectionHandlers are the callbacks a connection fires from its read loop.
// All of them may be invoked concurrently with writes.
type ConnectionHandlers struct {
	// OnEvent receives every EVENT frame, tagged with its subscription id.
	OnEvent func(relayURL, subID string, evt *nostr.Event)
	// OnEOSE fires when a subscription's stored events are exhausted.
	OnEOSE func(relayURL, subID string)
	// OnClosed fires when the relay closes a subscription server-side.
	OnClosed func(relayURL, subID, reason string)
	// OnNotice receives human-readable relay notices.
	OnNotice func(relayURL, message string)
	// OnDisconnect fires once when the read loop exits.
	OnDisconnect func(relayURL string, err error)
}

// okResult is a relay's OK verdict for one published event.
type okResult struct {
	accepted bool
	message  string
}

// Connection is one live relay socket: serialized writes, a read loop
// dispatching inbound frames, keepalive pings, and a pending-resolver table
// matching OK acknowledgments to in-flight publishes.
type Connection struct {
	URL string

	transport Transport
	handlers  ConnectionHandlers
	limiter   *limiter.SendLimiter
	log       *zap.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan okResult // event id -> resolver

	pingInterval time.Duration
	isClosed     atomic.Bool
	closeOnce    sync.Once
	done         chan struct{}
}

// Connect dials the relay and starts the read and ping loops. The returned
// connection is ready for writes.
func Connect(ctx context.Context, url string, dial Dialer, handlers ConnectionHandlers, lim *limiter.SendLimiter, pingInterval time.Duration) (*Connection, error) {
	transport, err := dial(ctx, url)
	if err != nil {
		return nil, apperrors.DialError(url, err)
	}

	c := &Connection{
		URL:          url,
		transport:    transport,
		handlers:     handlers,
		limiter:      lim,
		log:          logger.New("conn").With(zap.String("relay", url)),
		pending:      make(map[string]chan okResult),
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}

	transport.SetPongHandler(func(string) error {
		return transport.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	})

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Close tears the socket down. Pending publishes are resolved as failed.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.isClosed.Store(true)
		close(c.done)
		c.transport.Close()
		c.failPending("connection closed")
	})
}

// IsClosed reports whether the connection has been torn down.
func (c *Connection) IsClosed() bool {
	return c.isClosed.Load()
}

func (c *Connection) failPending(reason string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- okResult{accepted: false, message: reason}
		delete(c.pending, id)
	}
}

// writeFrame serializes one client frame, paced by the send limiter.
func (c *Connection) writeFrame(ctx context.Context, frameType string, frame []any) error {
	if c.isClosed.Load() {
		return apperrors.WebSocketError(c.URL, "write", fmt.Errorf("connection closed"))
	}
	if err := c.limiter.Wait(ctx, c.URL); err != nil {
		return err
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frameType, err)
	}

	c.writeMu.Lock()
	err = c.transport.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return apperrors.WebSocketError(c.URL, "write", err)
	}
	metrics.FramesSent.WithLabelValues(frameType).Inc()
	return nil
}

// Publish writes an EVENT frame and waits for the relay's OK verdict, up to
// ackTimeout. A second publish of the same event id supersedes the first
// waiter, which is resolved as timed out.
func (c *Connection) Publish(ctx context.Context, evt *nostr.Event, ackTimeout time.Duration) models.PublishResult {
	resolver := make(chan okResult, 1)

	c.pendingMu.Lock()
	if prev, ok := c.pending[evt.ID]; ok {
		prev <- okResult{accepted: false, message: "superseded by a newer publish"}
	}
	c.pending[evt.ID] = resolver
	c.pendingMu.Unlock()

	started := time.Now()
	if err := c.writeFrame(ctx, "EVENT", []any{"EVENT", evt}); err != nil {
		c.removePending(evt.ID, resolver)
		metrics.Publishes.WithLabelValues("error").Inc()
		return models.PublishResult{RelayURL: c.URL, Success: false, Message: err.Error()}
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	select {
	case res := <-resolver:
		metrics.PublishAckDuration.Observe(time.Since(started).Seconds())
		if res.accepted {
			metrics.Publishes.WithLabelValues("accepted").Inc()
		} else {
			metrics.Publishes.WithLabelValues("rejected").Inc()
		}
		return models.PublishResult{RelayURL: c.URL, Success: res.accepted, Message: res.message}
	case <-timer.C:
		c.removePending(evt.ID, resolver)
		metrics.Publishes.WithLabelValues("timeout").Inc()
		err := apperrors.AckTimeoutError(c.URL, evt.ID)
		return models.PublishResult{RelayURL: c.URL, Success: false, Message: err.Message}
	case <-ctx.Done():
		c.removePending(evt.ID, resolver)
		metrics.Publishes.WithLabelValues("error").Inc()
		return models.PublishResult{RelayURL: c.URL, Success: false, Message: ctx.Err().Error()}
	}
}

// removePending clears a resolver only if it is still the registered one; a
// superseding publish may have replaced it.
func (c *Connection) removePending(eventID string, resolver chan okResult) {
	c.pendingMu.Lock()
	if cur, ok := c.pending[eventID]; ok && cur == resolver {
		delete(c.pending, eventID)
	}
	c.pendingMu.Unlock()
}

// Subscribe writes a REQ frame for the given subscription id and filters.
func (c *Connection) Subscribe(ctx context.Context, subID string, filters []nostr.Filter) error {
	frame := make([]any, 0, 2+len(filters))
	frame = append(frame, "REQ", subID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	return c.writeFrame(ctx, "REQ", frame)
}

// Unsubscribe writes a CLOSE frame for the given subscription id.
func (c *Connection) Unsubscribe(ctx context.Context, subID string) error {
	return c.writeFrame(ctx, "CLOSE", []any{"CLOSE", subID})
}

func (c *Connection) readLoop() {
	var loopErr error
	for {
		_, data, err := c.transport.ReadMessage()
		if err != nil {
			loopErr = err
			break
		}
		c.dispatch(data)
	}

	wasClosed := c.isClosed.Load()
	c.Close()
	if c.handlers.OnDisconnect != nil {
		if wasClosed {
			c.handlers.OnDisconnect(c.URL, nil)
		} else {
			c.handlers.OnDisconnect(c.URL, apperrors.WebSocketError(c.URL, "read", loopErr))
		}
	}
}

// dispatch parses one relay frame and routes it. Malformed frames are logged
// and dropped; one bad frame must not kill the connection.
func (c *Connection) dispatch(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
		c.log.Debug("unparseable relay frame dropped", zap.Int("bytes", len(data)))
		metrics.ErrorsCount.WithLabelValues("protocol").Inc()
		return
	}

	var frameType string
	if err := json.Unmarshal(frame[0], &frameType); err != nil {
		metrics.ErrorsCount.WithLabelValues("protocol").Inc()
		return
	}

	switch frameType {
	case "EVENT":
		if len(frame) < 3 {
			c.protocolError("EVENT", "expected 3 elements")
			return
		}
		var subID string
		var evt nostr.Event
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			c.protocolError("EVENT", "bad subscription id")
			return
		}
		if err := json.Unmarshal(frame[2], &evt); err != nil {
			c.protocolError("EVENT", "bad event payload")
			return
		}
		metrics.FramesReceived.WithLabelValues("EVENT").Inc()
		if c.handlers.OnEvent != nil {
			c.handlers.OnEvent(c.URL, subID, &evt)
		}

	case "OK":
		if len(frame) < 3 {
			c.protocolError("OK", "expected at least 3 elements")
			return
		}
		var eventID string
		var accepted bool
		var message string
		if err := json.Unmarshal(frame[1], &eventID); err != nil {
			c.protocolError("OK", "bad event id")
			return
		}
		if err := json.Unmarshal(frame[2], &accepted); err != nil {
			c.protocolError("OK", "bad verdict")
			return
		}
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &message)
		}
		metrics.FramesReceived.WithLabelValues("OK").Inc()
		c.resolveOK(eventID, accepted, message)

	case "EOSE":
		if len(frame) < 2 {
			c.protocolError("EOSE", "missing subscription id")
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			c.protocolError("EOSE", "bad subscription id")
			return
		}
		metrics.FramesReceived.WithLabelValues("EOSE").Inc()
		if c.handlers.OnEOSE != nil {
			c.handlers.OnEOSE(c.URL, subID)
		}

	case "CLOSED":
		if len(frame) < 2 {
			c.protocolError("CLOSED", "missing subscription id")
			return
		}
		var subID, reason string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			c.protocolError("CLOSED", "bad subscription id")
			return
		}
		if len(frame) > 2 {
			_ = json.Unmarshal(frame[2], &reason)
		}
		if c.handlers.OnClosed != nil {
			c.handlers.OnClosed(c.URL, subID, reason)
		}

	case "NOTICE":
		var message string
		if len(frame) > 1 {
			_ = json.Unmarshal(frame[1], &message)
		}
		metrics.FramesReceived.WithLabelValues("NOTICE").Inc()
		c.log.Info("relay notice", zap.String("message", message))
		if c.handlers.OnNotice != nil {
			c.handlers.OnNotice(c.URL, message)
		}

	default:
		c.log.Debug("unknown relay frame type", zap.String("type", frameType))
	}
}

func (c *Connection) protocolError(frameType, reason string) {
	err := apperrors.ProtocolError(frameType, reason)
	c.log.Debug("malformed relay frame dropped", zap.String("code", err.Code), zap.String("reason", reason))
	metrics.ErrorsCount.WithLabelValues("protocol").Inc()
}

func (c *Connection) resolveOK(eventID string, accepted bool, message string) {
	c.pendingMu.Lock()
	resolver, ok := c.pending[eventID]
	if ok {
		delete(c.pending, eventID)
	}
	c.pendingMu.Unlock()

	if !ok {
		// Late OK after a timeout, or an OK for an event another connection
		// published. Either way, nobody is waiting.
		c.log.Debug("unmatched OK dropped", zap.String("event_id", eventID))
		return
	}
	resolver <- okResult{accepted: accepted, message: message}
}

func (c *Connection) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}
