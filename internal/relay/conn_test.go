package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Shugur-Network/courier/internal/limiter"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport: writes are recorded, reads are fed
// from a channel.
type fakeTransport struct {
	mu        sync.Mutex
	writes    [][]byte
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return fmt.Errorf("transport closed")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return 1, data, nil
	case <-f.closed:
		return 0, nil, fmt.Errorf("transport closed")
	}
}

func (f *fakeTransport) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeTransport) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeTransport) SetPongHandler(func(string) error)         {}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(t *testing.T, frame ...any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	f.inbound <- data
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func fakeDialer(ft *fakeTransport) Dialer {
	return func(context.Context, string) (Transport, error) { return ft, nil }
}

func testLimiter() *limiter.SendLimiter {
	return limiter.NewSendLimiter(1000, 100)
}

func connectFake(t *testing.T, ft *fakeTransport, handlers ConnectionHandlers) *Connection {
	t.Helper()
	c, err := Connect(context.Background(), "wss://relay.example.com", fakeDialer(ft), handlers, testLimiter(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func signedEvent(t *testing.T, kind int) *nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	evt := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{},
		Content:   "test",
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestPublishResolvesOnOK(t *testing.T) {
	ft := newFakeTransport()
	c := connectFake(t, ft, ConnectionHandlers{})
	evt := signedEvent(t, 4)

	done := make(chan struct{})
	var res struct {
		success bool
		message string
	}
	go func() {
		r := c.Publish(context.Background(), evt, 5*time.Second)
		res.success, res.message = r.Success, r.Message
		close(done)
	}()

	// Wait for the EVENT frame to hit the wire, then answer.
	require.Eventually(t, func() bool { return len(ft.sentFrames()) == 1 }, time.Second, 5*time.Millisecond)
	ft.deliver(t, "OK", evt.ID, true, "")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not resolve")
	}
	assert.True(t, res.success)
}

func TestPublishResolvesOnRejection(t *testing.T) {
	ft := newFakeTransport()
	c := connectFake(t, ft, ConnectionHandlers{})
	evt := signedEvent(t, 4)

	done := make(chan struct{})
	var success bool
	var message string
	go func() {
		r := c.Publish(context.Background(), evt, 5*time.Second)
		success, message = r.Success, r.Message
		close(done)
	}()

	require.Eventually(t, func() bool { return len(ft.sentFrames()) == 1 }, time.Second, 5*time.Millisecond)
	ft.deliver(t, "OK", evt.ID, false, "blocked: pow required")

	<-done
	assert.False(t, success)
	assert.Contains(t, message, "pow required")
}

func TestPublishTimesOutWithoutOK(t *testing.T) {
	ft := newFakeTransport()
	c := connectFake(t, ft, ConnectionHandlers{})
	evt := signedEvent(t, 4)

	res := c.Publish(context.Background(), evt, 50*time.Millisecond)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "acknowledge")

	// A late OK for the abandoned publish is dropped without blocking.
	ft.deliver(t, "OK", evt.ID, true, "")
	time.Sleep(20 * time.Millisecond)
}

func TestPublishSupersedesEarlierWaiter(t *testing.T) {
	ft := newFakeTransport()
	c := connectFake(t, ft, ConnectionHandlers{})
	evt := signedEvent(t, 4)

	firstDone := make(chan string, 1)
	go func() {
		r := c.Publish(context.Background(), evt, 5*time.Second)
		firstDone <- r.Message
	}()
	require.Eventually(t, func() bool { return len(ft.sentFrames()) == 1 }, time.Second, 5*time.Millisecond)

	secondDone := make(chan bool, 1)
	go func() {
		r := c.Publish(context.Background(), evt, 5*time.Second)
		secondDone <- r.Success
	}()

	// The first waiter resolves as superseded; the OK goes to the second.
	select {
	case msg := <-firstDone:
		assert.Contains(t, msg, "superseded")
	case <-time.After(time.Second):
		t.Fatal("superseded publish did not resolve")
	}

	require.Eventually(t, func() bool { return len(ft.sentFrames()) == 2 }, time.Second, 5*time.Millisecond)
	ft.deliver(t, "OK", evt.ID, true, "")
	select {
	case ok := <-secondDone:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("second publish did not resolve")
	}
}

func TestCloseFailsPendingPublishes(t *testing.T) {
	ft := newFakeTransport()
	c := connectFake(t, ft, ConnectionHandlers{})
	evt := signedEvent(t, 4)

	done := make(chan bool, 1)
	go func() {
		r := c.Publish(context.Background(), evt, 5*time.Second)
		done <- r.Success
	}()
	require.Eventually(t, func() bool { return len(ft.sentFrames()) == 1 }, time.Second, 5*time.Millisecond)

	c.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pending publish not failed on close")
	}
}

func TestReadLoopDispatchesEventFrames(t *testing.T) {
	ft := newFakeTransport()
	events := make(chan *nostr.Event, 1)
	eoses := make(chan string, 1)
	notices := make(chan string, 1)

	connectFake(t, ft, ConnectionHandlers{
		OnEvent:  func(_, subID string, evt *nostr.Event) { events <- evt },
		OnEOSE:   func(_, subID string) { eoses <- subID },
		OnNotice: func(_, msg string) { notices <- msg },
	})

	evt := signedEvent(t, 14)
	ft.deliver(t, "EVENT", "sub-1", evt)
	ft.deliver(t, "EOSE", "sub-1")
	ft.deliver(t, "NOTICE", "slow down")

	select {
	case got := <-events:
		assert.Equal(t, evt.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("EVENT not dispatched")
	}
	assert.Equal(t, "sub-1", <-eoses)
	assert.Equal(t, "slow down", <-notices)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	ft := newFakeTransport()
	events := make(chan *nostr.Event, 1)
	c := connectFake(t, ft, ConnectionHandlers{
		OnEvent: func(_, _ string, evt *nostr.Event) { events <- evt },
	})

	ft.inbound <- []byte(`not json at all`)
	ft.inbound <- []byte(`{"object":"frame"}`)
	ft.deliver(t, "EVENT", "sub-1") // missing payload
	ft.deliver(t, "OK")             // missing everything

	// The connection survives and still dispatches good frames.
	evt := signedEvent(t, 4)
	ft.deliver(t, "EVENT", "sub-1", evt)
	select {
	case got := <-events:
		assert.Equal(t, evt.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("connection died on malformed input")
	}
	assert.False(t, c.IsClosed())
}

func TestSubscribeWritesReqFrame(t *testing.T) {
	ft := newFakeTransport()
	c := connectFake(t, ft, ConnectionHandlers{})

	since := nostr.Timestamp(1700000000)
	err := c.Subscribe(context.Background(), "sub-9", []nostr.Filter{{
		Kinds: []int{1059},
		Tags:  nostr.TagMap{"p": []string{"abc"}},
		Since: &since,
	}})
	require.NoError(t, err)

	frames := ft.sentFrames()
	require.Len(t, frames, 1)
	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	require.Len(t, frame, 3)
	assert.JSONEq(t, `"REQ"`, string(frame[0]))
	assert.JSONEq(t, `"sub-9"`, string(frame[1]))

	require.NoError(t, c.Unsubscribe(context.Background(), "sub-9"))
	frames = ft.sentFrames()
	require.Len(t, frames, 2)
	assert.JSONEq(t, `["CLOSE","sub-9"]`, string(frames[1]))
}
