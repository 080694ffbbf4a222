package relay

import (
	"context"
	"testing"
	"time"

	"github.com/Shugur-Network/courier/internal/config"
	apperrors "github.com/Shugur-Network/courier/internal/errors"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poolWithFakeConns(t *testing.T, urls ...string) (*Pool, map[string]*fakeTransport) {
	t.Helper()
	cfg := config.RelaysConfig{
		URLs:           urls,
		MaxConnections: 10,
		DialTimeout:    time.Second,
		AckTimeout:     200 * time.Millisecond,
		PingInterval:   time.Minute,
	}
	h := NewHealthMonitor(testBackoff(), testCircuit(), clock.NewMock())
	p := NewPool(cfg, h, nil, testLimiter(), ConnectionHandlers{})

	transports := make(map[string]*fakeTransport)
	for _, url := range urls {
		ft := newFakeTransport()
		transports[url] = ft
		c, err := Connect(context.Background(), url, fakeDialer(ft), p.handlers, p.limiter, time.Minute)
		require.NoError(t, err)
		p.mu.Lock()
		p.conns[url] = c
		p.mu.Unlock()
	}
	t.Cleanup(p.Close)
	return p, transports
}

func TestPublishToAllReachesQuorumWithOneAccept(t *testing.T) {
	p, transports := poolWithFakeConns(t, "wss://a.example.com", "wss://b.example.com")
	evt := signedEvent(t, 1059)

	// Relay A accepts as soon as it sees the EVENT frame; relay B stays silent
	// and times out.
	go func() {
		ftA := transports["wss://a.example.com"]
		for len(ftA.sentFrames()) == 0 {
			time.Sleep(2 * time.Millisecond)
		}
		ftA.deliver(t, "OK", evt.ID, true, "")
	}()

	res, err := p.PublishToAll(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Len(t, res.Results, 2)
}

func TestPublishToAllReportsTotalRejection(t *testing.T) {
	p, transports := poolWithFakeConns(t, "wss://a.example.com")
	evt := signedEvent(t, 4)

	go func() {
		ft := transports["wss://a.example.com"]
		for len(ft.sentFrames()) == 0 {
			time.Sleep(2 * time.Millisecond)
		}
		ft.deliver(t, "OK", evt.ID, false, "invalid: bad kind")
	}()

	res, err := p.PublishToAll(context.Background(), evt)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.SuccessCount)
}

func TestPublishToAllFailsFastWhenOffline(t *testing.T) {
	p, _ := poolWithFakeConns(t)
	evt := signedEvent(t, 4)

	started := time.Now()
	res, err := p.PublishToAll(context.Background(), evt)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Less(t, time.Since(started), 100*time.Millisecond, "offline publish must not wait out ack timeouts")

	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, "NO_OPEN_RELAYS", appErr.Code)
}

func TestSetRelayURLsDropsRemovedRelay(t *testing.T) {
	p, _ := poolWithFakeConns(t, "wss://a.example.com", "wss://b.example.com")

	p.SetRelayURLs([]string{"wss://a.example.com"})

	assert.Nil(t, p.Connection("wss://b.example.com"))
	assert.NotNil(t, p.Connection("wss://a.example.com"))

	infos := p.ConnectionInfo()
	require.Len(t, infos, 1)
	assert.Equal(t, "wss://a.example.com", infos[0].URL)
}

func TestTransientRelayLifecycle(t *testing.T) {
	p, _ := poolWithFakeConns(t, "wss://a.example.com")

	p.AddTransientRelay("wss://recipient.example.com")
	infos := p.ConnectionInfo()
	require.Len(t, infos, 2)

	var transient *struct{ found bool }
	for _, info := range infos {
		if info.URL == "wss://recipient.example.com" {
			transient = &struct{ found bool }{true}
			assert.True(t, info.Transient)
		}
	}
	require.NotNil(t, transient)

	// Adding it again is a no-op.
	p.AddTransientRelay("wss://recipient.example.com")
	assert.Len(t, p.ConnectionInfo(), 2)

	p.RemoveTransientRelay("wss://recipient.example.com")
	assert.Len(t, p.ConnectionInfo(), 1)

	// A persisted relay cannot be removed through the transient path.
	p.RemoveTransientRelay("wss://a.example.com")
	assert.NotNil(t, p.Connection("wss://a.example.com"))
}

func TestOpenConnectionsRankedByHealth(t *testing.T) {
	p, _ := poolWithFakeConns(t, "wss://bad.example.com", "wss://good.example.com")

	for i := 0; i < 10; i++ {
		p.health.RecordSuccess("wss://good.example.com", 10*time.Millisecond)
	}
	p.health.RecordSuccess("wss://bad.example.com", 10*time.Millisecond)
	for i := 0; i < 3; i++ {
		p.health.RecordFailure("wss://bad.example.com")
	}

	conns := p.OpenConnections()
	require.Len(t, conns, 2)
	assert.Equal(t, "wss://good.example.com", conns[0].URL)
}

func TestOpenConnectionsRankOrder(t *testing.T) {
	p, _ := poolWithFakeConns(t,
		"wss://healthy.example.com",
		"wss://degraded.example.com",
		"wss://unhealthy.example.com",
		"wss://unknown.example.com")

	for i := 0; i < 10; i++ {
		p.health.RecordSuccess("wss://healthy.example.com", 10*time.Millisecond)
	}
	p.health.RecordSuccess("wss://degraded.example.com", 10*time.Millisecond)
	p.health.RecordSuccess("wss://degraded.example.com", 10*time.Millisecond)
	p.health.RecordFailure("wss://degraded.example.com")
	p.health.RecordSuccess("wss://unhealthy.example.com", 10*time.Millisecond)
	for i := 0; i < 3; i++ {
		p.health.RecordFailure("wss://unhealthy.example.com")
	}

	conns := p.OpenConnections()
	require.Len(t, conns, 4)
	urls := make([]string, len(conns))
	for i, c := range conns {
		urls[i] = c.URL
	}
	assert.Equal(t, []string{
		"wss://healthy.example.com",
		"wss://degraded.example.com",
		"wss://unhealthy.example.com",
		"wss://unknown.example.com",
	}, urls)
}

func TestDisconnectRemovesConnection(t *testing.T) {
	p, transports := poolWithFakeConns(t, "wss://a.example.com")

	transports["wss://a.example.com"].Close()
	require.Eventually(t, func() bool {
		return p.Connection("wss://a.example.com") == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.OpenCount())
}
