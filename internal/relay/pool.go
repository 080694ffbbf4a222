package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Shugur-Network/courier/internal/config"
	apperrors "github.com/Shugur-Network/courier/internal/errors"
	"github.com/Shugur-Network/courier/internal/limiter"
	"github.com/Shugur-Network/courier/internal/logger"
	"github.com/Shugur-Network/courier/internal/metrics"
	"github.com/Shugur-Network/courier/internal/models"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maintainInterval = time.Second

// Pool owns the relay connections: it keeps the configured set dialed,
// reconnects through the health monitor's backoff and breaker, and fans
// publishes out across open sockets.
type Pool struct {
	cfg     config.RelaysConfig
	health  *HealthMonitor
	dial    Dialer
	limiter *limiter.SendLimiter
	log     *zap.Logger

	handlers ConnectionHandlers

	mu        sync.RWMutex
	conns     map[string]*Connection
	status    map[string]*models.RelayConnectionInfo
	persisted map[string]bool
	transient map[string]bool
	dialing   map[string]bool

	connectMu   sync.Mutex
	onConnect   map[int]func(relayURL string)
	nextHookID  int

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool builds a pool over the configured relay URLs. handlers receive the
// inbound frames of every connection; Start must be called before the pool
// dials anything.
func NewPool(cfg config.RelaysConfig, health *HealthMonitor, dial Dialer, lim *limiter.SendLimiter, handlers ConnectionHandlers) *Pool {
	p := &Pool{
		cfg:       cfg,
		health:    health,
		dial:      dial,
		limiter:   lim,
		log:       logger.New("pool"),
		conns:     make(map[string]*Connection),
		status:    make(map[string]*models.RelayConnectionInfo),
		persisted: make(map[string]bool),
		transient: make(map[string]bool),
		dialing:   make(map[string]bool),
		onConnect: make(map[int]func(string)),
	}
	p.handlers = p.wrapHandlers(handlers)
	for _, url := range cfg.URLs {
		p.persisted[url] = true
		p.status[url] = &models.RelayConnectionInfo{URL: url, Status: models.RelayClosed, UpdatedAt: time.Now()}
	}
	return p
}

// wrapHandlers layers the pool's own bookkeeping under the caller's handlers.
func (p *Pool) wrapHandlers(h ConnectionHandlers) ConnectionHandlers {
	wrapped := h
	wrapped.OnDisconnect = func(relayURL string, err error) {
		p.handleDisconnect(relayURL, err)
		if h.OnDisconnect != nil {
			h.OnDisconnect(relayURL, err)
		}
	}
	return wrapped
}

// Start begins the maintain loop that dials and re-dials relays.
func (p *Pool) Start(ctx context.Context) {
	p.runCtx, p.runCancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.maintainLoop()
}

// Close tears down every connection and stops the maintain loop.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		if p.runCancel != nil {
			p.runCancel()
		}
		p.mu.Lock()
		for _, c := range p.conns {
			c.Close()
		}
		p.mu.Unlock()
		p.wg.Wait()
	})
}

func (p *Pool) maintainLoop() {
	defer p.wg.Done()

	// Dial everything once at startup, then keep the set converged.
	p.dialMissing()
	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case <-ticker.C:
			p.dialMissing()
		}
	}
}

func (p *Pool) dialMissing() {
	p.mu.Lock()
	var toDial []string
	for url := range p.persisted {
		if p.conns[url] == nil && !p.dialing[url] {
			toDial = append(toDial, url)
		}
	}
	for url := range p.transient {
		if p.conns[url] == nil && !p.dialing[url] {
			toDial = append(toDial, url)
		}
	}
	if len(p.conns)+len(toDial) > p.cfg.MaxConnections {
		toDial = toDial[:max(0, p.cfg.MaxConnections-len(p.conns))]
	}
	for _, url := range toDial {
		p.dialing[url] = true
	}
	p.mu.Unlock()

	for _, url := range toDial {
		if !p.health.CanConnect(url) {
			p.mu.Lock()
			delete(p.dialing, url)
			p.mu.Unlock()
			continue
		}
		p.wg.Add(1)
		go func(url string) {
			defer p.wg.Done()
			p.dialOne(url)
		}(url)
	}
}

func (p *Pool) dialOne(url string) {
	defer func() {
		p.mu.Lock()
		delete(p.dialing, url)
		p.mu.Unlock()
	}()

	p.setStatus(url, models.RelayConnecting, "")

	ctx, cancel := context.WithTimeout(p.runCtx, p.cfg.DialTimeout)
	defer cancel()

	started := time.Now()
	conn, err := Connect(ctx, url, p.dial, p.handlers, p.limiter, p.cfg.PingInterval)
	if err != nil {
		p.health.RecordFailure(url)
		p.setStatus(url, models.RelayError, err.Error())
		p.log.Warn("relay dial failed",
			zap.String("relay", url),
			zap.Error(err),
			zap.Duration("next_retry_in", p.health.NextRetryIn(url)))
		return
	}

	p.mu.Lock()
	// The relay may have been dropped from the config while dialing.
	if !p.persisted[url] && !p.transient[url] {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conns[url] = conn
	p.mu.Unlock()

	p.health.RecordSuccess(url, time.Since(started))
	p.setStatus(url, models.RelayOpen, "")
	metrics.IncrementOpenRelays()
	p.log.Info("relay connected", zap.String("relay", url), zap.Duration("handshake", time.Since(started)))

	p.connectMu.Lock()
	hooks := make([]func(string), 0, len(p.onConnect))
	for _, fn := range p.onConnect {
		hooks = append(hooks, fn)
	}
	p.connectMu.Unlock()
	for _, fn := range hooks {
		fn(url)
	}
}

func (p *Pool) handleDisconnect(url string, err error) {
	p.mu.Lock()
	_, had := p.conns[url]
	delete(p.conns, url)
	p.mu.Unlock()

	if !had {
		return
	}
	metrics.DecrementOpenRelays()
	if err != nil {
		p.health.RecordFailure(url)
		p.setStatus(url, models.RelayError, err.Error())
		p.log.Warn("relay disconnected", zap.String("relay", url), zap.Error(err))
	} else {
		p.setStatus(url, models.RelayClosed, "")
		p.log.Info("relay connection closed", zap.String("relay", url))
	}
}

func (p *Pool) setStatus(url string, status models.RelayStatus, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.status[url]
	if !ok {
		info = &models.RelayConnectionInfo{URL: url, Transient: p.transient[url]}
		p.status[url] = info
	}
	info.Status = status
	info.ErrorMessage = errMsg
	info.UpdatedAt = time.Now()
}

// OnConnect registers a hook fired after every successful dial, used for
// replaying subscriptions onto a fresh socket. Returns a cancel func.
func (p *Pool) OnConnect(fn func(relayURL string)) func() {
	p.connectMu.Lock()
	id := p.nextHookID
	p.nextHookID++
	p.onConnect[id] = fn
	p.connectMu.Unlock()
	return func() {
		p.connectMu.Lock()
		delete(p.onConnect, id)
		p.connectMu.Unlock()
	}
}

// SetRelayURLs replaces the persisted relay set. New relays are dialed by the
// next maintain tick; removed relays are disconnected immediately.
func (p *Pool) SetRelayURLs(urls []string) {
	next := make(map[string]bool, len(urls))
	for _, u := range urls {
		next[u] = true
	}

	p.mu.Lock()
	var dropped []*Connection
	for url := range p.persisted {
		if !next[url] && !p.transient[url] {
			if c := p.conns[url]; c != nil {
				dropped = append(dropped, c)
			}
			delete(p.status, url)
		}
	}
	p.persisted = next
	for url := range next {
		if _, ok := p.status[url]; !ok {
			p.status[url] = &models.RelayConnectionInfo{URL: url, Status: models.RelayClosed, UpdatedAt: time.Now()}
		}
	}
	p.mu.Unlock()

	for _, c := range dropped {
		c.Close()
		p.health.Forget(c.URL)
		p.limiter.Forget(c.URL)
	}
	p.log.Info("relay set updated", zap.Int("relays", len(urls)))
}

// AddTransientRelay adds a recipient-specific relay that is not persisted to
// the config. No-op when the relay is already tracked.
func (p *Pool) AddTransientRelay(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.persisted[url] || p.transient[url] {
		return
	}
	p.transient[url] = true
	p.status[url] = &models.RelayConnectionInfo{URL: url, Status: models.RelayClosed, UpdatedAt: time.Now(), Transient: true}
}

// RemoveTransientRelay drops a transient relay and its connection.
func (p *Pool) RemoveTransientRelay(url string) {
	p.mu.Lock()
	if !p.transient[url] {
		p.mu.Unlock()
		return
	}
	delete(p.transient, url)
	delete(p.status, url)
	c := p.conns[url]
	p.mu.Unlock()

	if c != nil {
		c.Close()
	}
	p.health.Forget(url)
	p.limiter.Forget(url)
}

// Connection returns the open connection for a relay, or nil.
func (p *Pool) Connection(url string) *Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[url]
}

// OpenConnections returns the open connections ranked best-first by health.
func (p *Pool) OpenConnections() []*Connection {
	p.mu.RLock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.RUnlock()

	rank := func(s models.HealthStatus) int {
		switch s {
		case models.HealthHealthy:
			return 0
		case models.HealthDegraded:
			return 1
		case models.HealthUnhealthy:
			return 2
		default:
			return 3
		}
	}
	sort.Slice(conns, func(i, j int) bool {
		ri, rj := rank(p.health.Status(conns[i].URL)), rank(p.health.Status(conns[j].URL))
		if ri != rj {
			return ri < rj
		}
		return conns[i].URL < conns[j].URL
	})
	return conns
}

// OpenCount returns the number of open connections.
func (p *Pool) OpenCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// ConnectionInfo returns point-in-time snapshots of every tracked relay.
func (p *Pool) ConnectionInfo() []models.RelayConnectionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.RelayConnectionInfo, 0, len(p.status))
	for _, info := range p.status {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// PublishToRelay publishes one event to one relay and waits for its OK.
func (p *Pool) PublishToRelay(ctx context.Context, url string, evt *nostr.Event) models.PublishResult {
	conn := p.Connection(url)
	if conn == nil {
		return models.PublishResult{RelayURL: url, Success: false, Message: "relay not connected"}
	}
	return conn.Publish(ctx, evt, p.cfg.AckTimeout)
}

// PublishToAll fans an event out to every open connection in parallel and
// reports the aggregate. Success is a 1-of-N quorum. With zero open
// connections it fails fast so the caller can queue instead of waiting out
// ack timeouts.
func (p *Pool) PublishToAll(ctx context.Context, evt *nostr.Event) (*models.MultiRelayPublishResult, error) {
	conns := p.OpenConnections()
	if len(conns) == 0 {
		return nil, apperrors.NoOpenRelaysError()
	}

	results := make([]models.PublishResult, len(conns))
	g, gctx := errgroup.WithContext(ctx)
	for i, conn := range conns {
		g.Go(func() error {
			results[i] = conn.Publish(gctx, evt, p.cfg.AckTimeout)
			return nil
		})
	}
	g.Wait()

	agg := &models.MultiRelayPublishResult{Results: results}
	for _, r := range results {
		if r.Success {
			agg.SuccessCount++
		}
	}
	agg.Success = agg.SuccessCount > 0
	return agg, nil
}
