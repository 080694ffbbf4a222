package application

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Shugur-Network/courier/internal/config"
	"github.com/Shugur-Network/courier/internal/crypto"
	"github.com/Shugur-Network/courier/internal/dm"
	apperrors "github.com/Shugur-Network/courier/internal/errors"
	"github.com/Shugur-Network/courier/internal/identity"
	"github.com/Shugur-Network/courier/internal/limiter"
	"github.com/Shugur-Network/courier/internal/metrics"
	"github.com/Shugur-Network/courier/internal/relay"
	"github.com/Shugur-Network/courier/internal/settings"
	"github.com/Shugur-Network/courier/internal/store"
	"github.com/Shugur-Network/courier/internal/web"
	"github.com/Shugur-Network/courier/internal/workers"
	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
)

// Worker pool sizing for inbound event processing. Decryption is cheap; the
// pool mostly absorbs bursts after reconnect backfills.
const (
	workerCount   = 4
	workerBacklog = 256
)

// NodeBuilder incrementally constructs a Node.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	dataDir  string
	id       *identity.Identity
	store    *store.BoltStore
	contacts *settings.Store
	crypto   crypto.Service
	reporter *apperrors.Reporter
	workers  *workers.WorkerPool

	health *relay.HealthMonitor
	pool   *relay.Pool
	subs   *relay.SubscriptionManager

	ctrl *dm.Controller
	api  *web.Server
}

// NewNodeBuilder creates a builder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// BuildIdentity resolves the data directory and loads or generates the
// client keypair.
func (b *NodeBuilder) BuildIdentity() error {
	dir, err := resolveDataDir(b.config.General.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	b.dataDir = dir

	id, err := identity.LoadOrCreate(dir)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	b.id = id
	return nil
}

// BuildStore opens the message store under the data directory.
func (b *NodeBuilder) BuildStore() error {
	path := b.config.Storage.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.dataDir, path)
	}
	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	b.store = st
	return nil
}

// BuildSettings loads the contact list and privacy preferences.
func (b *NodeBuilder) BuildSettings() error {
	contacts, err := settings.Load(b.dataDir,
		b.config.Privacy.PreferGiftWrap, b.config.Privacy.StrictModern)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	b.contacts = contacts
	return nil
}

// BuildWorkers initializes the inbound-event worker pool and the error
// reporter.
func (b *NodeBuilder) BuildWorkers() {
	b.workers = workers.NewWorkerPool(workerCount, workerBacklog)
	b.reporter = apperrors.NewReporter()
	b.crypto = crypto.NewService()
}

// BuildRelayLayer constructs the health monitor, connection pool and
// subscription manager. Pool callbacks dispatch into the manager, which is
// built afterwards; the closures resolve it at call time.
func (b *NodeBuilder) BuildRelayLayer() {
	clk := clock.New()
	b.health = relay.NewHealthMonitor(b.config.Relays.Backoff, b.config.Relays.Circuit, clk)

	lim := limiter.NewSendLimiter(b.config.Relays.SendRate, b.config.Relays.SendBurst)
	handlers := relay.ConnectionHandlers{
		OnEvent: func(relayURL, subID string, evt *nostr.Event) {
			if b.subs != nil {
				b.subs.DispatchEvent(relayURL, subID, evt)
			}
		},
		OnEOSE: func(relayURL, subID string) {
			if b.subs != nil {
				b.subs.DispatchEOSE(relayURL, subID)
			}
		},
		OnNotice: func(relayURL, message string) {
			b.reporter.HandleProtocolError("NOTICE", relayURL+": "+message)
		},
	}

	b.pool = relay.NewPool(b.config.Relays, b.health,
		relay.GorillaDialer(b.config.Relays.DialTimeout), lim, handlers)
	b.subs = relay.NewSubscriptionManager(b.pool, clk)
}

// BuildPipeline assembles the message controller over the relay layer.
func (b *NodeBuilder) BuildPipeline() error {
	ctrl, err := dm.NewController(dm.ControllerDeps{
		Identity: b.id,
		Crypto:   b.crypto,
		Store:    b.store,
		Settings: b.contacts,
		Contacts: b.contacts,
		Pool:     b.pool,
		Subs:     b.subs,
		Workers:  b.workers,
		Reporter: b.reporter,
		Privacy:  b.config.Privacy,
		Backoff:  b.config.Relays.Backoff,
	})
	if err != nil {
		return fmt.Errorf("build message pipeline: %w", err)
	}
	b.ctrl = ctrl
	return nil
}

// BuildAPI constructs the local control API server when enabled.
func (b *NodeBuilder) BuildAPI() {
	if !b.config.API.Enabled {
		return
	}
	b.api = web.NewServer(b.config.API, b.ctrl, b.pool, b.health,
		b.id, b.contacts, b.reporter)
}

// Build assembles the final Node.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.ctrl == nil {
		return nil, fmt.Errorf("pipeline not built")
	}
	metrics.RegisterMetrics()
	return &Node{
		ctx:      b.ctx,
		cancel:   b.cancel,
		config:   b.config,
		id:       b.id,
		store:    b.store,
		contacts: b.contacts,
		reporter: b.reporter,
		workers:  b.workers,
		health:   b.health,
		pool:     b.pool,
		subs:     b.subs,
		Ctrl:     b.ctrl,
		api:      b.api,
	}, nil
}
