package application

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Shugur-Network/courier/internal/config"
	"github.com/Shugur-Network/courier/internal/dm"
	apperrors "github.com/Shugur-Network/courier/internal/errors"
	"github.com/Shugur-Network/courier/internal/identity"
	"github.com/Shugur-Network/courier/internal/logger"
	"github.com/Shugur-Network/courier/internal/relay"
	"github.com/Shugur-Network/courier/internal/settings"
	"github.com/Shugur-Network/courier/internal/store"
	"github.com/Shugur-Network/courier/internal/web"
	"github.com/Shugur-Network/courier/internal/workers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// Node ties together the components of a running client: identity, local
// store, relay pool, subscription manager, message pipeline and control API.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	id       *identity.Identity
	store    *store.BoltStore
	contacts *settings.Store
	reporter *apperrors.Reporter
	workers  *workers.WorkerPool

	health *relay.HealthMonitor
	pool   *relay.Pool
	subs   *relay.SubscriptionManager

	// Ctrl is the message pipeline, exposed for embedding callers.
	Ctrl *dm.Controller

	api        *web.Server
	metricsSrv *http.Server

	cancelHealthWatch func()
}

// New builds a Node from configuration.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	b := NewNodeBuilder(ctx, cfg)

	if err := b.BuildIdentity(); err != nil {
		return nil, err
	}
	if err := b.BuildStore(); err != nil {
		return nil, err
	}
	if err := b.BuildSettings(); err != nil {
		return nil, err
	}
	b.BuildWorkers()
	b.BuildRelayLayer()
	if err := b.BuildPipeline(); err != nil {
		return nil, err
	}
	b.BuildAPI()

	return b.Build()
}

// Start brings the node online: pool dialing, subscription replay, the
// message pipeline, and the control and metrics servers.
func (n *Node) Start() error {
	// Replay hook first, then dialing: a socket that opens before the hook
	// is registered would miss its subscription replay.
	n.subs.Start(n.ctx)
	n.pool.Start(n.ctx)

	if err := n.Ctrl.Start(n.ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	n.cancelHealthWatch = n.watchNetworkState()

	if n.api != nil {
		go func() {
			if err := n.api.Start(); err != nil {
				logger.Error("control api stopped", zap.Error(err))
			}
		}()
	}
	if n.config.Metrics.Enabled {
		n.startMetricsServer()
	}

	logger.Info("node started",
		zap.String("pubkey", n.id.PublicKey()),
		zap.Int("relays", len(n.config.Relays.URLs)))
	return nil
}

// startMetricsServer serves the Prometheus registry on its own listener.
func (n *Node) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	n.metricsSrv = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", n.config.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", n.metricsSrv.Addr))
		if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

// Shutdown stops the node in dependency order: servers first, then the
// pipeline, then the relay layer, then the store.
func (n *Node) Shutdown() {
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if n.api != nil {
		if err := n.api.Shutdown(ctx); err != nil {
			logger.Warn("control api shutdown", zap.Error(err))
		}
	}
	if n.metricsSrv != nil {
		if err := n.metricsSrv.Shutdown(ctx); err != nil {
			logger.Warn("metrics shutdown", zap.Error(err))
		}
	}

	if n.cancelHealthWatch != nil {
		n.cancelHealthWatch()
	}

	n.Ctrl.Close()
	n.subs.Close()
	n.pool.Close()

	// Drain in-flight inbound event jobs before closing the store they
	// write to.
	done := make(chan struct{})
	go func() {
		n.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("worker pool drain timed out", zap.Duration("timeout", shutdownTimeout))
	}
	n.workers.Stop()

	if err := n.store.Close(); err != nil {
		logger.Warn("store close", zap.Error(err))
	}

	n.cancel()
	logger.Info("shutdown complete")
}
