package application

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Shugur-Network/courier/internal/config"
	apperrors "github.com/Shugur-Network/courier/internal/errors"
	"github.com/Shugur-Network/courier/internal/identity"
	"github.com/Shugur-Network/courier/internal/models"
)

// resolveDataDir expands a leading ~ and creates the directory.
func resolveDataDir(dir string) (string, error) {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return dir, nil
}

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Identity returns the node's keypair.
func (n *Node) Identity() *identity.Identity {
	return n.id
}

// Reporter returns the node's error reporter.
func (n *Node) Reporter() *apperrors.Reporter {
	return n.reporter
}

// watchNetworkState keeps the reporter's aggregate network state in sync
// with the pool. Online means at least one open connection; offline means
// none are open and every tracked relay is unhealthy or circuit-broken.
func (n *Node) watchNetworkState() func() {
	update := func() {
		n.reporter.SetNetworkState(n.deriveNetworkState())
	}

	cancelConnect := n.pool.OnConnect(func(string) { update() })
	cancelHealth := n.health.SubscribeToHealthChanges(func(string, models.RelayHealthSnapshot) { update() })
	update()

	return func() {
		cancelConnect()
		cancelHealth()
	}
}

func (n *Node) deriveNetworkState() apperrors.NetworkState {
	if n.pool.OpenCount() > 0 {
		return apperrors.NetworkOnline
	}
	snaps := n.health.Snapshots()
	if len(snaps) == 0 {
		return apperrors.NetworkDegraded
	}
	for _, s := range snaps {
		if s.Status != models.HealthUnhealthy {
			return apperrors.NetworkDegraded
		}
	}
	return apperrors.NetworkOffline
}
