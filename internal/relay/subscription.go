package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Shugur-Network/courier/internal/constants"
	"github.com/Shugur-Network/courier/internal/logger"
	"github.com/Shugur-Network/courier/internal/metrics"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// EventHandler receives events matched against a logical subscription's own
// filters, regardless of which merged wire subscription carried them.
type EventHandler func(relayURL string, evt *nostr.Event)

// logicalSub is one caller-visible subscription.
type logicalSub struct {
	id      string
	filters []nostr.Filter
	onEvent EventHandler
	onEOSE  func(relayURL string)
	groups  map[string]bool // wire group keys this sub's filters landed in
}

// wireGroup is one merged REQ on the wire, covering every logical filter that
// shares its kind set.
type wireGroup struct {
	wireID  string
	key     string
	merged  nostr.Filter
	members map[string]*logicalSub
}

// SubscriptionManager coalesces logical subscriptions into merged wire REQs.
// Subscriptions arriving within the batch window that share a kind set are
// folded into a single REQ whose authors and #p tags are unioned and whose
// since is the minimum. Inbound events are demultiplexed against each logical
// subscription's original, unmerged filters.
type SubscriptionManager struct {
	pool  *Pool
	clock clock.Clock
	log   *zap.Logger

	mu         sync.Mutex
	logical    map[string]*logicalSub
	groups     map[string]*wireGroup // by kind-set key
	byWireID   map[string]*wireGroup
	pending    []*logicalSub
	flushTimer *clock.Timer

	runCtx     context.Context
	cancelHook func()
}

// NewSubscriptionManager builds a manager over the pool. clk drives the batch
// window timer; pass clock.New() in production.
func NewSubscriptionManager(pool *Pool, clk clock.Clock) *SubscriptionManager {
	return &SubscriptionManager{
		pool:     pool,
		clock:    clk,
		log:      logger.New("subs"),
		logical:  make(map[string]*logicalSub),
		groups:   make(map[string]*wireGroup),
		byWireID: make(map[string]*wireGroup),
	}
}

// Start hooks the manager into the pool: fresh connections get every active
// wire REQ replayed.
func (m *SubscriptionManager) Start(ctx context.Context) {
	m.runCtx = ctx
	m.cancelHook = m.pool.OnConnect(m.replayTo)
}

// Close stops the manager. Wire subscriptions die with their sockets.
func (m *SubscriptionManager) Close() {
	if m.cancelHook != nil {
		m.cancelHook()
	}
	m.mu.Lock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	m.mu.Unlock()
}

// Subscribe registers a logical subscription and returns its id. The wire REQ
// is sent after the batch window elapses, merged with whatever else arrived
// in the meantime.
func (m *SubscriptionManager) Subscribe(filters []nostr.Filter, onEvent EventHandler, onEOSE func(relayURL string)) (string, error) {
	if len(filters) == 0 {
		return "", fmt.Errorf("subscription needs at least one filter")
	}

	sub := &logicalSub{
		id:      uuid.NewString(),
		filters: filters,
		onEvent: onEvent,
		onEOSE:  onEOSE,
		groups:  make(map[string]bool),
	}

	m.mu.Lock()
	m.logical[sub.id] = sub
	m.pending = append(m.pending, sub)
	if m.flushTimer == nil {
		m.flushTimer = m.clock.AfterFunc(constants.CoalesceWindow, m.flush)
	}
	m.mu.Unlock()

	metrics.IncrementActiveSubscriptions()
	return sub.id, nil
}

// Unsubscribe removes a logical subscription. Wire groups it emptied are
// CLOSEd; groups it shared are narrowed and re-sent.
func (m *SubscriptionManager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.logical[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.logical, id)
	for i, p := range m.pending {
		if p.id == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}

	var toClose []*wireGroup
	var toResend []*wireGroup
	for key := range sub.groups {
		g, ok := m.groups[key]
		if !ok {
			continue
		}
		delete(g.members, id)
		if len(g.members) == 0 {
			delete(m.groups, key)
			delete(m.byWireID, g.wireID)
			toClose = append(toClose, g)
		} else {
			g.merged = mergeGroupFilters(g)
			toResend = append(toResend, g)
		}
	}
	m.mu.Unlock()

	metrics.DecrementActiveSubscriptions()

	for _, g := range toClose {
		for _, conn := range m.pool.OpenConnections() {
			if err := conn.Unsubscribe(m.runCtx, g.wireID); err != nil {
				m.log.Debug("close frame failed", zap.String("relay", conn.URL), zap.Error(err))
			}
		}
	}
	for _, g := range toResend {
		m.sendGroup(g)
	}
}

// flush drains the batch and sends (or re-sends) the affected wire groups.
func (m *SubscriptionManager) flush() {
	m.mu.Lock()
	m.flushTimer = nil
	batch := m.pending
	m.pending = nil

	touched := make(map[string]*wireGroup)
	for _, sub := range batch {
		// The sub may have been unsubscribed while waiting for the window.
		if _, live := m.logical[sub.id]; !live {
			continue
		}
		for _, f := range sub.filters {
			key := kindSetKey(f.Kinds)
			g, ok := m.groups[key]
			if !ok {
				g = &wireGroup{
					wireID:  uuid.NewString(),
					key:     key,
					members: make(map[string]*logicalSub),
				}
				m.groups[key] = g
				m.byWireID[g.wireID] = g
			}
			g.members[sub.id] = sub
			sub.groups[key] = true
			touched[key] = g
		}
	}
	for _, g := range touched {
		g.merged = mergeGroupFilters(g)
	}
	groups := make([]*wireGroup, 0, len(touched))
	for _, g := range touched {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	for _, g := range groups {
		m.sendGroup(g)
	}
}

func (m *SubscriptionManager) sendGroup(g *wireGroup) {
	conns := m.pool.OpenConnections()
	if len(conns) == 0 {
		// Replay on the next connect covers the offline case.
		m.log.Debug("no open relays, subscription deferred", zap.String("wire_id", g.wireID))
		return
	}
	for _, conn := range conns {
		if err := conn.Subscribe(m.runCtx, g.wireID, []nostr.Filter{g.merged}); err != nil {
			m.log.Warn("req frame failed", zap.String("relay", conn.URL), zap.Error(err))
			continue
		}
	}
	metrics.CoalescedRequests.Inc()
	m.log.Debug("wire subscription sent",
		zap.String("wire_id", g.wireID),
		zap.Int("members", len(g.members)),
		zap.Int("relays", len(conns)))
}

// replayTo re-sends every active wire REQ onto a freshly connected relay.
func (m *SubscriptionManager) replayTo(relayURL string) {
	conn := m.pool.Connection(relayURL)
	if conn == nil {
		return
	}

	m.mu.Lock()
	groups := make([]*wireGroup, 0, len(m.byWireID))
	for _, g := range m.byWireID {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	for _, g := range groups {
		if err := conn.Subscribe(m.runCtx, g.wireID, []nostr.Filter{g.merged}); err != nil {
			m.log.Warn("subscription replay failed", zap.String("relay", relayURL), zap.Error(err))
		}
	}
	if len(groups) > 0 {
		m.log.Info("subscriptions replayed", zap.String("relay", relayURL), zap.Int("count", len(groups)))
	}
}

// DispatchEvent routes an inbound EVENT frame to every member whose original
// filters match. Wired as the pool's OnEvent handler.
func (m *SubscriptionManager) DispatchEvent(relayURL, wireSubID string, evt *nostr.Event) {
	m.mu.Lock()
	g, ok := m.byWireID[wireSubID]
	if !ok {
		m.mu.Unlock()
		// A CLOSE can race events already in flight.
		m.log.Debug("event for unknown subscription dropped", zap.String("wire_id", wireSubID))
		return
	}
	type target struct {
		fn EventHandler
	}
	var targets []target
	for _, sub := range g.members {
		for _, f := range sub.filters {
			if f.Matches(evt) {
				targets = append(targets, target{fn: sub.onEvent})
				break
			}
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		if t.fn != nil {
			t.fn(relayURL, evt)
		}
	}
}

// DispatchEOSE routes an EOSE frame to every member of the wire group.
func (m *SubscriptionManager) DispatchEOSE(relayURL, wireSubID string) {
	m.mu.Lock()
	g, ok := m.byWireID[wireSubID]
	if !ok {
		m.mu.Unlock()
		return
	}
	var fns []func(string)
	for _, sub := range g.members {
		if sub.onEOSE != nil {
			fns = append(fns, sub.onEOSE)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(relayURL)
	}
}

// ActiveCount returns the number of live logical subscriptions.
func (m *SubscriptionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logical)
}

// WireCount returns the number of merged wire subscriptions.
func (m *SubscriptionManager) WireCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byWireID)
}

// kindSetKey builds the grouping key: the sorted, deduplicated kind set.
func kindSetKey(kinds []int) string {
	sorted := make([]int, len(kinds))
	copy(sorted, kinds)
	sort.Ints(sorted)
	parts := make([]string, 0, len(sorted))
	var prev int
	for i, k := range sorted {
		if i > 0 && k == prev {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d", k))
		prev = k
	}
	return strings.Join(parts, ",")
}

// mergeGroupFilters folds every member filter with the group's kind set into
// one wire filter: authors and #p unioned, since minimized. A member filter
// with no author or #p constraint makes the merged dimension unrestricted.
func mergeGroupFilters(g *wireGroup) nostr.Filter {
	merged := nostr.Filter{Tags: nostr.TagMap{}}
	first := true
	authorSet := make(map[string]bool)
	pSet := make(map[string]bool)
	authorsOpen := false
	pOpen := false
	sinceOpen := false

	for _, sub := range g.members {
		for _, f := range sub.filters {
			if kindSetKey(f.Kinds) != g.key {
				continue
			}
			if first {
				merged.Kinds = append([]int(nil), f.Kinds...)
			}
			if len(f.Authors) == 0 {
				authorsOpen = true
			}
			for _, a := range f.Authors {
				authorSet[a] = true
			}
			ps := f.Tags["p"]
			if len(ps) == 0 {
				pOpen = true
			}
			for _, pk := range ps {
				pSet[pk] = true
			}
			if f.Since != nil {
				if merged.Since == nil || *f.Since < *merged.Since {
					since := *f.Since
					merged.Since = &since
				}
			} else {
				// An open-ended member keeps the merged filter open-ended.
				sinceOpen = true
			}
			if f.Limit > merged.Limit {
				merged.Limit = f.Limit
			}
			first = false
		}
	}

	if sinceOpen {
		merged.Since = nil
	}
	if !authorsOpen {
		merged.Authors = sortedKeys(authorSet)
	}
	if !pOpen && len(pSet) > 0 {
		merged.Tags["p"] = sortedKeys(pSet)
	}
	return merged
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
