package dm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Shugur-Network/courier/internal/config"
	"github.com/Shugur-Network/courier/internal/constants"
	"github.com/Shugur-Network/courier/internal/crypto"
	"github.com/Shugur-Network/courier/internal/domain"
	apperrors "github.com/Shugur-Network/courier/internal/errors"
	"github.com/Shugur-Network/courier/internal/identity"
	"github.com/Shugur-Network/courier/internal/logger"
	"github.com/Shugur-Network/courier/internal/metrics"
	"github.com/Shugur-Network/courier/internal/models"
	"github.com/Shugur-Network/courier/internal/relay"
	"github.com/Shugur-Network/courier/internal/workers"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/willf/bloom"
	"go.uber.org/zap"
)

const (
	// Gift-wrap timestamps are fuzzed up to two days into the past, so the
	// subscription window must reach back at least that far past last-seen.
	giftWrapSinceSlack = 2 * 24 * time.Hour
	legacySinceSlack   = time.Hour

	// First run with an empty store: how far back to backfill.
	backfillWindow = 7 * 24 * time.Hour

	bloomCapacity = 100_000
	bloomFPRate   = 0.001
	recentLRUSize = 4096

	// Tag value marking an intro message to a previously unknown peer.
	connectionRequestTag = "connection-request"
)

// ContactManager mutates the trusted-contact list. Satisfied by the settings
// store; optional for controllers that never accept connection requests.
type ContactManager interface {
	Trust(pubkey string) error
}

// Publisher is the slice of the relay pool the pipeline publishes through.
type Publisher interface {
	PublishToAll(ctx context.Context, evt *nostr.Event) (*models.MultiRelayPublishResult, error)
	AddTransientRelay(url string)
	OpenCount() int
}

// Subscriber is the slice of the subscription manager the pipeline reads
// through.
type Subscriber interface {
	Subscribe(filters []nostr.Filter, onEvent relay.EventHandler, onEOSE func(relayURL string)) (string, error)
	Unsubscribe(id string)
}

// Controller is the direct-message pipeline: it encrypts, signs and publishes
// outgoing messages with format fallback and offline queueing, and decrypts,
// deduplicates and routes incoming ones.
type Controller struct {
	id       *identity.Identity
	crypto   crypto.Service
	store    domain.MessageStore
	settings domain.SettingsProvider
	contacts ContactManager
	pool     Publisher
	subs     Subscriber
	disco    *Discovery
	workers  *workers.WorkerPool
	reporter *apperrors.Reporter
	cfg      config.PrivacyConfig
	log      *zap.Logger

	dedupMu  sync.Mutex
	bloom    *bloom.BloomFilter
	recent   *lru.Cache[string, struct{}]
	inflight map[string]bool

	notifyMu     sync.Mutex
	incomingSubs map[int]func(*models.Message)
	requestSubs  map[int]func(*models.Message)
	nextNotifyID int

	pendingMu sync.Mutex
	pending   map[string]*models.Message // conversation id -> newest request

	runCtx    context.Context
	runCancel context.CancelFunc
	mainSubID string
	queue     *QueueWorker
	closeOnce sync.Once
}

// ControllerDeps bundles the pipeline's collaborators.
type ControllerDeps struct {
	Identity *identity.Identity
	Crypto   crypto.Service
	Store    domain.MessageStore
	Settings domain.SettingsProvider
	Contacts ContactManager
	Pool     Publisher
	Subs     Subscriber
	Workers  *workers.WorkerPool
	Reporter *apperrors.Reporter
	Privacy  config.PrivacyConfig
	Backoff  config.BackoffConfig
}

// NewController wires the pipeline. Start must be called before messages flow.
func NewController(deps ControllerDeps) (*Controller, error) {
	recent, err := lru.New[string, struct{}](recentLRUSize)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		id:           deps.Identity,
		crypto:       deps.Crypto,
		store:        deps.Store,
		settings:     deps.Settings,
		contacts:     deps.Contacts,
		pool:         deps.Pool,
		subs:         deps.Subs,
		disco:        NewDiscovery(deps.Subs),
		workers:      deps.Workers,
		reporter:     deps.Reporter,
		cfg:          deps.Privacy,
		log:          logger.New("dm"),
		bloom:        bloom.NewWithEstimates(bloomCapacity, bloomFPRate),
		recent:       recent,
		inflight:     make(map[string]bool),
		incomingSubs: make(map[int]func(*models.Message)),
		requestSubs:  make(map[int]func(*models.Message)),
		pending:      make(map[string]*models.Message),
	}
	c.queue = NewQueueWorker(c, deps.Backoff, deps.Privacy.MaxRetries)
	return c, nil
}

// Start opens the standing inbound subscriptions and the retry worker.
func (c *Controller) Start(ctx context.Context) error {
	c.runCtx, c.runCancel = context.WithCancel(ctx)

	// Seed the bloom filter from the store so a bloom miss can skip the
	// store lookup even for events persisted in earlier runs.
	seeded := 0
	err := c.store.ForEachEvent(ctx, func(eventID string) error {
		c.bloom.AddString(eventID)
		seeded++
		return nil
	})
	if err != nil {
		return apperrors.StorageError("seed dedupe", err)
	}
	c.log.Debug("dedupe filter seeded", zap.Int("events", seeded))

	// Reload requests still awaiting a trust decision from earlier runs.
	pending, err := c.store.PendingRequests(ctx)
	if err != nil {
		return apperrors.StorageError("load pending requests", err)
	}
	c.pendingMu.Lock()
	for _, msg := range pending {
		c.pending[msg.ConversationID] = msg
	}
	c.pendingMu.Unlock()

	subID, err := c.subs.Subscribe(c.inboundFilters(), c.onRawEvent, nil)
	if err != nil {
		return fmt.Errorf("open inbound subscription: %w", err)
	}
	c.mainSubID = subID

	c.queue.Start(c.runCtx)
	c.log.Info("message pipeline started", zap.String("pubkey", c.id.PublicKey()))
	return nil
}

// Close stops the pipeline. In-flight worker jobs drain before return.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if c.runCancel != nil {
			c.runCancel()
		}
		if c.mainSubID != "" {
			c.subs.Unsubscribe(c.mainSubID)
		}
		c.queue.Stop()
	})
}

// inboundFilters builds the standing filters for both DM formats addressed to
// the local key, reaching back past last-seen.
func (c *Controller) inboundFilters() []nostr.Filter {
	lastSeen, err := c.store.LastSeen(context.Background())
	if err != nil || lastSeen.IsZero() {
		lastSeen = time.Now().Add(-backfillWindow)
	}

	giftSince := nostr.Timestamp(lastSeen.Add(-giftWrapSinceSlack).Unix())
	legacySince := nostr.Timestamp(lastSeen.Add(-legacySinceSlack).Unix())
	me := c.id.PublicKey()

	return []nostr.Filter{
		{
			Kinds: []int{constants.KindGiftWrap},
			Tags:  nostr.TagMap{"p": []string{me}},
			Since: &giftSince,
		},
		{
			Kinds: []int{constants.KindLegacyDM},
			Tags:  nostr.TagMap{"p": []string{me}},
			Since: &legacySince,
		},
	}
}

// SendDM validates, encrypts, persists and publishes one outgoing message.
// The returned message carries the final status: accepted after a quorum,
// queued when offline or rejected everywhere, failed on a pipeline error.
func (c *Controller) SendDM(ctx context.Context, recipient, content string) (*models.Message, error) {
	return c.sendDM(ctx, recipient, content, false)
}

func (c *Controller) sendDM(ctx context.Context, recipient, content string, connectionRequest bool) (*models.Message, error) {
	sk, ok := c.id.SecretKey()
	if !ok {
		return nil, apperrors.IdentityLockedError()
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.EmptyMessageError()
	}
	if len(content) > c.cfg.MaxMessageLength {
		return nil, apperrors.MessageTooLongError(len(content), c.cfg.MaxMessageLength)
	}

	recipientKey, relayHints, err := ParseRecipient(recipient)
	if err != nil {
		return nil, err
	}

	// Best-effort: also reach the relays the recipient reads from — hints
	// embedded in an nprofile address first, then the discovered list.
	for _, url := range relayHints {
		c.pool.AddTransientRelay(url)
	}
	for _, url := range c.disco.RelaysFor(ctx, recipientKey) {
		c.pool.AddTransientRelay(url)
	}

	me := c.id.PublicKey()
	format := models.FormatLegacy
	kind := constants.KindLegacyDM
	if c.settings.PreferGiftWrap() {
		format = models.FormatGiftWrap
		kind = constants.KindChatRumor
	}

	msg := &models.Message{
		ID:              uuid.NewString(),
		ConversationID:  models.ConversationID(me, recipientKey),
		Content:         content,
		Kind:            kind,
		Timestamp:       time.Now(),
		IsOutgoing:      true,
		Status:          models.StatusSending,
		Format:          format,
		SenderPubkey:    me,
		RecipientPubkey: recipientKey,

		IsConnectionRequest: connectionRequest,
	}

	// Optimistic persist: the message exists locally before any relay
	// sees it, so a crash mid-send leaves it recoverable.
	if err := c.store.PersistMessage(ctx, msg); err != nil {
		return nil, apperrors.StorageError("persist", err)
	}

	if err := c.publishMessage(ctx, msg, sk); err != nil {
		return msg, err
	}
	return msg, nil
}

// publishMessage builds the wire event for msg's current format, fans it out,
// and walks the status machine: accepted on quorum, fallback on total
// rejection, queued when offline. Used by both first sends and retries.
func (c *Controller) publishMessage(ctx context.Context, msg *models.Message, sk string) error {
	evt, err := c.buildEvent(msg, sk)
	if err != nil {
		c.reporter.HandleCryptoError("encrypt", msg.EventID, err)
		_ = c.transition(ctx, msg, models.StatusFailed)
		return err
	}
	msg.EventID = evt.ID
	if err := c.store.PersistMessage(ctx, msg); err != nil {
		return apperrors.StorageError("persist", err)
	}

	res, err := c.pool.PublishToAll(ctx, evt)
	if err != nil {
		// Offline: queue, and hand the caller the typed failure so it can
		// branch without inspecting the status.
		c.log.Info("no open relays, message queued", zap.String("message_id", msg.ID))
		if qErr := c.enqueue(ctx, msg); qErr != nil {
			return qErr
		}
		return err
	}

	msg.RelayResults = publishResults(res)
	if res.Success {
		if err := c.transition(ctx, msg, models.StatusAccepted); err != nil {
			return err
		}
		metrics.IncrementMessagesSent()
		c.log.Info("message accepted",
			zap.String("message_id", msg.ID),
			zap.String("format", string(msg.Format)),
			zap.Int("relays_accepted", res.SuccessCount))
		return nil
	}

	// Total rejection. Try the legacy format once, unless pinned modern.
	if msg.Format == models.FormatGiftWrap && !c.settings.StrictModern() {
		metrics.FormatFallbacks.Inc()
		c.log.Warn("gift wrap rejected everywhere, falling back to legacy format",
			zap.String("message_id", msg.ID))

		msg.Format = models.FormatLegacy
		msg.Kind = constants.KindLegacyDM
		fallbackEvt, err := c.buildEvent(msg, sk)
		if err != nil {
			c.reporter.HandleCryptoError("encrypt", msg.EventID, err)
			_ = c.transition(ctx, msg, models.StatusFailed)
			return err
		}
		msg.EventID = fallbackEvt.ID

		fres, err := c.pool.PublishToAll(ctx, fallbackEvt)
		if err != nil {
			if qErr := c.enqueue(ctx, msg); qErr != nil {
				return qErr
			}
			return err
		}
		msg.RelayResults = publishResults(fres)
		if fres.Success {
			if err := c.transition(ctx, msg, models.StatusAccepted); err != nil {
				return err
			}
			metrics.IncrementMessagesSent()
			return nil
		}
	}

	rejectErr := apperrors.PublishRejectedError(msg.EventID, len(msg.RelayResults))
	c.reporter.Report(rejectErr)
	if err := c.transition(ctx, msg, models.StatusRejected); err != nil {
		return err
	}
	return c.enqueue(ctx, msg)
}

// enqueue moves a message into the offline retry queue.
func (c *Controller) enqueue(ctx context.Context, msg *models.Message) error {
	if err := c.transition(ctx, msg, models.StatusQueued); err != nil {
		return err
	}
	if err := c.store.QueueOutgoingMessage(ctx, msg.ID); err != nil {
		return apperrors.StorageError("queue", err)
	}
	c.queue.refreshGauge(ctx)
	return nil
}

// transition applies a status change, rejecting anything the transition table
// forbids and keeping the prior status.
func (c *Controller) transition(ctx context.Context, msg *models.Message, next models.MessageStatus) error {
	if !msg.Status.CanTransitionTo(next) {
		c.reporter.HandleStateError(msg.ID, string(msg.Status), string(next))
		return apperrors.StateTransitionError(msg.ID, string(msg.Status), string(next))
	}
	msg.Status = next
	if err := c.store.PersistMessage(ctx, msg); err != nil {
		return apperrors.StorageError("persist", err)
	}
	return nil
}

// buildEvent produces the signed wire event for the message's format.
func (c *Controller) buildEvent(msg *models.Message, sk string) (*nostr.Event, error) {
	tags := nostr.Tags{nostr.Tag{"p", msg.RecipientPubkey}}
	if msg.IsConnectionRequest {
		tags = append(tags, nostr.Tag{"t", connectionRequestTag})
	}

	switch msg.Format {
	case models.FormatGiftWrap:
		rumor := nostr.Event{
			Kind:      constants.KindChatRumor,
			CreatedAt: nostr.Timestamp(msg.Timestamp.Unix()),
			Tags:      tags,
			Content:   msg.Content,
		}
		wrap, err := c.crypto.WrapGift(rumor, msg.RecipientPubkey, sk)
		if err != nil {
			return nil, err
		}
		return &wrap, nil

	case models.FormatLegacy:
		ciphertext, err := c.crypto.EncryptDM(msg.Content, msg.RecipientPubkey, sk)
		if err != nil {
			return nil, err
		}
		evt := &nostr.Event{
			Kind:      constants.KindLegacyDM,
			CreatedAt: nostr.Timestamp(msg.Timestamp.Unix()),
			Tags:      tags,
			Content:   ciphertext,
		}
		if err := c.crypto.SignEvent(evt, sk); err != nil {
			return nil, err
		}
		return evt, nil

	default:
		return nil, fmt.Errorf("unknown message format %q", msg.Format)
	}
}

// onRawEvent is the subscription callback; the heavy lifting moves off the
// read loop onto the worker pool.
func (c *Controller) onRawEvent(relayURL string, evt *nostr.Event) {
	c.workers.Submit(func() { c.processIncoming(relayURL, evt) })
}

// processIncoming runs the full inbound pipeline for one event: dedupe,
// verify, decrypt, persist, route.
func (c *Controller) processIncoming(relayURL string, evt *nostr.Event) {
	ctx := c.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	if !c.claimEvent(ctx, evt.ID) {
		metrics.DuplicateEvents.Inc()
		return
	}
	defer c.releaseEvent(evt.ID)

	sk, ok := c.id.SecretKey()
	if !ok {
		c.log.Debug("inbound event dropped, identity locked", zap.String("event_id", evt.ID))
		return
	}
	me := c.id.PublicKey()

	if !taggedFor(evt, me) {
		c.log.Debug("event not addressed to us", zap.String("event_id", evt.ID))
		return
	}

	var sender, content string
	var ts time.Time
	var format models.DMFormat
	var kind int
	var tags nostr.Tags

	switch evt.Kind {
	case constants.KindGiftWrap:
		rumor, err := c.crypto.UnwrapGift(evt, sk)
		if err != nil {
			c.reporter.HandleCryptoError("unwrap", evt.ID, err)
			return
		}
		if rumor.Kind != constants.KindChatRumor {
			c.log.Debug("unwrapped rumor has unexpected kind",
				zap.String("event_id", evt.ID), zap.Int("kind", rumor.Kind))
			return
		}
		sender = rumor.PubKey
		content = rumor.Content
		ts = rumor.CreatedAt.Time()
		format = models.FormatGiftWrap
		kind = constants.KindChatRumor
		tags = rumor.Tags

	case constants.KindLegacyDM:
		if !c.crypto.VerifyEventSignature(evt) {
			c.reporter.HandleCryptoError("verify", evt.ID, nil)
			return
		}
		plaintext, err := c.crypto.DecryptDM(evt.Content, evt.PubKey, sk)
		if err != nil {
			c.reporter.HandleCryptoError("decrypt", evt.ID, err)
			return
		}
		sender = evt.PubKey
		content = plaintext
		ts = evt.CreatedAt.Time()
		format = models.FormatLegacy
		kind = constants.KindLegacyDM
		tags = evt.Tags

	default:
		return
	}

	if sender == me {
		// Our own publish echoed back by a relay.
		return
	}
	if c.settings.IsBlocked(sender) {
		c.log.Debug("message from blocked sender dropped", zap.String("sender", sender))
		return
	}

	msg := &models.Message{
		ID:              uuid.NewString(),
		ConversationID:  models.ConversationID(me, sender),
		Content:         content,
		Kind:            kind,
		Timestamp:       ts,
		IsOutgoing:      false,
		Status:          models.StatusDelivered,
		Format:          format,
		EventID:         evt.ID,
		SenderPubkey:    sender,
		RecipientPubkey: me,

		IsConnectionRequest: hasConnectionRequestTag(tags),
	}

	// Untrusted senders land in the pending-requests inbox, never in the
	// primary conversation view. Their messages persist outside the
	// conversation index until a trust decision.
	if !c.settings.IsTrusted(sender) {
		if err := c.store.PersistPendingRequest(ctx, msg); err != nil {
			c.reporter.Report(apperrors.StorageError("persist", err))
			return
		}
		c.markSeen(evt.ID)
		metrics.IncrementMessagesReceived()

		c.pendingMu.Lock()
		c.pending[msg.ConversationID] = msg
		c.pendingMu.Unlock()
		c.notifyRequest(msg)
		c.log.Info("message from unknown sender held as pending request",
			zap.String("sender", sender),
			zap.Bool("connection_request", msg.IsConnectionRequest),
			zap.String("relay", relayURL))
		return
	}

	if err := c.store.PersistMessage(ctx, msg); err != nil {
		c.reporter.Report(apperrors.StorageError("persist", err))
		return
	}
	if err := c.store.SetConversationSeen(ctx, msg.ConversationID, ts); err != nil {
		c.reporter.Report(apperrors.StorageError("seen", err))
	}
	c.markSeen(evt.ID)
	metrics.IncrementMessagesReceived()
	c.notifyIncoming(msg)
}

// hasConnectionRequestTag reports whether a decrypted message carries the
// intro marker.
func hasConnectionRequestTag(tags nostr.Tags) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == "t" && tag[1] == connectionRequestTag {
			return true
		}
	}
	return false
}

// claimEvent runs the dedupe stages: the in-flight set catches concurrent
// deliveries, the LRU catches recent repeats exactly, the bloom filter (seeded
// from the store at startup) lets a miss skip the store read, and the store
// settles bloom positives, which can be false.
func (c *Controller) claimEvent(ctx context.Context, eventID string) bool {
	c.dedupMu.Lock()
	if c.inflight[eventID] {
		c.dedupMu.Unlock()
		return false
	}
	if _, hit := c.recent.Get(eventID); hit {
		c.dedupMu.Unlock()
		return false
	}
	mayHaveSeen := c.bloom.TestString(eventID)
	c.inflight[eventID] = true
	c.dedupMu.Unlock()

	if !mayHaveSeen {
		return true
	}

	stored, err := c.store.HasEvent(ctx, eventID)
	if err != nil {
		c.reporter.Report(apperrors.StorageError("dedupe", err))
	}
	if stored {
		c.dedupMu.Lock()
		delete(c.inflight, eventID)
		c.recent.Add(eventID, struct{}{})
		c.dedupMu.Unlock()
		return false
	}
	return true
}

func (c *Controller) releaseEvent(eventID string) {
	c.dedupMu.Lock()
	delete(c.inflight, eventID)
	c.dedupMu.Unlock()
}

func (c *Controller) markSeen(eventID string) {
	c.dedupMu.Lock()
	c.bloom.AddString(eventID)
	c.recent.Add(eventID, struct{}{})
	c.dedupMu.Unlock()
}

// RetryFailedMessage re-publishes an outgoing message that ended up failed,
// rejected or queued.
func (c *Controller) RetryFailedMessage(ctx context.Context, messageID string) (*models.Message, error) {
	sk, ok := c.id.SecretKey()
	if !ok {
		return nil, apperrors.IdentityLockedError()
	}

	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, apperrors.StorageError("load", err)
	}
	if msg == nil {
		return nil, apperrors.ValidationError("UNKNOWN_MESSAGE", "no message with that id")
	}
	if !msg.IsOutgoing {
		return nil, apperrors.ValidationError("NOT_OUTGOING", "only outgoing messages can be retried")
	}

	// rejected must pass through queued before it may send again.
	if msg.Status == models.StatusRejected {
		if err := c.transition(ctx, msg, models.StatusQueued); err != nil {
			return nil, err
		}
	}
	if err := c.transition(ctx, msg, models.StatusSending); err != nil {
		return nil, err
	}
	_ = c.store.RemoveFromQueue(ctx, msg.ID)

	msg.RetryCount++
	if err := c.publishMessage(ctx, msg, sk); err != nil {
		return msg, err
	}
	return msg, nil
}

// GetMessageStatus returns the delivery status of one message.
func (c *Controller) GetMessageStatus(ctx context.Context, messageID string) (models.MessageStatus, error) {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return "", apperrors.StorageError("load", err)
	}
	if msg == nil {
		return "", apperrors.ValidationError("UNKNOWN_MESSAGE", "no message with that id")
	}
	return msg.Status, nil
}

// GetMessagesByConversation returns a conversation's messages, capped to the
// most recent working-set window.
func (c *Controller) GetMessagesByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	msgs, err := c.store.GetMessagesByConversation(ctx, conversationID)
	if err != nil {
		return nil, apperrors.StorageError("load", err)
	}
	if len(msgs) > constants.MaxWorkingSetSize {
		msgs = msgs[len(msgs)-constants.MaxWorkingSetSize:]
	}
	return msgs, nil
}

// Conversations lists every conversation id with stored messages.
func (c *Controller) Conversations(ctx context.Context) ([]string, error) {
	convs, err := c.store.Conversations(ctx)
	if err != nil {
		return nil, apperrors.StorageError("load", err)
	}
	return convs, nil
}

// ProfileFor resolves a peer's display profile, best-effort.
func (c *Controller) ProfileFor(ctx context.Context, recipient string) (*Profile, error) {
	pubkey, err := NormalizeRecipient(recipient)
	if err != nil {
		return nil, err
	}
	return c.disco.ProfileFor(ctx, pubkey), nil
}

// SubscribeToIncomingDMs registers a callback for messages from trusted
// senders. The returned func cancels the subscription.
func (c *Controller) SubscribeToIncomingDMs(fn func(*models.Message)) func() {
	c.notifyMu.Lock()
	id := c.nextNotifyID
	c.nextNotifyID++
	c.incomingSubs[id] = fn
	c.notifyMu.Unlock()
	return func() {
		c.notifyMu.Lock()
		delete(c.incomingSubs, id)
		c.notifyMu.Unlock()
	}
}

// SubscribeToConnectionRequests registers a callback for first messages from
// unknown senders.
func (c *Controller) SubscribeToConnectionRequests(fn func(*models.Message)) func() {
	c.notifyMu.Lock()
	id := c.nextNotifyID
	c.nextNotifyID++
	c.requestSubs[id] = fn
	c.notifyMu.Unlock()
	return func() {
		c.notifyMu.Lock()
		delete(c.requestSubs, id)
		c.notifyMu.Unlock()
	}
}

func (c *Controller) notifyIncoming(msg *models.Message) {
	c.notifyMu.Lock()
	fns := make([]func(*models.Message), 0, len(c.incomingSubs))
	for _, fn := range c.incomingSubs {
		fns = append(fns, fn)
	}
	c.notifyMu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (c *Controller) notifyRequest(msg *models.Message) {
	c.notifyMu.Lock()
	fns := make([]func(*models.Message), 0, len(c.requestSubs))
	for _, fn := range c.requestSubs {
		fns = append(fns, fn)
	}
	c.notifyMu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// PendingRequests returns the newest message of each conversation awaiting a
// trust decision.
func (c *Controller) PendingRequests() []*models.Message {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	out := make([]*models.Message, 0, len(c.pending))
	for _, msg := range c.pending {
		out = append(out, msg)
	}
	return out
}

// AcceptConnectionRequest trusts the sender of a pending request, promotes
// the held message into its conversation, and clears the request.
func (c *Controller) AcceptConnectionRequest(conversationID string) error {
	c.pendingMu.Lock()
	msg, ok := c.pending[conversationID]
	c.pendingMu.Unlock()
	if !ok {
		return apperrors.ValidationError("UNKNOWN_REQUEST", "no pending request for that conversation")
	}
	if c.contacts == nil {
		return apperrors.ValidationError("NO_CONTACT_STORE", "contact management is not configured")
	}
	if err := c.contacts.Trust(msg.SenderPubkey); err != nil {
		return err
	}

	ctx := c.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	// Re-persisting indexes the message into the conversation view.
	if err := c.store.PersistMessage(ctx, msg); err != nil {
		return apperrors.StorageError("persist", err)
	}
	if err := c.store.RemovePendingRequest(ctx, conversationID); err != nil {
		return apperrors.StorageError("clear pending", err)
	}
	if err := c.store.SetConversationSeen(ctx, msg.ConversationID, msg.Timestamp); err != nil {
		c.reporter.Report(apperrors.StorageError("seen", err))
	}

	c.pendingMu.Lock()
	delete(c.pending, conversationID)
	c.pendingMu.Unlock()
	c.notifyIncoming(msg)
	return nil
}

// SendConnectionRequest trusts the recipient locally and sends a first
// message carrying the intro marker, so their replies route straight to the
// inbox and their client can tell the intro from unsolicited mail.
func (c *Controller) SendConnectionRequest(ctx context.Context, recipient, content string) (*models.Message, error) {
	recipientKey, _, err := ParseRecipient(recipient)
	if err != nil {
		return nil, err
	}
	if c.contacts != nil {
		if err := c.contacts.Trust(recipientKey); err != nil {
			return nil, err
		}
	}
	return c.sendDM(ctx, recipient, content, true)
}

// SyncMissedMessages opens a one-shot subscription reaching back past the
// last seen inbound message and waits for the stored backlog to drain.
// Events flow through the normal inbound pipeline.
func (c *Controller) SyncMissedMessages(ctx context.Context) error {
	eose := make(chan struct{}, 16)
	subID, err := c.subs.Subscribe(c.inboundFilters(), c.onRawEvent, func(string) {
		select {
		case eose <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer c.subs.Unsubscribe(subID)

	want := c.pool.OpenCount()
	if want == 0 {
		return apperrors.NoOpenRelaysError()
	}

	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	got := 0
	for got < want {
		select {
		case <-eose:
			got++
		case <-timer.C:
			c.log.Warn("sync timed out waiting for EOSE",
				zap.Int("relays_answered", got), zap.Int("relays_open", want))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.log.Info("missed-message sync complete", zap.Int("relays", got))
	return nil
}

func publishResults(res *models.MultiRelayPublishResult) []models.RelayResult {
	out := make([]models.RelayResult, 0, len(res.Results))
	for _, r := range res.Results {
		out = append(out, models.RelayResult{RelayURL: r.RelayURL, Success: r.Success, Message: r.Message})
	}
	return out
}

func taggedFor(evt *nostr.Event, pubkey string) bool {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == pubkey {
			return true
		}
	}
	return false
}
