package dm

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Shugur-Network/courier/internal/config"
	"github.com/Shugur-Network/courier/internal/constants"
	"github.com/Shugur-Network/courier/internal/crypto"
	apperrors "github.com/Shugur-Network/courier/internal/errors"
	"github.com/Shugur-Network/courier/internal/identity"
	"github.com/Shugur-Network/courier/internal/models"
	"github.com/Shugur-Network/courier/internal/relay"
	"github.com/Shugur-Network/courier/internal/store"
	"github.com/Shugur-Network/courier/internal/workers"
	"github.com/google/uuid"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher scripts PublishToAll responses and records published events.
type fakePublisher struct {
	mu        sync.Mutex
	published []*nostr.Event
	respond   func(evt *nostr.Event) (*models.MultiRelayPublishResult, error)
	open      int
	transient []string
}

func (f *fakePublisher) PublishToAll(_ context.Context, evt *nostr.Event) (*models.MultiRelayPublishResult, error) {
	f.mu.Lock()
	f.published = append(f.published, evt)
	respond := f.respond
	f.mu.Unlock()
	return respond(evt)
}

func (f *fakePublisher) AddTransientRelay(url string) {
	f.mu.Lock()
	f.transient = append(f.transient, url)
	f.mu.Unlock()
}

func (f *fakePublisher) OpenCount() int { return f.open }

func (f *fakePublisher) events() []*nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*nostr.Event(nil), f.published...)
}

func acceptAll(evt *nostr.Event) (*models.MultiRelayPublishResult, error) {
	return &models.MultiRelayPublishResult{
		Success:      true,
		SuccessCount: 1,
		Results:      []models.PublishResult{{RelayURL: "wss://relay.example.com", Success: true}},
	}, nil
}

func rejectAll(evt *nostr.Event) (*models.MultiRelayPublishResult, error) {
	return &models.MultiRelayPublishResult{
		Results: []models.PublishResult{{RelayURL: "wss://relay.example.com", Success: false, Message: "blocked"}},
	}, nil
}

func offline(evt *nostr.Event) (*models.MultiRelayPublishResult, error) {
	return nil, apperrors.NoOpenRelaysError()
}

// fakeSubscriber hands subscription callbacks back to the test for injection.
type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]relay.EventHandler
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(map[string]relay.EventHandler)}
}

func (f *fakeSubscriber) Subscribe(_ []nostr.Filter, onEvent relay.EventHandler, _ func(string)) (string, error) {
	id := uuid.NewString()
	f.mu.Lock()
	f.handlers[id] = onEvent
	f.mu.Unlock()
	return id, nil
}

func (f *fakeSubscriber) Unsubscribe(id string) {
	f.mu.Lock()
	delete(f.handlers, id)
	f.mu.Unlock()
}

// inject delivers an event through every registered subscription handler.
func (f *fakeSubscriber) inject(evt *nostr.Event) {
	f.mu.Lock()
	hs := make([]relay.EventHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h("wss://relay.example.com", evt)
	}
}

type fakeSettings struct {
	mu             sync.Mutex
	preferGiftWrap bool
	strictModern   bool
	blocked        map[string]bool
	trusted        map[string]bool
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{
		preferGiftWrap: true,
		blocked:        make(map[string]bool),
		trusted:        make(map[string]bool),
	}
}

func (f *fakeSettings) PreferGiftWrap() bool { return f.preferGiftWrap }
func (f *fakeSettings) StrictModern() bool   { return f.strictModern }

func (f *fakeSettings) IsBlocked(pk string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[pk]
}

func (f *fakeSettings) IsTrusted(pk string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trusted[pk]
}

func (f *fakeSettings) Trust(pk string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trusted[pk] = true
	return nil
}

type testEnv struct {
	ctrl      *Controller
	pub       *fakePublisher
	subs      *fakeSubscriber
	settings  *fakeSettings
	id        *identity.Identity
	peer      *identity.Identity
	svc       crypto.Service
	wp        *workers.WorkerPool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvAt(t, filepath.Join(t.TempDir(), "messages.db"), nil, nil)
}

// newTestEnvAt builds an environment over a specific database path, reusing
// identities when given, so tests can simulate a process restart.
func newTestEnvAt(t *testing.T, dbPath string, id, peer *identity.Identity) *testEnv {
	t.Helper()

	var err error
	if id == nil {
		id, err = identity.FromSecretKey(nostr.GeneratePrivateKey())
		require.NoError(t, err)
	}
	if peer == nil {
		peer, err = identity.FromSecretKey(nostr.GeneratePrivateKey())
		require.NoError(t, err)
	}

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pub := &fakePublisher{respond: acceptAll, open: 1}
	subs := newFakeSubscriber()
	settings := newFakeSettings()
	wp := workers.NewWorkerPool(2, 64)

	ctrl, err := NewController(ControllerDeps{
		Identity: id,
		Crypto:   crypto.NewService(),
		Store:    st,
		Settings: settings,
		Contacts: settings,
		Pool:     pub,
		Subs:     subs,
		Workers:  wp,
		Reporter: apperrors.NewReporter(),
		Privacy:  config.PrivacyConfig{MaxMessageLength: 4096, MaxRetries: 5},
		Backoff:  config.BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute},
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(ctrl.Close)

	// Pre-seed relay discovery so sends do not wait out the lookup timeout.
	ctrl.disco.cache.Add(peer.PublicKey(), nil)

	return &testEnv{ctrl: ctrl, pub: pub, subs: subs, settings: settings, id: id, peer: peer, svc: crypto.NewService(), wp: wp}
}

func TestSendDMGiftWrapAccepted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.ctrl.SendDM(ctx, env.peer.PublicKey(), "hello there")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, msg.Status)
	assert.Equal(t, models.FormatGiftWrap, msg.Format)
	assert.Equal(t, models.ConversationID(env.id.PublicKey(), env.peer.PublicKey()), msg.ConversationID)

	events := env.pub.events()
	require.Len(t, events, 1)
	wrap := events[0]
	assert.Equal(t, constants.KindGiftWrap, wrap.Kind)
	assert.NotContains(t, wrap.Content, "hello there", "plaintext must never hit the wire")
	assert.NotEqual(t, env.id.PublicKey(), wrap.PubKey, "wrap must be signed by an ephemeral key")

	// The recipient can unwrap it.
	peerSK, _ := env.peer.SecretKey()
	rumor, err := env.svc.UnwrapGift(wrap, peerSK)
	require.NoError(t, err)
	assert.Equal(t, "hello there", rumor.Content)
	assert.Equal(t, env.id.PublicKey(), rumor.PubKey)

	// The accepted status is persisted.
	status, err := env.ctrl.GetMessageStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, status)
}

func TestSendDMAcceptsNpubRecipient(t *testing.T) {
	env := newTestEnv(t)

	npub, err := nip19.EncodePublicKey(env.peer.PublicKey())
	require.NoError(t, err)

	msg, err := env.ctrl.SendDM(context.Background(), npub, "hi")
	require.NoError(t, err)
	assert.Equal(t, env.peer.PublicKey(), msg.RecipientPubkey)
}

func TestSendDMValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ctrl.SendDM(ctx, env.peer.PublicKey(), "   ")
	requireCode(t, err, "EMPTY_MESSAGE")

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	_, err = env.ctrl.SendDM(ctx, env.peer.PublicKey(), string(long))
	requireCode(t, err, "MESSAGE_TOO_LONG")

	_, err = env.ctrl.SendDM(ctx, "not-a-key", "hello")
	requireCode(t, err, "BAD_RECIPIENT_KEY")

	env.id.Lock()
	_, err = env.ctrl.SendDM(ctx, env.peer.PublicKey(), "hello")
	requireCode(t, err, "IDENTITY_LOCKED")
	env.id.Unlock()

	assert.Empty(t, env.pub.events(), "validation failures must not publish")
}

func TestSendDMFallsBackToLegacyOnTotalRejection(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	env.pub.respond = func(evt *nostr.Event) (*models.MultiRelayPublishResult, error) {
		calls++
		if evt.Kind == constants.KindGiftWrap {
			return rejectAll(evt)
		}
		return acceptAll(evt)
	}

	msg, err := env.ctrl.SendDM(context.Background(), env.peer.PublicKey(), "fall back")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, msg.Status)
	assert.Equal(t, models.FormatLegacy, msg.Format)
	assert.Equal(t, 2, calls)

	events := env.pub.events()
	require.Len(t, events, 2)
	assert.Equal(t, constants.KindGiftWrap, events[0].Kind)
	assert.Equal(t, constants.KindLegacyDM, events[1].Kind)

	// The legacy event is signed by us and decryptable by the peer.
	assert.Equal(t, env.id.PublicKey(), events[1].PubKey)
	peerSK, _ := env.peer.SecretKey()
	plain, err := env.svc.DecryptDM(events[1].Content, env.id.PublicKey(), peerSK)
	require.NoError(t, err)
	assert.Equal(t, "fall back", plain)
}

func TestSendDMStrictModernNeverFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.settings.strictModern = true
	env.pub.respond = rejectAll

	msg, err := env.ctrl.SendDM(context.Background(), env.peer.PublicKey(), "pinned")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, msg.Status)
	assert.Equal(t, models.FormatGiftWrap, msg.Format)
	assert.Len(t, env.pub.events(), 1, "no fallback publish allowed")

	queued, err := env.ctrl.store.GetQueuedMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, msg.ID, queued[0].ID)
}

func TestSendDMQueuesWhenOffline(t *testing.T) {
	env := newTestEnv(t)
	env.pub.respond = offline

	// The caller gets the queued message and the reason the send did not go
	// out, so the failure can be surfaced immediately.
	msg, err := env.ctrl.SendDM(context.Background(), env.peer.PublicKey(), "later")
	requireCode(t, err, "NO_OPEN_RELAYS")
	require.NotNil(t, msg)
	assert.Equal(t, models.StatusQueued, msg.Status)

	queued, err := env.ctrl.store.GetQueuedMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "later", queued[0].Content)
}

func TestRetryQueuedMessageSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.pub.respond = offline

	msg, err := env.ctrl.SendDM(context.Background(), env.peer.PublicKey(), "try again")
	requireCode(t, err, "NO_OPEN_RELAYS")
	require.NotNil(t, msg)
	require.Equal(t, models.StatusQueued, msg.Status)

	env.pub.respond = acceptAll
	retried, err := env.ctrl.RetryFailedMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)

	queued, err := env.ctrl.store.GetQueuedMessages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestRetryRejectsDeliveredMessage(t *testing.T) {
	env := newTestEnv(t)

	msg, err := env.ctrl.SendDM(context.Background(), env.peer.PublicKey(), "done")
	require.NoError(t, err)
	require.Equal(t, models.StatusAccepted, msg.Status)

	// accepted -> sending is not in the transition table.
	_, err = env.ctrl.RetryFailedMessage(context.Background(), msg.ID)
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, "ILLEGAL_TRANSITION", appErr.Code)

	status, err := env.ctrl.GetMessageStatus(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, status, "failed transition must keep the prior status")
}

func TestIncomingGiftWrapRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.settings.trusted[env.peer.PublicKey()] = true

	var received []*models.Message
	var mu sync.Mutex
	cancel := env.ctrl.SubscribeToIncomingDMs(func(m *models.Message) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	})
	defer cancel()

	wrap := wrapFromPeer(t, env, "inbound hello")
	env.subs.inject(wrap)
	env.wp.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	msg := received[0]
	assert.Equal(t, "inbound hello", msg.Content)
	assert.Equal(t, env.peer.PublicKey(), msg.SenderPubkey)
	assert.False(t, msg.IsOutgoing)
	assert.Equal(t, models.StatusDelivered, msg.Status)
	assert.Equal(t, models.ConversationID(env.id.PublicKey(), env.peer.PublicKey()), msg.ConversationID)

	// Both directions agree on the conversation id.
	assert.Equal(t,
		models.ConversationID(env.peer.PublicKey(), env.id.PublicKey()),
		msg.ConversationID)
}

func TestIncomingDuplicatesCollapse(t *testing.T) {
	env := newTestEnv(t)
	env.settings.trusted[env.peer.PublicKey()] = true

	var count int
	var mu sync.Mutex
	cancel := env.ctrl.SubscribeToIncomingDMs(func(*models.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer cancel()

	wrap := wrapFromPeer(t, env, "once only")
	// The same event arrives from three relays.
	env.subs.inject(wrap)
	env.wp.Wait()
	env.subs.inject(wrap)
	env.subs.inject(wrap)
	env.wp.Wait()

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()

	msgs, err := env.ctrl.GetMessagesByConversation(context.Background(),
		models.ConversationID(env.id.PublicKey(), env.peer.PublicKey()))
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestIncomingFromBlockedSenderDropped(t *testing.T) {
	env := newTestEnv(t)
	env.settings.blocked[env.peer.PublicKey()] = true

	env.subs.inject(wrapFromPeer(t, env, "spam"))
	env.wp.Wait()

	msgs, err := env.ctrl.GetMessagesByConversation(context.Background(),
		models.ConversationID(env.id.PublicKey(), env.peer.PublicKey()))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestIncomingFromUnknownSenderBecomesPendingRequest(t *testing.T) {
	env := newTestEnv(t)

	var inbox, requests int
	var mu sync.Mutex
	cancelIn := env.ctrl.SubscribeToIncomingDMs(func(*models.Message) {
		mu.Lock()
		inbox++
		mu.Unlock()
	})
	defer cancelIn()
	cancelReq := env.ctrl.SubscribeToConnectionRequests(func(*models.Message) {
		mu.Lock()
		requests++
		mu.Unlock()
	})
	defer cancelReq()

	env.subs.inject(wrapFromPeer(t, env, "hi, we have not met"))
	env.wp.Wait()

	mu.Lock()
	assert.Equal(t, 0, inbox)
	assert.Equal(t, 1, requests)
	mu.Unlock()

	pending := env.ctrl.PendingRequests()
	require.Len(t, pending, 1)
	assert.False(t, pending[0].IsConnectionRequest, "an unmarked message is not an intro")

	// Accepting trusts the sender and clears the request.
	require.NoError(t, env.ctrl.AcceptConnectionRequest(pending[0].ConversationID))
	assert.True(t, env.settings.IsTrusted(env.peer.PublicKey()))
	assert.Empty(t, env.ctrl.PendingRequests())
}

func TestUntrustedSenderStaysOutOfConversationView(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := models.ConversationID(env.id.PublicKey(), env.peer.PublicKey())

	env.subs.inject(wrapFromPeer(t, env, "hello, stranger"))
	env.wp.Wait()

	// Held messages must not leak into the primary view before a trust
	// decision is made.
	convs, err := env.ctrl.Conversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
	msgs, err := env.ctrl.GetMessagesByConversation(ctx, conv)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	held, err := env.ctrl.store.PendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "hello, stranger", held[0].Content)

	// Accepting promotes the message into its conversation.
	require.NoError(t, env.ctrl.AcceptConnectionRequest(conv))

	convs, err = env.ctrl.Conversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{conv}, convs)
	msgs, err = env.ctrl.GetMessagesByConversation(ctx, conv)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello, stranger", msgs[0].Content)

	held, err = env.ctrl.store.PendingRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestPendingRequestSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "messages.db")
	env := newTestEnvAt(t, dbPath, nil, nil)

	env.subs.inject(wrapFromPeer(t, env, "knock knock"))
	env.wp.Wait()
	require.Len(t, env.ctrl.PendingRequests(), 1)

	env.ctrl.Close()
	require.NoError(t, env.ctrl.store.Close())

	restarted := newTestEnvAt(t, dbPath, env.id, env.peer)

	pending := restarted.ctrl.PendingRequests()
	require.Len(t, pending, 1)
	assert.Equal(t, "knock knock", pending[0].Content)

	convs, err := restarted.ctrl.Conversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs, "a restart must not promote a held request")
}

func TestSendDMNprofileAddsRelayHints(t *testing.T) {
	env := newTestEnv(t)

	nprofile, err := nip19.EncodeProfile(env.peer.PublicKey(),
		[]string{"wss://hint-a.example.com", "wss://hint-b.example.com/"})
	require.NoError(t, err)

	msg, err := env.ctrl.SendDM(context.Background(), nprofile, "via hints")
	require.NoError(t, err)
	assert.Equal(t, env.peer.PublicKey(), msg.RecipientPubkey)

	env.pub.mu.Lock()
	transient := append([]string(nil), env.pub.transient...)
	env.pub.mu.Unlock()
	assert.Contains(t, transient, "wss://hint-a.example.com")
	assert.Contains(t, transient, "wss://hint-b.example.com")
}

func TestSendConnectionRequestCarriesIntroMarker(t *testing.T) {
	env := newTestEnv(t)

	msg, err := env.ctrl.SendConnectionRequest(context.Background(), env.peer.PublicKey(), "may I write to you?")
	require.NoError(t, err)
	assert.True(t, msg.IsConnectionRequest)
	assert.True(t, env.settings.IsTrusted(env.peer.PublicKey()))

	events := env.pub.events()
	require.Len(t, events, 1)
	peerSK, _ := env.peer.SecretKey()
	rumor, err := env.svc.UnwrapGift(events[0], peerSK)
	require.NoError(t, err)

	found := false
	for _, tag := range rumor.Tags {
		if len(tag) >= 2 && tag[0] == "t" && tag[1] == "connection-request" {
			found = true
		}
	}
	assert.True(t, found, "intro rumor must carry the connection-request marker")
}

func TestIncomingIntroMarkerFlagsPendingRequest(t *testing.T) {
	env := newTestEnv(t)

	env.subs.inject(wrapFromPeer(t, env, "intro", nostr.Tag{"t", "connection-request"}))
	env.wp.Wait()

	pending := env.ctrl.PendingRequests()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].IsConnectionRequest)
}

func TestIncomingLegacyDMDecrypts(t *testing.T) {
	env := newTestEnv(t)
	env.settings.trusted[env.peer.PublicKey()] = true

	peerSK, _ := env.peer.SecretKey()
	ciphertext, err := env.svc.EncryptDM("old style", env.id.PublicKey(), peerSK)
	require.NoError(t, err)
	evt := &nostr.Event{
		Kind:      constants.KindLegacyDM,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{nostr.Tag{"p", env.id.PublicKey()}},
		Content:   ciphertext,
	}
	require.NoError(t, evt.Sign(peerSK))

	var got *models.Message
	var mu sync.Mutex
	cancel := env.ctrl.SubscribeToIncomingDMs(func(m *models.Message) {
		mu.Lock()
		got = m
		mu.Unlock()
	})
	defer cancel()

	env.subs.inject(evt)
	env.wp.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "old style", got.Content)
	assert.Equal(t, models.FormatLegacy, got.Format)
}

func TestIncomingTamperedLegacyDMDropped(t *testing.T) {
	env := newTestEnv(t)
	env.settings.trusted[env.peer.PublicKey()] = true

	peerSK, _ := env.peer.SecretKey()
	ciphertext, err := env.svc.EncryptDM("tampered", env.id.PublicKey(), peerSK)
	require.NoError(t, err)
	evt := &nostr.Event{
		Kind:      constants.KindLegacyDM,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{nostr.Tag{"p", env.id.PublicKey()}},
		Content:   ciphertext,
	}
	require.NoError(t, evt.Sign(peerSK))
	evt.Content = ciphertext + "AA" // breaks the signature
	evt.ID = evt.GetID()

	env.subs.inject(evt)
	env.wp.Wait()

	msgs, err := env.ctrl.GetMessagesByConversation(context.Background(),
		models.ConversationID(env.id.PublicKey(), env.peer.PublicKey()))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestIncomingNotAddressedToUsDropped(t *testing.T) {
	env := newTestEnv(t)
	env.settings.trusted[env.peer.PublicKey()] = true

	other, err := identity.FromSecretKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	peerSK, _ := env.peer.SecretKey()
	rumor := nostr.Event{
		Kind:      constants.KindChatRumor,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{nostr.Tag{"p", other.PublicKey()}},
		Content:   "for someone else",
	}
	wrap, err := env.svc.WrapGift(rumor, other.PublicKey(), peerSK)
	require.NoError(t, err)

	env.subs.inject(&wrap)
	env.wp.Wait()

	msgs, err := env.ctrl.GetMessagesByConversation(context.Background(),
		models.ConversationID(env.id.PublicKey(), env.peer.PublicKey()))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendConnectionRequestTrustsRecipient(t *testing.T) {
	env := newTestEnv(t)

	msg, err := env.ctrl.SendConnectionRequest(context.Background(), env.peer.PublicKey(), "let's talk")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, msg.Status)
	assert.True(t, env.settings.IsTrusted(env.peer.PublicKey()),
		"their reply must route to the inbox, not pending requests")
}

// wrapFromPeer builds a gift wrap from the peer identity addressed to the
// local identity.
func wrapFromPeer(t *testing.T, env *testEnv, content string, extraTags ...nostr.Tag) *nostr.Event {
	t.Helper()
	peerSK, _ := env.peer.SecretKey()
	tags := nostr.Tags{nostr.Tag{"p", env.id.PublicKey()}}
	tags = append(tags, extraTags...)
	rumor := nostr.Event{
		Kind:      constants.KindChatRumor,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   content,
	}
	wrap, err := env.svc.WrapGift(rumor, env.id.PublicKey(), peerSK)
	require.NoError(t, err)
	return &wrap
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok, "expected *AppError, got %T", err)
	assert.Equal(t, code, appErr.Code)
}
