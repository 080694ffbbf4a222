package crypto

import (
	"encoding/json"
	"fmt"
	mrand "math/rand/v2"
	"time"

	"github.com/Shugur-Network/courier/internal/constants"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// Gift-wrap timestamps are pushed up to two days into the past so relay
// operators cannot correlate envelopes by submission time (NIP-59).
const timestampFuzz = 2 * 24 * time.Hour

// nostrService implements Service with the primitives from go-nostr.
type nostrService struct{}

// NewService returns the default crypto service.
func NewService() Service {
	return &nostrService{}
}

func (s *nostrService) SignEvent(evt *nostr.Event, secretKey string) error {
	return evt.Sign(secretKey)
}

func (s *nostrService) VerifyEventSignature(evt *nostr.Event) bool {
	ok, err := evt.CheckSignature()
	return err == nil && ok
}

func (s *nostrService) EncryptDM(plaintext, peerPubkey, secretKey string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubkey, secretKey)
	if err != nil {
		return "", fmt.Errorf("compute shared secret: %w", err)
	}
	return nip04.Encrypt(plaintext, shared)
}

func (s *nostrService) DecryptDM(ciphertext, peerPubkey, secretKey string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubkey, secretKey)
	if err != nil {
		return "", fmt.Errorf("compute shared secret: %w", err)
	}
	return nip04.Decrypt(ciphertext, shared)
}

// WrapGift builds rumor → seal (kind 13, signed by sender) → wrap (kind 1059,
// signed by an ephemeral key that is discarded afterwards).
func (s *nostrService) WrapGift(rumor nostr.Event, recipientPubkey, senderSecretKey string) (nostr.Event, error) {
	senderPubkey, err := nostr.GetPublicKey(senderSecretKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("derive sender pubkey: %w", err)
	}

	// The rumor stays unsigned; its id still commits to the content.
	rumor.PubKey = senderPubkey
	rumor.ID = rumor.GetID()
	rumor.Sig = ""

	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("marshal rumor: %w", err)
	}

	sealKey, err := nip44.GenerateConversationKey(recipientPubkey, senderSecretKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("seal conversation key: %w", err)
	}
	sealedRumor, err := nip44.Encrypt(string(rumorJSON), sealKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encrypt rumor: %w", err)
	}

	seal := nostr.Event{
		Kind:      constants.KindSeal,
		CreatedAt: fuzzedNow(),
		Tags:      nostr.Tags{},
		Content:   sealedRumor,
	}
	if err := seal.Sign(senderSecretKey); err != nil {
		return nostr.Event{}, fmt.Errorf("sign seal: %w", err)
	}

	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("marshal seal: %w", err)
	}

	ephemeralKey := nostr.GeneratePrivateKey()
	wrapKey, err := nip44.GenerateConversationKey(recipientPubkey, ephemeralKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("wrap conversation key: %w", err)
	}
	wrappedSeal, err := nip44.Encrypt(string(sealJSON), wrapKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encrypt seal: %w", err)
	}

	wrap := nostr.Event{
		Kind:      constants.KindGiftWrap,
		CreatedAt: fuzzedNow(),
		Tags:      nostr.Tags{nostr.Tag{"p", recipientPubkey}},
		Content:   wrappedSeal,
	}
	if err := wrap.Sign(ephemeralKey); err != nil {
		return nostr.Event{}, fmt.Errorf("sign wrap: %w", err)
	}
	return wrap, nil
}

// UnwrapGift reverses WrapGift. The seal signature is verified and the rumor
// author must match the seal author, otherwise a forwarded seal could claim
// any sender.
func (s *nostrService) UnwrapGift(wrap *nostr.Event, secretKey string) (nostr.Event, error) {
	if wrap.Kind != constants.KindGiftWrap {
		return nostr.Event{}, fmt.Errorf("event kind %d is not a gift wrap", wrap.Kind)
	}

	wrapKey, err := nip44.GenerateConversationKey(wrap.PubKey, secretKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("wrap conversation key: %w", err)
	}
	sealJSON, err := nip44.Decrypt(wrap.Content, wrapKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("decrypt wrap: %w", err)
	}

	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nostr.Event{}, fmt.Errorf("unmarshal seal: %w", err)
	}
	if seal.Kind != constants.KindSeal {
		return nostr.Event{}, fmt.Errorf("inner event kind %d is not a seal", seal.Kind)
	}
	if ok, err := seal.CheckSignature(); err != nil || !ok {
		return nostr.Event{}, fmt.Errorf("seal signature invalid")
	}

	sealKey, err := nip44.GenerateConversationKey(seal.PubKey, secretKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("seal conversation key: %w", err)
	}
	rumorJSON, err := nip44.Decrypt(seal.Content, sealKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("decrypt seal: %w", err)
	}

	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nostr.Event{}, fmt.Errorf("unmarshal rumor: %w", err)
	}
	if rumor.PubKey != seal.PubKey {
		return nostr.Event{}, fmt.Errorf("rumor author does not match seal author")
	}
	return rumor, nil
}

func fuzzedNow() nostr.Timestamp {
	offset := time.Duration(mrand.Int64N(int64(timestampFuzz)))
	return nostr.Timestamp(time.Now().Add(-offset).Unix())
}
