package crypto

import (
	nostr "github.com/nbd-wtf/go-nostr"
)

// Service is the cryptographic collaborator consumed by the message pipeline.
// Implementations must never panic on malformed input; every failure is an
// explicit error the pipeline drops or reports.
type Service interface {
	// SignEvent computes the event id and schnorr signature in place.
	SignEvent(evt *nostr.Event, secretKey string) error

	// VerifyEventSignature checks the event id and signature.
	VerifyEventSignature(evt *nostr.Event) bool

	// EncryptDM / DecryptDM implement the legacy direct-message encryption
	// (NIP-04) between the local secret key and a peer public key.
	EncryptDM(plaintext, peerPubkey, secretKey string) (string, error)
	DecryptDM(ciphertext, peerPubkey, secretKey string) (string, error)

	// WrapGift seals an unsigned rumor for a recipient inside a kind-1059
	// envelope signed by a throwaway key, hiding the real sender and
	// timestamp from relay operators.
	WrapGift(rumor nostr.Event, recipientPubkey, senderSecretKey string) (nostr.Event, error)

	// UnwrapGift recovers the inner rumor from a kind-1059 envelope
	// addressed to the local key. The returned event carries the real
	// sender and timestamp.
	UnwrapGift(wrap *nostr.Event, secretKey string) (nostr.Event, error)
}
