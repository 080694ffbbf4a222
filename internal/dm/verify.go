package dm

import (
	"encoding/hex"
	"fmt"
	"strings"

	apperrors "github.com/Shugur-Network/courier/internal/errors"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ParseRecipient accepts a recipient address as hex, npub or nprofile bech32
// and returns the hex public key plus any relay hints embedded in the
// address, verifying the key is a valid point on the curve.
func ParseRecipient(input string) (string, []string, error) {
	addr := strings.TrimSpace(input)
	if addr == "" {
		return "", nil, apperrors.RecipientKeyError(input, fmt.Errorf("empty recipient"))
	}

	var hints []string
	switch {
	case strings.HasPrefix(addr, "npub1"):
		prefix, value, err := nip19.Decode(addr)
		if err != nil {
			return "", nil, apperrors.RecipientKeyError(input, err)
		}
		if prefix != "npub" {
			return "", nil, apperrors.RecipientKeyError(input, fmt.Errorf("unexpected bech32 prefix %q", prefix))
		}
		addr = value.(string)

	case strings.HasPrefix(addr, "nprofile1"):
		prefix, value, err := nip19.Decode(addr)
		if err != nil {
			return "", nil, apperrors.RecipientKeyError(input, err)
		}
		if prefix != "nprofile" {
			return "", nil, apperrors.RecipientKeyError(input, fmt.Errorf("unexpected bech32 prefix %q", prefix))
		}
		pointer := value.(nostr.ProfilePointer)
		addr = pointer.PublicKey
		for _, raw := range pointer.Relays {
			if u := normalizeRelayURL(raw); u != "" {
				hints = append(hints, u)
			}
		}
	}

	raw, err := hex.DecodeString(addr)
	if err != nil || len(raw) != 32 {
		return "", nil, apperrors.RecipientKeyError(input, fmt.Errorf("not 32 bytes of hex"))
	}
	if _, err := schnorr.ParsePubKey(raw); err != nil {
		return "", nil, apperrors.RecipientKeyError(input, err)
	}
	return strings.ToLower(addr), hints, nil
}

// NormalizeRecipient is ParseRecipient without the relay hints, for callers
// that only need the key.
func NormalizeRecipient(input string) (string, error) {
	pubkey, _, err := ParseRecipient(input)
	return pubkey, err
}
