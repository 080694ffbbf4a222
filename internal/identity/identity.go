package identity

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	nostr "github.com/nbd-wtf/go-nostr"
)

const (
	// KeyFileName is the file the identity key is stored in, as hex.
	KeyFileName = "identity.key"
)

// Identity holds the local user's Nostr keypair. The private key can be
// locked at runtime, which blocks signing and decryption until unlocked.
type Identity struct {
	mu        sync.RWMutex
	publicKey string
	secretKey string
	locked    bool
}

// LoadOrCreate loads the identity key from dataDir, generating and persisting
// a new secp256k1 key when none exists.
func LoadOrCreate(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, KeyFileName)

	raw, err := os.ReadFile(path)
	if err == nil {
		return fromSecretHex(strings.TrimSpace(string(raw)))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	sk := nostr.GeneratePrivateKey()
	id, err := fromSecretHex(sk)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(sk+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write identity key: %w", err)
	}
	return id, nil
}

// FromSecretKey builds an identity from an existing hex secret key.
func FromSecretKey(sk string) (*Identity, error) {
	return fromSecretHex(sk)
}

func fromSecretHex(sk string) (*Identity, error) {
	raw, err := hex.DecodeString(sk)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("identity key is not 32 bytes of hex")
	}
	// Reject keys outside the curve order
	priv, _ := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("identity key is zero")
	}

	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &Identity{publicKey: pub, secretKey: sk}, nil
}

// PublicKey returns the hex public key. Always available, locked or not.
func (id *Identity) PublicKey() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.publicKey
}

// SecretKey returns the hex secret key, or false when the identity is locked.
func (id *Identity) SecretKey() (string, bool) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.locked {
		return "", false
	}
	return id.secretKey, true
}

// Lock blocks signing and decryption until Unlock is called.
func (id *Identity) Lock() {
	id.mu.Lock()
	id.locked = true
	id.mu.Unlock()
}

// Unlock re-enables signing and decryption.
func (id *Identity) Unlock() {
	id.mu.Lock()
	id.locked = false
	id.mu.Unlock()
}

// Locked reports whether the private key is currently unavailable.
func (id *Identity) Locked() bool {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.locked
}
