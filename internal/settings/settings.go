package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Shugur-Network/courier/internal/domain"
	"github.com/Shugur-Network/courier/internal/logger"
	"go.uber.org/zap"
)

// contactsFile is the on-disk shape of the contact lists. Privacy preferences
// come from the main config; only the mutable contact state lives here.
type contactsFile struct {
	Blocked []string `json:"blocked"`
	Trusted []string `json:"trusted"`
}

// Store is a JSON-file-backed SettingsProvider. Contact mutations are written
// through immediately so a crash never loses an accepted contact.
type Store struct {
	mu             sync.RWMutex
	path           string
	preferGiftWrap bool
	strictModern   bool
	blocked        map[string]bool
	trusted        map[string]bool
	log            *zap.Logger
}

var _ domain.SettingsProvider = (*Store)(nil)

// Load reads contacts.json from dataDir, creating an empty store when the
// file does not exist yet.
func Load(dataDir string, preferGiftWrap, strictModern bool) (*Store, error) {
	s := &Store{
		path:           filepath.Join(dataDir, "contacts.json"),
		preferGiftWrap: preferGiftWrap,
		strictModern:   strictModern,
		blocked:        make(map[string]bool),
		trusted:        make(map[string]bool),
		log:            logger.New("settings"),
	}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read contacts file: %w", err)
	}

	var file contactsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse contacts file: %w", err)
	}
	for _, pk := range file.Blocked {
		s.blocked[pk] = true
	}
	for _, pk := range file.Trusted {
		s.trusted[pk] = true
	}
	return s, nil
}

// PreferGiftWrap reports whether sends should use the modern format.
func (s *Store) PreferGiftWrap() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preferGiftWrap
}

// StrictModern disables the legacy fallback entirely.
func (s *Store) StrictModern() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strictModern
}

// IsBlocked reports whether a pubkey is on the blocklist.
func (s *Store) IsBlocked(pubkey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocked[pubkey]
}

// IsTrusted reports whether a pubkey is an accepted contact.
func (s *Store) IsTrusted(pubkey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trusted[pubkey]
}

// Block adds a pubkey to the blocklist and removes it from trusted contacts.
func (s *Store) Block(pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[pubkey] = true
	delete(s.trusted, pubkey)
	return s.saveLocked()
}

// Unblock removes a pubkey from the blocklist.
func (s *Store) Unblock(pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocked, pubkey)
	return s.saveLocked()
}

// Trust marks a pubkey as an accepted contact. A blocked key must be
// unblocked first.
func (s *Store) Trust(pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked[pubkey] {
		return fmt.Errorf("pubkey is blocked")
	}
	s.trusted[pubkey] = true
	return s.saveLocked()
}

// Untrust removes a pubkey from the accepted contacts.
func (s *Store) Untrust(pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trusted, pubkey)
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	file := contactsFile{
		Blocked: make([]string, 0, len(s.blocked)),
		Trusted: make([]string, 0, len(s.trusted)),
	}
	for pk := range s.blocked {
		file.Blocked = append(file.Blocked, pk)
	}
	for pk := range s.trusted {
		file.Trusted = append(file.Trusted, pk)
	}

	raw, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal contacts: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write contacts file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace contacts file: %w", err)
	}
	s.log.Debug("contacts saved",
		zap.Int("blocked", len(file.Blocked)),
		zap.Int("trusted", len(file.Trusted)))
	return nil
}
