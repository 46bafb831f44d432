package signing

import (
	"crypto"
	"errors"
	"sort"
	"sync"
)

// KeyRegistry stores signer public keys with their trust flag and metadata.
// Reads take a shared lock, so a verification never observes a half written
// entry while AddKey runs concurrently.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]TrustedKeyEntry
}

// NewKeyRegistry creates an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]TrustedKeyEntry)}
}

// AddKey registers or replaces the key stored under keyID.
func (r *KeyRegistry) AddKey(keyID string, key crypto.PublicKey, trusted bool, metadata KeyMetadata) error {
	if keyID == "" {
		return errors.New("key id cannot be empty")
	}
	if key == nil {
		return errors.New("public key cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[keyID] = TrustedKeyEntry{Key: key, Trusted: trusted, Metadata: metadata}
	return nil
}

// RemoveKey drops keyID from the registry. It reports whether the key existed.
func (r *KeyRegistry) RemoveKey(keyID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[keyID]
	delete(r.keys, keyID)
	return ok
}

// GetKey returns the public key stored under keyID.
func (r *KeyRegistry) GetKey(keyID string) (crypto.PublicKey, bool) {
	entry, ok := r.entry(keyID)
	if !ok {
		return nil, false
	}
	return entry.Key, true
}

// IsTrusted reports whether keyID is registered and flagged trusted.
func (r *KeyRegistry) IsTrusted(keyID string) bool {
	entry, ok := r.entry(keyID)
	return ok && entry.Trusted
}

// GetKeyInfo returns the metadata recorded for keyID.
func (r *KeyRegistry) GetKeyInfo(keyID string) (KeyMetadata, bool) {
	entry, ok := r.entry(keyID)
	if !ok {
		return KeyMetadata{}, false
	}
	return entry.Metadata, true
}

// Lookup returns the full entry for keyID in a single read.
func (r *KeyRegistry) Lookup(keyID string) (TrustedKeyEntry, bool) {
	return r.entry(keyID)
}

// ListKeys returns every registered key id in lexical order.
func (r *KeyRegistry) ListKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *KeyRegistry) entry(keyID string) (TrustedKeyEntry, bool) {
	if r == nil {
		return TrustedKeyEntry{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.keys[keyID]
	return entry, ok
}
