// Package auth protects the MCP endpoint with API keys. Keys are
// configured as bcrypt hashes; a presented key that verifies once is
// remembered by its SHA-256 so later requests skip bcrypt.
package auth

import (
	"crypto/sha256"
	"sync"

	"github.com/alexjbarnes/relay-chat/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// maxVerified caps the number of remembered keys. Only keys that
// matched a configured hash are remembered, so the cap is only reached
// if hashes are shared between users.
const maxVerified = 64

// Keys verifies presented API keys against the configured hashes.
type Keys struct {
	entries []config.APIKeyEntry

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string // sha256(key) -> user id
}

// NewKeys creates a verifier for entries.
func NewKeys(entries []config.APIKeyEntry) *Keys {
	return &Keys{
		entries:  entries,
		verified: make(map[[sha256.Size]byte]string),
	}
}

// Len returns the number of configured keys.
func (k *Keys) Len() int {
	return len(k.entries)
}

// Verify returns the user the key belongs to.
func (k *Keys) Verify(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	sum := sha256.Sum256([]byte(key))

	k.mu.RLock()
	userID, ok := k.verified[sum]
	k.mu.RUnlock()

	if ok {
		return userID, true
	}

	for _, e := range k.entries {
		if bcrypt.CompareHashAndPassword([]byte(e.Hash), []byte(key)) != nil {
			continue
		}

		k.mu.Lock()
		if len(k.verified) < maxVerified {
			k.verified[sum] = e.UserID
		}
		k.mu.Unlock()

		return e.UserID, true
	}

	return "", false
}
