// Package auth implements API key authentication for the MCP server.
// Keys are configured up front and held in memory as SHA-256 digests.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
)

const (
	// APIKeyPrefix distinguishes chat-sync API keys from other bearer
	// credentials.
	APIKeyPrefix = "cs_"

	// apiKeyBytes is the amount of randomness in a generated key.
	apiKeyBytes = 32

	// APIKeyMinLen is the shortest accepted key: the prefix plus 16 bytes
	// of hex.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is a validated key's identity.
type APIKey struct {
	UserID string
}

type apiKeyEntry struct {
	hash   [sha256.Size]byte
	userID string
}

// Store holds the configured API keys.
type Store struct {
	mu     sync.RWMutex
	keys   []apiKeyEntry
	logger *slog.Logger
}

// NewStore creates an empty key store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{logger: logger}
}

// RegisterAPIKey adds key for userID. Only the digest is kept.
func (s *Store) RegisterAPIKey(userID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys = append(s.keys, apiKeyEntry{
		hash:   sha256.Sum256([]byte(key)),
		userID: userID,
	})

	s.logger.Debug("registered API key", slog.String("user_id", userID))
}

// ValidateAPIKey returns the identity for key, or nil when it is unknown.
// Every registered key is compared so the time taken does not reveal
// which entry matched.
func (s *Store) ValidateAPIKey(key string) *APIKey {
	h := sha256.Sum256([]byte(key))

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *APIKey

	for _, e := range s.keys {
		if subtle.ConstantTimeCompare(e.hash[:], h[:]) == 1 && found == nil {
			found = &APIKey{UserID: e.userID}
		}
	}

	return found
}

// Len returns the number of registered keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.keys)
}

// GenerateAPIKey returns a new random key with the cs_ prefix.
func GenerateAPIKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating API key: %w", err)
	}

	return APIKeyPrefix + hex.EncodeToString(b), nil
}
