package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Service mints and deactivates API keys. The plaintext key is generated,
// hashed two ways (fast lookup hash + slow bcrypt hash), and returned
// exactly once to the caller.
type Service struct {
	store      CredentialStore
	prefix     string
	bcryptCost int
}

// NewService creates a Service. prefix defaults to "lkg_" and bcryptCost to
// bcrypt.DefaultCost when zero/empty.
func NewService(store CredentialStore, prefix string, bcryptCost int) *Service {
	if prefix == "" {
		prefix = "lkg_"
	}
	if bcryptCost <= 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Service{store: store, prefix: prefix, bcryptCost: bcryptCost}
}

// GenerateKey mints a new ApiKey for (orgID, userID), persists its record,
// and returns (entity, plaintext). The plaintext is never stored and is not
// recoverable after this call returns.
func (s *Service) GenerateKey(ctx context.Context, orgID, userID, name string, perms Permissions, ttl time.Duration) (*ApiKey, string, error) {
	suffix := make([]byte, 32)
	if _, err := rand.Read(suffix); err != nil {
		return nil, "", fmt.Errorf("auth: generate key: %w", err)
	}
	plaintext := s.prefix + base64.RawURLEncoding.EncodeToString(suffix)

	preview := plaintext
	if len(preview) > 8 {
		preview = preview[:8]
	}

	lookupHash := HashLookup(plaintext)

	slowHash, err := bcrypt.GenerateFromPassword([]byte(plaintext), s.bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("auth: bcrypt: %w", err)
	}

	var expiresAt *time.Time
	if ttl != 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	key := &ApiKey{
		ID:          uuid.New().String(),
		OrgID:       orgID,
		UserID:      userID,
		Name:        name,
		LookupHash:  lookupHash,
		SlowHash:    string(slowHash),
		Preview:     preview,
		Permissions: perms,
		IsActive:    true,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now(),
	}

	if err := s.store.Save(ctx, key); err != nil {
		return nil, "", fmt.Errorf("auth: save key: %w", err)
	}

	return key, plaintext, nil
}

// Deactivate soft-deletes a key. Lookup hashes are never physically removed.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.store.Deactivate(ctx, id)
}

// List returns every key record (preview only — callers must never surface
// SlowHash).
func (s *Service) List(ctx context.Context) ([]*ApiKey, error) {
	return s.store.List(ctx)
}

// HashLookup computes the hex SHA-256 lookup hash for a plaintext key.
func HashLookup(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
