package tenant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/behavex/realtime/internal/protocol"
)

// keyPrefix marks keys issued by this service: bx_<keyID>.<secret>.
const keyPrefix = "bx_"

// APIKey is the stored half of an issued key. Only the bcrypt hash of
// the secret is kept; the key ID is public and used for lookup.
type APIKey struct {
	KeyID      string     `json:"keyId"`
	TenantID   string     `json:"tenantId"`
	Name       string     `json:"name"`
	SecretHash string     `json:"-"`
	Scopes     []string   `json:"scopes,omitempty"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// KeyStore persists issued keys.
type KeyStore interface {
	PutKey(ctx context.Context, key *APIKey) error
	GetKey(ctx context.Context, keyID string) (*APIKey, error)
	RevokeKey(ctx context.Context, keyID string) error
}

// MemoryKeyStore is the in-process KeyStore.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryKeyStore) PutKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.KeyID] = &cp
	return nil
}

func (s *MemoryKeyStore) GetKey(_ context.Context, keyID string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, protocol.E(protocol.CodeUnauthorized, "unknown api key")
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryKeyStore) RevokeKey(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return protocol.E(protocol.CodeUnauthorized, "unknown api key")
	}
	k.Active = false
	return nil
}

// KeyManager issues and validates API keys against the tenant
// repository.
type KeyManager struct {
	store KeyStore
	repo  Repository
}

func NewKeyManager(store KeyStore, repo Repository) *KeyManager {
	return &KeyManager{store: store, repo: repo}
}

// Issue mints a key for a tenant and returns the stored record plus the
// full key. The full key is shown exactly once; only its hash survives.
func (m *KeyManager) Issue(ctx context.Context, tenantID, name string, scopes []string) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", fmt.Errorf("generate key id: %w", err)
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("generate key secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	fullKey := keyPrefix + keyID + "." + secret

	// Only the secret is hashed; the key ID stays clear for lookup.
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key secret: %w", err)
	}

	key := &APIKey{
		KeyID:      keyID,
		TenantID:   tenantID,
		Name:       name,
		SecretHash: string(hash),
		Scopes:     scopes,
		Active:     true,
		CreatedAt:  time.Now(),
	}
	if err := m.store.PutKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, fullKey, nil
}

// Validate checks a full key and returns the owning tenant. The tenant
// must itself pass admission (ACTIVE).
func (m *KeyManager) Validate(ctx context.Context, fullKey string) (*Tenant, error) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return nil, protocol.E(protocol.CodeUnauthorized, "invalid api key format")
	}
	keyID, secret, ok := strings.Cut(strings.TrimPrefix(fullKey, keyPrefix), ".")
	if !ok || keyID == "" || secret == "" {
		return nil, protocol.E(protocol.CodeUnauthorized, "invalid api key format")
	}

	key, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)) != nil {
		return nil, protocol.E(protocol.CodeUnauthorized, "invalid api key")
	}
	if !key.Active {
		return nil, protocol.E(protocol.CodeUnauthorized, "api key revoked")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, protocol.E(protocol.CodeUnauthorized, "api key expired")
	}

	t, err := m.repo.FindByID(ctx, key.TenantID)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusSuspended {
		return nil, protocol.E(protocol.CodeTenantSuspended, "tenant is suspended")
	}
	if t.Status != StatusActive {
		return nil, protocol.E(protocol.CodeTenantAccessDenied, "tenant status %s not admitted", t.Status)
	}
	return t, nil
}
