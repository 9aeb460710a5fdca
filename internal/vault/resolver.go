package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// ErrEmptyCredential is returned when saving a blank secret.
var ErrEmptyCredential = errors.New("credential must not be empty")

// CredentialStore is the subset of store.Store the resolver needs.
type CredentialStore interface {
	GetCredential(ctx context.Context, ownerID uuid.UUID, provider string) (*models.ProviderCredential, error)
	ListCredentials(ctx context.Context, ownerID uuid.UUID) ([]*models.ProviderCredential, error)
	UpsertCredential(ctx context.Context, cred *models.ProviderCredential) error
	DeleteCredential(ctx context.Context, ownerID uuid.UUID, provider string) error
	GetStorageSettings(ctx context.Context, ownerID uuid.UUID) (string, error)
	UpsertStorageSettings(ctx context.Context, ownerID uuid.UUID, ciphertext string) error
	DeleteStorageSettings(ctx context.Context, ownerID uuid.UUID) error
}

const (
	plaintextCacheSize = 1024
	// DefaultPlaintextTTL bounds how long a decrypted secret stays in memory.
	DefaultPlaintextTTL = 5 * time.Minute
)

// Resolver loads and saves per-owner secrets, encrypting them with the Vault.
//
// Decrypted values are cached by ciphertext. Every save produces a fresh
// ciphertext, so a rotated or deleted secret is never served from the cache.
type Resolver struct {
	vault   *Vault
	store   CredentialStore
	decrypt func(ciphertext string) (string, error)
	plain   *expirable.LRU[string, string]
}

// ResolverOption configures a Resolver.
type ResolverOption func(*resolverOptions)

type resolverOptions struct {
	ttl time.Duration
}

// WithPlaintextTTL sets how long decrypted secrets are reused. Zero or less
// decrypts on every lookup.
func WithPlaintextTTL(ttl time.Duration) ResolverOption {
	return func(o *resolverOptions) { o.ttl = ttl }
}

// NewResolver creates a Resolver.
func NewResolver(v *Vault, s CredentialStore, opts ...ResolverOption) *Resolver {
	o := resolverOptions{ttl: DefaultPlaintextTTL}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Resolver{vault: v, store: s, decrypt: v.Decrypt}
	if o.ttl > 0 {
		r.plain = expirable.NewLRU[string, string](plaintextCacheSize, nil, o.ttl)
	}
	return r
}

// open decrypts ciphertext, reusing a recent result. Failures are not cached.
func (r *Resolver) open(ciphertext string) (string, error) {
	if r.plain != nil {
		if v, ok := r.plain.Get(ciphertext); ok {
			return v, nil
		}
	}
	v, err := r.decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	if r.plain != nil {
		r.plain.Add(ciphertext, v)
	}
	return v, nil
}

// APIKey returns the decrypted provider key for owner, or "" when none is saved.
func (r *Resolver) APIKey(ctx context.Context, ownerID uuid.UUID, provider string) (string, error) {
	cred, err := r.store.GetCredential(ctx, ownerID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s credential: %w", provider, err)
	}
	key, err := r.open(cred.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt %s credential: %w", provider, err)
	}
	return key, nil
}

// SaveCredential encrypts and stores a provider key, replacing any previous one.
func (r *Resolver) SaveCredential(ctx context.Context, ownerID uuid.UUID, provider, plaintext string) (*models.ProviderCredential, error) {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return nil, ErrEmptyCredential
	}
	ct, err := r.vault.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	cred := &models.ProviderCredential{
		OwnerID:     ownerID,
		Provider:    provider,
		Ciphertext:  ct,
		Fingerprint: Fingerprint(plaintext),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := r.store.UpsertCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("save %s credential: %w", provider, err)
	}
	return cred, nil
}

func (r *Resolver) DeleteCredential(ctx context.Context, ownerID uuid.UUID, provider string) error {
	return r.store.DeleteCredential(ctx, ownerID, provider)
}

// ListCredentials returns the owner's saved credentials. Only fingerprints serialize.
func (r *Resolver) ListCredentials(ctx context.Context, ownerID uuid.UUID) ([]*models.ProviderCredential, error) {
	return r.store.ListCredentials(ctx, ownerID)
}

// StorageSettings returns the owner's decrypted storage settings, or nil when unset.
func (r *Resolver) StorageSettings(ctx context.Context, ownerID uuid.UUID) (*models.StorageSettings, error) {
	ct, err := r.store.GetStorageSettings(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load storage settings: %w", err)
	}
	plain, err := r.open(ct)
	if err != nil {
		return nil, fmt.Errorf("decrypt storage settings: %w", err)
	}
	var s models.StorageSettings
	if err := json.Unmarshal([]byte(plain), &s); err != nil {
		return nil, ErrCredentialCorrupt
	}
	return &s, nil
}

// SaveStorageSettings validates, encrypts and stores settings.
func (r *Resolver) SaveStorageSettings(ctx context.Context, ownerID uuid.UUID, s *models.StorageSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode storage settings: %w", err)
	}
	ct, err := r.vault.Encrypt(string(raw))
	if err != nil {
		return err
	}
	if err := r.store.UpsertStorageSettings(ctx, ownerID, ct); err != nil {
		return fmt.Errorf("save storage settings: %w", err)
	}
	return nil
}

func (r *Resolver) DeleteStorageSettings(ctx context.Context, ownerID uuid.UUID) error {
	return r.store.DeleteStorageSettings(ctx, ownerID)
}
