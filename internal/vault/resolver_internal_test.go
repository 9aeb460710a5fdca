package vault

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/store/mock"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingResolver returns a resolver whose decryptions are counted.
func countingResolver(t *testing.T, st *mock.Store, opts ...ResolverOption) (*Resolver, *atomic.Int32) {
	t.Helper()
	v, err := New(strings.Repeat("s", 40), WithScryptParams(ScryptParams{N: 1 << 4, R: 8, P: 1}))
	require.NoError(t, err)
	r := NewResolver(v, st, opts...)
	var n atomic.Int32
	r.decrypt = func(ct string) (string, error) {
		n.Add(1)
		return v.Decrypt(ct)
	}
	return r, &n
}

func TestResolver_ReusesDecryptedKey(t *testing.T) {
	ctx := context.Background()
	st := mock.NewStore()
	r, decrypts := countingResolver(t, st)
	owner := uuid.New()

	_, err := r.SaveCredential(ctx, owner, "fal", "fal-key-one")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		key, err := r.APIKey(ctx, owner, "fal")
		require.NoError(t, err)
		assert.Equal(t, "fal-key-one", key)
	}
	assert.EqualValues(t, 1, decrypts.Load())

	// A rotated key has a new ciphertext and is decrypted again.
	_, err = r.SaveCredential(ctx, owner, "fal", "fal-key-two")
	require.NoError(t, err)
	key, err := r.APIKey(ctx, owner, "fal")
	require.NoError(t, err)
	assert.Equal(t, "fal-key-two", key)
	assert.EqualValues(t, 2, decrypts.Load())

	require.NoError(t, r.DeleteCredential(ctx, owner, "fal"))
	key, err = r.APIKey(ctx, owner, "fal")
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.EqualValues(t, 2, decrypts.Load())
}

func TestResolver_ReusesDecryptedStorageSettings(t *testing.T) {
	ctx := context.Background()
	st := mock.NewStore()
	r, decrypts := countingResolver(t, st)
	owner := uuid.New()

	require.NoError(t, r.SaveStorageSettings(ctx, owner, &models.StorageSettings{Backend: models.StorageBackendLocal}))
	for i := 0; i < 3; i++ {
		got, err := r.StorageSettings(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, models.StorageBackendLocal, got.Backend)
	}
	assert.EqualValues(t, 1, decrypts.Load())
}

func TestResolver_FailedDecryptNotCached(t *testing.T) {
	ctx := context.Background()
	st := mock.NewStore()
	r, decrypts := countingResolver(t, st)
	owner := uuid.New()
	require.NoError(t, st.UpsertCredential(ctx, &models.ProviderCredential{
		OwnerID: owner, Provider: "fal", Ciphertext: "garbage",
	}))

	for i := 0; i < 2; i++ {
		_, err := r.APIKey(ctx, owner, "fal")
		assert.ErrorIs(t, err, ErrCredentialCorrupt)
	}
	assert.EqualValues(t, 2, decrypts.Load())
}

func TestResolver_CacheDisabled(t *testing.T) {
	ctx := context.Background()
	st := mock.NewStore()
	r, decrypts := countingResolver(t, st, WithPlaintextTTL(0))
	owner := uuid.New()

	_, err := r.SaveCredential(ctx, owner, "fal", "fal-key-one")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := r.APIKey(ctx, owner, "fal")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, decrypts.Load())
}
