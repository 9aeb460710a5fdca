package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mediaforge_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newJob(owner uuid.UUID, kind models.JobKind, ref string) *models.Job {
	now := time.Now().UTC()
	j := &models.Job{
		ID:           uuid.New(),
		OwnerID:      owner,
		Kind:         kind,
		ProviderKind: models.ProviderQueueMusic,
		Status:       models.JobStatusPending,
		Input:        []byte(`{"style":"lofi"}`),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if ref != "" {
		j.ExternalRef = &ref
	}
	return j
}

// --- API keys ---

func TestAPIKey_LookupByPrefix(t *testing.T) {
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	owner := uuid.New()
	keyID := uuid.New()
	_, err := pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix) VALUES ($1, $2, 'ci', 'hash', 'mf_abcde')`,
		keyID, owner)
	require.NoError(t, err)

	keys, err := s.GetAPIKeyByPrefix(ctx, "mf_abcde")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, owner, keys[0].OwnerID)
	assert.Nil(t, keys[0].LastUsedAt)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, keyID))
	keys, err = s.GetAPIKeyByPrefix(ctx, "mf_abcde")
	require.NoError(t, err)
	assert.NotNil(t, keys[0].LastUsedAt)

	keys, err = s.GetAPIKeyByPrefix(ctx, "mf_zzzzz")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// --- Jobs ---

func TestJob_CreateAndGetIsOwnerScoped(t *testing.T) {
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	owner := uuid.New()
	job := newJob(owner, models.JobKindGeneration, "req-1")
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.Ref())
	assert.Equal(t, models.ChainRoleRoot, got.ChainRole)
	assert.JSONEq(t, `{"style":"lofi"}`, string(got.Input))
	assert.Empty(t, got.DurableKeys)

	_, err = s.GetJob(ctx, job.ID, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.CreateJob(ctx, job), store.ErrDuplicateKey)
}

func TestJob_ProgressNeverRegresses(t *testing.T) {
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	owner := uuid.New()
	job := newJob(owner, models.JobKindGeneration, "req-2")
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, models.JobStatusProcessing, 40))
	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, models.JobStatusPending, 150))

	got, err := s.GetJob(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, 100, got.Progress)

	assert.Error(t, s.UpdateJobProgress(ctx, job.ID, models.JobStatusCompleted, 100))
}

func TestJob_TerminalWriteAppliesOnce(t *testing.T) {
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	owner := uuid.New()
	job := newJob(owner, models.JobKindGeneration, "req-3")
	require.NoError(t, s.CreateJob(ctx, job))

	applied, err := s.UpdateJobTerminal(ctx, job.ID,
		store.Completed("https://cdn.example.com/a.mp3", "https://provider/a.mp3", true, "media/a.mp3"))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.UpdateJobTerminal(ctx, job.ID, store.Failed("late failure"))
	require.NoError(t, err)
	assert.False(t, applied)

	// Progress after terminal is ignored.
	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, models.JobStatusProcessing, 10))

	got, err := s.GetJob(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.True(t, got.ResultLocationIsDurable)
	assert.Equal(t, "https://provider/a.mp3", *got.OriginalResultLocation)
	assert.Nil(t, got.Error)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"media/a.mp3"}, got.DurableKeys)

	_, err = s.UpdateJobTerminal(ctx, uuid.New(), store.Failed("x"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_ConcurrentTerminalWritesOneWins(t *testing.T) {
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	job := newJob(uuid.New(), models.JobKindGeneration, "req-4")
	require.NoError(t, s.CreateJob(ctx, job))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			upd := store.Failed("cancelled by user")
			if i%2 == 0 {
				upd = store.Completed("https://provider/r.mp3", "https://provider/r.mp3", false, "")
			}
			ok, err := s.UpdateJobTerminal(ctx, job.ID, upd)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}

func TestJob_DurableRequiresCompleted(t *testing.T) {
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	owner := uuid.New()
	job := newJob(owner, models.JobKindGeneration, "req-5")
	require.NoError(t, s.CreateJob(ctx, job))

	// Still pending: no durable location may be recorded.
	assert.ErrorIs(t, s.UpdateJobDurableLocation(ctx, job.ID, "https://cdn/x.mp3", "k"), store.ErrNotFound)

	_, err := s.UpdateJobTerminal(ctx, job.ID, store.Completed("https://provider/x.mp3", "https://provider/x.mp3", false, ""))
	require.NoError(t, err)
	require.NoError(t, s.UpdateJobDurableLocation(ctx, job.ID, "https://cdn/x.mp3", "media/x.mp3"))

	got, err := s.GetJob(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.True(t, got.ResultLocationIsDurable)
	assert.Equal(t, "https://cdn/x.mp3", *got.ResultLocation)
	assert.Equal(t, "https://provider/x.mp3", *got.OriginalResultLocation)
}

func TestJob_ListingAndLookups(t *testing.T) {
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	owner, other := uuid.New(), uuid.New()
	clone := newJob(owner, models.JobKindClone, "clone-1")
	key := "alto"
	clone.IdempotencyKey = &key
	require.NoError(t, s.CreateJob(ctx, clone))

	training := newJob(owner, models.JobKindTraining, "train-1")
	training.ParentID = &clone.ID
	training.CreatedAt = training.CreatedAt.Add(time.Second)
	require.NoError(t, s.CreateJob(ctx, training))

	require.NoError(t, s.CreateJob(ctx, newJob(other, models.JobKindGeneration, "gen-x")))

	found, err := s.FindActiveByIdempotencyKey(ctx, owner, "alto")
	require.NoError(t, err)
	assert.Equal(t, clone.ID, found.ID)
	_, err = s.FindActiveByIdempotencyKey(ctx, other, "alto")
	assert.ErrorIs(t, err, store.ErrNotFound)

	children, err := s.FindChildJobs(ctx, clone.ID, models.JobKindTraining)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, models.ChainRoleVoiceModel, children[0].ChainRole)

	mine, err := s.ListJobs(ctx, store.JobFilter{OwnerID: owner})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, training.ID, mine[0].ID, "newest first")

	clones, err := s.ListJobs(ctx, store.JobFilter{OwnerID: owner, Kind: models.JobKindClone})
	require.NoError(t, err)
	assert.Len(t, clones, 1)

	active, err := s.ListActiveJobs(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, active, 3)
	active, err = s.ListActiveJobs(ctx, &other)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	// Deleting the parent keeps the child and clears its link.
	require.NoError(t, s.DeleteJob(ctx, clone.ID, owner))
	got, err := s.GetJob(ctx, training.ID, owner)
	require.NoError(t, err)
	assert.Nil(t, got.ParentID)
	assert.ErrorIs(t, s.DeleteJob(ctx, clone.ID, owner), store.ErrNotFound)
}

// --- Credentials and storage settings ---

func TestCredentials_UpsertListDelete(t *testing.T) {
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	owner := uuid.New()

	_, err := s.GetCredential(ctx, owner, "fal")
	assert.ErrorIs(t, err, store.ErrNotFound)

	for _, ct := range []string{"ct-1", "ct-2"} {
		require.NoError(t, s.UpsertCredential(ctx, &models.ProviderCredential{
			OwnerID: owner, Provider: "fal", Ciphertext: ct, Fingerprint: "••••1234", UpdatedAt: time.Now(),
		}))
	}
	got, err := s.GetCredential(ctx, owner, "fal")
	require.NoError(t, err)
	assert.Equal(t, "ct-2", got.Ciphertext)

	list, err := s.ListCredentials(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteCredential(ctx, owner, "fal"))
	assert.ErrorIs(t, s.DeleteCredential(ctx, owner, "fal"), store.ErrNotFound)
}

func TestStorageSettings_Roundtrip(t *testing.T) {
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	owner := uuid.New()

	_, err := s.GetStorageSettings(ctx, owner)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.UpsertStorageSettings(ctx, owner, "sealed-1"))
	require.NoError(t, s.UpsertStorageSettings(ctx, owner, "sealed-2"))
	ct, err := s.GetStorageSettings(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "sealed-2", ct)

	require.NoError(t, s.DeleteStorageSettings(ctx, owner))
	_, err = s.GetStorageSettings(ctx, owner)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
