package chain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/cache"
	cachemock "github.com/kiranshivaraju/mediaforge/internal/cache/mock"
	"github.com/kiranshivaraju/mediaforge/internal/chain"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	storemock "github.com/kiranshivaraju/mediaforge/internal/store/mock"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *storemock.Store
	cache *cachemock.Cache
	coord *chain.Coordinator
	owner uuid.UUID
}

func newFixture() *fixture {
	s := storemock.NewStore()
	c := cachemock.NewCache()
	return &fixture{
		store: s,
		cache: c,
		coord: chain.NewCoordinator(s, c, time.Minute),
		owner: uuid.New(),
	}
}

func (f *fixture) addJob(t *testing.T, kind models.JobKind, status models.JobStatus, result string, parent *uuid.UUID) *models.Job {
	t.Helper()
	j := &models.Job{
		ID:        uuid.New(),
		OwnerID:   f.owner,
		Kind:      kind,
		Status:    status,
		ParentID:  parent,
		CreatedAt: time.Now().UTC(),
	}
	if result != "" {
		j.ResultLocation = &result
	}
	require.NoError(t, f.store.CreateJob(context.Background(), j))
	return j
}

func requireConstraint(t *testing.T, err error, constraint string) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrPreconditionFailed)
	var pe *chain.PreconditionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, constraint, pe.Constraint)
}

func TestCheckTraining_ReadyClone(t *testing.T) {
	f := newFixture()
	clone := f.addJob(t, models.JobKindClone, models.JobStatusCompleted, "https://cdn/voice.zip", nil)

	got, err := f.coord.CheckTraining(context.Background(), f.owner, clone.ID)
	require.NoError(t, err)
	assert.Equal(t, clone.ID, got.ID)
}

func TestCheckTraining_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, f *fixture) uuid.UUID
		constraint string
	}{
		{
			name: "not a clone",
			setup: func(t *testing.T, f *fixture) uuid.UUID {
				return f.addJob(t, models.JobKindGeneration, models.JobStatusCompleted, "https://cdn/a.mp3", nil).ID
			},
			constraint: chain.ConstraintWrongParentKind,
		},
		{
			name: "clone still processing",
			setup: func(t *testing.T, f *fixture) uuid.UUID {
				return f.addJob(t, models.JobKindClone, models.JobStatusProcessing, "", nil).ID
			},
			constraint: chain.ConstraintParentNotReady,
		},
		{
			name: "clone failed",
			setup: func(t *testing.T, f *fixture) uuid.UUID {
				return f.addJob(t, models.JobKindClone, models.JobStatusFailed, "", nil).ID
			},
			constraint: chain.ConstraintParentNotReady,
		},
		{
			name: "training in progress",
			setup: func(t *testing.T, f *fixture) uuid.UUID {
				clone := f.addJob(t, models.JobKindClone, models.JobStatusCompleted, "https://cdn/v.zip", nil)
				f.addJob(t, models.JobKindTraining, models.JobStatusProcessing, "", &clone.ID)
				return clone.ID
			},
			constraint: chain.ConstraintAlreadyTraining,
		},
		{
			name: "already trained",
			setup: func(t *testing.T, f *fixture) uuid.UUID {
				clone := f.addJob(t, models.JobKindClone, models.JobStatusCompleted, "https://cdn/v.zip", nil)
				f.addJob(t, models.JobKindTraining, models.JobStatusCompleted, "https://cdn/model.pth", &clone.ID)
				return clone.ID
			},
			constraint: chain.ConstraintAlreadyTrained,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			id := tt.setup(t, f)
			_, err := f.coord.CheckTraining(context.Background(), f.owner, id)
			requireConstraint(t, err, tt.constraint)
		})
	}
}

func TestCheckTraining_FailedSiblingAllowsRetry(t *testing.T) {
	f := newFixture()
	clone := f.addJob(t, models.JobKindClone, models.JobStatusCompleted, "https://cdn/v.zip", nil)
	f.addJob(t, models.JobKindTraining, models.JobStatusFailed, "", &clone.ID)

	_, err := f.coord.CheckTraining(context.Background(), f.owner, clone.ID)
	assert.NoError(t, err)
}

func TestCheckTraining_OtherOwnerIsNotFound(t *testing.T) {
	f := newFixture()
	clone := f.addJob(t, models.JobKindClone, models.JobStatusCompleted, "https://cdn/v.zip", nil)

	_, err := f.coord.CheckTraining(context.Background(), uuid.New(), clone.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnterTraining_LockHeld(t *testing.T) {
	f := newFixture()
	clone := f.addJob(t, models.JobKindClone, models.JobStatusCompleted, "https://cdn/v.zip", nil)
	ctx := context.Background()

	_, release, err := f.coord.EnterTraining(ctx, f.owner, clone.ID)
	require.NoError(t, err)
	assert.True(t, f.cache.Held(cache.TrainingLockKey(clone.ID)))

	_, _, err = f.coord.EnterTraining(ctx, f.owner, clone.ID)
	requireConstraint(t, err, chain.ConstraintAlreadyTraining)

	release()
	release()
	assert.False(t, f.cache.Held(cache.TrainingLockKey(clone.ID)))
}

func TestEnterTraining_ReleasesOnRejection(t *testing.T) {
	f := newFixture()
	clone := f.addJob(t, models.JobKindClone, models.JobStatusProcessing, "", nil)

	_, _, err := f.coord.EnterTraining(context.Background(), f.owner, clone.ID)
	requireConstraint(t, err, chain.ConstraintParentNotReady)
	assert.False(t, f.cache.Held(cache.TrainingLockKey(clone.ID)))
}

func TestEnterTraining_CacheDownFailsOpen(t *testing.T) {
	f := newFixture()
	f.cache.Err = errors.New("connection refused")
	clone := f.addJob(t, models.JobKindClone, models.JobStatusCompleted, "https://cdn/v.zip", nil)

	got, release, err := f.coord.EnterTraining(context.Background(), f.owner, clone.ID)
	require.NoError(t, err)
	release()
	assert.Equal(t, clone.ID, got.ID)
}

func TestCheckConversion(t *testing.T) {
	f := newFixture()
	clone := f.addJob(t, models.JobKindClone, models.JobStatusCompleted, "https://cdn/v.zip", nil)
	ready := f.addJob(t, models.JobKindTraining, models.JobStatusCompleted, "https://cdn/model.pth", &clone.ID)
	pending := f.addJob(t, models.JobKindTraining, models.JobStatusProcessing, "", &clone.ID)
	ctx := context.Background()

	got, err := f.coord.CheckConversion(ctx, f.owner, ready.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/model.pth", *got.ResultLocation)

	_, err = f.coord.CheckConversion(ctx, f.owner, pending.ID)
	requireConstraint(t, err, chain.ConstraintParentNotReady)

	_, err = f.coord.CheckConversion(ctx, f.owner, clone.ID)
	requireConstraint(t, err, chain.ConstraintWrongParentKind)
}

func TestEnterClone(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	release, err := f.coord.EnterClone(ctx, f.owner, "")
	require.NoError(t, err)
	release()

	release, err = f.coord.EnterClone(ctx, f.owner, "voice-1")
	require.NoError(t, err)
	_, err = f.coord.EnterClone(ctx, f.owner, "voice-1")
	requireConstraint(t, err, chain.ConstraintCloneInProgress)
	release()

	key := "voice-1"
	active := f.addJob(t, models.JobKindClone, models.JobStatusProcessing, "", nil)
	active.IdempotencyKey = &key
	require.NoError(t, f.store.DeleteJob(ctx, active.ID, f.owner))
	require.NoError(t, f.store.CreateJob(ctx, active))

	_, err = f.coord.EnterClone(ctx, f.owner, "voice-1")
	requireConstraint(t, err, chain.ConstraintCloneInProgress)
	assert.False(t, f.cache.Held(cache.CloneLockKey(f.owner, "voice-1")))

	release, err = f.coord.EnterClone(ctx, uuid.New(), "voice-1")
	require.NoError(t, err)
	release()
}

func TestCheckInlineResult(t *testing.T) {
	f := newFixture()
	requireConstraint(t, f.coord.CheckInlineResult(nil), chain.ConstraintStorageRequired)
	assert.NoError(t, f.coord.CheckInlineResult(&models.StorageSettings{Backend: models.StorageBackendLocal}))
}
