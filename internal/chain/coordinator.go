// Package chain gates dependent jobs in the clone -> train -> convert chain on
// their parent's readiness and keeps duplicate chain entries out.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/cache"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// ErrPreconditionFailed matches every *PreconditionError.
var ErrPreconditionFailed = errors.New("precondition failed")

// Constraints identify which chain rule was violated.
const (
	ConstraintWrongParentKind = "wrong_parent_kind"
	ConstraintParentNotReady  = "parent_not_ready"
	ConstraintAlreadyTraining = "already_training"
	ConstraintAlreadyTrained  = "already_trained"
	ConstraintCloneInProgress = "clone_in_progress"
	ConstraintStorageRequired = "storage_required"
)

// PreconditionError reports a chain ordering violation. No job is created.
type PreconditionError struct {
	Constraint string
	Message    string
}

func (e *PreconditionError) Error() string { return e.Message }

func (e *PreconditionError) Is(target error) bool { return target == ErrPreconditionFailed }

func precondition(constraint, format string, args ...any) error {
	return &PreconditionError{Constraint: constraint, Message: fmt.Sprintf(format, args...)}
}

// JobReader is the read side of the store the coordinator depends on.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error)
	FindChildJobs(ctx context.Context, parentID uuid.UUID, kind models.JobKind) ([]*models.Job, error)
	FindActiveByIdempotencyKey(ctx context.Context, ownerID uuid.UUID, key string) (*models.Job, error)
}

// Coordinator checks chain preconditions. It owns no state; the store is the
// source of truth and a short cache lock narrows the check-then-submit window.
type Coordinator struct {
	jobs    JobReader
	cache   cache.Cache
	lockTTL time.Duration
}

// NewCoordinator creates a Coordinator. lockTTL should cover one provider submit.
func NewCoordinator(jobs JobReader, c cache.Cache, lockTTL time.Duration) *Coordinator {
	return &Coordinator{jobs: jobs, cache: c, lockTTL: lockTTL}
}

// Release frees a lock taken by an Enter call. It is safe to call more than once.
type Release func()

func noop() {}

// CheckTraining verifies that cloneID is a ready voice clone with no active or
// finished training, and returns the clone.
func (c *Coordinator) CheckTraining(ctx context.Context, ownerID, cloneID uuid.UUID) (*models.Job, error) {
	clone, err := c.jobs.GetJob(ctx, cloneID, ownerID)
	if err != nil {
		return nil, err
	}
	if clone.Kind != models.JobKindClone {
		return nil, precondition(ConstraintWrongParentKind, "job %s is a %s job, not a voice clone", cloneID, clone.Kind)
	}
	if !clone.HasResult() {
		return nil, precondition(ConstraintParentNotReady, "voice clone is not ready (status %s)", clone.Status)
	}

	siblings, err := c.jobs.FindChildJobs(ctx, cloneID, models.JobKindTraining)
	if err != nil {
		return nil, fmt.Errorf("listing trainings for clone %s: %w", cloneID, err)
	}
	for _, s := range siblings {
		if !s.Status.IsTerminal() {
			return nil, precondition(ConstraintAlreadyTraining, "training already in progress for this voice (job %s)", s.ID)
		}
	}
	for _, s := range siblings {
		if s.HasResult() {
			return nil, precondition(ConstraintAlreadyTrained, "voice already trained (job %s)", s.ID)
		}
	}
	return clone, nil
}

// EnterTraining runs CheckTraining while holding the per-clone training lock.
// The caller must invoke the returned Release once the job record exists.
func (c *Coordinator) EnterTraining(ctx context.Context, ownerID, cloneID uuid.UUID) (*models.Job, Release, error) {
	release, ok := c.lock(ctx, cache.TrainingLockKey(cloneID))
	if !ok {
		return nil, noop, precondition(ConstraintAlreadyTraining, "training already in progress for this voice")
	}
	clone, err := c.CheckTraining(ctx, ownerID, cloneID)
	if err != nil {
		release()
		return nil, noop, err
	}
	return clone, release, nil
}

// CheckConversion verifies that modelID is a completed training with a usable
// model location, and returns it.
func (c *Coordinator) CheckConversion(ctx context.Context, ownerID, modelID uuid.UUID) (*models.Job, error) {
	model, err := c.jobs.GetJob(ctx, modelID, ownerID)
	if err != nil {
		return nil, err
	}
	if model.Kind != models.JobKindTraining {
		return nil, precondition(ConstraintWrongParentKind, "job %s is a %s job, not a trained model", modelID, model.Kind)
	}
	if !model.HasResult() {
		return nil, precondition(ConstraintParentNotReady, "voice model is not ready (status %s)", model.Status)
	}
	return model, nil
}

// EnterClone rejects a clone creation when one with the same idempotency key is
// already active for the owner. An empty key skips the check.
func (c *Coordinator) EnterClone(ctx context.Context, ownerID uuid.UUID, idempotencyKey string) (Release, error) {
	if idempotencyKey == "" {
		return noop, nil
	}
	release, ok := c.lock(ctx, cache.CloneLockKey(ownerID, idempotencyKey))
	if !ok {
		return noop, precondition(ConstraintCloneInProgress, "voice clone creation already in progress")
	}

	existing, err := c.jobs.FindActiveByIdempotencyKey(ctx, ownerID, idempotencyKey)
	switch {
	case err == nil:
		release()
		return noop, precondition(ConstraintCloneInProgress, "voice clone creation already in progress (job %s)", existing.ID)
	case errors.Is(err, store.ErrNotFound):
		return release, nil
	default:
		release()
		return noop, fmt.Errorf("checking active clones: %w", err)
	}
}

// CheckInlineResult requires durable storage for providers that return raw
// bytes, since there is no provider URL to fall back to.
func (c *Coordinator) CheckInlineResult(settings *models.StorageSettings) error {
	if settings == nil {
		return precondition(ConstraintStorageRequired, "durable storage must be configured for synchronous generation")
	}
	return nil
}

// lock takes key. A cache outage fails open: the store check still applies.
func (c *Coordinator) lock(ctx context.Context, key string) (Release, bool) {
	if c.cache == nil {
		return noop, true
	}
	token, ok, err := c.cache.AcquireLock(ctx, key, c.lockTTL)
	if err != nil {
		slog.Warn("chain lock unavailable, continuing without it", "key", key, "error", err)
		return noop, true
	}
	if !ok {
		return noop, false
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		if err := c.cache.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
			slog.Warn("chain lock release failed", "key", key, "error", err)
		}
	}, true
}
