package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/metrics"
	"github.com/kiranshivaraju/mediaforge/internal/storage"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"golang.org/x/sync/errgroup"
)

// CancelReason is the error recorded on user-cancelled jobs.
const CancelReason = "cancelled by user"

var (
	// ErrNotRetryable is returned when a job has no provider copy to persist.
	ErrNotRetryable = errors.New("job result cannot be persisted")
	// ErrPersistFailed is returned when a durable copy retry did not succeed.
	ErrPersistFailed = errors.New("durable copy failed")
)

// CancelJob marks an active job failed immediately, then asks the provider to
// stop it. Cancelling a terminal job is a no-op.
func (s *Service) CancelJob(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	applied, err := s.store.UpdateJobTerminal(ctx, jobID, store.Failed(CancelReason))
	if err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}
	if applied {
		s.metrics.JobFailed(string(job.Kind))
		slog.Info("job cancelled", "job_id", jobID, "owner_id", ownerID)
		s.cancelRemote(context.WithoutCancel(ctx), job)
	}
	return s.store.GetJob(ctx, jobID, ownerID)
}

// cancelRemote is best effort: the store already says failed.
func (s *Service) cancelRemote(ctx context.Context, job *models.Job) {
	if job.Ref() == "" {
		return
	}
	adapter, err := s.registry.Get(job.ProviderKind)
	if err != nil || !adapter.Capabilities().SupportsCancel {
		return
	}
	apiKey, err := s.creds.APIKey(ctx, job.OwnerID, adapter.Credential())
	if err != nil || apiKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	if err := adapter.Cancel(ctx, apiKey, job.Ref()); err != nil {
		slog.Warn("provider cancel failed", "job_id", job.ID, "provider", job.ProviderKind, "error", err)
	}
}

const removeConcurrency = 4

// DeleteJob deletes the job record, then removes every durable object it owns.
// Object cleanup failures are logged and never fail the delete. Children keep
// existing with their parent link cleared.
func (s *Service) DeleteJob(ctx context.Context, ownerID, jobID uuid.UUID) error {
	job, err := s.store.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, jobID, ownerID); err != nil {
		return err
	}
	slog.Info("job deleted", "job_id", jobID, "owner_id", ownerID, "objects", len(job.DurableKeys))

	ctx = context.WithoutCancel(ctx)
	if !job.Status.IsTerminal() {
		s.cancelRemote(ctx, job)
	}
	if len(job.DurableKeys) == 0 {
		return nil
	}
	settings, err := s.creds.StorageSettings(ctx, ownerID)
	if err != nil || settings == nil {
		slog.Warn("durable objects left behind, storage settings unavailable", "job_id", jobID, "keys", job.DurableKeys, "error", err)
		return nil
	}

	var g errgroup.Group
	g.SetLimit(removeConcurrency)
	for _, key := range job.DurableKeys {
		g.Go(func() error {
			s.uploader.Remove(ctx, settings, key)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// RetryDurableCopy copies a completed job's provider result into durable
// storage when the first attempt fell back to the provider URL. A job that is
// already durable is returned unchanged.
func (s *Service) RetryDurableCopy(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.ResultLocationIsDurable {
		return job, nil
	}
	if job.Status != models.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", ErrNotRetryable, job.Status)
	}
	source := job.OriginalResultLocation
	if source == nil {
		source = job.ResultLocation
	}
	if source == nil || *source == "" {
		return nil, fmt.Errorf("%w: no provider result location recorded", ErrNotRetryable)
	}

	settings, err := s.creds.StorageSettings(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("reading storage settings: %w", err)
	}
	if settings == nil {
		return nil, fmt.Errorf("%w: durable storage is not configured", ErrNotRetryable)
	}

	name := storage.ObjectName(ownerID, job.Kind, job.ID, storage.Extension("", *source))
	res := s.uploader.Persist(ctx, storage.Source{URL: *source}, name, "", settings)
	if !res.Durable {
		return nil, fmt.Errorf("%w: %v", ErrPersistFailed, res.Err)
	}
	if err := s.store.UpdateJobDurableLocation(ctx, jobID, res.URL, res.Key); err != nil {
		return nil, fmt.Errorf("recording durable location: %w", err)
	}
	s.metrics.Upload(metrics.UploadDurable)
	return s.store.GetJob(ctx, jobID, ownerID)
}
