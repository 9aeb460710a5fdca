// Package jobs implements the caller-facing job operations: submission, status,
// cancellation, deletion and the clone -> train -> convert chain entry points.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/chain"
	"github.com/kiranshivaraju/mediaforge/internal/metrics"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/reconcile"
	"github.com/kiranshivaraju/mediaforge/internal/storage"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"golang.org/x/sync/semaphore"
)

// ErrInvalidInput is returned for requests that fail validation before any
// provider is contacted.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Credentials resolves per-owner provider keys and storage settings.
type Credentials interface {
	APIKey(ctx context.Context, ownerID uuid.UUID, provider string) (string, error)
	StorageSettings(ctx context.Context, ownerID uuid.UUID) (*models.StorageSettings, error)
}

// Uploader persists results and removes owned objects.
type Uploader interface {
	Persist(ctx context.Context, src storage.Source, targetName, contentType string, settings *models.StorageSettings) storage.PersistResult
	Remove(ctx context.Context, settings *models.StorageSettings, key string)
}

// Refresher runs an on-demand reconcile pass.
type Refresher interface {
	ReconcileJob(ctx context.Context, job *models.Job) reconcile.Outcome
}

// Config bounds provider calls made on the caller's behalf.
type Config struct {
	ProviderTimeout time.Duration
	SyncTimeout     time.Duration
	SyncConcurrency int
}

// Service implements the job operations. Every operation is scoped by owner.
type Service struct {
	store    store.Store
	registry *provider.Registry
	creds    Credentials
	coord    *chain.Coordinator
	uploader Uploader
	refresh  Refresher
	metrics  *metrics.Collector
	cfg      Config
	syncSem  *semaphore.Weighted
}

// NewService creates a Service. refresh and m may be nil.
func NewService(s store.Store, registry *provider.Registry, creds Credentials, coord *chain.Coordinator, uploader Uploader, refresh Refresher, m *metrics.Collector, cfg Config) *Service {
	if cfg.SyncConcurrency < 1 {
		cfg.SyncConcurrency = 1
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 3 * time.Minute
	}
	return &Service{
		store:    s,
		registry: registry,
		creds:    creds,
		coord:    coord,
		uploader: uploader,
		refresh:  refresh,
		metrics:  m,
		cfg:      cfg,
		syncSem:  semaphore.NewWeighted(int64(cfg.SyncConcurrency)),
	}
}

// SubmitRequest starts a root job. Provider defaults to the queue adapter for
// the kind.
type SubmitRequest struct {
	Kind           models.JobKind
	Provider       models.ProviderKind
	IdempotencyKey string
	Generation     *models.GenerationInput
	Clone          *models.CloneInput
}

// SubmitJob validates req, submits it to the provider with the owner's
// credential and records the job. Nothing is recorded when submission fails.
func (s *Service) SubmitJob(ctx context.Context, ownerID uuid.UUID, req SubmitRequest) (*models.Job, error) {
	switch req.Kind {
	case models.JobKindGeneration:
		if req.Provider == "" {
			req.Provider = models.ProviderQueueMusic
		}
	case models.JobKindClone:
		if req.Provider == "" {
			req.Provider = models.ProviderQueueVoiceClone
		}
	case models.JobKindTraining, models.JobKindConversion:
		return nil, invalid("%s jobs are started from their parent job", req.Kind)
	default:
		return nil, invalid("unknown job kind %q", req.Kind)
	}
	if req.Provider.JobKind() != req.Kind {
		return nil, invalid("provider %q cannot run %s jobs", req.Provider, req.Kind)
	}
	adapter, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, invalid("%v", err)
	}

	var in provider.Input
	var raw any
	switch req.Kind {
	case models.JobKindGeneration:
		g, err := normalizeGeneration(req.Generation, adapter.Capabilities())
		if err != nil {
			return nil, err
		}
		in.Generation, raw = g, g
	case models.JobKindClone:
		c, err := normalizeClone(req.Clone)
		if err != nil {
			return nil, err
		}
		in.Clone, raw = c, c
	}

	spec := jobSpec{ownerID: ownerID, kind: req.Kind, adapter: adapter, input: in, raw: raw}
	if req.Kind == models.JobKindClone && req.IdempotencyKey != "" {
		release, err := s.coord.EnterClone(ctx, ownerID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		defer release()
		key := req.IdempotencyKey
		spec.idempotencyKey = &key
	}
	return s.submit(ctx, spec)
}

// CreateClone submits a voice clone. A non-empty idempotency key rejects a
// second clone while one with the same key is active.
func (s *Service) CreateClone(ctx context.Context, ownerID uuid.UUID, in models.CloneInput, idempotencyKey string) (*models.Job, error) {
	return s.SubmitJob(ctx, ownerID, SubmitRequest{
		Kind:           models.JobKindClone,
		IdempotencyKey: idempotencyKey,
		Clone:          &in,
	})
}

// GetJobStatus returns the owner's job. With refresh set, an active job is
// reconciled once before it is returned.
func (s *Service) GetJobStatus(ctx context.Context, ownerID, jobID uuid.UUID, refresh bool) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if !refresh || s.refresh == nil || job.Status.IsTerminal() {
		return job, nil
	}
	s.refresh.ReconcileJob(ctx, job)
	return s.store.GetJob(ctx, jobID, ownerID)
}

// ListJobs returns the owner's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, invalid("unknown job kind %q", filter.Kind)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("unknown job status %q", filter.Status)
	}
	return s.store.ListJobs(ctx, filter)
}

// jobSpec is everything submit needs to create one job.
type jobSpec struct {
	ownerID        uuid.UUID
	kind           models.JobKind
	adapter        provider.Adapter
	input          provider.Input
	raw            any
	parentID       *uuid.UUID
	idempotencyKey *string
}

func (s *Service) submit(ctx context.Context, spec jobSpec) (*models.Job, error) {
	apiKey, err := s.creds.APIKey(ctx, spec.ownerID, spec.adapter.Credential())
	if err != nil {
		return nil, fmt.Errorf("resolving %s credential: %w", spec.adapter.Credential(), err)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no %s key saved", provider.ErrCredentialMissing, spec.adapter.Credential())
	}

	input, err := json.Marshal(spec.raw)
	if err != nil {
		return nil, fmt.Errorf("encoding input: %w", err)
	}
	now := time.Now().UTC()
	job := &models.Job{
		ID:             uuid.New(),
		OwnerID:        spec.ownerID,
		Kind:           spec.kind,
		ProviderKind:   spec.adapter.Kind(),
		Status:         models.JobStatusPending,
		ParentID:       spec.parentID,
		ChainRole:      models.ChainRoleFor(spec.kind),
		IdempotencyKey: spec.idempotencyKey,
		Input:          input,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if spec.adapter.Capabilities().IsSynchronous {
		return s.submitSync(ctx, spec, apiKey, job)
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	res, err := spec.adapter.Submit(pctx, apiKey, spec.input)
	cancel()
	if err != nil {
		return nil, err
	}
	if res.ExternalRef == "" {
		return nil, fmt.Errorf("%w: submission returned no reference", provider.ErrProviderUnavailable)
	}
	job.ExternalRef = &res.ExternalRef

	if err := s.store.CreateJob(context.WithoutCancel(ctx), job); err != nil {
		slog.Error("job submitted but not recorded", "owner_id", spec.ownerID, "provider", job.ProviderKind, "external_ref", res.ExternalRef, "error", err)
		if spec.adapter.Capabilities().SupportsCancel {
			_ = spec.adapter.Cancel(context.WithoutCancel(ctx), apiKey, res.ExternalRef)
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.metrics.JobSubmitted(string(spec.kind))
	slog.Info("job submitted", "job_id", job.ID, "owner_id", spec.ownerID, "kind", spec.kind, "provider", job.ProviderKind)
	return job, nil
}

// submitSync runs a blocking provider call under the sync semaphore and its own
// timeout, then records the already-terminal job.
func (s *Service) submitSync(ctx context.Context, spec jobSpec, apiKey string, job *models.Job) (*models.Job, error) {
	settings, err := s.creds.StorageSettings(ctx, spec.ownerID)
	if err != nil {
		return nil, fmt.Errorf("reading storage settings: %w", err)
	}
	if err := s.coord.CheckInlineResult(settings); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()
	if err := s.syncSem.Acquire(sctx, 1); err != nil {
		return nil, fmt.Errorf("%w: synchronous provider busy", provider.ErrProviderUnavailable)
	}
	res, err := spec.adapter.Submit(sctx, apiKey, spec.input)
	s.syncSem.Release(1)
	if err != nil {
		return nil, err
	}
	if res.Terminal == nil {
		return nil, fmt.Errorf("%w: synchronous submission returned no result", provider.ErrProviderUnavailable)
	}

	// The work is done and paid for; record it even if the caller went away.
	ctx = context.WithoutCancel(ctx)
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.metrics.JobSubmitted(string(spec.kind))

	upd := s.syncOutcome(ctx, job, res.Terminal, settings)
	if _, err := s.store.UpdateJobTerminal(ctx, job.ID, upd); err != nil {
		return nil, fmt.Errorf("recording result: %w", err)
	}
	if upd.Status == models.JobStatusCompleted {
		s.metrics.JobCompleted(string(spec.kind))
	} else {
		s.metrics.JobFailed(string(spec.kind))
	}
	return s.store.GetJob(ctx, job.ID, spec.ownerID)
}

func (s *Service) syncOutcome(ctx context.Context, job *models.Job, st *provider.Status, settings *models.StorageSettings) store.TerminalUpdate {
	if st.Phase == provider.PhaseFailed {
		reason := st.Error
		if reason == "" {
			reason = "provider reported failure"
		}
		return store.Failed(reason)
	}
	name := storage.ObjectName(job.OwnerID, job.Kind, job.ID, storage.Extension(st.ContentType, st.ResultURL))
	res := s.uploader.Persist(ctx, storage.Source{URL: st.ResultURL, Bytes: st.Bytes}, name, st.ContentType, settings)
	if res.Durable {
		s.metrics.Upload(metrics.UploadDurable)
	} else {
		s.metrics.Upload(metrics.UploadFallback)
	}
	if res.URL == "" {
		return store.Failed(fmt.Sprintf("result could not be stored: %v", res.Err))
	}
	return store.Completed(res.URL, st.ResultURL, res.Durable, res.Key)
}

func normalizeGeneration(in *models.GenerationInput, caps provider.Capabilities) (*models.GenerationInput, error) {
	if in == nil {
		return nil, invalid("generation input is required")
	}
	g := *in
	g.Prompt = strings.TrimSpace(g.Prompt)
	g.Style = strings.TrimSpace(g.Style)
	g.Lyrics = strings.TrimSpace(g.Lyrics)
	if g.Prompt == "" && g.Style == "" {
		return nil, invalid("prompt or style is required")
	}
	if g.DurationSeconds < 0 {
		return nil, invalid("duration_seconds must not be negative")
	}
	if !caps.SupportsDuration {
		g.DurationSeconds = 0
	}
	return &g, nil
}

func normalizeClone(in *models.CloneInput) (*models.CloneInput, error) {
	if in == nil {
		return nil, invalid("clone input is required")
	}
	c := *in
	c.Name = strings.TrimSpace(c.Name)
	c.SampleURL = strings.TrimSpace(c.SampleURL)
	if c.Name == "" {
		return nil, invalid("name is required")
	}
	if err := requireURL("sample_url", c.SampleURL); err != nil {
		return nil, err
	}
	return &c, nil
}

func requireURL(field, v string) error {
	if !strings.HasPrefix(v, "https://") && !strings.HasPrefix(v, "http://") {
		return invalid("%s must be an http(s) URL", field)
	}
	return nil
}
