// Package reconcile drives every in-flight job toward a terminal state by polling
// its provider, copying finished results into durable storage, and writing the
// outcome to the store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/cache"
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/metrics"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/storage"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Tier groups jobs by how often they are worth polling.
type Tier string

const (
	TierFast Tier = "fast"
	TierSlow Tier = "slow"
)

// TierOf returns the polling tier for a job kind. Training runs for tens of
// minutes, everything else for seconds to a few minutes.
func TierOf(kind models.JobKind) Tier {
	if kind == models.JobKindTraining {
		return TierSlow
	}
	return TierFast
}

// Outcome describes what one reconcile pass did to a job.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeProgress  Outcome = "progress"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetry     Outcome = "retry"
)

// CredentialSource resolves per-owner provider keys and storage settings.
type CredentialSource interface {
	APIKey(ctx context.Context, ownerID uuid.UUID, provider string) (string, error)
	StorageSettings(ctx context.Context, ownerID uuid.UUID) (*models.StorageSettings, error)
}

// Persister copies a finished result into durable storage and removes copies
// that no job owns.
type Persister interface {
	Persist(ctx context.Context, src storage.Source, targetName, contentType string, settings *models.StorageSettings) storage.PersistResult
	Remove(ctx context.Context, settings *models.StorageSettings, key string)
}

// Reconciler polls providers for non-terminal jobs. It is the only writer of
// status, progress and result fields after submission.
type Reconciler struct {
	store           store.Store
	registry        *provider.Registry
	creds           CredentialSource
	uploader        Persister
	cache           cache.Cache
	metrics         *metrics.Collector
	cfg             config.ReconcileConfig
	providerTimeout time.Duration

	flight singleflight.Group

	mu            sync.Mutex
	fetchFailures map[uuid.UUID]int
	backoff       map[uuid.UUID]backoffState

	now func() time.Time
}

type backoffState struct {
	attempts int
	next     time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithCache enables cross-replica poll leases.
func WithCache(c cache.Cache) Option {
	return func(r *Reconciler) { r.cache = c }
}

// WithMetrics records sweep and upload metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock overrides the time source used for backoff.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler. providerTimeout bounds every provider call.
func New(s store.Store, registry *provider.Registry, creds CredentialSource, uploader Persister, cfg config.ReconcileConfig, providerTimeout time.Duration, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:           s,
		registry:        registry,
		creds:           creds,
		uploader:        uploader,
		cfg:             cfg,
		providerTimeout: providerTimeout,
		fetchFailures:   make(map[uuid.UUID]int),
		backoff:         make(map[uuid.UUID]backoffState),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep reconciles every due job in tier with bounded concurrency. A failure on
// one job never stops the others; only a failure to list jobs is returned.
func (r *Reconciler) Sweep(ctx context.Context, tier Tier) error {
	active, err := r.store.ListActiveJobs(ctx, nil)
	if err != nil {
		return fmt.Errorf("listing active jobs: %w", err)
	}
	r.prune(active)

	due := make([]*models.Job, 0, len(active))
	for _, j := range active {
		if TierOf(j.Kind) == tier && r.isDue(j.ID) {
			due = append(due, j)
		}
	}
	r.metrics.SetActive(string(tier), len(due))
	if len(due) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.cfg.Concurrency, 1))
	for _, j := range due {
		g.Go(func() error {
			r.reconcileLeased(gctx, j)
			return nil
		})
	}
	_ = g.Wait()

	slog.Debug("sweep finished", "tier", tier, "jobs", len(due))
	return nil
}

// reconcileLeased takes the job's poll lease so replicas don't poll the same job
// at once. A cache outage falls back to polling without the lease.
func (r *Reconciler) reconcileLeased(ctx context.Context, job *models.Job) {
	if r.cache != nil {
		key := cache.PollLeaseKey(job.ID)
		token, ok, err := r.cache.AcquireLock(ctx, key, r.cfg.LeaseTTL)
		switch {
		case err != nil:
			slog.Warn("poll lease unavailable", "job_id", job.ID, "error", err)
		case !ok:
			return
		default:
			defer func() {
				if err := r.cache.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
					slog.Warn("poll lease release failed", "job_id", job.ID, "error", err)
				}
			}()
		}
	}
	r.ReconcileJob(ctx, job)
}

// ReconcileJob runs one reconcile pass for job. Concurrent calls for the same
// job share a single pass.
func (r *Reconciler) ReconcileJob(ctx context.Context, job *models.Job) Outcome {
	v, _, _ := r.flight.Do(job.ID.String(), func() (any, error) {
		return r.reconcile(ctx, job), nil
	})
	return v.(Outcome)
}

func (r *Reconciler) reconcile(ctx context.Context, job *models.Job) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("reconcile panicked", "job_id", job.ID, "panic", rec)
			out = OutcomeUnchanged
		}
	}()

	if job.Status.IsTerminal() {
		return OutcomeSkipped
	}
	log := slog.With("job_id", job.ID, "owner_id", job.OwnerID, "provider", job.ProviderKind)

	adapter, err := r.registry.Get(job.ProviderKind)
	if err != nil {
		log.Error("no adapter for job", "error", err)
		return OutcomeUnchanged
	}
	caps := adapter.Capabilities()
	if caps.IsSynchronous || job.Ref() == "" {
		log.Warn("job has nothing to poll", "synchronous", caps.IsSynchronous)
		return OutcomeSkipped
	}

	apiKey, err := r.creds.APIKey(ctx, job.OwnerID, adapter.Credential())
	if err != nil {
		log.Error("resolving provider credential", "error", err)
		return OutcomeUnchanged
	}
	if apiKey == "" {
		log.Warn("provider credential removed, job left as is")
		return OutcomeUnchanged
	}

	st, err := r.checkStatus(ctx, adapter, apiKey, job.Ref())
	if err != nil {
		r.metrics.PollError(string(job.ProviderKind))
		if ctx.Err() != nil {
			return OutcomeUnchanged
		}
		if transient(err) {
			r.deferJob(job)
			log.Warn("status check failed, will retry", "error", err)
			return OutcomeRetry
		}
		log.Warn("status check rejected", "error", err)
		return r.fail(ctx, log, job, err.Error())
	}

	switch st.Phase {
	case provider.PhaseCompleted:
		return r.complete(ctx, log, job, adapter, apiKey, st)
	case provider.PhaseFailed:
		reason := st.Error
		if reason == "" {
			reason = "provider reported failure"
		}
		return r.fail(ctx, log, job, reason)
	default:
		progress := job.Progress
		if caps.SupportsProgress && st.Progress != nil {
			progress = store.ClampProgress(*st.Progress)
		}
		if err := r.store.UpdateJobProgress(ctx, job.ID, st.Phase.JobStatus(), progress); err != nil {
			log.Warn("progress update failed", "error", err)
		}
		if TierOf(job.Kind) == TierSlow {
			r.deferJob(job)
		}
		return OutcomeProgress
	}
}

func (r *Reconciler) checkStatus(ctx context.Context, adapter provider.Adapter, apiKey, ref string) (provider.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, r.providerTimeout)
	defer cancel()
	start := time.Now()
	st, err := adapter.CheckStatus(ctx, apiKey, ref)
	r.metrics.ObservePoll(string(adapter.Kind()), time.Since(start))
	return st, err
}

func (r *Reconciler) fetchResult(ctx context.Context, adapter provider.Adapter, apiKey, ref string) (provider.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, r.providerTimeout)
	defer cancel()
	return adapter.FetchResult(ctx, apiKey, ref)
}

func (r *Reconciler) complete(ctx context.Context, log *slog.Logger, job *models.Job, adapter provider.Adapter, apiKey string, st provider.Status) Outcome {
	result := st
	if adapter.Capabilities().HasSeparateResultFetch {
		fetched, err := r.fetchResult(ctx, adapter, apiKey, job.Ref())
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeUnchanged
			}
			if !transient(err) {
				r.metrics.PollError(string(job.ProviderKind))
				log.Warn("result fetch rejected", "error", err)
				return r.fail(ctx, log, job, err.Error())
			}
			return r.fetchFailed(ctx, log, job, err)
		}
		if fetched.Phase == provider.PhaseFailed {
			reason := fetched.Error
			if reason == "" {
				reason = "provider reported failure"
			}
			return r.fail(ctx, log, job, reason)
		}
		result = fetched
	}
	if result.ResultURL == "" && len(result.Bytes) == 0 {
		return r.fetchFailed(ctx, log, job, errors.New("completed without a result location"))
	}

	settings, err := r.creds.StorageSettings(ctx, job.OwnerID)
	if err != nil {
		log.Warn("storage settings unreadable, keeping provider url", "error", err)
		settings = nil
	}
	name := storage.ObjectName(job.OwnerID, job.Kind, job.ID, storage.Extension(result.ContentType, result.ResultURL))
	persisted := r.uploader.Persist(ctx, storage.Source{URL: result.ResultURL, Bytes: result.Bytes}, name, result.ContentType, settings)
	switch {
	case settings == nil:
		r.metrics.Upload(metrics.UploadSkipped)
	case persisted.Durable:
		r.metrics.Upload(metrics.UploadDurable)
	default:
		r.metrics.Upload(metrics.UploadFallback)
	}
	if persisted.URL == "" {
		return r.fail(ctx, log, job, "result could not be stored")
	}

	applied, err := r.store.UpdateJobTerminal(ctx, job.ID, store.Completed(persisted.URL, result.ResultURL, persisted.Durable, persisted.Key))
	if errors.Is(err, store.ErrNotFound) {
		r.forget(job.ID)
		r.discardUpload(ctx, log, job, settings, persisted)
		return OutcomeSkipped
	}
	if err != nil {
		log.Error("writing completed job", "error", err)
		return OutcomeUnchanged
	}
	r.forget(job.ID)
	if !applied {
		r.discardUpload(ctx, log, job, settings, persisted)
		return OutcomeSkipped
	}
	r.metrics.JobCompleted(string(job.Kind))
	log.Info("job completed", "durable", persisted.Durable)
	return OutcomeCompleted
}

// discardUpload removes a durable copy made for a job whose completion was not
// recorded, because the job was cancelled or deleted meanwhile. A copy that the
// job's recorded result already owns is kept.
func (r *Reconciler) discardUpload(ctx context.Context, log *slog.Logger, job *models.Job, settings *models.StorageSettings, res storage.PersistResult) {
	if !res.Durable || res.Key == "" {
		return
	}
	current, err := r.store.GetJob(ctx, job.ID, job.OwnerID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		log.Warn("durable copy kept, job unreadable", "key", res.Key, "error", err)
		return
	case slices.Contains(current.DurableKeys, res.Key):
		return
	}
	r.uploader.Remove(context.WithoutCancel(ctx), settings, res.Key)
	log.Info("discarded durable copy of superseded result", "key", res.Key)
}

// transient reports whether a provider error is worth retrying on a later poll.
// Anything else, rejections included, ends the job.
func transient(err error) bool {
	return errors.Is(err, provider.ErrProviderUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// fetchFailed keeps the job processing so the next sweep retries, until the
// configured number of consecutive failures is reached.
func (r *Reconciler) fetchFailed(ctx context.Context, log *slog.Logger, job *models.Job, cause error) Outcome {
	r.metrics.PollError(string(job.ProviderKind))

	r.mu.Lock()
	r.fetchFailures[job.ID]++
	n := r.fetchFailures[job.ID]
	r.mu.Unlock()

	if n >= r.cfg.MaxFetchFailures {
		log.Error("result fetch retries exhausted", "attempts", n, "error", cause)
		return r.fail(ctx, log, job, fmt.Sprintf("result unavailable after %d attempts", n))
	}
	log.Warn("result fetch failed, will retry", "attempts", n, "error", cause)
	if err := r.store.UpdateJobProgress(ctx, job.ID, models.JobStatusProcessing, job.Progress); err != nil {
		log.Warn("progress update failed", "error", err)
	}
	return OutcomeRetry
}

func (r *Reconciler) fail(ctx context.Context, log *slog.Logger, job *models.Job, reason string) Outcome {
	applied, err := r.store.UpdateJobTerminal(ctx, job.ID, store.Failed(reason))
	if err != nil {
		log.Error("writing failed job", "error", err)
		return OutcomeUnchanged
	}
	r.forget(job.ID)
	if !applied {
		return OutcomeSkipped
	}
	r.metrics.JobFailed(string(job.Kind))
	log.Info("job failed", "reason", reason)
	return OutcomeFailed
}

// FetchFailures returns the consecutive fetch failures recorded for a job.
func (r *Reconciler) FetchFailures(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchFailures[id]
}

// Tracked reports whether retry or backoff state is held for a job.
func (r *Reconciler) Tracked(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, failing := r.fetchFailures[id]
	_, backing := r.backoff[id]
	return failing || backing
}

// prune drops retry state for jobs that left the active set without a terminal
// write from this reconciler, such as cancels and deletes.
func (r *Reconciler) prune(active []*models.Job) {
	live := make(map[uuid.UUID]struct{}, len(active))
	for _, j := range active {
		live[j.ID] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.fetchFailures {
		if _, ok := live[id]; !ok {
			delete(r.fetchFailures, id)
		}
	}
	for id := range r.backoff {
		if _, ok := live[id]; !ok {
			delete(r.backoff, id)
		}
	}
}

func (r *Reconciler) forget(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fetchFailures, id)
	delete(r.backoff, id)
}

func (r *Reconciler) isDue(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backoff[id]
	return !ok || !r.now().Before(b.next)
}

// deferJob pushes the job's next poll out with jittered exponential backoff,
// starting from its tier's interval and capped at MaxBackoff.
func (r *Reconciler) deferJob(job *models.Job) {
	base := r.cfg.FastInterval
	if TierOf(job.Kind) == TierSlow {
		base = r.cfg.SlowInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.backoff[job.ID]
	b.attempts++
	b.next = r.now().Add(backoffDelay(base, r.cfg.MaxBackoff, b.attempts))
	r.backoff[job.ID] = b
}

// backoffDelay returns base * 2^(attempt-1), capped, with up to 20% jitter
// either way. The first attempt waits one base interval minus jitter so the job
// is picked up again on the next tick.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	if attempt <= 1 {
		return d - time.Duration(rand.Int64N(int64(d)/5+1))
	}
	jitter := time.Duration(rand.Int64N(int64(d)*2/5+1)) - d/5
	return d + jitter
}
