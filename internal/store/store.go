package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
// Writes to one job row are atomic; different jobs never contend on a shared lock.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	// ListActiveJobs returns pending and processing jobs, for one owner or for all
	// owners when ownerID is nil.
	ListActiveJobs(ctx context.Context, ownerID *uuid.UUID) ([]*models.Job, error)
	FindChildJobs(ctx context.Context, parentID uuid.UUID, kind models.JobKind) ([]*models.Job, error)
	FindActiveByIdempotencyKey(ctx context.Context, ownerID uuid.UUID, key string) (*models.Job, error)
	// UpdateJobProgress is best-effort and ignored once the job is terminal.
	UpdateJobProgress(ctx context.Context, id uuid.UUID, status models.JobStatus, progress int) error
	// UpdateJobTerminal moves a non-terminal job to a terminal state. It returns
	// applied=false and no error when the job was already terminal.
	UpdateJobTerminal(ctx context.Context, id uuid.UUID, upd TerminalUpdate) (applied bool, err error)
	UpdateJobDurableLocation(ctx context.Context, id uuid.UUID, url, key string) error
	DeleteJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error

	GetCredential(ctx context.Context, ownerID uuid.UUID, provider string) (*models.ProviderCredential, error)
	ListCredentials(ctx context.Context, ownerID uuid.UUID) ([]*models.ProviderCredential, error)
	UpsertCredential(ctx context.Context, cred *models.ProviderCredential) error
	DeleteCredential(ctx context.Context, ownerID uuid.UUID, provider string) error

	GetStorageSettings(ctx context.Context, ownerID uuid.UUID) (string, error)
	UpsertStorageSettings(ctx context.Context, ownerID uuid.UUID, ciphertext string) error
	DeleteStorageSettings(ctx context.Context, ownerID uuid.UUID) error
}

type JobFilter struct {
	OwnerID uuid.UUID
	Kind    models.JobKind
	Status  models.JobStatus
	Limit   int
}

// TerminalUpdate is the final write for a job.
type TerminalUpdate struct {
	Status                 models.JobStatus
	ResultLocation         *string
	OriginalResultLocation *string
	Durable                bool
	// DurableKey is appended to the job's owned object keys when non-empty.
	DurableKey string
	Error      *string
}

// Validate enforces the shape of a terminal write.
func (u TerminalUpdate) Validate() error {
	if !u.Status.IsTerminal() {
		return fmt.Errorf("terminal update requires a terminal status, got %q", u.Status)
	}
	if u.Durable && u.Status != models.JobStatusCompleted {
		return fmt.Errorf("durable result requires completed status, got %q", u.Status)
	}
	if u.Durable && u.ResultLocation == nil {
		return errors.New("durable result requires a result location")
	}
	return nil
}

// Completed builds the terminal update for a successful job.
func Completed(resultURL string, originalURL string, durable bool, durableKey string) TerminalUpdate {
	upd := TerminalUpdate{
		Status:         models.JobStatusCompleted,
		ResultLocation: &resultURL,
		Durable:        durable,
		DurableKey:     durableKey,
	}
	if originalURL != "" {
		upd.OriginalResultLocation = &originalURL
	}
	return upd
}

// Failed builds the terminal update for a failed job.
func Failed(reason string) TerminalUpdate {
	return TerminalUpdate{Status: models.JobStatusFailed, Error: &reason}
}

// ClampProgress bounds an advisory progress value to 0..100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// NormalizeLimit applies the default and maximum page size for ListJobs.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
