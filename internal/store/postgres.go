package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, owner_id, kind, provider_kind, external_ref, status, progress,
	result_location, result_location_is_durable, original_result_location, error,
	parent_id, chain_role, idempotency_key, input, durable_keys, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var input []byte
	err := row.Scan(&j.ID, &j.OwnerID, &j.Kind, &j.ProviderKind, &j.ExternalRef, &j.Status, &j.Progress,
		&j.ResultLocation, &j.ResultLocationIsDurable, &j.OriginalResultLocation, &j.Error,
		&j.ParentID, &j.ChainRole, &j.IdempotencyKey, &input, &j.DurableKeys,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Input = json.RawMessage(input)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	input := []byte(job.Input)
	if len(input) == 0 {
		input = []byte("{}")
	}
	keys := job.DurableKeys
	if keys == nil {
		keys = []string{}
	}
	if job.ChainRole == "" {
		job.ChainRole = models.ChainRoleFor(job.Kind)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, kind, provider_kind, external_ref, status, progress,
			result_location, result_location_is_durable, original_result_location, error,
			parent_id, chain_role, idempotency_key, input, durable_keys, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		job.ID, job.OwnerID, job.Kind, job.ProviderKind, job.ExternalRef, job.Status, ClampProgress(job.Progress),
		job.ResultLocation, job.ResultLocationIsDurable, job.OriginalResultLocation, job.Error,
		job.ParentID, job.ChainRole, job.IdempotencyKey, input, keys,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	conditions := []string{"owner_id = $1"}
	args := []any{filter.OwnerID}
	argIdx := 2

	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, filter.Kind)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		strings.Join(conditions, " AND "), argIdx)
	args = append(args, NormalizeLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context, ownerID *uuid.UUID) ([]*models.Job, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if ownerID != nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE status IN ('pending', 'processing') AND owner_id = $1 ORDER BY created_at`, *ownerID)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE status IN ('pending', 'processing') ORDER BY created_at`)
	}
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) FindChildJobs(ctx context.Context, parentID uuid.UUID, kind models.JobKind) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE parent_id = $1 AND kind = $2 ORDER BY created_at`,
		parentID, kind)
	if err != nil {
		return nil, fmt.Errorf("find child jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) FindActiveByIdempotencyKey(ctx context.Context, ownerID uuid.UUID, key string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE owner_id = $1 AND idempotency_key = $2 AND status IN ('pending', 'processing')
		 ORDER BY created_at DESC LIMIT 1`, ownerID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by idempotency key: %w", err)
	}
	return j, nil
}

// UpdateJobProgress promotes pending to processing but never demotes, and is a
// no-op on terminal jobs so a stale poll cannot overwrite a terminal write.
func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, status models.JobStatus, progress int) error {
	if status.IsTerminal() {
		return fmt.Errorf("progress update with terminal status %q", status)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   progress = $3,
		   status = CASE WHEN status = 'pending' THEN $2::text ELSE status END,
		   updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, string(status), ClampProgress(progress))
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateJobTerminal(ctx context.Context, id uuid.UUID, upd TerminalUpdate) (bool, error) {
	if err := upd.Validate(); err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   status = $2::text,
		   result_location = $3,
		   original_result_location = COALESCE($4, original_result_location),
		   result_location_is_durable = $5,
		   error = $6,
		   durable_keys = CASE WHEN $7::text = '' THEN durable_keys ELSE array_append(durable_keys, $7::text) END,
		   progress = CASE WHEN $2::text = 'completed' THEN 100 ELSE progress END,
		   completed_at = NOW(),
		   updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, string(upd.Status), upd.ResultLocation, upd.OriginalResultLocation, upd.Durable, upd.Error, upd.DurableKey)
	if err != nil {
		return false, fmt.Errorf("update job terminal: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Either the job is gone or it is already terminal; the latter is a no-op.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) UpdateJobDurableLocation(ctx context.Context, id uuid.UUID, url, key string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   result_location = $2,
		   result_location_is_durable = TRUE,
		   durable_keys = CASE WHEN $3::text = '' THEN durable_keys ELSE array_append(durable_keys, $3::text) END,
		   updated_at = NOW()
		 WHERE id = $1 AND status = 'completed'`, id, url, key)
	if err != nil {
		return fmt.Errorf("update job durable location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Credentials ---

func (s *PostgresStore) GetCredential(ctx context.Context, ownerID uuid.UUID, provider string) (*models.ProviderCredential, error) {
	var c models.ProviderCredential
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, provider, ciphertext, fingerprint, updated_at
		 FROM provider_credentials WHERE owner_id = $1 AND provider = $2`, ownerID, provider,
	).Scan(&c.OwnerID, &c.Provider, &c.Ciphertext, &c.Fingerprint, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context, ownerID uuid.UUID) ([]*models.ProviderCredential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner_id, provider, ciphertext, fingerprint, updated_at
		 FROM provider_credentials WHERE owner_id = $1 ORDER BY provider`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	creds := []*models.ProviderCredential{}
	for rows.Next() {
		var c models.ProviderCredential
		if err := rows.Scan(&c.OwnerID, &c.Provider, &c.Ciphertext, &c.Fingerprint, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}

func (s *PostgresStore) UpsertCredential(ctx context.Context, cred *models.ProviderCredential) error {
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_credentials (owner_id, provider, ciphertext, fingerprint, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (owner_id, provider) DO UPDATE SET
		   ciphertext = EXCLUDED.ciphertext,
		   fingerprint = EXCLUDED.fingerprint,
		   updated_at = EXCLUDED.updated_at`,
		cred.OwnerID, cred.Provider, cred.Ciphertext, cred.Fingerprint, cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, ownerID uuid.UUID, provider string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM provider_credentials WHERE owner_id = $1 AND provider = $2`, ownerID, provider)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Storage settings ---

func (s *PostgresStore) GetStorageSettings(ctx context.Context, ownerID uuid.UUID) (string, error) {
	var ciphertext string
	err := s.pool.QueryRow(ctx,
		`SELECT ciphertext FROM storage_settings WHERE owner_id = $1`, ownerID).Scan(&ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get storage settings: %w", err)
	}
	return ciphertext, nil
}

func (s *PostgresStore) UpsertStorageSettings(ctx context.Context, ownerID uuid.UUID, ciphertext string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO storage_settings (owner_id, ciphertext, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (owner_id) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = NOW()`,
		ownerID, ciphertext)
	if err != nil {
		return fmt.Errorf("upsert storage settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteStorageSettings(ctx context.Context, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM storage_settings WHERE owner_id = $1`, ownerID)
	if err != nil {
		return fmt.Errorf("delete storage settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
