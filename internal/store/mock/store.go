// Package mock provides an in-memory store.Store with the same row-level
// semantics as the Postgres implementation, for tests and local development.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// Store is a concurrency-safe in-memory store. Error fields let tests inject failures.
type Store struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.Job
	creds    map[credKey]*models.ProviderCredential
	storage  map[uuid.UUID]string
	apiKeys  []*models.APIKey
	terminal []TerminalWrite

	PingErr      error
	CreateJobErr error
	GetJobErr    error
	DeleteJobErr error
	ListErr      error
}

type credKey struct {
	owner    uuid.UUID
	provider string
}

// TerminalWrite records one UpdateJobTerminal call and whether it was applied.
type TerminalWrite struct {
	ID      uuid.UUID
	Update  store.TerminalUpdate
	Applied bool
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:    make(map[uuid.UUID]*models.Job),
		creds:   make(map[credKey]*models.ProviderCredential),
		storage: make(map[uuid.UUID]string),
	}
}

func (s *Store) Ping(_ context.Context) error { return s.PingErr }

// AddAPIKey registers a key for GetAPIKeyByPrefix.
func (s *Store) AddAPIKey(k *models.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys = append(s.apiKeys, k)
}

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, k := range s.apiKeys {
		if k.ID == id {
			k.LastUsedAt = &now
		}
	}
	return nil
}

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	if s.CreateJobErr != nil {
		return s.CreateJobErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	if job.ChainRole == "" {
		job.ChainRole = models.ChainRoleFor(job.Kind)
	}
	c := job.Clone()
	c.Progress = store.ClampProgress(c.Progress)
	s.jobs[job.ID] = c
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	if s.GetJobErr != nil {
		return nil, s.GetJobErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

// Job returns a job regardless of owner, for assertions.
func (s *Store) Job(id uuid.UUID) (*models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// JobCount returns the number of stored jobs.
func (s *Store) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// TerminalWrites returns every UpdateJobTerminal call in order.
func (s *Store) TerminalWrites() []TerminalWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TerminalWrite(nil), s.terminal...)
}

func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Job{}
	for _, j := range s.jobs {
		if j.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit := store.NormalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListActiveJobs(_ context.Context, ownerID *uuid.UUID) ([]*models.Job, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Job{}
	for _, j := range s.jobs {
		if j.Status.IsTerminal() {
			continue
		}
		if ownerID != nil && j.OwnerID != *ownerID {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) FindChildJobs(_ context.Context, parentID uuid.UUID, kind models.JobKind) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Job{}
	for _, j := range s.jobs {
		if j.ParentID != nil && *j.ParentID == parentID && j.Kind == kind {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) FindActiveByIdempotencyKey(_ context.Context, ownerID uuid.UUID, key string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.OwnerID == ownerID && j.IdempotencyKey != nil && *j.IdempotencyKey == key && !j.Status.IsTerminal() {
			return j.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateJobProgress(_ context.Context, id uuid.UUID, status models.JobStatus, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.IsTerminal() || status.IsTerminal() {
		return nil
	}
	if j.Status == models.JobStatusPending {
		j.Status = status
	}
	j.Progress = store.ClampProgress(progress)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateJobTerminal(_ context.Context, id uuid.UUID, upd store.TerminalUpdate) (bool, error) {
	if err := upd.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status.IsTerminal() {
		s.terminal = append(s.terminal, TerminalWrite{ID: id, Update: upd, Applied: false})
		return false, nil
	}

	now := time.Now().UTC()
	j.Status = upd.Status
	j.ResultLocation = copyString(upd.ResultLocation)
	if upd.OriginalResultLocation != nil {
		j.OriginalResultLocation = copyString(upd.OriginalResultLocation)
	}
	j.ResultLocationIsDurable = upd.Durable
	j.Error = copyString(upd.Error)
	if upd.DurableKey != "" {
		j.DurableKeys = append(j.DurableKeys, upd.DurableKey)
	}
	if upd.Status == models.JobStatusCompleted {
		j.Progress = 100
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
	s.terminal = append(s.terminal, TerminalWrite{ID: id, Update: upd, Applied: true})
	return true, nil
}

func (s *Store) UpdateJobDurableLocation(_ context.Context, id uuid.UUID, url, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusCompleted {
		return store.ErrNotFound
	}
	j.ResultLocation = &url
	j.ResultLocationIsDurable = true
	if key != "" {
		j.DurableKeys = append(j.DurableKeys, key)
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteJob(_ context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	if s.DeleteJobErr != nil {
		return s.DeleteJobErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(s.jobs, id)
	for _, other := range s.jobs {
		if other.ParentID != nil && *other.ParentID == id {
			other.ParentID = nil
		}
	}
	return nil
}

func (s *Store) GetCredential(_ context.Context, ownerID uuid.UUID, provider string) (*models.ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[credKey{ownerID, provider}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCredentials(_ context.Context, ownerID uuid.UUID) ([]*models.ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.ProviderCredential{}
	for k, c := range s.creds {
		if k.owner == ownerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Provider < out[b].Provider })
	return out, nil
}

func (s *Store) UpsertCredential(_ context.Context, cred *models.ProviderCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cred
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.creds[credKey{cred.OwnerID, cred.Provider}] = &cp
	return nil
}

func (s *Store) DeleteCredential(_ context.Context, ownerID uuid.UUID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := credKey{ownerID, provider}
	if _, ok := s.creds[k]; !ok {
		return store.ErrNotFound
	}
	delete(s.creds, k)
	return nil
}

func (s *Store) GetStorageSettings(_ context.Context, ownerID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.storage[ownerID]
	if !ok {
		return "", store.ErrNotFound
	}
	return c, nil
}

func (s *Store) UpsertStorageSettings(_ context.Context, ownerID uuid.UUID, ciphertext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage[ownerID] = ciphertext
	return nil
}

func (s *Store) DeleteStorageSettings(_ context.Context, ownerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.storage[ownerID]; !ok {
		return store.ErrNotFound
	}
	delete(s.storage, ownerID)
	return nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)
