package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the domain lifecycle state of a job. Transitions only move forward:
// pending -> processing -> {completed, failed}. Cancellation maps to failed.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// JobKind identifies what a job produces.
type JobKind string

const (
	JobKindGeneration JobKind = "generation"
	JobKindClone      JobKind = "clone"
	JobKindTraining   JobKind = "training"
	JobKindConversion JobKind = "conversion"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindGeneration, JobKindClone, JobKindTraining, JobKindConversion:
		return true
	}
	return false
}

// ProviderKind identifies which provider adapter handles a job.
type ProviderKind string

const (
	ProviderQueueMusic           ProviderKind = "queue_music"
	ProviderQueueVoiceClone      ProviderKind = "queue_voice_clone"
	ProviderPredictionTraining   ProviderKind = "prediction_training"
	ProviderPredictionConversion ProviderKind = "prediction_conversion"
	ProviderSyncMusic            ProviderKind = "sync_music"
)

// JobKind returns the kind of job the provider kind produces, or "" when unknown.
func (p ProviderKind) JobKind() JobKind {
	switch p {
	case ProviderQueueMusic, ProviderSyncMusic:
		return JobKindGeneration
	case ProviderQueueVoiceClone:
		return JobKindClone
	case ProviderPredictionTraining:
		return JobKindTraining
	case ProviderPredictionConversion:
		return JobKindConversion
	}
	return ""
}

// ChainRole places a job in the clone -> train -> convert chain.
type ChainRole string

const (
	ChainRoleRoot       ChainRole = "root"
	ChainRoleVoiceClone ChainRole = "voice_clone"
	ChainRoleVoiceModel ChainRole = "voice_model"
	ChainRoleConversion ChainRole = "conversion"
)

// ChainRoleFor returns the chain role a job of the given kind plays.
func ChainRoleFor(kind JobKind) ChainRole {
	switch kind {
	case JobKindClone:
		return ChainRoleVoiceClone
	case JobKindTraining:
		return ChainRoleVoiceModel
	case JobKindConversion:
		return ChainRoleConversion
	default:
		return ChainRoleRoot
	}
}

// Job is the durable record of one unit of work submitted to an external provider.
// The reconciler is the only writer of status, progress and result fields; callers
// change them only through cancel and delete.
type Job struct {
	ID                      uuid.UUID       `db:"id"                         json:"id"`
	OwnerID                 uuid.UUID       `db:"owner_id"                   json:"owner_id"`
	Kind                    JobKind         `db:"kind"                       json:"kind"`
	ProviderKind            ProviderKind    `db:"provider_kind"              json:"provider_kind"`
	ExternalRef             *string         `db:"external_ref"               json:"external_ref,omitempty"`
	Status                  JobStatus       `db:"status"                     json:"status"`
	Progress                int             `db:"progress"                   json:"progress"`
	ResultLocation          *string         `db:"result_location"            json:"result_location,omitempty"`
	ResultLocationIsDurable bool            `db:"result_location_is_durable" json:"result_location_is_durable"`
	OriginalResultLocation  *string         `db:"original_result_location"   json:"original_result_location,omitempty"`
	Error                   *string         `db:"error"                      json:"error,omitempty"`
	ParentID                *uuid.UUID      `db:"parent_id"                  json:"parent_id,omitempty"`
	ChainRole               ChainRole       `db:"chain_role"                 json:"chain_role"`
	IdempotencyKey          *string         `db:"idempotency_key"            json:"idempotency_key,omitempty"`
	Input                   json.RawMessage `db:"input"                      json:"input,omitempty"`
	DurableKeys             []string        `db:"durable_keys"               json:"-"`
	CreatedAt               time.Time       `db:"created_at"                 json:"created_at"`
	UpdatedAt               time.Time       `db:"updated_at"                 json:"updated_at"`
	CompletedAt             *time.Time      `db:"completed_at"               json:"completed_at,omitempty"`
}

// HasResult reports whether the job finished with a usable artifact location.
func (j *Job) HasResult() bool {
	return j.Status == JobStatusCompleted && j.ResultLocation != nil && *j.ResultLocation != ""
}

// Ref returns the external reference or "" when unset.
func (j *Job) Ref() string {
	if j.ExternalRef == nil {
		return ""
	}
	return *j.ExternalRef
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ExternalRef = copyString(j.ExternalRef)
	c.ResultLocation = copyString(j.ResultLocation)
	c.OriginalResultLocation = copyString(j.OriginalResultLocation)
	c.Error = copyString(j.Error)
	c.IdempotencyKey = copyString(j.IdempotencyKey)
	if j.ParentID != nil {
		id := *j.ParentID
		c.ParentID = &id
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Input != nil {
		c.Input = append(json.RawMessage(nil), j.Input...)
	}
	if j.DurableKeys != nil {
		c.DurableKeys = append([]string(nil), j.DurableKeys...)
	}
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
