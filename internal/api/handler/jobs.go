package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/api/response"
	"github.com/kiranshivaraju/mediaforge/internal/jobs"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// JobService defines the job operations the handlers depend on.
type JobService interface {
	SubmitJob(ctx context.Context, ownerID uuid.UUID, req jobs.SubmitRequest) (*models.Job, error)
	GetJobStatus(ctx context.Context, ownerID, jobID uuid.UUID, refresh bool) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	CancelJob(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error)
	DeleteJob(ctx context.Context, ownerID, jobID uuid.UUID) error
	RetryDurableCopy(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error)
	StartTraining(ctx context.Context, ownerID, cloneID uuid.UUID, req jobs.TrainingRequest) (*models.Job, error)
	StartConversion(ctx context.Context, ownerID, modelID uuid.UUID, req jobs.ConversionRequest) (*models.Job, error)
}

var _ JobService = (*jobs.Service)(nil)

// Jobs serves the /api/v1/jobs, clone training and model conversion routes.
type Jobs struct {
	svc JobService
}

func NewJobs(svc JobService) *Jobs {
	return &Jobs{svc: svc}
}

type submitJobRequest struct {
	Kind           models.JobKind          `json:"kind"`
	Provider       models.ProviderKind     `json:"provider"`
	IdempotencyKey string                  `json:"idempotency_key"`
	Generation     *models.GenerationInput `json:"generation"`
	Clone          *models.CloneInput      `json:"clone"`
}

// Submit handles POST /api/v1/jobs. The Idempotency-Key header is accepted
// in place of the body field.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	var req submitJobRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	job, err := h.svc.SubmitJob(r.Context(), ownerID, jobs.SubmitRequest{
		Kind:           req.Kind,
		Provider:       req.Provider,
		IdempotencyKey: req.IdempotencyKey,
		Generation:     req.Generation,
		Clone:          req.Clone,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJob(w, job)
}

// List handles GET /api/v1/jobs?kind=&status=&limit=.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := store.JobFilter{
		OwnerID: ownerID,
		Kind:    models.JobKind(q.Get("kind")),
		Status:  models.JobStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		filter.Limit = n
	}
	filter.Limit = store.NormalizeLimit(filter.Limit)

	list, err := h.svc.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.List(w, list, response.ListMeta{Count: len(list), Limit: filter.Limit})
}

// Get handles GET /api/v1/jobs/{jobID}. refresh=true polls the provider
// once before answering.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	jobID, ok := pathID(w, r, "jobID")
	if !ok {
		return
	}
	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "refresh must be a boolean", nil)
			return
		}
		refresh = b
	}

	job, err := h.svc.GetJobStatus(r.Context(), ownerID, jobID, refresh)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, job)
}

// Cancel handles POST /api/v1/jobs/{jobID}/cancel.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.svc.CancelJob)
}

// Persist handles POST /api/v1/jobs/{jobID}/persist.
func (h *Jobs) Persist(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.svc.RetryDurableCopy)
}

func (h *Jobs) jobAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, uuid.UUID) (*models.Job, error)) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	jobID, ok := pathID(w, r, "jobID")
	if !ok {
		return
	}
	job, err := fn(r.Context(), ownerID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, job)
}

// Delete handles DELETE /api/v1/jobs/{jobID}.
func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	jobID, ok := pathID(w, r, "jobID")
	if !ok {
		return
	}
	if err := h.svc.DeleteJob(r.Context(), ownerID, jobID); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

type trainingRequest struct {
	ModelName string `json:"model_name"`
	Epochs    int    `json:"epochs"`
}

// StartTraining handles POST /api/v1/clones/{cloneID}/training. The body is
// optional.
func (h *Jobs) StartTraining(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	cloneID, ok := pathID(w, r, "cloneID")
	if !ok {
		return
	}
	var req trainingRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	job, err := h.svc.StartTraining(r.Context(), ownerID, cloneID, jobs.TrainingRequest{
		ModelName: req.ModelName,
		Epochs:    req.Epochs,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJob(w, job)
}

type conversionRequest struct {
	SourceJobID    *uuid.UUID `json:"source_job_id"`
	SourceAudioURL string     `json:"source_audio_url"`
	PitchShift     int        `json:"pitch_shift"`
}

// StartConversion handles POST /api/v1/models/{modelID}/conversions.
func (h *Jobs) StartConversion(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	modelID, ok := pathID(w, r, "modelID")
	if !ok {
		return
	}
	var req conversionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	job, err := h.svc.StartConversion(r.Context(), ownerID, modelID, jobs.ConversionRequest{
		SourceJobID:    req.SourceJobID,
		SourceAudioURL: req.SourceAudioURL,
		PitchShift:     req.PitchShift,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJob(w, job)
}

// writeJob answers 202 while the provider is still working and 201 when a
// synchronous provider already finished.
func writeJob(w http.ResponseWriter, job *models.Job) {
	if job.Status.IsTerminal() {
		response.Created(w, job)
		return
	}
	response.Accepted(w, job)
}
