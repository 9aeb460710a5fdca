package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/mediaforge/internal/api/middleware"
	"github.com/kiranshivaraju/mediaforge/internal/api/response"
	"github.com/kiranshivaraju/mediaforge/internal/chain"
	"github.com/kiranshivaraju/mediaforge/internal/jobs"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/internal/vault"
)

// writeError maps service errors onto the API error envelope. Anything
// unrecognised is logged and reported as a 500 without internal detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var pre *chain.PreconditionError
	switch {
	case errors.As(err, &pre):
		response.Error(w, http.StatusConflict, "PRECONDITION_FAILED", pre.Message, map[string]string{
			"constraint": pre.Constraint,
		})
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, provider.ErrCredentialMissing):
		response.Error(w, http.StatusBadRequest, "CREDENTIAL_MISSING", "No credential saved for this provider", nil)
	case errors.Is(err, jobs.ErrInvalidInput), errors.Is(err, vault.ErrEmptyCredential):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, provider.ErrProviderRejected):
		response.Error(w, http.StatusUnprocessableEntity, "PROVIDER_REJECTED", err.Error(), nil)
	case errors.Is(err, provider.ErrProviderUnavailable):
		response.Error(w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "The provider is not available", nil)
	case errors.Is(err, jobs.ErrPersistFailed):
		response.Error(w, http.StatusBadGateway, "PERSIST_FAILED", err.Error(), nil)
	case errors.Is(err, jobs.ErrNotRetryable):
		response.Error(w, http.StatusConflict, "NOT_RETRYABLE", err.Error(), nil)
	case errors.Is(err, vault.ErrCredentialCorrupt):
		slog.Error("stored credential could not be decrypted", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "CREDENTIAL_CORRUPT",
			"A stored credential could not be decrypted, save it again", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// owner reads the authenticated owner, writing a 401 when it is absent.
func owner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
	}
	return id, ok
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", param+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
	return false
}
