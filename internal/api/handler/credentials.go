package handler

import (
	"context"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/api/response"
	"github.com/kiranshivaraju/mediaforge/internal/vault"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// CredentialService stores provider keys and storage settings through the vault.
type CredentialService interface {
	SaveCredential(ctx context.Context, ownerID uuid.UUID, provider, plaintext string) (*models.ProviderCredential, error)
	DeleteCredential(ctx context.Context, ownerID uuid.UUID, provider string) error
	ListCredentials(ctx context.Context, ownerID uuid.UUID) ([]*models.ProviderCredential, error)
	SaveStorageSettings(ctx context.Context, ownerID uuid.UUID, s *models.StorageSettings) error
	DeleteStorageSettings(ctx context.Context, ownerID uuid.UUID) error
}

var _ CredentialService = (*vault.Resolver)(nil)

// Credentials serves /api/v1/credentials and /api/v1/storage. Secrets are
// write-only: responses carry fingerprints and non-secret settings only.
type Credentials struct {
	svc       CredentialService
	providers []string
}

// NewCredentials accepts credentials only for the named providers.
func NewCredentials(svc CredentialService, providers []string) *Credentials {
	return &Credentials{svc: svc, providers: providers}
}

// List handles GET /api/v1/credentials.
func (h *Credentials) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	creds, err := h.svc.ListCredentials(r.Context(), ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, creds)
}

// Put handles PUT /api/v1/credentials/{provider}.
func (h *Credentials) Put(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	name, ok := h.provider(w, r)
	if !ok {
		return
	}
	var req struct {
		APIKey string `json:"api_key"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}

	cred, err := h.svc.SaveCredential(r.Context(), ownerID, name, req.APIKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, cred)
}

// Delete handles DELETE /api/v1/credentials/{provider}.
func (h *Credentials) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	name, ok := h.provider(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteCredential(r.Context(), ownerID, name); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

func (h *Credentials) provider(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "provider")
	if !slices.Contains(h.providers, name) {
		response.Error(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "Unknown provider "+name, map[string][]string{
			"providers": h.providers,
		})
		return "", false
	}
	return name, true
}

type storageView struct {
	Backend      string `json:"backend"`
	Bucket       string `json:"bucket,omitempty"`
	Region       string `json:"region,omitempty"`
	Distribution string `json:"distribution,omitempty"`
	Prefix       string `json:"prefix,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	AccessKey    string `json:"access_key_fingerprint,omitempty"`
}

// PutStorage handles PUT /api/v1/storage.
func (h *Credentials) PutStorage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	var s models.StorageSettings
	if !decodeBody(w, r, &s, false) {
		return
	}
	if err := s.Validate(); err != nil {
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	if err := h.svc.SaveStorageSettings(r.Context(), ownerID, &s); err != nil {
		writeError(w, r, err)
		return
	}

	view := storageView{
		Backend:      s.Backend,
		Bucket:       s.Bucket,
		Region:       s.Region,
		Distribution: s.Distribution,
		Prefix:       s.Prefix,
		Endpoint:     s.Endpoint,
	}
	if s.AccessKeyID != "" {
		view.AccessKey = vault.Fingerprint(s.AccessKeyID)
	}
	response.JSON(w, view)
}

// DeleteStorage handles DELETE /api/v1/storage.
func (h *Credentials) DeleteStorage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteStorageSettings(r.Context(), ownerID); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}
