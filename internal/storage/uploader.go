package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// ErrTooLarge is returned when a source exceeds the configured object size cap.
var ErrTooLarge = errors.New("object exceeds size limit")

// Source is either a provider-hosted URL or inline bytes.
type Source struct {
	URL   string
	Bytes []byte
}

// PersistResult reports the outcome of a durable copy. When Durable is false, URL
// is the source URL and Err explains why the copy was skipped or failed.
type PersistResult struct {
	Durable bool
	URL     string
	Key     string
	Err     error
}

// Opener builds the object store for an owner's settings.
type Opener func(settings *models.StorageSettings) (ObjectStore, error)

// Uploader copies provider results into durable storage. It never fails a job:
// every problem is reported through PersistResult.
type Uploader struct {
	client   *http.Client
	open     Opener
	maxBytes int64
	timeout  time.Duration
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithOpener overrides how object stores are built from settings.
func WithOpener(o Opener) Option {
	return func(u *Uploader) { u.open = o }
}

// WithHTTPClient overrides the client used to download source URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Uploader) { u.client = c }
}

// NewUploader creates an Uploader from storage config.
func NewUploader(cfg config.StorageConfig, opts ...Option) *Uploader {
	u := &Uploader{
		client:   &http.Client{},
		maxBytes: cfg.MaxObjectBytes,
		timeout:  cfg.UploadTimeout,
	}
	local := LocalFS{Root: cfg.LocalRoot, BaseURL: cfg.LocalBaseURL}
	u.open = func(s *models.StorageSettings) (ObjectStore, error) {
		return OpenStore(s, local)
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// OpenStore returns the backend the settings select. Local settings use the
// server-wide local root.
func OpenStore(s *models.StorageSettings, local LocalFS) (ObjectStore, error) {
	switch s.Backend {
	case models.StorageBackendS3:
		if s.Endpoint != "" {
			return NewS3Store(s, WithEndpoint(s.Endpoint)), nil
		}
		return NewS3Store(s), nil
	case models.StorageBackendLocal:
		return local, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}

// Persist copies src into durable storage under targetName (prefixed with the
// settings prefix). With nil settings it is a no-op that keeps the source URL.
func (u *Uploader) Persist(ctx context.Context, src Source, targetName, contentType string, settings *models.StorageSettings) PersistResult {
	fallback := PersistResult{URL: src.URL}
	if settings == nil {
		return fallback
	}

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	fail := func(err error) PersistResult {
		slog.Warn("durable copy failed", "target", targetName, "backend", settings.Backend, "error", err)
		fallback.Err = err
		return fallback
	}

	data := src.Bytes
	if data == nil {
		if src.URL == "" {
			return fail(errors.New("source has neither url nor bytes"))
		}
		var ct string
		var err error
		data, ct, err = u.download(ctx, src.URL)
		if err != nil {
			return fail(err)
		}
		if contentType == "" {
			contentType = ct
		}
	}
	if int64(len(data)) > u.maxBytes {
		return fail(ErrTooLarge)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	store, err := u.open(settings)
	if err != nil {
		return fail(err)
	}
	key := path.Join(settings.Prefix, targetName)
	publicURL, err := store.Put(ctx, key, data, contentType)
	if err != nil {
		return fail(err)
	}
	return PersistResult{Durable: true, URL: publicURL, Key: key}
}

// Remove deletes a durable object. Failures are logged and swallowed so they
// never block deletion of the owning record.
func (u *Uploader) Remove(ctx context.Context, settings *models.StorageSettings, key string) {
	if settings == nil || key == "" {
		return
	}
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	store, err := u.open(settings)
	if err == nil {
		err = store.Delete(ctx, key)
	}
	if err != nil {
		slog.Warn("durable object cleanup failed", "key", key, "backend", settings.Backend, "error", err)
	}
}

func (u *Uploader) download(ctx context.Context, src string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building download request: %w", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("downloading source: status %d", resp.StatusCode)
	}
	if resp.ContentLength > u.maxBytes {
		return nil, "", ErrTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, u.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading source: %w", err)
	}
	if int64(len(data)) > u.maxBytes {
		return nil, "", ErrTooLarge
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// ObjectName builds the owner-scoped target name for a job's artifact:
// {owner}/{kind}/{jobID}{ext}.
func ObjectName(ownerID uuid.UUID, kind models.JobKind, jobID uuid.UUID, ext string) string {
	return fmt.Sprintf("%s/%s/%s%s", ownerID, kind, jobID, ext)
}

var extByType = map[string]string{
	"audio/mpeg":      ".mp3",
	"audio/mp3":       ".mp3",
	"audio/wav":       ".wav",
	"audio/x-wav":     ".wav",
	"audio/wave":      ".wav",
	"audio/flac":      ".flac",
	"audio/ogg":       ".ogg",
	"audio/aac":       ".aac",
	"audio/mp4":       ".m4a",
	"application/zip": ".zip",
}

// Extension picks a file extension from the content type, falling back to the
// source URL's path and finally to ".bin".
func Extension(contentType, sourceURL string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := extByType[mt]; ok {
			return ext
		}
	}
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 6 {
			return ext
		}
	}
	return ".bin"
}
