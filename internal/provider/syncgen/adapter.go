// Package syncgen implements the blocking music generation provider. Submission
// returns the finished audio, so there is nothing to poll.
package syncgen

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// CredentialName is the owner credential this adapter authenticates with.
const CredentialName = "elevenlabs"

const defaultContentType = "audio/mpeg"

// Adapter generates music synchronously.
type Adapter struct {
	baseURL  string
	client   *http.Client
	maxBytes int64
}

// New creates the adapter. timeout bounds a whole generation; maxBytes caps the
// response body.
func New(cfg config.SyncCatalog, timeout time.Duration, maxBytes int64) *Adapter {
	return &Adapter{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (a *Adapter) Kind() models.ProviderKind { return models.ProviderSyncMusic }
func (a *Adapter) Credential() string        { return CredentialName }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{IsSynchronous: true, SupportsDuration: true}
}

func (a *Adapter) Submit(ctx context.Context, apiKey string, in provider.Input) (provider.SubmitResult, error) {
	if apiKey == "" {
		return provider.SubmitResult{}, provider.ErrCredentialMissing
	}
	g := in.Generation
	if g == nil {
		return provider.SubmitResult{}, fmt.Errorf("%w: generation input required", provider.ErrProviderRejected)
	}
	prompt := strings.TrimSpace(strings.Join(nonEmpty(g.Style, g.Prompt), ". "))
	if prompt == "" {
		return provider.SubmitResult{}, fmt.Errorf("%w: prompt or style required", provider.ErrProviderRejected)
	}
	if !g.Instrumental && g.Lyrics != "" {
		prompt += "\nLyrics:\n" + g.Lyrics
	}
	body := musicBody{Prompt: prompt, ForceInstrumental: g.Instrumental}
	if g.DurationSeconds > 0 {
		body.MusicLengthMS = g.DurationSeconds * 1000
	}

	resp, err := provider.Send(ctx, a.client, provider.Request{
		Method: http.MethodPost,
		URL:    a.baseURL + "/v1/music",
		Header: http.Header{"xi-api-key": {apiKey}, "Accept": {"audio/*"}},
		Body:   body,
	})
	if err != nil {
		return provider.SubmitResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes+1))
	if err != nil {
		return provider.SubmitResult{}, provider.ClassifyError(err)
	}
	if int64(len(data)) > a.maxBytes {
		return provider.SubmitResult{}, fmt.Errorf("%w: generated audio exceeds %d bytes", provider.ErrProviderRejected, a.maxBytes)
	}
	if len(data) == 0 {
		return provider.SubmitResult{}, fmt.Errorf("%w: empty audio response", provider.ErrProviderUnavailable)
	}

	return provider.SubmitResult{Terminal: &provider.Status{
		Phase:       provider.PhaseCompleted,
		Bytes:       data,
		ContentType: contentType(resp.Header.Get("Content-Type")),
		Progress:    provider.IntPtr(100),
	}}, nil
}

func (a *Adapter) CheckStatus(_ context.Context, _, _ string) (provider.Status, error) {
	return provider.Status{}, fmt.Errorf("%w: synchronous provider has no status", provider.ErrNotSupported)
}

func (a *Adapter) FetchResult(_ context.Context, _, _ string) (provider.Status, error) {
	return provider.Status{}, fmt.Errorf("%w: synchronous provider has no result fetch", provider.ErrNotSupported)
}

// Cancel is a no-op; a synchronous generation cannot be cancelled once returned.
func (a *Adapter) Cancel(_ context.Context, _, _ string) error { return nil }

func contentType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil || !strings.HasPrefix(mt, "audio/") {
		return defaultContentType
	}
	return mt
}

func nonEmpty(vals ...string) []string {
	var out []string
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type musicBody struct {
	Prompt            string `json:"prompt"`
	MusicLengthMS     int    `json:"music_length_ms,omitempty"`
	ForceInstrumental bool   `json:"force_instrumental,omitempty"`
}

// Compile-time check that Adapter implements provider.Adapter.
var _ provider.Adapter = (*Adapter)(nil)
