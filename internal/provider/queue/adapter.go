// Package queue implements adapters for queue-ticket providers: submission returns
// a request id, status is polled, and the result payload is a separate call.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// CredentialName is the owner credential queue adapters authenticate with.
const CredentialName = "fal"

// Adapter talks to one queue application.
type Adapter struct {
	kind    models.ProviderKind
	baseURL string
	app     string
	caps    provider.Capabilities
	client  *http.Client
	build   func(provider.Input) (any, error)
}

// NewMusic creates the music synthesis adapter.
func NewMusic(cfg config.QueueCatalog, timeout time.Duration) *Adapter {
	return &Adapter{
		kind:    models.ProviderQueueMusic,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		app:     strings.Trim(cfg.MusicApp, "/"),
		caps: provider.Capabilities{
			SupportsCancel:         true,
			HasSeparateResultFetch: true,
			SupportsDuration:       true,
		},
		client: &http.Client{Timeout: timeout},
		build:  musicRequest,
	}
}

// NewVoiceClone creates the voice cloning adapter.
func NewVoiceClone(cfg config.QueueCatalog, timeout time.Duration) *Adapter {
	return &Adapter{
		kind:    models.ProviderQueueVoiceClone,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		app:     strings.Trim(cfg.CloneApp, "/"),
		caps: provider.Capabilities{
			SupportsCancel:         true,
			HasSeparateResultFetch: true,
		},
		client: &http.Client{Timeout: timeout},
		build:  cloneRequest,
	}
}

func (a *Adapter) Kind() models.ProviderKind            { return a.kind }
func (a *Adapter) Credential() string                   { return CredentialName }
func (a *Adapter) Capabilities() provider.Capabilities { return a.caps }

func (a *Adapter) Submit(ctx context.Context, apiKey string, in provider.Input) (provider.SubmitResult, error) {
	if apiKey == "" {
		return provider.SubmitResult{}, provider.ErrCredentialMissing
	}
	body, err := a.build(in)
	if err != nil {
		return provider.SubmitResult{}, err
	}

	var resp submitResponse
	err = provider.SendJSON(ctx, a.client, provider.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/%s", a.baseURL, a.app),
		Header: authHeader(apiKey),
		Body:   body,
	}, &resp)
	if err != nil {
		return provider.SubmitResult{}, err
	}
	if resp.RequestID == "" {
		return provider.SubmitResult{}, fmt.Errorf("%w: submit response missing request_id", provider.ErrProviderUnavailable)
	}
	return provider.SubmitResult{ExternalRef: resp.RequestID}, nil
}

func (a *Adapter) CheckStatus(ctx context.Context, apiKey, ref string) (provider.Status, error) {
	if apiKey == "" {
		return provider.Status{}, provider.ErrCredentialMissing
	}
	var resp statusResponse
	err := provider.SendJSON(ctx, a.client, provider.Request{
		Method: http.MethodGet,
		URL:    a.requestURL(ref) + "/status",
		Header: authHeader(apiKey),
	}, &resp)
	if err != nil {
		return provider.Status{}, err
	}

	switch resp.Status {
	case "IN_QUEUE":
		return provider.Status{Phase: provider.PhaseQueued}, nil
	case "IN_PROGRESS":
		return provider.Status{Phase: provider.PhaseProcessing}, nil
	case "COMPLETED":
		if resp.Error != "" {
			return provider.Status{Phase: provider.PhaseFailed, Error: resp.Error}, nil
		}
		return provider.Status{Phase: provider.PhaseCompleted}, nil
	default:
		return provider.Status{}, fmt.Errorf("%w: unexpected queue status %q", provider.ErrProviderUnavailable, resp.Status)
	}
}

// FetchResult retrieves the result payload. A payload without an audio location
// is an error so the job stays in progress.
func (a *Adapter) FetchResult(ctx context.Context, apiKey, ref string) (provider.Status, error) {
	if apiKey == "" {
		return provider.Status{}, provider.ErrCredentialMissing
	}
	var resp resultResponse
	err := provider.SendJSON(ctx, a.client, provider.Request{
		Method: http.MethodGet,
		URL:    a.requestURL(ref),
		Header: authHeader(apiKey),
	}, &resp)
	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnprocessableEntity {
		// The request ran and the application reported a failure.
		return provider.Status{Phase: provider.PhaseFailed, Error: httpErr.Detail}, nil
	}
	if err != nil {
		return provider.Status{}, err
	}

	if u := resp.location(); u != "" {
		return provider.Status{Phase: provider.PhaseCompleted, ResultURL: u, ContentType: resp.contentType()}, nil
	}
	return provider.Status{}, fmt.Errorf("%w: result payload has no audio url", provider.ErrProviderUnavailable)
}

func (a *Adapter) Cancel(ctx context.Context, apiKey, ref string) error {
	if apiKey == "" {
		return provider.ErrCredentialMissing
	}
	err := provider.SendJSON(ctx, a.client, provider.Request{
		Method: http.MethodPut,
		URL:    a.requestURL(ref) + "/cancel",
		Header: authHeader(apiKey),
	}, nil)
	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusBadRequest {
		// Already completed; nothing to cancel.
		return nil
	}
	return err
}

func (a *Adapter) requestURL(ref string) string {
	return fmt.Sprintf("%s/%s/requests/%s", a.baseURL, a.app, url.PathEscape(ref))
}

func authHeader(apiKey string) http.Header {
	return http.Header{"Authorization": {"Key " + apiKey}}
}

func musicRequest(in provider.Input) (any, error) {
	g := in.Generation
	if g == nil {
		return nil, fmt.Errorf("%w: generation input required", provider.ErrProviderRejected)
	}
	if strings.TrimSpace(g.Prompt) == "" && strings.TrimSpace(g.Style) == "" {
		return nil, fmt.Errorf("%w: prompt or style required", provider.ErrProviderRejected)
	}
	prompt := strings.TrimSpace(strings.Join([]string{g.Style, g.Prompt}, ". "))
	prompt = strings.Trim(prompt, ". ")
	req := musicBody{Prompt: prompt}
	if !g.Instrumental {
		req.LyricsPrompt = g.Lyrics
	}
	if g.DurationSeconds > 0 {
		req.Duration = g.DurationSeconds
	}
	return req, nil
}

func cloneRequest(in provider.Input) (any, error) {
	c := in.Clone
	if c == nil {
		return nil, fmt.Errorf("%w: clone input required", provider.ErrProviderRejected)
	}
	if c.SampleURL == "" {
		return nil, fmt.Errorf("%w: sample_url required", provider.ErrProviderRejected)
	}
	return cloneBody{AudioURL: c.SampleURL, Name: c.Name, Language: c.Language}, nil
}

// --- queue wire types ---

type musicBody struct {
	Prompt       string `json:"prompt"`
	LyricsPrompt string `json:"lyrics_prompt,omitempty"`
	Duration     int    `json:"duration,omitempty"`
}

type cloneBody struct {
	AudioURL string `json:"audio_url"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type statusResponse struct {
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"`
	Error         string `json:"error"`
}

type file struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

type resultResponse struct {
	Audio     *file `json:"audio"`
	AudioFile *file `json:"audio_file"`
}

func (r resultResponse) location() string {
	if r.Audio != nil && r.Audio.URL != "" {
		return r.Audio.URL
	}
	if r.AudioFile != nil && r.AudioFile.URL != "" {
		return r.AudioFile.URL
	}
	return ""
}

func (r resultResponse) contentType() string {
	if r.Audio != nil && r.Audio.ContentType != "" {
		return r.Audio.ContentType
	}
	if r.AudioFile != nil && r.AudioFile.ContentType != "" {
		return r.AudioFile.ContentType
	}
	return ""
}

// Compile-time check that Adapter implements provider.Adapter.
var _ provider.Adapter = (*Adapter)(nil)
