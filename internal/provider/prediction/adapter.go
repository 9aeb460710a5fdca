// Package prediction implements adapters for prediction-style providers, where a
// single status read returns both the phase and, on success, the output.
package prediction

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// CredentialName is the owner credential prediction adapters authenticate with.
const CredentialName = "replicate"

var caps = provider.Capabilities{
	SupportsCancel:   true,
	SupportsProgress: true,
}

// Adapter talks to one model version.
type Adapter struct {
	kind    models.ProviderKind
	baseURL string
	version string
	client  *http.Client
	build   func(provider.Input) (map[string]any, error)
}

// NewTraining creates the voice-model training adapter.
func NewTraining(cfg config.PredictionCatalog, timeout time.Duration) *Adapter {
	return &Adapter{
		kind:    models.ProviderPredictionTraining,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		version: cfg.TrainingVersion,
		client:  &http.Client{Timeout: timeout},
		build:   trainingInput,
	}
}

// NewConversion creates the voice conversion adapter.
func NewConversion(cfg config.PredictionCatalog, timeout time.Duration) *Adapter {
	return &Adapter{
		kind:    models.ProviderPredictionConversion,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		version: cfg.ConversionVersion,
		client:  &http.Client{Timeout: timeout},
		build:   conversionInput,
	}
}

func (a *Adapter) Kind() models.ProviderKind            { return a.kind }
func (a *Adapter) Credential() string                   { return CredentialName }
func (a *Adapter) Capabilities() provider.Capabilities { return caps }

func (a *Adapter) Submit(ctx context.Context, apiKey string, in provider.Input) (provider.SubmitResult, error) {
	if apiKey == "" {
		return provider.SubmitResult{}, provider.ErrCredentialMissing
	}
	input, err := a.build(in)
	if err != nil {
		return provider.SubmitResult{}, err
	}

	var resp predictionResponse
	err = provider.SendJSON(ctx, a.client, provider.Request{
		Method: http.MethodPost,
		URL:    a.baseURL + "/v1/predictions",
		Header: authHeader(apiKey),
		Body:   map[string]any{"version": a.version, "input": input},
	}, &resp)
	if err != nil {
		return provider.SubmitResult{}, err
	}
	if resp.ID == "" {
		return provider.SubmitResult{}, fmt.Errorf("%w: prediction response missing id", provider.ErrProviderUnavailable)
	}
	return provider.SubmitResult{ExternalRef: resp.ID}, nil
}

func (a *Adapter) CheckStatus(ctx context.Context, apiKey, ref string) (provider.Status, error) {
	if apiKey == "" {
		return provider.Status{}, provider.ErrCredentialMissing
	}
	var resp predictionResponse
	err := provider.SendJSON(ctx, a.client, provider.Request{
		Method: http.MethodGet,
		URL:    a.predictionURL(ref),
		Header: authHeader(apiKey),
	}, &resp)
	if err != nil {
		return provider.Status{}, err
	}
	return resp.status()
}

// FetchResult re-reads the prediction; the status read already carries the output.
func (a *Adapter) FetchResult(ctx context.Context, apiKey, ref string) (provider.Status, error) {
	return a.CheckStatus(ctx, apiKey, ref)
}

func (a *Adapter) Cancel(ctx context.Context, apiKey, ref string) error {
	if apiKey == "" {
		return provider.ErrCredentialMissing
	}
	return provider.SendJSON(ctx, a.client, provider.Request{
		Method: http.MethodPost,
		URL:    a.predictionURL(ref) + "/cancel",
		Header: authHeader(apiKey),
	}, nil)
}

func (a *Adapter) predictionURL(ref string) string {
	return fmt.Sprintf("%s/v1/predictions/%s", a.baseURL, url.PathEscape(ref))
}

func authHeader(apiKey string) http.Header {
	return http.Header{"Authorization": {"Bearer " + apiKey}}
}

func trainingInput(in provider.Input) (map[string]any, error) {
	t := in.Training
	if t == nil {
		return nil, fmt.Errorf("%w: training input required", provider.ErrProviderRejected)
	}
	if t.DatasetURL == "" {
		return nil, fmt.Errorf("%w: dataset_url required", provider.ErrProviderRejected)
	}
	m := map[string]any{"dataset_zip": t.DatasetURL}
	if t.Epochs > 0 {
		m["epoch"] = t.Epochs
	}
	return m, nil
}

func conversionInput(in provider.Input) (map[string]any, error) {
	c := in.Conversion
	if c == nil {
		return nil, fmt.Errorf("%w: conversion input required", provider.ErrProviderRejected)
	}
	if c.ModelURL == "" || c.SourceAudioURL == "" {
		return nil, fmt.Errorf("%w: model_url and source_audio_url required", provider.ErrProviderRejected)
	}
	if c.PitchShift < models.MinPitchShift || c.PitchShift > models.MaxPitchShift {
		return nil, fmt.Errorf("%w: pitch_shift must be between %d and %d", provider.ErrProviderRejected, models.MinPitchShift, models.MaxPitchShift)
	}
	return map[string]any{
		"song_input":                    c.SourceAudioURL,
		"rvc_model":                     "CUSTOM",
		"custom_rvc_model_download_url": c.ModelURL,
		"pitch_change":                  c.PitchShift,
	}, nil
}

// --- prediction wire types ---

type predictionResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
	Logs   string          `json:"logs"`
}

func (r predictionResponse) status() (provider.Status, error) {
	switch r.Status {
	case "starting":
		return provider.Status{Phase: provider.PhaseQueued, Progress: provider.IntPtr(0)}, nil
	case "processing":
		return provider.Status{Phase: provider.PhaseProcessing, Progress: ParseProgress(r.Logs)}, nil
	case "succeeded":
		u := outputURL(r.Output)
		if u == "" {
			return provider.Status{}, fmt.Errorf("%w: prediction succeeded without output", provider.ErrProviderUnavailable)
		}
		return provider.Status{Phase: provider.PhaseCompleted, ResultURL: u, Progress: provider.IntPtr(100)}, nil
	case "failed":
		return provider.Status{Phase: provider.PhaseFailed, Error: errorText(r.Error)}, nil
	case "canceled":
		return provider.Status{Phase: provider.PhaseFailed, Error: "cancelled"}, nil
	default:
		return provider.Status{}, fmt.Errorf("%w: unexpected prediction status %q", provider.ErrProviderUnavailable, r.Status)
	}
}

var percentRe = regexp.MustCompile(`(\d{1,3})%`)

// ParseProgress returns the last percentage printed in logs, or nil if none.
func ParseProgress(logs string) *int {
	m := percentRe.FindAllStringSubmatch(logs, -1)
	if len(m) == 0 {
		return nil
	}
	p, err := strconv.Atoi(m[len(m)-1][1])
	if err != nil || p > 100 {
		return nil
	}
	return &p
}

// outputURL accepts a bare string, a list of strings or an object of strings.
func outputURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		for _, v := range list {
			if v != "" {
				return v
			}
		}
		return ""
	}
	var obj map[string]any
	if json.Unmarshal(raw, &obj) == nil {
		for _, key := range []string{"weights", "model", "audio", "url"} {
			if v, ok := obj[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return ""
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// Compile-time check that Adapter implements provider.Adapter.
var _ provider.Adapter = (*Adapter)(nil)
