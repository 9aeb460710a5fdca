// Package mock provides scripted provider adapters. They run the whole job
// lifecycle without network access, for local development and tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// Adapter satisfies provider.Adapter. Any Func field left nil falls back to a
// scripted default: a job is queued on the first poll, half done on the second
// and completed on the third.
type Adapter struct {
	KindValue       models.ProviderKind
	CredentialValue string
	Caps            provider.Capabilities

	SubmitFunc      func(ctx context.Context, apiKey string, in provider.Input) (provider.SubmitResult, error)
	CheckStatusFunc func(ctx context.Context, apiKey, ref string) (provider.Status, error)
	FetchResultFunc func(ctx context.Context, apiKey, ref string) (provider.Status, error)
	CancelFunc      func(ctx context.Context, apiKey, ref string) error

	mu    sync.Mutex
	polls map[string]int
	calls map[string]int
}

// NewQueueAdapter returns a mock with queue-protocol capabilities.
func NewQueueAdapter(kind models.ProviderKind) *Adapter {
	return &Adapter{
		KindValue:       kind,
		CredentialValue: "fal",
		Caps: provider.Capabilities{
			SupportsCancel:         true,
			HasSeparateResultFetch: true,
			SupportsDuration:       kind == models.ProviderQueueMusic,
		},
	}
}

// NewPredictionAdapter returns a mock with prediction-protocol capabilities.
func NewPredictionAdapter(kind models.ProviderKind) *Adapter {
	return &Adapter{
		KindValue:       kind,
		CredentialValue: "replicate",
		Caps:            provider.Capabilities{SupportsCancel: true, SupportsProgress: true},
	}
}

// NewSyncAdapter returns a mock synchronous adapter.
func NewSyncAdapter(kind models.ProviderKind) *Adapter {
	return &Adapter{
		KindValue:       kind,
		CredentialValue: "elevenlabs",
		Caps:            provider.Capabilities{IsSynchronous: true, SupportsDuration: true},
	}
}

// NewRegistry returns a registry with a mock for every provider kind.
func NewRegistry() *provider.Registry {
	return provider.NewRegistry(
		NewQueueAdapter(models.ProviderQueueMusic),
		NewQueueAdapter(models.ProviderQueueVoiceClone),
		NewPredictionAdapter(models.ProviderPredictionTraining),
		NewPredictionAdapter(models.ProviderPredictionConversion),
		NewSyncAdapter(models.ProviderSyncMusic),
	)
}

func (a *Adapter) Kind() models.ProviderKind            { return a.KindValue }
func (a *Adapter) Credential() string                   { return a.CredentialValue }
func (a *Adapter) Capabilities() provider.Capabilities { return a.Caps }

// Calls returns how many times method was invoked.
func (a *Adapter) Calls(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

func (a *Adapter) record(method string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = make(map[string]int)
	}
	a.calls[method]++
}

func (a *Adapter) Submit(ctx context.Context, apiKey string, in provider.Input) (provider.SubmitResult, error) {
	a.record("Submit")
	if a.SubmitFunc != nil {
		return a.SubmitFunc(ctx, apiKey, in)
	}
	if apiKey == "" {
		return provider.SubmitResult{}, provider.ErrCredentialMissing
	}
	if a.Caps.IsSynchronous {
		return provider.SubmitResult{Terminal: &provider.Status{
			Phase:       provider.PhaseCompleted,
			Bytes:       []byte("ID3mock-audio"),
			ContentType: "audio/mpeg",
			Progress:    provider.IntPtr(100),
		}}, nil
	}
	return provider.SubmitResult{ExternalRef: "mock-" + uuid.NewString()}, nil
}

func (a *Adapter) CheckStatus(ctx context.Context, apiKey, ref string) (provider.Status, error) {
	a.record("CheckStatus")
	if a.CheckStatusFunc != nil {
		return a.CheckStatusFunc(ctx, apiKey, ref)
	}
	if a.Caps.IsSynchronous {
		return provider.Status{}, provider.ErrNotSupported
	}

	a.mu.Lock()
	if a.polls == nil {
		a.polls = make(map[string]int)
	}
	a.polls[ref]++
	n := a.polls[ref]
	a.mu.Unlock()

	switch {
	case n <= 1:
		return provider.Status{Phase: provider.PhaseQueued, Progress: provider.IntPtr(0)}, nil
	case n == 2:
		return provider.Status{Phase: provider.PhaseProcessing, Progress: provider.IntPtr(50)}, nil
	default:
		st := provider.Status{Phase: provider.PhaseCompleted, Progress: provider.IntPtr(100)}
		if !a.Caps.HasSeparateResultFetch {
			st.ResultURL = ResultURL(ref)
		}
		return st, nil
	}
}

func (a *Adapter) FetchResult(ctx context.Context, apiKey, ref string) (provider.Status, error) {
	a.record("FetchResult")
	if a.FetchResultFunc != nil {
		return a.FetchResultFunc(ctx, apiKey, ref)
	}
	return provider.Status{Phase: provider.PhaseCompleted, ResultURL: ResultURL(ref), ContentType: "audio/mpeg"}, nil
}

func (a *Adapter) Cancel(ctx context.Context, apiKey, ref string) error {
	a.record("Cancel")
	if a.CancelFunc != nil {
		return a.CancelFunc(ctx, apiKey, ref)
	}
	return nil
}

// ResultURL is the ephemeral result location the scripted default reports for ref.
func ResultURL(ref string) string {
	return fmt.Sprintf("https://mock.provider.invalid/results/%s.mp3", ref)
}

// Compile-time check that Adapter implements provider.Adapter.
var _ provider.Adapter = (*Adapter)(nil)
