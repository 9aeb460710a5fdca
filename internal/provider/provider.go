// Package provider defines the contract every external media provider adapter
// implements, and the registry the engine resolves adapters from.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// Sentinel errors for provider failures.
var (
	ErrCredentialMissing   = errors.New("provider credential missing")
	ErrProviderRejected    = errors.New("provider rejected request")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrNotSupported        = errors.New("operation not supported by provider")
	ErrUnknownProvider     = errors.New("unknown provider kind")
)

// Phase is a provider-neutral view of remote job state.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// JobStatus maps a provider phase onto the domain status enum.
func (p Phase) JobStatus() models.JobStatus {
	switch p {
	case PhaseCompleted:
		return models.JobStatusCompleted
	case PhaseFailed:
		return models.JobStatusFailed
	default:
		return models.JobStatusProcessing
	}
}

// Capabilities are optional behaviours an adapter declares. The engine checks
// them before relying on any of these behaviours.
type Capabilities struct {
	SupportsCancel         bool
	HasSeparateResultFetch bool
	IsSynchronous          bool
	SupportsProgress       bool
	SupportsDuration       bool
}

// Status is one observation of a remote job.
type Status struct {
	Phase       Phase
	ResultURL   string
	Bytes       []byte
	ContentType string
	// Progress is nil when the provider does not report it.
	Progress *int
	Error    string
}

// Input carries exactly one typed input, matching the adapter's job kind.
type Input struct {
	Generation *models.GenerationInput
	Clone      *models.CloneInput
	Training   *models.TrainingInput
	Conversion *models.ConversionInput
}

// SubmitResult is returned by Submit. Terminal is set only by synchronous
// adapters, whose submission already carries the final outcome.
type SubmitResult struct {
	ExternalRef string
	Terminal    *Status
}

// Adapter normalizes one external provider capability.
type Adapter interface {
	Kind() models.ProviderKind
	// Credential names the per-owner secret this adapter authenticates with.
	Credential() string
	Capabilities() Capabilities
	Submit(ctx context.Context, apiKey string, in Input) (SubmitResult, error)
	// CheckStatus is a pure read and safe to repeat.
	CheckStatus(ctx context.Context, apiKey, ref string) (Status, error)
	// FetchResult retrieves the result payload of a completed job. Only called when
	// HasSeparateResultFetch is set.
	FetchResult(ctx context.Context, apiKey, ref string) (Status, error)
	// Cancel is best effort. Adapters that cannot cancel return nil.
	Cancel(ctx context.Context, apiKey, ref string) error
}

// Registry resolves adapters by provider kind. It is built once at startup and
// read-only afterwards.
type Registry struct {
	adapters map[models.ProviderKind]Adapter
}

// NewRegistry creates a registry. Later adapters replace earlier ones of the same kind.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.ProviderKind]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind models.ProviderKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	return a, nil
}

// Kinds returns the registered provider kinds in sorted order.
func (r *Registry) Kinds() []models.ProviderKind {
	out := make([]models.ProviderKind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Credentials returns the distinct credential names adapters authenticate with.
func (r *Registry) Credentials() []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range r.adapters {
		if c := a.Credential(); !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// IntPtr is a convenience for building Status.Progress.
func IntPtr(v int) *int { return &v }
