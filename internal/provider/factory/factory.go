// Package factory builds the provider registry selected by configuration.
package factory

import (
	"fmt"

	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/provider/mock"
	"github.com/kiranshivaraju/mediaforge/internal/provider/prediction"
	"github.com/kiranshivaraju/mediaforge/internal/provider/queue"
	"github.com/kiranshivaraju/mediaforge/internal/provider/syncgen"
)

// NewRegistry constructs the adapters for the configured provider mode.
// Called once at server startup.
func NewRegistry(cfg *config.Config) (*provider.Registry, error) {
	p := cfg.Providers
	switch p.Mode {
	case config.ModeLive:
		return provider.NewRegistry(
			queue.NewMusic(p.Catalog.Queue, p.Timeout),
			queue.NewVoiceClone(p.Catalog.Queue, p.Timeout),
			prediction.NewTraining(p.Catalog.Prediction, p.Timeout),
			prediction.NewConversion(p.Catalog.Prediction, p.Timeout),
			syncgen.New(p.Catalog.Sync, cfg.Sync.Timeout, cfg.Storage.MaxObjectBytes),
		), nil
	case config.ModeMock:
		return mock.NewRegistry(), nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q: must be one of live, mock", p.Mode)
	}
}
