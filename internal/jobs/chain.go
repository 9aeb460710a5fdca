package jobs

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

const defaultEpochs = 100

// TrainingRequest tunes a training started from a clone. Zero values take
// defaults: the clone's name and 100 epochs.
type TrainingRequest struct {
	ModelName string
	Epochs    int
}

// StartTraining trains a voice model from a completed clone. The clone's result
// is the training dataset.
func (s *Service) StartTraining(ctx context.Context, ownerID, cloneID uuid.UUID, req TrainingRequest) (*models.Job, error) {
	if req.Epochs < 0 {
		return nil, invalid("epochs must not be negative")
	}
	adapter, err := s.registry.Get(models.ProviderPredictionTraining)
	if err != nil {
		return nil, err
	}

	clone, release, err := s.coord.EnterTraining(ctx, ownerID, cloneID)
	if err != nil {
		return nil, err
	}
	defer release()

	in := &models.TrainingInput{
		ModelName:  strings.TrimSpace(req.ModelName),
		DatasetURL: *clone.ResultLocation,
		Epochs:     req.Epochs,
	}
	if in.ModelName == "" {
		in.ModelName = cloneName(clone)
	}
	if in.Epochs == 0 {
		in.Epochs = defaultEpochs
	}

	return s.submit(ctx, jobSpec{
		ownerID:  ownerID,
		kind:     models.JobKindTraining,
		adapter:  adapter,
		input:    provider.Input{Training: in},
		raw:      in,
		parentID: &clone.ID,
	})
}

// ConversionRequest names the audio to convert: either a completed media job
// of the owner or a URL.
type ConversionRequest struct {
	SourceJobID    *uuid.UUID
	SourceAudioURL string
	PitchShift     int
}

// StartConversion converts source audio into the voice of a trained model.
func (s *Service) StartConversion(ctx context.Context, ownerID, modelID uuid.UUID, req ConversionRequest) (*models.Job, error) {
	if req.PitchShift < models.MinPitchShift || req.PitchShift > models.MaxPitchShift {
		return nil, invalid("pitch_shift must be between %d and %d", models.MinPitchShift, models.MaxPitchShift)
	}
	adapter, err := s.registry.Get(models.ProviderPredictionConversion)
	if err != nil {
		return nil, err
	}

	model, err := s.coord.CheckConversion(ctx, ownerID, modelID)
	if err != nil {
		return nil, err
	}
	source, err := s.sourceAudio(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}

	in := &models.ConversionInput{
		ModelURL:       *model.ResultLocation,
		SourceAudioURL: source,
		PitchShift:     req.PitchShift,
	}
	return s.submit(ctx, jobSpec{
		ownerID:  ownerID,
		kind:     models.JobKindConversion,
		adapter:  adapter,
		input:    provider.Input{Conversion: in},
		raw:      in,
		parentID: &model.ID,
	})
}

func (s *Service) sourceAudio(ctx context.Context, ownerID uuid.UUID, req ConversionRequest) (string, error) {
	switch {
	case req.SourceJobID != nil && req.SourceAudioURL != "":
		return "", invalid("give either source_job_id or source_audio_url, not both")
	case req.SourceJobID != nil:
		src, err := s.store.GetJob(ctx, *req.SourceJobID, ownerID)
		if err != nil {
			return "", err
		}
		if src.Kind != models.JobKindGeneration && src.Kind != models.JobKindConversion {
			return "", invalid("source job must be a generation or conversion, got %s", src.Kind)
		}
		if !src.HasResult() {
			return "", invalid("source job has no audio yet (status %s)", src.Status)
		}
		return *src.ResultLocation, nil
	default:
		u := strings.TrimSpace(req.SourceAudioURL)
		if err := requireURL("source_audio_url", u); err != nil {
			return "", err
		}
		return u, nil
	}
}

func cloneName(clone *models.Job) string {
	var in models.CloneInput
	if err := json.Unmarshal(clone.Input, &in); err == nil && in.Name != "" {
		return in.Name
	}
	return "voice-" + clone.ID.String()[:8]
}
