package models

// GenerationInput drives music synthesis. Style and Lyrics are free text; a zero
// DurationSeconds lets the provider pick the length.
type GenerationInput struct {
	Prompt          string `json:"prompt,omitempty"`
	Style           string `json:"style,omitempty"`
	Lyrics          string `json:"lyrics,omitempty"`
	Instrumental    bool   `json:"instrumental,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// CloneInput creates a voice clone from a reference recording.
type CloneInput struct {
	Name      string `json:"name"`
	SampleURL string `json:"sample_url"`
	Language  string `json:"language,omitempty"`
}

// TrainingInput trains a conversion model from a ready voice clone.
type TrainingInput struct {
	ModelName  string `json:"model_name"`
	DatasetURL string `json:"dataset_url"`
	Epochs     int    `json:"epochs,omitempty"`
}

// ConversionInput converts source audio into the voice of a trained model.
type ConversionInput struct {
	ModelURL       string `json:"model_url"`
	SourceAudioURL string `json:"source_audio_url"`
	PitchShift     int    `json:"pitch_shift"`
}

// Pitch shift bounds in semitones.
const (
	MinPitchShift = -12
	MaxPitchShift = 12
)
