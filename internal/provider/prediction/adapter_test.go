package prediction_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/provider/prediction"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalog(srv *httptest.Server) config.PredictionCatalog {
	return config.PredictionCatalog{BaseURL: srv.URL, TrainingVersion: "acme/train:v1", ConversionVersion: "acme/convert:v1"}
}

func respond(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func TestSubmitConversion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/predictions", r.URL.Path)
		assert.Equal(t, "Bearer r8_key", r.Header.Get("Authorization"))

		var body struct {
			Version string         `json:"version"`
			Input   map[string]any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "acme/convert:v1", body.Version)
		assert.Equal(t, "https://cdn/model.zip", body.Input["custom_rvc_model_download_url"])
		assert.Equal(t, float64(-3), body.Input["pitch_change"])

		respond(`{"id":"p-1","status":"starting"}`)(w, r)
	}))
	defer srv.Close()

	a := prediction.NewConversion(catalog(srv), time.Second)
	res, err := a.Submit(context.Background(), "r8_key", provider.Input{Conversion: &models.ConversionInput{
		ModelURL: "https://cdn/model.zip", SourceAudioURL: "https://cdn/song.mp3", PitchShift: -3,
	}})
	require.NoError(t, err)
	assert.Equal(t, "p-1", res.ExternalRef)
}

func TestSubmitConversion_PitchOutOfRange(t *testing.T) {
	srv := httptest.NewServer(respond(`{}`))
	defer srv.Close()

	a := prediction.NewConversion(catalog(srv), time.Second)
	_, err := a.Submit(context.Background(), "k", provider.Input{Conversion: &models.ConversionInput{
		ModelURL: "m", SourceAudioURL: "s", PitchShift: 13,
	}})
	assert.ErrorIs(t, err, provider.ErrProviderRejected)
}

func TestSubmitTraining_MissingCredential(t *testing.T) {
	srv := httptest.NewServer(respond(`{}`))
	defer srv.Close()

	a := prediction.NewTraining(catalog(srv), time.Second)
	_, err := a.Submit(context.Background(), "", provider.Input{Training: &models.TrainingInput{DatasetURL: "d"}})
	assert.ErrorIs(t, err, provider.ErrCredentialMissing)
}

func TestSubmitTraining_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"Invalid token."}`))
	}))
	defer srv.Close()

	a := prediction.NewTraining(catalog(srv), time.Second)
	_, err := a.Submit(context.Background(), "bad", provider.Input{Training: &models.TrainingInput{DatasetURL: "d"}})
	require.ErrorIs(t, err, provider.ErrProviderRejected)
	assert.Contains(t, err.Error(), "Invalid token.")
}

func TestCheckStatus(t *testing.T) {
	cases := []struct {
		body     string
		phase    provider.Phase
		url      string
		errText  string
		progress *int
	}{
		{`{"id":"p","status":"starting"}`, provider.PhaseQueued, "", "", provider.IntPtr(0)},
		{`{"id":"p","status":"processing","logs":"epoch 1 10%\nepoch 2 45%"}`, provider.PhaseProcessing, "", "", provider.IntPtr(45)},
		{`{"id":"p","status":"processing","logs":"warming up"}`, provider.PhaseProcessing, "", "", nil},
		{`{"id":"p","status":"succeeded","output":"https://cdn/out.wav"}`, provider.PhaseCompleted, "https://cdn/out.wav", "", provider.IntPtr(100)},
		{`{"id":"p","status":"succeeded","output":["https://cdn/a.wav","https://cdn/b.wav"]}`, provider.PhaseCompleted, "https://cdn/a.wav", "", provider.IntPtr(100)},
		{`{"id":"p","status":"succeeded","output":{"weights":"https://cdn/model.zip"}}`, provider.PhaseCompleted, "https://cdn/model.zip", "", provider.IntPtr(100)},
		{`{"id":"p","status":"failed","error":"CUDA out of memory"}`, provider.PhaseFailed, "", "CUDA out of memory", nil},
		{`{"id":"p","status":"canceled"}`, provider.PhaseFailed, "", "cancelled", nil},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(respond(tc.body))
		a := prediction.NewTraining(catalog(srv), time.Second)
		st, err := a.CheckStatus(context.Background(), "k", "p")
		srv.Close()

		require.NoError(t, err, tc.body)
		assert.Equal(t, tc.phase, st.Phase, tc.body)
		assert.Equal(t, tc.url, st.ResultURL, tc.body)
		assert.Equal(t, tc.errText, st.Error, tc.body)
		assert.Equal(t, tc.progress, st.Progress, tc.body)
	}
}

func TestCheckStatus_SucceededWithoutOutput(t *testing.T) {
	srv := httptest.NewServer(respond(`{"id":"p","status":"succeeded","output":null}`))
	defer srv.Close()

	_, err := prediction.NewTraining(catalog(srv), time.Second).CheckStatus(context.Background(), "k", "p")
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
}

func TestCheckStatus_RateLimitedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := prediction.NewTraining(catalog(srv), time.Second).CheckStatus(context.Background(), "k", "p")
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
}

func TestCancel(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		respond(`{"id":"p","status":"canceled"}`)(w, r)
	}))
	defer srv.Close()

	require.NoError(t, prediction.NewConversion(catalog(srv), time.Second).Cancel(context.Background(), "k", "p"))
	assert.Equal(t, "/v1/predictions/p/cancel", path)
}

func TestCapabilities(t *testing.T) {
	a := prediction.NewTraining(config.DefaultCatalog().Prediction, time.Second)
	c := a.Capabilities()
	assert.False(t, c.HasSeparateResultFetch)
	assert.True(t, c.SupportsProgress)
	assert.True(t, c.SupportsCancel)
	assert.Equal(t, prediction.CredentialName, a.Credential())
}

func TestParseProgress(t *testing.T) {
	assert.Nil(t, prediction.ParseProgress(""))
	assert.Equal(t, 7, *prediction.ParseProgress("  7%|▋  "))
	assert.Equal(t, 100, *prediction.ParseProgress("50%\n100%"))
	assert.Nil(t, prediction.ParseProgress("999%"))
}
