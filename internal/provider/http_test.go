package provider_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPError_Classification(t *testing.T) {
	cases := map[int]error{
		http.StatusBadRequest:          provider.ErrProviderRejected,
		http.StatusUnauthorized:        provider.ErrProviderRejected,
		http.StatusNotFound:            provider.ErrProviderRejected,
		http.StatusUnprocessableEntity: provider.ErrProviderRejected,
		http.StatusRequestTimeout:      provider.ErrProviderUnavailable,
		http.StatusTooManyRequests:     provider.ErrProviderUnavailable,
		http.StatusInternalServerError: provider.ErrProviderUnavailable,
		http.StatusServiceUnavailable:  provider.ErrProviderUnavailable,
	}
	for code, want := range cases {
		err := &provider.HTTPError{StatusCode: code}
		assert.ErrorIs(t, err, want, "status %d", code)
	}
}

func TestSendJSON_ErrorDetail(t *testing.T) {
	cases := map[string]string{
		`{"detail":"bad prompt"}`:            "bad prompt",
		`{"detail":[{"msg":"field required"}]}`: `[{"msg":"field required"}]`,
		`{"error":"quota exceeded"}`:         "quota exceeded",
		`{"message":"nope"}`:                 "nope",
		"plain text failure":                 "plain text failure",
	}
	for body, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(body))
		}))
		err := provider.SendJSON(context.Background(), srv.Client(), provider.Request{Method: http.MethodGet, URL: srv.URL}, nil)
		srv.Close()

		var httpErr *provider.HTTPError
		require.True(t, errors.As(err, &httpErr), body)
		assert.Equal(t, want, httpErr.Detail, body)
	}
}

func TestSendJSON_ErrorDetailTruncatesOnRuneBoundary(t *testing.T) {
	bodies := map[string][]byte{
		// 199 ASCII bytes put the 200th byte inside a two-byte rune.
		"multibyte at cut": []byte(strings.Repeat("a", 199) + strings.Repeat("é", 50)),
		"json field":       []byte(`{"error":"` + strings.Repeat("日", 100) + `"}`),
		"invalid utf8":     append([]byte("bad \xff\xfe"), bytes.Repeat([]byte("ü"), 150)...),
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				w.Write(body)
			}))
			defer srv.Close()

			err := provider.SendJSON(context.Background(), srv.Client(), provider.Request{Method: http.MethodGet, URL: srv.URL}, nil)
			var httpErr *provider.HTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.True(t, utf8.ValidString(httpErr.Detail), "detail %q", httpErr.Detail)
			assert.LessOrEqual(t, len(httpErr.Detail), 200)
			assert.NotEmpty(t, httpErr.Detail)
		})
	}
}

func TestSendJSON_InvalidJSONIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	var out map[string]any
	err := provider.SendJSON(context.Background(), srv.Client(), provider.Request{Method: http.MethodGet, URL: srv.URL}, &out)
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
}

func TestSend_ConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := provider.Send(context.Background(), http.DefaultClient, provider.Request{Method: http.MethodGet, URL: url})
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
}

func TestClassifyError_ContextErrors(t *testing.T) {
	assert.ErrorIs(t, provider.ClassifyError(context.DeadlineExceeded), provider.ErrProviderUnavailable)
	assert.ErrorIs(t, provider.ClassifyError(context.Canceled), provider.ErrProviderUnavailable)
	assert.ErrorIs(t, provider.ClassifyError(errors.New("weird")), provider.ErrProviderUnavailable)
}

func TestPhase_JobStatus(t *testing.T) {
	assert.Equal(t, models.JobStatusProcessing, provider.PhaseQueued.JobStatus())
	assert.Equal(t, models.JobStatusProcessing, provider.PhaseProcessing.JobStatus())
	assert.Equal(t, models.JobStatusCompleted, provider.PhaseCompleted.JobStatus())
	assert.Equal(t, models.JobStatusFailed, provider.PhaseFailed.JobStatus())
}
