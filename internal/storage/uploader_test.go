package storage_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/storage"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storageConfig(root string) config.StorageConfig {
	return config.StorageConfig{
		MaxObjectBytes: 1 << 10,
		UploadTimeout:  2 * time.Second,
		LocalRoot:      root,
		LocalBaseURL:   "http://media.local/",
	}
}

func localSettings() *models.StorageSettings {
	return &models.StorageSettings{Backend: models.StorageBackendLocal, Prefix: "users"}
}

func sourceServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fakeStore records calls and can be made to fail.
type fakeStore struct {
	mu      sync.Mutex
	puts    map[string][]byte
	deletes []string
	err     error
}

func (f *fakeStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = data
	return "https://cdn.example.com/" + key, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, key)
	return f.err
}

func TestPersist_NilSettingsIsNoop(t *testing.T) {
	u := storage.NewUploader(storageConfig(t.TempDir()))
	res := u.Persist(context.Background(), storage.Source{URL: "https://provider/x.mp3"}, "a/b.mp3", "", nil)

	assert.False(t, res.Durable)
	assert.Equal(t, "https://provider/x.mp3", res.URL)
	assert.NoError(t, res.Err)
}

func TestPersist_DownloadsToLocalFS(t *testing.T) {
	root := t.TempDir()
	src := sourceServer(t, "audio-bytes", http.StatusOK)
	u := storage.NewUploader(storageConfig(root))

	res := u.Persist(context.Background(), storage.Source{URL: src.URL + "/out.mp3"}, "owner/generation/job.mp3", "", localSettings())
	require.NoError(t, res.Err)
	assert.True(t, res.Durable)
	assert.Equal(t, "users/owner/generation/job.mp3", res.Key)
	assert.Equal(t, "http://media.local/users/owner/generation/job.mp3", res.URL)

	data, err := os.ReadFile(filepath.Join(root, "users", "owner", "generation", "job.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))
}

func TestPersist_InlineBytes(t *testing.T) {
	fs := &fakeStore{}
	u := storage.NewUploader(storageConfig(t.TempDir()), storage.WithOpener(func(*models.StorageSettings) (storage.ObjectStore, error) {
		return fs, nil
	}))

	res := u.Persist(context.Background(), storage.Source{Bytes: []byte("ID3")}, "o/generation/j.mp3", "audio/mpeg",
		&models.StorageSettings{Backend: models.StorageBackendS3})
	require.NoError(t, res.Err)
	assert.True(t, res.Durable)
	assert.Equal(t, "https://cdn.example.com/o/generation/j.mp3", res.URL)
	assert.Equal(t, []byte("ID3"), fs.puts["o/generation/j.mp3"])
}

func TestPersist_FailuresFallBackToSourceURL(t *testing.T) {
	bad := sourceServer(t, "gone", http.StatusForbidden)
	big := sourceServer(t, strings.Repeat("x", 2<<10), http.StatusOK)
	ok := sourceServer(t, "fine", http.StatusOK)
	putErr := errors.New("access denied")

	cases := map[string]struct {
		src    string
		opener storage.Opener
	}{
		"source expired": {src: bad.URL},
		"source too large": {src: big.URL},
		"put fails": {src: ok.URL, opener: func(*models.StorageSettings) (storage.ObjectStore, error) {
			return &fakeStore{err: putErr}, nil
		}},
		"backend unavailable": {src: ok.URL, opener: func(*models.StorageSettings) (storage.ObjectStore, error) {
			return nil, putErr
		}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var opts []storage.Option
			if tc.opener != nil {
				opts = append(opts, storage.WithOpener(tc.opener))
			}
			u := storage.NewUploader(storageConfig(t.TempDir()), opts...)

			res := u.Persist(context.Background(), storage.Source{URL: tc.src}, "o/k/j.mp3", "", localSettings())
			assert.False(t, res.Durable)
			assert.Equal(t, tc.src, res.URL)
			assert.Error(t, res.Err)
			assert.Empty(t, res.Key)
		})
	}
}

func TestPersist_TooLargeInlineBytes(t *testing.T) {
	u := storage.NewUploader(storageConfig(t.TempDir()))
	res := u.Persist(context.Background(), storage.Source{Bytes: make([]byte, 4<<10)}, "o/k/j.mp3", "audio/mpeg", localSettings())
	assert.False(t, res.Durable)
	assert.ErrorIs(t, res.Err, storage.ErrTooLarge)
}

func TestPersist_SlowSourceTimesOut(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer slow.Close()

	cfg := storageConfig(t.TempDir())
	cfg.UploadTimeout = 30 * time.Millisecond
	u := storage.NewUploader(cfg)

	res := u.Persist(context.Background(), storage.Source{URL: slow.URL}, "o/k/j.mp3", "", localSettings())
	assert.False(t, res.Durable)
	assert.Error(t, res.Err)
}

func TestRemove_SwallowsFailures(t *testing.T) {
	fs := &fakeStore{err: errors.New("boom")}
	u := storage.NewUploader(storageConfig(t.TempDir()), storage.WithOpener(func(*models.StorageSettings) (storage.ObjectStore, error) {
		return fs, nil
	}))

	u.Remove(context.Background(), localSettings(), "users/o/k/j.mp3")
	u.Remove(context.Background(), nil, "ignored")
	u.Remove(context.Background(), localSettings(), "")

	assert.Equal(t, []string{"users/o/k/j.mp3"}, fs.deletes)
}

func TestRemove_LocalFS(t *testing.T) {
	root := t.TempDir()
	u := storage.NewUploader(storageConfig(root))
	res := u.Persist(context.Background(), storage.Source{Bytes: []byte("x")}, "o/k/j.mp3", "audio/mpeg", localSettings())
	require.True(t, res.Durable)

	u.Remove(context.Background(), localSettings(), res.Key)
	_, err := os.Stat(filepath.Join(root, "users", "o", "k", "j.mp3"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalFS_RejectsEscapingKeys(t *testing.T) {
	l := storage.LocalFS{Root: t.TempDir(), BaseURL: "http://x"}
	for _, key := range []string{"../etc/passwd", "a/../../b", ""} {
		_, err := l.Put(context.Background(), key, []byte("x"), "")
		assert.ErrorIs(t, err, storage.ErrInvalidKey, key)
	}
}

func TestObjectName(t *testing.T) {
	owner := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	job := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t,
		"11111111-1111-1111-1111-111111111111/training/22222222-2222-2222-2222-222222222222.zip",
		storage.ObjectName(owner, models.JobKindTraining, job, ".zip"))
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".mp3", storage.Extension("audio/mpeg", ""))
	assert.Equal(t, ".wav", storage.Extension("audio/x-wav; charset=binary", ""))
	assert.Equal(t, ".flac", storage.Extension("", "https://cdn/x/out.FLAC?sig=abc"))
	assert.Equal(t, ".bin", storage.Extension("", "https://cdn/x/out"))
}
