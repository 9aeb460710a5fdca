package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the mediaforge server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Vault     VaultConfig
	Providers ProvidersConfig
	Reconcile ReconcileConfig
	Storage   StorageConfig
	Sync      SyncConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port          int
	Env           string
	MigrationsDir string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type VaultConfig struct {
	Secret string
}

// ProvidersConfig selects the adapter implementations and where they talk to.
type ProvidersConfig struct {
	Mode        string
	CatalogFile string
	Timeout     time.Duration
	Catalog     Catalog
}

// Catalog describes the upstream endpoints for each provider protocol.
// It can be overridden by a YAML file.
type Catalog struct {
	Queue      QueueCatalog      `yaml:"queue"`
	Prediction PredictionCatalog `yaml:"prediction"`
	Sync       SyncCatalog       `yaml:"sync"`
}

type QueueCatalog struct {
	BaseURL  string `yaml:"base_url"`
	MusicApp string `yaml:"music_app"`
	CloneApp string `yaml:"clone_app"`
}

type PredictionCatalog struct {
	BaseURL           string `yaml:"base_url"`
	TrainingVersion   string `yaml:"training_version"`
	ConversionVersion string `yaml:"conversion_version"`
}

type SyncCatalog struct {
	BaseURL string `yaml:"base_url"`
}

type ReconcileConfig struct {
	FastInterval     time.Duration
	SlowInterval     time.Duration
	Concurrency      int
	MaxFetchFailures int
	LeaseTTL         time.Duration
	MaxBackoff       time.Duration
}

type StorageConfig struct {
	MaxObjectBytes int64
	UploadTimeout  time.Duration
	LocalRoot      string
	LocalBaseURL   string
}

type SyncConfig struct {
	Concurrency int
	Timeout     time.Duration
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

const (
	ModeLive = "live"
	ModeMock = "mock"
)

const minVaultSecretLen = 32

// DefaultCatalog returns the built-in provider endpoints.
func DefaultCatalog() Catalog {
	return Catalog{
		Queue: QueueCatalog{
			BaseURL:  "https://queue.fal.run",
			MusicApp: "fal-ai/minimax-music",
			CloneApp: "fal-ai/minimax/voice-clone",
		},
		Prediction: PredictionCatalog{
			BaseURL:           "https://api.replicate.com",
			TrainingVersion:   "replicate/train-rvc-model",
			ConversionVersion: "replicate/realistic-voice-cloning",
		},
		Sync: SyncCatalog{
			BaseURL: "https://api.elevenlabs.io",
		},
	}
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:          envInt("MEDIAFORGE_PORT", 8080),
			Env:           envString("MEDIAFORGE_ENV", "development"),
			MigrationsDir: envString("MIGRATIONS_DIR", "migrations"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Vault: VaultConfig{
			Secret: os.Getenv("VAULT_SECRET"),
		},
		Providers: ProvidersConfig{
			Mode:        envString("PROVIDER_MODE", ModeLive),
			CatalogFile: os.Getenv("PROVIDER_CATALOG_FILE"),
			Timeout:     envDurationSecs("PROVIDER_TIMEOUT_SECS", 30*time.Second),
			Catalog:     DefaultCatalog(),
		},
		Reconcile: ReconcileConfig{
			FastInterval:     envDuration("RECONCILE_FAST_INTERVAL", 5*time.Second),
			SlowInterval:     envDuration("RECONCILE_SLOW_INTERVAL", 30*time.Second),
			Concurrency:      envInt("RECONCILE_CONCURRENCY", 8),
			MaxFetchFailures: envInt("RECONCILE_MAX_FETCH_FAILURES", 20),
			LeaseTTL:         envDuration("RECONCILE_LEASE_TTL", 2*time.Minute),
			MaxBackoff:       envDuration("RECONCILE_MAX_BACKOFF", 5*time.Minute),
		},
		Storage: StorageConfig{
			MaxObjectBytes: int64(envInt("STORAGE_MAX_OBJECT_BYTES", 200<<20)),
			UploadTimeout:  envDurationSecs("STORAGE_UPLOAD_TIMEOUT_SECS", 120*time.Second),
			LocalRoot:      envString("STORAGE_LOCAL_ROOT", "data/media"),
			LocalBaseURL:   envString("STORAGE_LOCAL_BASE_URL", "http://localhost:8080/media"),
		},
		Sync: SyncConfig{
			Concurrency: envInt("SYNC_SUBMIT_CONCURRENCY", 2),
			Timeout:     envDurationSecs("SYNC_SUBMIT_TIMEOUT_SECS", 180*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
	}

	if cfg.Providers.CatalogFile != "" {
		if err := cfg.Providers.Catalog.loadFile(cfg.Providers.CatalogFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile overlays non-empty values from a YAML catalog file.
func (c *Catalog) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read provider catalog: %w", err)
	}
	var override Catalog
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parse provider catalog %s: %w", path, err)
	}
	overlay(&c.Queue.BaseURL, override.Queue.BaseURL)
	overlay(&c.Queue.MusicApp, override.Queue.MusicApp)
	overlay(&c.Queue.CloneApp, override.Queue.CloneApp)
	overlay(&c.Prediction.BaseURL, override.Prediction.BaseURL)
	overlay(&c.Prediction.TrainingVersion, override.Prediction.TrainingVersion)
	overlay(&c.Prediction.ConversionVersion, override.Prediction.ConversionVersion)
	overlay(&c.Sync.BaseURL, override.Sync.BaseURL)
	return nil
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Vault.Secret == "" {
		return fmt.Errorf("VAULT_SECRET is required")
	}
	if len(c.Vault.Secret) < minVaultSecretLen {
		return fmt.Errorf("VAULT_SECRET must be at least %d characters", minVaultSecretLen)
	}

	if c.Providers.Mode != ModeLive && c.Providers.Mode != ModeMock {
		return fmt.Errorf("PROVIDER_MODE must be one of live, mock; got %q", c.Providers.Mode)
	}

	for name, u := range map[string]string{
		"queue.base_url":      c.Providers.Catalog.Queue.BaseURL,
		"prediction.base_url": c.Providers.Catalog.Prediction.BaseURL,
		"sync.base_url":       c.Providers.Catalog.Sync.BaseURL,
	} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("provider catalog %s must start with http:// or https://, got %q", name, u)
		}
	}

	if c.Reconcile.Concurrency < 1 {
		return fmt.Errorf("RECONCILE_CONCURRENCY must be at least 1, got %d", c.Reconcile.Concurrency)
	}
	if c.Reconcile.MaxFetchFailures < 1 {
		return fmt.Errorf("RECONCILE_MAX_FETCH_FAILURES must be at least 1, got %d", c.Reconcile.MaxFetchFailures)
	}
	if c.Reconcile.FastInterval <= 0 || c.Reconcile.SlowInterval <= 0 {
		return fmt.Errorf("reconcile intervals must be positive")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("SYNC_SUBMIT_CONCURRENCY must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Storage.MaxObjectBytes <= 0 {
		return fmt.Errorf("STORAGE_MAX_OBJECT_BYTES must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
