package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProviderCredential is a user-supplied provider API key. Only the vault ciphertext
// and a display fingerprint are persisted.
type ProviderCredential struct {
	OwnerID     uuid.UUID `db:"owner_id"    json:"-"`
	Provider    string    `db:"provider"    json:"provider"`
	Ciphertext  string    `db:"ciphertext"  json:"-"`
	Fingerprint string    `db:"fingerprint" json:"fingerprint"`
	UpdatedAt   time.Time `db:"updated_at"  json:"updated_at"`
}

// Storage backends.
const (
	StorageBackendS3    = "s3"
	StorageBackendLocal = "local"
)

// StorageSettings describes an owner's durable object storage. The whole struct is
// encrypted at rest because it carries the secret access key.
type StorageSettings struct {
	Backend         string `json:"backend"`
	Bucket          string `json:"bucket,omitempty"`
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	Distribution    string `json:"distribution,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	// Endpoint targets an S3-compatible service instead of AWS.
	Endpoint string `json:"endpoint,omitempty"`
}

// Validate checks that the settings name a usable backend.
func (s *StorageSettings) Validate() error {
	switch s.Backend {
	case StorageBackendS3:
		if s.Bucket == "" || s.Region == "" {
			return errors.New("s3 storage requires bucket and region")
		}
		if s.AccessKeyID == "" || s.SecretAccessKey == "" {
			return errors.New("s3 storage requires access_key_id and secret_access_key")
		}
		if s.Distribution == "" {
			return errors.New("s3 storage requires a public distribution host")
		}
	case StorageBackendLocal:
	default:
		return fmt.Errorf("unknown storage backend %q", s.Backend)
	}
	return nil
}
