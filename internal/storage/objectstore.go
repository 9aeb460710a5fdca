// Package storage copies ephemeral provider results into an owner's durable
// object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// ErrInvalidKey is returned for object keys that escape the store root.
var ErrInvalidKey = errors.New("invalid object key")

// ObjectStore is an object-store-style durable backend.
type ObjectStore interface {
	// Put stores data under key and returns its public URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// S3Store writes objects to an S3 bucket fronted by a CDN distribution.
type S3Store struct {
	client       *s3.Client
	bucket       string
	distribution string
}

// S3Option adjusts the S3 client options, e.g. to point at an S3-compatible endpoint.
type S3Option func(*s3.Options)

// WithEndpoint points the client at an S3-compatible endpoint using path-style addressing.
func WithEndpoint(endpoint string) S3Option {
	return func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	}
}

// NewS3Store creates an S3Store authenticated with the owner's static keys.
func NewS3Store(settings *models.StorageSettings, opts ...S3Option) *S3Store {
	o := s3.Options{
		Region:      settings.Region,
		Credentials: credentials.NewStaticCredentialsProvider(settings.AccessKeyID, settings.SecretAccessKey, ""),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &S3Store{
		client:       s3.New(o),
		bucket:       settings.Bucket,
		distribution: strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(settings.Distribution, "https://"), "http://"), "/"),
	}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		CacheControl:  aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return fmt.Sprintf("https://%s/%s", s.distribution, key), nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

// LocalFS stores objects on the local filesystem, for development.
type LocalFS struct {
	Root    string
	BaseURL string
}

func (l LocalFS) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	abs, clean, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", err
	}
	return strings.TrimRight(l.BaseURL, "/") + "/" + clean, nil
}

func (l LocalFS) Delete(_ context.Context, key string) error {
	abs, _, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l LocalFS) resolve(key string) (abs, clean string, err error) {
	clean = path.Clean("/" + key)[1:]
	if clean == "" || clean != strings.TrimPrefix(key, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(l.Root, filepath.FromSlash(clean)), clean, nil
}
