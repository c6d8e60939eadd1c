// Package s3 provides an S3-compatible stride.Store for checkpoint records
// and run manifests.
//
// The adapter works against AWS S3, MinIO, LocalStack, Cloudflare R2, and
// other S3-compatible object stores. Checkpoint records are single small
// objects rewritten in place, so Put is a plain PutObject with no
// no-overwrite guard and no multipart path.
//
// AWS S3 provides strong read-after-write consistency (since Dec 2020);
// combined with the barrier that follows every checkpoint save, a restarted
// run never observes a half-written record.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/lumenforge/stride/stride"
)

// API defines the subset of the S3 client interface used by the store.
// This enables testing with mock implementations.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config holds configuration for the S3 store.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all operations.
	// If set, all keys are prefixed with this value (with a trailing slash
	// added if missing).
	Prefix string
}

// Store implements stride.Store using an S3-compatible backend.
type Store struct {
	client API
	bucket string
	prefix string
}

// New creates a new S3 store with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and endpoint.
// Use github.com/aws/aws-sdk-go-v2/config to load configuration.
//
// Example:
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	client := s3.NewFromConfig(cfg)
//	store, err := s3store.New(client, s3store.Config{Bucket: "my-bucket"})
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// Put writes data to the given key, replacing any existing object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return err
	}

	// Spool so the SDK can compute the content length; checkpoint records
	// are a few bytes, manifests at most a few megabytes.
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("s3: read payload: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3: put object: %w", err)
	}
	return nil
}

// Get retrieves data from the given key.
// Returns stride.ErrNotFound if the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, stride.ErrNotFound
		}
		return nil, fmt.Errorf("s3: get object: %w", err)
	}
	return out.Body, nil
}

// Exists checks whether a key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3: head object: %w", err)
	}
	return true, nil
}

// Delete removes the key if it exists. Safe to call on missing keys
// (S3 DeleteObject is idempotent).
func (s *Store) Delete(ctx context.Context, key string) error {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return fmt.Errorf("s3: delete object: %w", err)
	}
	return nil
}

// validateKey rejects empty and escaping keys and applies the store prefix.
func (s *Store) validateKey(key string) (string, error) {
	if key == "" || key == "." {
		return "", stride.ErrInvalidPath
	}
	if strings.HasPrefix(key, "/") {
		return "", stride.ErrInvalidPath
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", stride.ErrInvalidPath
		}
	}
	return s.prefix + key, nil
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

var _ stride.Store = (*Store)(nil)
