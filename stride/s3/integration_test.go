package s3

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lumenforge/stride/stride"
)

// flagIntegration gates integration tests that require running S3 services.
// Pass -integration to enable.
var flagIntegration = flag.Bool("integration", false, "run integration tests (requires a local S3 backend)")

// Integration tests for S3-compatible backends.
// These require a running LocalStack or MinIO.
//
// To run:
//
//	go test -v ./stride/s3/... -integration
func skipIfNoS3(t *testing.T) {
	t.Helper()
	if !*flagIntegration {
		t.Skip("skipping integration test; use -integration to enable")
	}
}

// s3Backend describes an S3-compatible backend for table-driven tests.
type s3Backend struct {
	name      string
	newClient func(context.Context) (*awss3.Client, error)
}

var s3Backends = []s3Backend{
	{"LocalStack", newLocalStackClient},
	{"MinIO", newMinIOClient},
}

// newLocalStackClient creates an S3 client for LocalStack (integration tests only).
func newLocalStackClient(ctx context.Context) (*awss3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		return nil, err
	}
	return awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String("http://localhost:4566")
		o.UsePathStyle = true
	}), nil
}

// newMinIOClient creates an S3 client for MinIO (integration tests only).
func newMinIOClient(ctx context.Context) (*awss3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("minioadmin", "minioadmin", "")),
	)
	if err != nil {
		return nil, err
	}
	return awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String("http://localhost:9000")
		o.UsePathStyle = true
	}), nil
}

// setupTestBucket creates a unique bucket and registers cleanup via t.Cleanup.
func setupTestBucket(t *testing.T, backend s3Backend) *Store {
	t.Helper()
	skipIfNoS3(t)

	ctx := context.Background()
	client, err := backend.newClient(ctx)
	if err != nil {
		t.Fatalf("failed to create %s client: %v", backend.name, err)
	}

	bucket := fmt.Sprintf("stride-test-%d", time.Now().UnixNano())

	_, err = client.CreateBucket(ctx, &awss3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	t.Cleanup(func() {
		cleanupCtx := context.Background()
		out, _ := client.ListObjectsV2(cleanupCtx, &awss3.ListObjectsV2Input{Bucket: aws.String(bucket)})
		for _, obj := range out.Contents {
			_, _ = client.DeleteObject(cleanupCtx, &awss3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    obj.Key,
			})
		}
		_, _ = client.DeleteBucket(cleanupCtx, &awss3.DeleteBucketInput{Bucket: aws.String(bucket)})
	})

	store, err := New(client, Config{Bucket: bucket})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	return store
}

func TestIntegration_RoundTrip(t *testing.T) {
	for _, backend := range s3Backends {
		t.Run(backend.name, func(t *testing.T) {
			store := setupTestBucket(t, backend)
			ctx := context.Background()

			if _, err := store.Get(ctx, "run1/ckpt.json"); !errors.Is(err, stride.ErrNotFound) {
				t.Fatalf("Get missing = %v, want ErrNotFound", err)
			}

			if err := store.Put(ctx, "run1/ckpt.json", strings.NewReader(`{"end":4,"segment_size_per_rank":2}`)); err != nil {
				t.Fatal(err)
			}

			rc, err := store.Get(ctx, "run1/ckpt.json")
			if err != nil {
				t.Fatal(err)
			}
			data, err := io.ReadAll(rc)
			if err != nil {
				t.Fatal(err)
			}
			_ = rc.Close()
			if !strings.Contains(string(data), `"end":4`) {
				t.Fatalf("unexpected record: %s", data)
			}

			// Overwrite in place, as every checkpoint save does.
			if err := store.Put(ctx, "run1/ckpt.json", strings.NewReader(`{"end":8,"segment_size_per_rank":2}`)); err != nil {
				t.Fatal(err)
			}
			rc, err = store.Get(ctx, "run1/ckpt.json")
			if err != nil {
				t.Fatal(err)
			}
			data, _ = io.ReadAll(rc)
			_ = rc.Close()
			if !strings.Contains(string(data), `"end":8`) {
				t.Fatalf("overwrite not visible: %s", data)
			}

			if err := store.Delete(ctx, "run1/ckpt.json"); err != nil {
				t.Fatal(err)
			}
			exists, err := store.Exists(ctx, "run1/ckpt.json")
			if err != nil {
				t.Fatal(err)
			}
			if exists {
				t.Fatal("Exists = true after Delete")
			}
		})
	}
}

func TestIntegration_CheckpointerEndToEnd(t *testing.T) {
	for _, backend := range s3Backends {
		t.Run(backend.name, func(t *testing.T) {
			store := setupTestBucket(t, backend)
			ctx := context.Background()

			cp, err := stride.NewCheckpointer(stride.CheckpointerConfig{
				Store:       store,
				Group:       stride.Single{},
				Coordinator: 0,
			})
			if err != nil {
				t.Fatal(err)
			}

			cursor, err := stride.NewCursor(stride.CursorConfig{
				Group:       stride.Single{},
				Coordinator: 0,
				SegmentSize: 2,
				TotalSize:   10,
			})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := cursor.Advance(ctx, 2); err != nil {
				t.Fatal(err)
			}
			if err := cp.Save(ctx, "run1/ckpt.json", cursor); err != nil {
				t.Fatal(err)
			}

			resumed, err := stride.NewCursor(stride.CursorConfig{
				Group:       stride.Single{},
				Coordinator: 0,
				SegmentSize: 2,
				TotalSize:   10,
			})
			if err != nil {
				t.Fatal(err)
			}
			loaded, reset, err := cp.LoadAndBroadcast(ctx, "run1/ckpt.json", resumed)
			if err != nil {
				t.Fatal(err)
			}
			if !loaded || reset {
				t.Fatalf("loaded=%v reset=%v, want true/false", loaded, reset)
			}
			if resumed.Start() != 4 {
				t.Fatalf("resumed start = %d, want 4", resumed.Start())
			}
		})
	}
}
