//go:build integration

package minio_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/imgdispatch/storage"
	"github.com/xraph/imgdispatch/storage/minio"
)

const (
	accessKey = "imgdispatch"
	secretKey = "imgdispatch-secret"
)

func setupMinio(t *testing.T) *minio.Storage {
	t.Helper()
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			Cmd:          []string{"server", "/data"},
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     accessKey,
				"MINIO_ROOT_PASSWORD": secretKey,
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := ctr.Terminate(ctx); termErr != nil {
			t.Logf("terminate minio container: %v", termErr)
		}
	})

	endpoint, err := ctr.PortEndpoint(ctx, "9000/tcp", "")
	if err != nil {
		t.Fatalf("minio endpoint: %v", err)
	}

	s, err := minio.New(
		minio.WithEndpoint(endpoint),
		minio.WithBucket("images"),
		minio.WithAccessKey(accessKey),
		minio.WithSecretKey(secretKey),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	// A second call finds the bucket.
	if err := s.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket again: %v", err)
	}
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := setupMinio(t)
	ctx := context.Background()
	ref := "processed/job_x/1/processed_cat.png"

	if err := s.Put(ctx, ref, []byte("png bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("png bytes")) {
		t.Errorf("Get = %q", got)
	}

	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, ref); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, ref); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}
