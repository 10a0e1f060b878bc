package main

import (
	"context"
	"path/filepath"
	"testing"
)

func TestRunRequiresRedisAddr(t *testing.T) {
	err := run(context.Background(), []string{
		"-data", filepath.Join(t.TempDir(), "store.json"),
		"-media-dir", t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected an error when no redis address is configured")
	}
}

func TestOpenRepositoryRejectsUnknownDriver(t *testing.T) {
	if _, err := openRepository("sqlite", "", ""); err == nil {
		t.Fatal("expected an error for an unknown storage driver")
	}
}

func TestOpenRepositoryPostgresRequiresDSN(t *testing.T) {
	if _, err := openRepository("postgres", "", ""); err == nil {
		t.Fatal("expected an error when the postgres dsn is missing")
	}
}

func TestOpenBlobStoreDefaultsToLocal(t *testing.T) {
	store, err := openBlobStore(blobSettings{MediaDir: t.TempDir()})
	if err != nil {
		t.Fatalf("openBlobStore: %v", err)
	}
	if store == nil {
		t.Fatal("expected a store")
	}
}

func TestOpenBlobStoreS3RequiresEndpoint(t *testing.T) {
	if _, err := openBlobStore(blobSettings{Driver: "s3", Bucket: "media"}); err == nil {
		t.Fatal("expected an error when the endpoint is missing")
	}
}
