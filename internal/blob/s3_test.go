package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestS3Store(t *testing.T, handler http.HandlerFunc) *S3Store {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	store, err := NewS3Store(S3Config{
		Endpoint:  parsed.Host,
		Bucket:    "media",
		Prefix:    "coursecast",
		AccessKey: "test-access",
		SecretKey: "test-secret",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	return store
}

func TestS3StoreWriteSignsAndStreams(t *testing.T) {
	var captured *http.Request
	var body []byte
	store := newTestS3Store(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	written, err := store.Write(context.Background(), "videos/originals/a.mp4", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if written != int64(len("payload")) {
		t.Fatalf("expected %d bytes, got %d", len("payload"), written)
	}
	if captured.Method != http.MethodPut {
		t.Fatalf("expected PUT, got %s", captured.Method)
	}
	if captured.URL.Path != "/media/coursecast/videos/originals/a.mp4" {
		t.Fatalf("unexpected path %q", captured.URL.Path)
	}
	if got := captured.Header.Get("x-amz-content-sha256"); got != unsignedPayload {
		t.Fatalf("expected unsigned payload hash, got %q", got)
	}
	if auth := captured.Header.Get("Authorization"); !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=test-access/") {
		t.Fatalf("unexpected authorization header %q", auth)
	}
	if string(body) != "payload" {
		t.Fatalf("unexpected body %q", string(body))
	}
}

func TestS3StoreReadRangeSetsRangeHeader(t *testing.T) {
	store := newTestS3Store(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=5-9" {
			t.Errorf("expected Range bytes=5-9, got %q", got)
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("56789"))
	})

	reader, err := store.ReadRange(context.Background(), "videos/processed/360p/a.mp4", 5, 5)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "56789" {
		t.Fatalf("unexpected data %q", string(data))
	}
}

func TestS3StoreReadRangeEmptyRange(t *testing.T) {
	var methods []string
	store := newTestS3Store(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if got := r.Header.Get("Range"); got != "" {
			t.Errorf("unexpected Range header %q", got)
		}
		w.WriteHeader(http.StatusOK)
	})

	reader, err := store.ReadRange(context.Background(), "videos/originals/empty.mp4", 0, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty body, got %q", string(data))
	}
	if len(methods) != 1 || methods[0] != http.MethodHead {
		t.Fatalf("expected a single existence check, got %v", methods)
	}
}

func TestS3StoreReadRangeEmptyRangeMissingObject(t *testing.T) {
	store := newTestS3Store(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if _, err := store.ReadRange(context.Background(), "missing.mp4", 0, 0); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestS3StoreStatNotFound(t *testing.T) {
	store := newTestS3Store(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if _, err := store.Stat(context.Background(), "missing.mp4"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestS3StoreDeleteToleratesMissing(t *testing.T) {
	store := newTestS3Store(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if err := store.Delete(context.Background(), "missing.mp4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestNewS3StoreValidation(t *testing.T) {
	if _, err := NewS3Store(S3Config{Bucket: "media"}); err == nil {
		t.Fatalf("expected endpoint requirement")
	}
	if _, err := NewS3Store(S3Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected bucket requirement")
	}
}
