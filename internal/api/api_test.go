package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"coursecast/internal/auth"
	"coursecast/internal/blob"
	"coursecast/internal/models"
	"coursecast/internal/queue"
	"coursecast/internal/storage"
)

type fixture struct {
	handler *Handler
	store   *storage.Storage
	blobs   *blob.LocalStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	blobs, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	manager, err := queue.NewManager(queue.Config{Transport: queue.NewMemoryTransport()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	handler := NewHandler(store, auth.NewSessionManager(time.Hour))
	handler.Blobs = blobs
	handler.Jobs = manager
	return &fixture{handler: handler, store: store, blobs: blobs}
}

func (fx *fixture) createUser(t *testing.T, email string, roles ...string) models.User {
	t.Helper()
	user, err := fx.store.CreateUser(storage.CreateUserParams{
		DisplayName: email,
		Email:       email,
		Password:    "correct horse",
		Roles:       roles,
	})
	if err != nil {
		t.Fatalf("CreateUser %s: %v", email, err)
	}
	return user
}

func videoParams(filename string) storage.CreateVideoParams {
	return storage.CreateVideoParams{
		OriginalName: filename,
		Filename:     filename,
		Path:         "originals/" + filename,
		SizeBytes:    1024,
		MimeType:     "video/mp4",
	}
}

// asUser attaches the user to the request context the way the WithUser
// middleware would in production.
func asUser(r *http.Request, user models.User) *http.Request {
	return r.WithContext(ContextWithUser(r.Context(), user))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
