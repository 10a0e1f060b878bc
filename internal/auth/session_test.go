package auth

import (
	"context"
	"testing"
	"time"
)

func TestCreateAndValidateSession(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	ctx := context.Background()

	token, expires, err := manager.Create(ctx, "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if token == "" {
		t.Fatal("expected a token")
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected future expiry, got %v", expires)
	}

	userID, _, ok, err := manager.Validate(ctx, token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok || userID != "user-1" {
		t.Fatalf("expected user-1, got %q (ok=%v)", userID, ok)
	}
}

func TestCreateRequiresUserID(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	if _, _, err := manager.Create(context.Background(), ""); err != ErrInvalidUserID {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	if _, _, ok, err := manager.Validate(context.Background(), "bogus"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if _, _, ok, _ := manager.Validate(context.Background(), ""); ok {
		t.Fatal("empty token must not validate")
	}
}

func TestValidateExpiresSessions(t *testing.T) {
	current := time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)
	manager := NewSessionManager(time.Hour, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	token, _, err := manager.Create(ctx, "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	current = current.Add(2 * time.Hour)
	if _, _, ok, err := manager.Validate(ctx, token); err != nil || ok {
		t.Fatalf("expected expired session, got ok=%v err=%v", ok, err)
	}
	// Expired sessions are removed on first sight.
	store := manager.store.(*MemorySessionStore)
	if _, found, _ := store.Get(ctx, HashToken(token)); found {
		t.Fatal("expired session should be deleted")
	}
}

func TestIdleTimeoutSlidesExpiryUpToAbsoluteTTL(t *testing.T) {
	current := time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)
	manager := NewSessionManager(time.Hour,
		WithIdleTimeout(15*time.Minute),
		WithClock(func() time.Time { return current }),
	)
	ctx := context.Background()

	token, expires, err := manager.Create(ctx, "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := expires.Sub(current); got != 15*time.Minute {
		t.Fatalf("expected idle expiry 15m out, got %v", got)
	}

	current = current.Add(10 * time.Minute)
	_, refreshed, ok, err := manager.Validate(ctx, token)
	if err != nil || !ok {
		t.Fatalf("Validate: ok=%v err=%v", ok, err)
	}
	if got := refreshed.Sub(current); got != 15*time.Minute {
		t.Fatalf("expected refreshed expiry 15m out, got %v", got)
	}

	// Near the absolute TTL the refresh is capped.
	current = current.Add(45 * time.Minute)
	_, capped, ok, err := manager.Validate(ctx, token)
	if err != nil || !ok {
		t.Fatalf("Validate near TTL: ok=%v err=%v", ok, err)
	}
	absolute := time.Date(2025, time.June, 1, 11, 0, 0, 0, time.UTC)
	if !capped.Equal(absolute) {
		t.Fatalf("expected expiry capped at %v, got %v", absolute, capped)
	}

	current = current.Add(10 * time.Minute)
	if _, _, ok, _ := manager.Validate(ctx, token); ok {
		t.Fatal("session must not outlive absolute TTL")
	}
}

func TestRevokeDeletesSession(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	ctx := context.Background()

	token, _, err := manager.Create(ctx, "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := manager.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, _, ok, _ := manager.Validate(ctx, token); ok {
		t.Fatal("revoked session must not validate")
	}
	if err := manager.Revoke(ctx, ""); err != nil {
		t.Fatalf("revoking empty token: %v", err)
	}
}

func TestPurgeExpiredRemovesOnlyStaleSessions(t *testing.T) {
	current := time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store), WithClock(func() time.Time { return current }))
	ctx := context.Background()

	stale, _, err := manager.Create(ctx, "user-1")
	if err != nil {
		t.Fatalf("Create stale: %v", err)
	}
	current = current.Add(30 * time.Minute)
	fresh, _, err := manager.Create(ctx, "user-2")
	if err != nil {
		t.Fatalf("Create fresh: %v", err)
	}

	current = current.Add(45 * time.Minute)
	if err := manager.PurgeExpired(ctx); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if _, found, _ := store.Get(ctx, HashToken(stale)); found {
		t.Fatal("stale session should be purged")
	}
	if _, found, _ := store.Get(ctx, HashToken(fresh)); !found {
		t.Fatal("fresh session should survive")
	}
}

func TestStoreKeysAreHashed(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store))
	token, _, err := manager.Create(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, found, _ := store.Get(context.Background(), token); found {
		t.Fatal("raw token must not be a store key")
	}
	if _, found, _ := store.Get(context.Background(), HashToken(token)); !found {
		t.Fatal("hashed token should be the store key")
	}
}
