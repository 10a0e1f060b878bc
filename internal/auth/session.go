package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrInvalidUserID is returned when creating a session without a user.
var ErrInvalidUserID = errors.New("user id is required")

// SessionRecord is one stored session. Only the SHA-256 hash of the token is
// persisted; the raw token exists solely in the client's cookie.
type SessionRecord struct {
	TokenHash         string
	UserID            string
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
}

// SessionStore persists session records keyed by token hash.
type SessionStore interface {
	Save(ctx context.Context, record SessionRecord) error
	Get(ctx context.Context, tokenHash string) (SessionRecord, bool, error)
	Delete(ctx context.Context, tokenHash string) error
	PurgeExpired(ctx context.Context, now time.Time) error
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithStore injects a custom SessionStore implementation.
func WithStore(store SessionStore) SessionOption {
	return func(m *SessionManager) {
		if store != nil {
			m.store = store
		}
	}
}

// WithTokenLength sets the random byte length of newly issued tokens.
func WithTokenLength(length int) SessionOption {
	return func(m *SessionManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// WithIdleTimeout enables sliding expiry: each successful Validate extends the
// session by the timeout, capped at the absolute TTL.
func WithIdleTimeout(timeout time.Duration) SessionOption {
	return func(m *SessionManager) {
		if timeout > 0 {
			m.idleTimeout = timeout
		}
	}
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// SessionManager issues, validates, and revokes opaque session tokens.
type SessionManager struct {
	store       SessionStore
	absoluteTTL time.Duration
	idleTimeout time.Duration
	tokenLength int
	now         func() time.Time
}

// NewSessionManager constructs a manager with the provided absolute TTL,
// defaulting to seven days and an in-memory store when none is supplied.
func NewSessionManager(ttl time.Duration, opts ...SessionOption) *SessionManager {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	manager := &SessionManager{
		absoluteTTL: ttl,
		tokenLength: 32,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemorySessionStore()
	}
	return manager
}

// Create issues a new session token for the user and returns the raw token
// with its current expiry.
func (m *SessionManager) Create(ctx context.Context, userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidUserID
	}
	token, err := generateToken(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	now := m.now()
	absolute := now.Add(m.absoluteTTL)
	expires := absolute
	if m.idleTimeout > 0 {
		expires = now.Add(m.idleTimeout)
		if expires.After(absolute) {
			expires = absolute
		}
	}
	record := SessionRecord{
		TokenHash:         HashToken(token),
		UserID:            userID,
		ExpiresAt:         expires.UTC(),
		AbsoluteExpiresAt: absolute.UTC(),
	}
	if err := m.store.Save(ctx, record); err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Validate resolves a raw token to its user, refreshing the sliding expiry
// when idle timeout is configured. Expired sessions are deleted on sight.
func (m *SessionManager) Validate(ctx context.Context, token string) (string, time.Time, bool, error) {
	if token == "" {
		return "", time.Time{}, false, nil
	}
	hash := HashToken(token)
	record, ok, err := m.store.Get(ctx, hash)
	if err != nil {
		return "", time.Time{}, false, err
	}
	if !ok {
		return "", time.Time{}, false, nil
	}
	now := m.now()
	absolute := record.AbsoluteExpiresAt
	if absolute.IsZero() {
		absolute = record.ExpiresAt
	}
	if now.After(record.ExpiresAt) || now.After(absolute) {
		_ = m.store.Delete(ctx, hash)
		return "", time.Time{}, false, nil
	}
	expires := record.ExpiresAt
	if m.idleTimeout > 0 {
		refreshed := now.Add(m.idleTimeout)
		if refreshed.After(absolute) {
			refreshed = absolute
		}
		if refreshed.After(record.ExpiresAt) {
			record.ExpiresAt = refreshed.UTC()
			if err := m.store.Save(ctx, record); err != nil {
				return "", time.Time{}, false, err
			}
			expires = refreshed
		}
	}
	return record.UserID, expires, true, nil
}

// Revoke deletes the session for a raw token.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return m.store.Delete(ctx, HashToken(token))
}

// PurgeExpired removes expired sessions from the backing store.
func (m *SessionManager) PurgeExpired(ctx context.Context) error {
	return m.store.PurgeExpired(ctx, m.now())
}

// Ping verifies the backing store is reachable when it exposes a ping method.
func (m *SessionManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// HashToken returns the hex SHA-256 digest a store keys sessions by.
func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

func generateToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
