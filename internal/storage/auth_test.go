package storage

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestCreateUserNormalizesRolesAndEmail(t *testing.T) {
	store := newTestStorage(t)
	user, err := store.CreateUser(CreateUserParams{
		DisplayName: "Ada",
		Email:       " Ada@Example.COM ",
		Password:    "supersecret",
		Roles:       []string{"Admin", "creator", "admin", " "},
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Email != "ada@example.com" {
		t.Fatalf("expected lowercased email, got %q", user.Email)
	}
	if !reflect.DeepEqual(user.Roles, []string{"admin", "creator"}) {
		t.Fatalf("unexpected roles: %v", user.Roles)
	}
	if !strings.HasPrefix(user.PasswordHash, "pbkdf2$sha256$") {
		t.Fatalf("unexpected hash format: %q", user.PasswordHash)
	}
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	store := newTestStorage(t)
	createTestUser(t, store, "dup@example.com")
	if _, err := store.CreateUser(CreateUserParams{
		DisplayName: "Other",
		Email:       "DUP@example.com",
		Password:    "supersecret",
	}); err == nil {
		t.Fatalf("expected duplicate email rejection")
	}
}

func TestAuthenticateUser(t *testing.T) {
	store := newTestStorage(t)
	user := createTestUser(t, store, "login@example.com")

	got, err := store.AuthenticateUser("login@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("AuthenticateUser: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("unexpected user returned")
	}

	if _, err := store.AuthenticateUser("login@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := store.AuthenticateUser("nobody@example.com", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestSetUserPassword(t *testing.T) {
	store := newTestStorage(t)
	user := createTestUser(t, store, "rotate@example.com")

	if _, err := store.SetUserPassword(user.ID, "short"); err == nil {
		t.Fatalf("expected short password rejection")
	}
	if _, err := store.SetUserPassword(user.ID, "new-password"); err != nil {
		t.Fatalf("SetUserPassword: %v", err)
	}
	if _, err := store.AuthenticateUser("rotate@example.com", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should no longer work, got %v", err)
	}
	if _, err := store.AuthenticateUser("rotate@example.com", "new-password"); err != nil {
		t.Fatalf("new password should work: %v", err)
	}
}
