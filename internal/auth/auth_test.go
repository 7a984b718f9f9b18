package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/zswll2/olmocr-api/internal/config"
)

func newTestStore(t *testing.T, users ...config.User) *CredentialStore {
	t.Helper()
	store, err := NewCredentialStore(users)
	if err != nil {
		t.Fatalf("failed to build credential store: %v", err)
	}
	return store
}

func TestAuthenticate(t *testing.T) {
	store := newTestStore(t, config.User{Username: "admin", Password: "secret"})

	u, err := store.Authenticate("admin", "secret")
	if err != nil {
		t.Fatalf("expected login to succeed, got %v", err)
	}
	if u.Username != "admin" {
		t.Errorf("expected username admin, got %q", u.Username)
	}

	if _, err := store.Authenticate("admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := store.Authenticate("nobody", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticatePreHashedPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	store := newTestStore(t, config.User{Username: "ops", Password: string(hash)})

	if _, err := store.Authenticate("ops", "hunter2"); err != nil {
		t.Fatalf("expected pre-hashed login to succeed, got %v", err)
	}
	// The stored hash must not be treated as the password itself.
	if _, err := store.Authenticate("ops", string(hash)); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected hash-as-password login to fail, got %v", err)
	}
}

func TestNewCredentialStoreRejectsBadAccounts(t *testing.T) {
	if _, err := NewCredentialStore([]config.User{{Username: "", Password: "x"}}); err == nil {
		t.Error("expected error for empty username")
	}
	dup := []config.User{
		{Username: "admin", Password: "a"},
		{Username: "admin", Password: "b"},
	}
	if _, err := NewCredentialStore(dup); err == nil {
		t.Error("expected error for duplicate username")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService([]byte("test-signing-secret"), time.Minute)

	token, err := svc.Issue("admin")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if token == "" {
		t.Fatal("issued an empty token")
	}

	subject, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("failed to verify freshly issued token: %v", err)
	}
	if subject != "admin" {
		t.Errorf("expected subject admin, got %q", subject)
	}
}

func TestTokenExpired(t *testing.T) {
	svc := NewTokenService([]byte("test-signing-secret"), -time.Minute)

	token, err := svc.Issue("admin")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if _, err := svc.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenInvalid(t *testing.T) {
	svc := NewTokenService([]byte("test-signing-secret"), time.Minute)
	other := NewTokenService([]byte("a-different-secret"), time.Minute)

	token, err := other.Issue("admin")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	cases := map[string]string{
		"foreign signature": token,
		"garbage":           "not-a-token",
		"empty":             "",
	}
	for name, raw := range cases {
		if _, err := svc.Verify(raw); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("%s: expected ErrTokenInvalid, got %v", name, err)
		}
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("failed to generate secret: %v", err)
	}
	b, err := GenerateSecret()
	if err != nil {
		t.Fatalf("failed to generate secret: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a == b {
		t.Error("expected two generated secrets to differ")
	}
	if strings.ToLower(a) != a {
		t.Errorf("expected lowercase hex, got %q", a)
	}
}
