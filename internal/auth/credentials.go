package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/zswll2/olmocr-api/internal/config"
)

// ErrInvalidCredentials is returned for any failed login attempt. Unknown
// usernames and wrong passwords are indistinguishable to the caller.
var ErrInvalidCredentials = errors.New("invalid username or password")

// User is an account record held in memory for the process lifetime.
type User struct {
	Username     string
	PasswordHash string
}

// CredentialStore verifies login attempts against the configured accounts.
// Records are immutable after construction, so lookups need no locking.
type CredentialStore struct {
	users map[string]User
	// dummyHash keeps rejection timing uniform for unknown usernames.
	dummyHash []byte
}

// NewCredentialStore hashes any plaintext passwords and indexes the
// accounts by username.
func NewCredentialStore(users []config.User) (*CredentialStore, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("olmocr-dummy-credential"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("generate dummy hash: %w", err)
	}

	s := &CredentialStore{users: make(map[string]User, len(users)), dummyHash: dummy}
	for _, u := range users {
		if u.Username == "" {
			return nil, errors.New("account with empty username")
		}
		if _, dup := s.users[u.Username]; dup {
			return nil, fmt.Errorf("duplicate username %q", u.Username)
		}
		hash := u.Password
		if !isBcryptHash(hash) {
			hashed, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash password for %s: %w", u.Username, err)
			}
			hash = string(hashed)
		}
		s.users[u.Username] = User{Username: u.Username, PasswordHash: hash}
	}
	return s, nil
}

// Authenticate verifies a username/password pair and returns the matching
// account.
func (s *CredentialStore) Authenticate(username, password string) (User, error) {
	u, ok := s.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Lookup returns the account for a username, if one exists.
func (s *CredentialStore) Lookup(username string) (User, bool) {
	u, ok := s.users[username]
	return u, ok
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
