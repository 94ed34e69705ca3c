// Package auth implements the auth plugin: a YAML-declared user registry
// with SHA-256 password digests, HS256 bearer tokens, and
// per-user model allowlists.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/chatkit/internal/plugins"
)

var (
	// ErrInvalidCredentials hides whether the username or the password was
	// wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken covers expired, malformed and forged tokens alike.
	ErrInvalidToken = errors.New("invalid token")

	// ErrPermissionDenied reports a model-access denial.
	ErrPermissionDenied = errors.New("model access denied")
)

// User is one declared account. AllowedModels supports the wildcard "*".
type User struct {
	ID             string   `yaml:"id"`
	Username       string   `yaml:"username"`
	PasswordSHA256 string   `yaml:"password_sha256"`
	AllowedModels  []string `yaml:"allowed_models"`
}

type usersFile struct {
	Users []User `yaml:"users"`
}

// Service is the auth plugin.
type Service struct {
	secret []byte
	expiry time.Duration

	mu         sync.RWMutex
	byUsername map[string]User
	byID       map[string]User
}

// NewService creates the auth plugin. expiry <= 0 issues non-expiring
// tokens.
func NewService(secret string, expiry time.Duration) *Service {
	return &Service{
		secret:     []byte(secret),
		expiry:     expiry,
		byUsername: make(map[string]User),
		byID:       make(map[string]User),
	}
}

func (s *Service) Name() string       { return "yaml-auth" }
func (s *Service) Role() plugins.Role { return plugins.RoleAuth }
func (s *Service) Priority() int      { return 0 }

// LoadFile replaces the user registry from a YAML file.
func (s *Service) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}
	var file usersFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse users file: %w", err)
	}
	return s.SetUsers(file.Users)
}

// SetUsers replaces the user registry.
func (s *Service) SetUsers(users []User) error {
	byUsername := make(map[string]User, len(users))
	byID := make(map[string]User, len(users))
	for _, u := range users {
		if u.ID == "" || u.Username == "" {
			return fmt.Errorf("user entry needs id and username: %+v", u)
		}
		if _, dup := byUsername[u.Username]; dup {
			return fmt.Errorf("duplicate username %q", u.Username)
		}
		if _, dup := byID[u.ID]; dup {
			return fmt.Errorf("duplicate user id %q", u.ID)
		}
		byUsername[u.Username] = u
		byID[u.ID] = u
	}
	s.mu.Lock()
	s.byUsername = byUsername
	s.byID = byID
	s.mu.Unlock()
	return nil
}

// HashPassword digests a password the way the users file stores it.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Authenticate checks a username/password pair and returns the user id.
func (s *Service) Authenticate(_ context.Context, username, password string) (string, error) {
	s.mu.RLock()
	user, ok := s.byUsername[username]
	s.mu.RUnlock()

	supplied := HashPassword(password)
	stored := user.PasswordSHA256
	if !ok {
		// Burn the comparison anyway so a missing user costs the same as
		// a wrong password.
		stored = supplied + "x"
	}
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(strings.ToLower(stored))) != 1 || !ok {
		return "", ErrInvalidCredentials
	}
	return user.ID, nil
}

// IssueToken signs a bearer token for the user.
func (s *Service) IssueToken(_ context.Context, userID string) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("auth secret not configured")
	}
	s.mu.RLock()
	_, ok := s.byID[userID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown user %q", userID)
	}

	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyToken validates a bearer token and returns the user id it names.
func (s *Service) VerifyToken(_ context.Context, token string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}

	s.mu.RLock()
	_, known := s.byID[claims.Subject]
	s.mu.RUnlock()
	if !known {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// AuthorizeModel checks the user's model allowlist. An empty model name
// defers to the provider default and is always allowed.
func (s *Service) AuthorizeModel(_ context.Context, userID, model string) error {
	if model == "" {
		return nil
	}
	s.mu.RLock()
	user, ok := s.byID[userID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown user %q", ErrPermissionDenied, userID)
	}
	for _, allowed := range user.AllowedModels {
		if allowed == "*" || allowed == model {
			return nil
		}
	}
	return fmt.Errorf("%w: user %q cannot use model %q", ErrPermissionDenied, userID, model)
}
