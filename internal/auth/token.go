package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/tullo/chatlink/internal/models"
)

// TokenSource supplies the bearer token. Refresh is called after the broker
// rejects the current token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// RefreshFunc obtains a new token from the credential collaborator.
type RefreshFunc func(ctx context.Context) (string, error)

// StaticSource serves a fixed token and optionally refreshes it.
type StaticSource struct {
	mu      sync.Mutex
	token   string
	refresh RefreshFunc
}

// NewStaticSource creates a token source. refresh may be nil.
func NewStaticSource(token string, refresh RefreshFunc) *StaticSource {
	return &StaticSource{token: token, refresh: refresh}
}

func (s *StaticSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", errors.Wrap(models.ErrAuth, "no token available")
	}
	return s.token, nil
}

func (s *StaticSource) Refresh(ctx context.Context) (string, error) {
	if s.refresh == nil {
		return "", errors.Wrap(models.ErrAuth, "token refresh not supported")
	}
	tok, err := s.refresh(ctx)
	if err != nil {
		return "", errors.Wrap(models.ErrAuth, err.Error())
	}
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	return tok, nil
}

// ExpiresAt returns the exp claim of a JWT without verifying the signature.
// ok is false when the token is opaque or carries no exp.
func ExpiresAt(token string) (exp time.Time, ok bool) {
	token = strings.TrimPrefix(token, "Bearer ")
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	t, err := claims.GetExpirationTime()
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return t.Time, true
}

// CheckExpiry fails with ErrAuth if token is a JWT that expired before now.
// Opaque tokens always pass.
func CheckExpiry(token string, now time.Time) error {
	exp, ok := ExpiresAt(token)
	if ok && !exp.After(now) {
		return errors.Wrapf(models.ErrAuth, "token expired at %s", exp.Format(time.RFC3339))
	}
	return nil
}

// BearerHeader formats the Authorization header value.
func BearerHeader(token string) string {
	if strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bearer " + token
}
