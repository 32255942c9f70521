package metadata

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/leapstack-labs/leaplineage/internal/config"
)

// ErrTokenExpired is returned when the configured JWT has expired.
var ErrTokenExpired = errors.New("jwt token expired")

// AuthProvider decorates outgoing requests with credentials.
type AuthProvider interface {
	Authorize(req *http.Request) error
}

// NewAuthProvider builds the provider named by cfg.AuthProvider.
func NewAuthProvider(cfg config.MetadataConfig) (AuthProvider, error) {
	switch cfg.AuthProvider {
	case config.AuthNoAuth, "":
		return noAuth{}, nil
	case config.AuthOpenMetadata:
		return newJWTAuth(cfg.JWTToken, time.Now)
	default:
		return nil, fmt.Errorf("unknown auth provider %q", cfg.AuthProvider)
	}
}

type noAuth struct{}

func (noAuth) Authorize(*http.Request) error { return nil }

// jwtAuth sends a bot JWT as a bearer token. The token is not verified
// locally; only its expiry is checked so a stale token fails fast.
type jwtAuth struct {
	token     string
	expiresAt time.Time // zero when the token has no exp claim
	now       func() time.Time
}

func newJWTAuth(token string, now func() time.Time) (*jwtAuth, error) {
	if token == "" {
		return nil, fmt.Errorf("jwt token is empty")
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse jwt token: %w", err)
	}

	a := &jwtAuth{token: token, now: now}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("invalid exp claim: %w", err)
	}
	if exp != nil {
		a.expiresAt = exp.Time
	}
	if a.expired() {
		return nil, fmt.Errorf("%w at %s", ErrTokenExpired, a.expiresAt.Format(time.RFC3339))
	}
	return a, nil
}

func (a *jwtAuth) expired() bool {
	return !a.expiresAt.IsZero() && !a.now().Before(a.expiresAt)
}

func (a *jwtAuth) Authorize(req *http.Request) error {
	if a.expired() {
		return fmt.Errorf("%w at %s", ErrTokenExpired, a.expiresAt.Format(time.RFC3339))
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	return nil
}
