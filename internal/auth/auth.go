// Package auth verifies opaque bearer tokens against the external identity
// provider. The engine never issues tokens; it only introspects them into an
// Identity, or synthesizes an anonymous one when the deployment allows
// degraded admission.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nirmalarya/autograph/pkg/config"
)

// Identity is the verified subject behind a connection.
type Identity struct {
	UserID    string
	Username  string
	Email     string
	Anonymous bool
}

// Verifier turns a bearer token into an Identity or an error.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

var ErrInvalidToken = errors.New("invalid token")

// New builds a verifier from config.
func New(ctx context.Context, cfg config.AuthConfig, logger *slog.Logger) (Verifier, error) {
	switch cfg.Mode {
	case "hmac":
		return NewHMACVerifier(cfg.JWTSecret), nil
	case "jwks":
		return NewJWKSVerifier(ctx, cfg.JWKSURL, logger)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// Anonymous synthesizes a guest identity for degraded admission.
func Anonymous() *Identity {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return &Identity{
		UserID:    "anon-" + suffix,
		Username:  "guest-" + suffix,
		Anonymous: true,
	}
}

// claims is the token payload shape both verifiers understand. Keycloak-style
// issuers use preferred_username; simpler issuers use username.
type claims struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	Username          string `json:"username,omitempty"`
	Email             string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func (c *claims) identity() (*Identity, error) {
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	username := c.PreferredUsername
	if username == "" {
		username = c.Username
	}
	if username == "" {
		username = c.Email
	}
	if username == "" {
		username = c.Subject
	}
	return &Identity{
		UserID:   c.Subject,
		Username: username,
		Email:    c.Email,
	}, nil
}
