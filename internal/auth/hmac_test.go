package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nirmalarya/autograph/internal/auth"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestHMACVerify(t *testing.T) {
	v := auth.NewHMACVerifier(testSecret)

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":                "user-42",
		"preferred_username": "alice",
		"email":              "alice@example.com",
		"exp":                time.Now().Add(time.Hour).Unix(),
	})
	id, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "user-42" || id.Username != "alice" || id.Email != "alice@example.com" {
		t.Errorf("unexpected identity %+v", id)
	}
	if id.Anonymous {
		t.Error("verified identity must not read as anonymous")
	}
}

func TestHMACUsernameFallbacks(t *testing.T) {
	v := auth.NewHMACVerifier(testSecret)

	token := signToken(t, testSecret, jwt.MapClaims{"sub": "user-42", "username": "bob"})
	if id, _ := v.Verify(context.Background(), token); id == nil || id.Username != "bob" {
		t.Errorf("expected username claim fallback, got %+v", id)
	}

	token = signToken(t, testSecret, jwt.MapClaims{"sub": "user-42"})
	if id, _ := v.Verify(context.Background(), token); id == nil || id.Username != "user-42" {
		t.Errorf("expected sub as last-resort username, got %+v", id)
	}
}

func TestHMACRejectsBadTokens(t *testing.T) {
	v := auth.NewHMACVerifier(testSecret)
	ctx := context.Background()

	if _, err := v.Verify(ctx, signToken(t, "wrong-secret", jwt.MapClaims{"sub": "x"})); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("wrong secret should fail with ErrInvalidToken, got %v", err)
	}
	if _, err := v.Verify(ctx, "not-a-jwt"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("garbage token should fail with ErrInvalidToken, got %v", err)
	}

	expired := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := v.Verify(ctx, expired); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("expired token should fail with ErrInvalidToken, got %v", err)
	}

	missingSub := signToken(t, testSecret, jwt.MapClaims{"username": "alice"})
	if _, err := v.Verify(ctx, missingSub); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("token without sub should fail with ErrInvalidToken, got %v", err)
	}
}

func TestAnonymousIdentity(t *testing.T) {
	a, b := auth.Anonymous(), auth.Anonymous()
	if !a.Anonymous || !strings.HasPrefix(a.UserID, "anon-") {
		t.Errorf("unexpected anonymous identity %+v", a)
	}
	if a.UserID == b.UserID {
		t.Error("anonymous ids must be unique per synthesis")
	}
}
