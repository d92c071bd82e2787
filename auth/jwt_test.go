package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func sign(t *testing.T, secret string, c jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestVerify(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	v, err := NewVerifier(testSecret, WithClock(func() time.Time { return now }), WithIssuer("signin"))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	valid := sign(t, testSecret, jwt.MapClaims{"userId": "u-1", "role": "User", "iss": "signin"})
	subOnly := sign(t, testSecret, jwt.MapClaims{"sub": "u-2", "iss": "signin"})
	expired := sign(t, testSecret, jwt.MapClaims{"userId": "u-1", "iss": "signin", "exp": now.Add(-time.Minute).Unix()})
	wrongKey := sign(t, "other", jwt.MapClaims{"userId": "u-1", "iss": "signin"})
	noUser := sign(t, testSecret, jwt.MapClaims{"role": "Admin", "iss": "signin"})
	wrongIssuer := sign(t, testSecret, jwt.MapClaims{"userId": "u-1", "iss": "elsewhere"})
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"userId": "u-1", "iss": "signin"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	if got, err := v.Verify(context.Background(), valid); err != nil || got != "u-1" {
		t.Fatalf("valid token: got %q, %v", got, err)
	}
	if got, err := v.Verify(context.Background(), subOnly); err != nil || got != "u-2" {
		t.Fatalf("sub token: got %q, %v", got, err)
	}
	for name, tok := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"expired":      expired,
		"wrong key":    wrongKey,
		"no user":      noUser,
		"wrong issuer": wrongIssuer,
		"alg none":     none,
	} {
		if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("  "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestVerifyHonorsCanceledContext(t *testing.T) {
	v, _ := NewVerifier(testSecret)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := v.Verify(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
