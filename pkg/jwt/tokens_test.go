package jwt

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func TestVerifyRoundTrip(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	token, err := GenerateToken(42, testSecret, 0, now)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	id, ok := Verify(token, testSecret, now)
	if !ok || id != 42 {
		t.Fatalf("expected user 42, got %d ok=%v", id, ok)
	}

	claims, err := Parse(token, testSecret, jwtlib.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "42" || claims.Issuer != Issuer {
		t.Fatalf("unexpected claims: %+v", claims.RegisteredClaims)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != DefaultTTL {
		t.Fatalf("expected one day lifetime, got %s", got)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	token, err := GenerateToken(7, testSecret, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if _, ok := Verify(token, testSecret, now.Add(23*time.Hour)); !ok {
		t.Fatalf("token should still be valid before expiry")
	}
	if _, ok := Verify(token, testSecret, now.Add(25*time.Hour)); ok {
		t.Fatalf("token must be rejected after expiry")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	now := time.Now()
	token, err := GenerateToken(7, testSecret, time.Hour, now)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	dot := strings.LastIndex(token, ".")
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	for i := range sig {
		tampered := make([]byte, len(sig))
		copy(tampered, sig)
		tampered[i] ^= 0xff
		candidate := token[:dot+1] + base64.RawURLEncoding.EncodeToString(tampered)
		if _, ok := Verify(candidate, testSecret, now); ok {
			t.Fatalf("tampered signature byte %d accepted", i)
		}
	}
}

func TestVerifyRejectsWrongSecretAndGarbage(t *testing.T) {
	now := time.Now()
	token, err := GenerateToken(7, testSecret, time.Hour, now)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if _, ok := Verify(token, "other-secret", now); ok {
		t.Fatalf("token signed with another secret accepted")
	}
	for _, raw := range []string{"", "garbage", "a.b.c"} {
		if _, ok := Verify(raw, testSecret, now); ok {
			t.Fatalf("garbage token %q accepted", raw)
		}
	}
}

func TestVerifyRejectsUnexpectedAlgorithm(t *testing.T) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwtlib.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   "7",
		ExpiresAt: jwtlib.NewNumericDate(now.Add(time.Hour)),
	}}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, ok := Verify(token, testSecret, now); ok {
		t.Fatalf("HS512 token accepted")
	}
}

func TestVerifyRejectsNonNumericSubject(t *testing.T) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwtlib.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   "github-user",
		ExpiresAt: jwtlib.NewNumericDate(now.Add(time.Hour)),
	}}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, ok := Verify(token, testSecret, now); ok {
		t.Fatalf("non numeric subject accepted")
	}
}
