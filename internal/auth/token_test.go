package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestIssueAndVerifyToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Identity{ID: "user-1", Name: "Avery", Email: "Avery@Example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	identity, err := NewHMACVerifier(secret).Verify(issued)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.ID != "user-1" || identity.Name != "Avery" || identity.Email != "avery@example.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Identity{ID: "user-1"}, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := NewHMACVerifier(secret).Verify(issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	secret := []byte("secret")
	verifier := NewHMACVerifier(secret)

	wrongKey, _ := IssueToken([]byte("other"), Identity{ID: "user-1"}, time.Hour)
	noSubject, _ := IssueToken(secret, Identity{}, time.Hour)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}).SignedString(secret)
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"wrong key":  wrongKey,
		"no subject": noSubject,
		"no expiry":  noExpiry,
		"alg none":   unsigned,
		"garbage":    "not-a-token",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
	if _, err := verifier.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("Verify(\"\") error = %v, want ErrMissingToken", err)
	}
}

func TestVerifyWithJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test-key",
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	defer jwksServer.Close()

	verifier, err := NewJWKSVerifier(jwksServer.URL, "collabboard", "https://id.example.com/", nil)
	if err != nil {
		t.Fatalf("NewJWKSVerifier() error = %v", err)
	}
	defer verifier.Close()

	sign := func(audience string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
			Name: "Robin",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "auth0|robin",
				Audience:  jwt.ClaimStrings{audience},
				Issuer:    "https://id.example.com/",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		token.Header["kid"] = "test-key"
		signed, err := token.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return signed
	}

	identity, err := verifier.Verify(sign("collabboard"))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.ID != "auth0|robin" || identity.Name != "Robin" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if _, err := verifier.Verify(sign("someone-else")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() with wrong audience error = %v, want ErrInvalidToken", err)
	}

	hmacToken, _ := IssueToken([]byte("secret"), Identity{ID: "user-1"}, time.Hour)
	if _, err := verifier.Verify(hmacToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("HS256 token accepted by JWKS verifier: %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/ws?token=from-query", nil)
	if got := TokenFromRequest(req); got != "from-query" {
		t.Fatalf("TokenFromRequest() = %q, want from-query", got)
	}
	req.Header.Set("Authorization", "Bearer from-header")
	if got := TokenFromRequest(req); got != "from-header" {
		t.Fatalf("TokenFromRequest() = %q, want from-header", got)
	}
}
