package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesSessionTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "pinpoint-auth",
		TokenTTL:      30 * time.Minute,
	})

	tokenString, expiresIn, err := issuer.IssueSessionToken(context.Background(), "user-123", "user@example.com")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}

	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	parser := jwt.NewParser()
	claims := &SessionClaims{}

	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.UserID != "user-123" {
		t.Fatalf("unexpected user id %s", claims.UserID)
	}
	if claims.UserEmail != "user@example.com" {
		t.Fatalf("unexpected email %s", claims.UserEmail)
	}
	if claims.Issuer != "pinpoint-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		Issuer:   "pinpoint-auth",
		TokenTTL: 30 * time.Minute,
	})
	if _, _, err := issuer.IssueSessionToken(context.Background(), "user-123", ""); err == nil {
		t.Fatalf("expected issuance to fail without a signing secret")
	}
}

func TestTokenIssuerRejectsMissingSubject(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
	})
	if _, _, err := issuer.IssueSessionToken(context.Background(), "   ", ""); err == nil {
		t.Fatalf("expected issuance to fail without a subject")
	}
}

func TestIssuedTokensValidate(t *testing.T) {
	clockNow := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }

	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte("super-secret"),
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	signed, _, err := issuer.IssueSessionToken(context.Background(), "user-42", "a@x.com")
	if err != nil {
		t.Fatalf("issuance failed: %v", err)
	}

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("round-trip validation failed: %v", err)
	}
	if claims.UserID != "user-42" || claims.UserEmail != "a@x.com" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}
