package services

import (
	"errors"
	"testing"
)

func TestTokens_RoundTrip(t *testing.T) {
	tokens := NewTokens("test-secret")

	access, err := tokens.GenerateJWT("user-1", "alice")
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	claims, err := tokens.ValidateToken(access)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims["user_id"] != "user-1" || claims["username"] != "alice" {
		t.Errorf("claims = %v", claims)
	}

	if _, err := tokens.ValidateRefreshToken(access); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("access token accepted as refresh token: %v", err)
	}

	refresh, err := tokens.GenerateRefreshToken("user-1", "alice")
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}
	if _, err := tokens.ValidateToken(refresh); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("refresh token accepted as access token: %v", err)
	}
	if _, err := tokens.ValidateRefreshToken(refresh); err != nil {
		t.Errorf("ValidateRefreshToken: %v", err)
	}
}

func TestTokens_WrongSecret(t *testing.T) {
	token, _ := NewTokens("one").GenerateJWT("user-1", "alice")
	if _, err := NewTokens("two").ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}
