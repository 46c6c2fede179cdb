package auth

import (
	"errors"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := New("test-jwt-secret")

	token, err := svc.GenerateToken("u1", "Sara")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != "u1" || claims.FullName != "Sara" {
		t.Errorf("Unexpected claims: %+v", claims)
	}
}

func TestValidateTokenRejects(t *testing.T) {
	svc := New("test-jwt-secret")

	other, _ := New("other-secret").GenerateToken("u1", "")
	if _, err := svc.ValidateToken(other); err == nil {
		t.Error("Expected error for token signed with another secret")
	}

	expired, _ := NewWithTokenTTL("test-jwt-secret", time.Nanosecond).GenerateToken("u1", "")
	time.Sleep(time.Millisecond)
	if _, err := svc.ValidateToken(expired); err == nil {
		t.Error("Expected error for expired token")
	}

	if _, err := svc.ValidateToken("not-a-token"); err == nil {
		t.Error("Expected error for garbage token")
	}

	if _, err := svc.GenerateToken("  ", ""); !errors.Is(err, ErrMissingUserID) {
		t.Errorf("Expected ErrMissingUserID, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc": "abc",
		"bearer abc": "abc",
		"Basic abc":  "",
		"Bearer ":    "",
		"":           "",
	}
	for header, want := range cases {
		if got := BearerToken(header); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
