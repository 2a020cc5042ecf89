package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueVerify(t *testing.T) {
	tokens := NewTokens([]byte("test-secret"), time.Hour)

	token, err := tokens.Issue("user-1", "Alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantID  string
		wantErr error
	}{
		{name: "Valid Token", token: token, wantID: "user-1"},
		{name: "Bearer Prefix", token: "Bearer " + token, wantID: "user-1"},
		{name: "Missing Token", token: "", wantErr: ErrMissingToken},
		{name: "Garbage", token: "abc.def.ghi", wantErr: ErrInvalidToken},
		{name: "Tampered Signature", token: token[:len(token)-2] + "xx", wantErr: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tokens.Verify(tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if id != tt.wantID {
				t.Errorf("Expected user id %s, got %s", tt.wantID, id)
			}
		})
	}
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	token, _ := NewTokens([]byte("a"), time.Hour).Issue("user-1", "")
	if _, err := NewTokens([]byte("b"), time.Hour).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	tokens := NewTokens([]byte("secret"), time.Minute)
	issued := time.Now().Add(-time.Hour)
	tokens.nowFn = func() time.Time { return issued }
	token, err := tokens.Issue("user-1", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	tokens.nowFn = time.Now
	if _, err := tokens.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("password123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword(hash, "password123") {
		t.Error("Expected password to match")
	}
	if CheckPassword(hash, "nope") {
		t.Error("Expected wrong password to be rejected")
	}
}
