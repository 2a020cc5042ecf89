package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/pliu/chatbox/internal/auth"
	"github.com/pliu/chatbox/internal/keys"
)

func TestSignup(t *testing.T) {
	a := newAPI(t)
	resp := a.signup(t, "testuser")

	if resp.Token == "" || resp.UserID == "" || resp.PrivateKey == "" {
		t.Fatalf("incomplete session response: %+v", resp)
	}
	if id, err := a.tokens.Verify(resp.Token); err != nil || id != resp.UserID {
		t.Errorf("token does not verify for user: %v", err)
	}

	user, err := a.store.GetUserByID(context.Background(), resp.UserID)
	if err != nil {
		t.Fatalf("user not stored: %v", err)
	}
	pub, err := keys.PublicFromPrivate(resp.PrivateKey)
	if err != nil || pub != user.PublicKey {
		t.Error("stored public key must match the issued private key")
	}
	if user.EncryptedPrivateKey == "" || strings.Contains(user.EncryptedPrivateKey, resp.PrivateKey) {
		t.Error("private key must only be stored wrapped")
	}
	if !auth.CheckPassword(user.Password, "password123") {
		t.Error("password must be stored as a bcrypt hash")
	}

	// Test duplicate user
	rr := a.do(t, "POST", "/api/signup", "", SignupRequest{Name: "x", Email: "testuser@example.com", Password: "p"})
	if rr.Code != http.StatusConflict {
		t.Errorf("handler returned wrong status code for duplicate user: got %v want %v",
			rr.Code, http.StatusConflict)
	}

	rr = a.do(t, "POST", "/api/signup", "", SignupRequest{Name: "x", Email: "y@example.com"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing password, got %d", rr.Code)
	}
}

func TestLogin(t *testing.T) {
	a := newAPI(t)
	signed := a.signup(t, "testuser")

	rr := a.do(t, "POST", "/api/login", "", Credentials{Email: "TestUser@example.com", Password: "password123"})
	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	var resp SessionResponse
	decodeBody(t, rr, &resp)
	if resp.UserID != signed.UserID {
		t.Errorf("expected user %s, got %s", signed.UserID, resp.UserID)
	}
	if resp.PrivateKey != signed.PrivateKey {
		t.Error("login must hand back the same private key issued at signup")
	}

	for _, creds := range []Credentials{
		{Email: "testuser@example.com", Password: "wrong"},
		{Email: "nobody@example.com", Password: "password123"},
	} {
		rr := a.do(t, "POST", "/api/login", "", creds)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected 401 for %s, got %d", creds.Email, rr.Code)
		}
	}
}
