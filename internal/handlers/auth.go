package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/pliu/chatbox/internal/auth"
	"github.com/pliu/chatbox/internal/keys"
	"github.com/pliu/chatbox/internal/models"
	"github.com/pliu/chatbox/internal/store"
	"go.uber.org/zap"
)

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignupRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Location    string `json:"location,omitempty"`
	Designation string `json:"designation,omitempty"`
}

// SessionResponse hands the client its session token and its unwrapped
// private key. It is the only place the private key leaves the server.
type SessionResponse struct {
	Token      string `json:"token"`
	PrivateKey string `json:"privateKey"`
	UserID     string `json:"userId"`
}

type AuthHandler struct {
	Store  store.Store
	Tokens *auth.Tokens
	Log    *zap.Logger
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Name == "" || req.Email == "" || req.Password == "" {
		http.Error(w, "Name, email and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	kp, err := keys.GenerateKeyPair()
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	wrapped, err := keys.WrapPrivate(kp.Private, req.Password)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	user := &models.User{
		Name:                req.Name,
		Email:               req.Email,
		Password:            hashedPassword,
		Location:            req.Location,
		Designation:         req.Designation,
		PublicKey:           kp.Public,
		EncryptedPrivateKey: wrapped,
	}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			http.Error(w, "Email already registered", http.StatusConflict)
			return
		}
		writeError(w, h.Log, err)
		return
	}

	token, err := h.Tokens.Issue(user.ID, user.Name)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.Log.Info("user signed up", zap.String("user_id", user.ID))
	writeJSON(w, http.StatusCreated, SessionResponse{Token: token, PrivateKey: kp.Private, UserID: user.ID})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decodeJSON(r, &creds); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.Store.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(creds.Email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		writeError(w, h.Log, err)
		return
	}
	if !auth.CheckPassword(user.Password, creds.Password) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	private, err := keys.UnwrapPrivate(user.EncryptedPrivateKey, creds.Password)
	if err != nil {
		h.Log.Error("unwrap private key", zap.String("user_id", user.ID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	token, err := h.Tokens.Issue(user.ID, user.Name)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.Log.Info("user logged in", zap.String("user_id", user.ID))
	writeJSON(w, http.StatusOK, SessionResponse{Token: token, PrivateKey: private, UserID: user.ID})
}
