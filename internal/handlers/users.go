package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pliu/chatbox/internal/middleware"
	"github.com/pliu/chatbox/internal/store"
	"go.uber.org/zap"
)

// StatusSetter persists and broadcasts a user's status.
type StatusSetter interface {
	SetStatus(ctx context.Context, userID, status string) error
}

type UserHandler struct {
	Store    store.Store
	Presence StatusSetter
	Log      *zap.Logger
}

type StatusRequest struct {
	Status string `json:"status"`
}

func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "me" {
		id = middleware.UserID(r.Context())
	}
	user, err := h.Store.GetUserByID(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Status = strings.TrimSpace(req.Status)
	if req.Status == "" || len(req.Status) > 140 {
		http.Error(w, "Status must be between 1 and 140 characters", http.StatusBadRequest)
		return
	}

	userID := middleware.UserID(r.Context())
	if err := h.Presence.SetStatus(r.Context(), userID, req.Status); err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
