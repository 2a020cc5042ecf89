package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/chatbox/internal/middleware"
	"github.com/pliu/chatbox/internal/models"
	"github.com/pliu/chatbox/internal/permissions"
	"github.com/pliu/chatbox/internal/store"
	"go.uber.org/zap"
)

type GroupHandler struct {
	Store       store.Store
	Permissions *permissions.Service
	Log         *zap.Logger
}

type CreateGroupRequest struct {
	Name string `json:"name"`
}

type MemberRequest struct {
	UserID          string `json:"userId"`
	CanSendMessages bool   `json:"canSendMessages"`
}

func (h *GroupHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	g, err := h.Permissions.CreateGroup(r.Context(), middleware.UserID(r.Context()), req.Name)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// GetGroups lists the groups the caller created or belongs to.
func (h *GroupHandler) GetGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Store.GetUserGroups(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *GroupHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	h.mutateMember(w, r, h.Permissions.AddMember)
}

func (h *GroupHandler) SetPermission(w http.ResponseWriter, r *http.Request) {
	h.mutateMember(w, r, h.Permissions.SetPermission)
}

type memberMutation func(ctx context.Context, actorID, groupID, userID string, canSend bool) (*models.Group, error)

func (h *GroupHandler) mutateMember(w http.ResponseWriter, r *http.Request, mutate memberMutation) {
	var req MemberRequest
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	groupID := mux.Vars(r)["id"]
	g, err := mutate(r.Context(), middleware.UserID(r.Context()), groupID, req.UserID, req.CanSendMessages)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}
