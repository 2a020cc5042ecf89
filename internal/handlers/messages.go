package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/chatbox/internal/middleware"
	"github.com/pliu/chatbox/internal/models"
	"github.com/pliu/chatbox/internal/store"
	"go.uber.org/zap"
)

type MessageHandler struct {
	Store store.Store
	Log   *zap.Logger
}

// GetPrivateMessages returns both directions of the caller's conversation
// with a peer, oldest first.
func (h *MessageHandler) GetPrivateMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	peerID := mux.Vars(r)["peerId"]

	msgs, err := h.Store.GetPrivateMessages(r.Context(), userID, peerID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFor(userID, msgs))
}

// GetGroupMessages returns a group's history to its creator and members.
func (h *MessageHandler) GetGroupMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	groupID := mux.Vars(r)["groupId"]

	g, err := h.Store.GetGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if !g.HasParticipant(userID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	msgs, err := h.Store.GetGroupMessages(r.Context(), groupID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFor(userID, msgs))
}

// viewFor strips the sender-only plaintext from messages the viewer did not send.
func viewFor(viewerID string, msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.SenderID != viewerID {
			m = m.ForRecipient()
		}
		out = append(out, m)
	}
	return out
}
