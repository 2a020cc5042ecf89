package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pliu/chatbox/internal/permissions"
	"github.com/pliu/chatbox/internal/store"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps package sentinels to status codes. Anything unknown is
// logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicate):
		http.Error(w, "Already exists", http.StatusConflict)
	case errors.Is(err, permissions.ErrNotCreator),
		errors.Is(err, permissions.ErrCreatorRestricted):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, permissions.ErrNotMember),
		errors.Is(err, permissions.ErrInvalidGroupName):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Error("request failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
