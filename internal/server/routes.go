package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/chatbox/internal/attachments"
	"github.com/pliu/chatbox/internal/auth"
	"github.com/pliu/chatbox/internal/handlers"
	"github.com/pliu/chatbox/internal/middleware"
	"github.com/pliu/chatbox/internal/permissions"
	"github.com/pliu/chatbox/internal/store"
	"github.com/pliu/chatbox/internal/ws"
	"go.uber.org/zap"
)

// Deps are the collaborators the public routes are built from.
type Deps struct {
	Store       store.Store
	Tokens      *auth.Tokens
	Permissions *permissions.Service
	Hub         *ws.Hub
	Attachments *attachments.Store
	Log         *zap.Logger
}

// Routes builds the public router: auth, users, groups, history, uploads and
// the websocket endpoint.
func Routes(d Deps) http.Handler {
	authHandler := &handlers.AuthHandler{Store: d.Store, Tokens: d.Tokens, Log: d.Log}
	userHandler := &handlers.UserHandler{Store: d.Store, Presence: d.Hub, Log: d.Log}
	groupHandler := &handlers.GroupHandler{Store: d.Store, Permissions: d.Permissions, Log: d.Log}
	messageHandler := &handlers.MessageHandler{Store: d.Store, Log: d.Log}

	r := mux.NewRouter()
	r.Use(middleware.Logging(d.Log))

	r.HandleFunc("/api/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/api/login", authHandler.Login).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(d.Tokens))
	api.HandleFunc("/users", userHandler.ListUsers).Methods("GET")
	api.HandleFunc("/users/me/status", userHandler.UpdateStatus).Methods("PUT")
	api.HandleFunc("/users/{id}", userHandler.GetProfile).Methods("GET")
	api.HandleFunc("/groups", groupHandler.CreateGroup).Methods("POST")
	api.HandleFunc("/groups", groupHandler.GetGroups).Methods("GET")
	api.HandleFunc("/groups/{id}/members", groupHandler.AddMember).Methods("POST", "PUT")
	api.HandleFunc("/groups/{id}/permissions", groupHandler.SetPermission).Methods("PUT")
	api.HandleFunc("/messages/private/{peerId}", messageHandler.GetPrivateMessages).Methods("GET")
	api.HandleFunc("/messages/group/{groupId}", messageHandler.GetGroupMessages).Methods("GET")
	api.HandleFunc("/upload", d.Attachments.UploadHandler).Methods("POST")

	r.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads/", d.Attachments.FileServer()))

	// Token auth happens inside ServeWs so a refusal is a plain 401.
	r.HandleFunc("/ws", d.Hub.ServeWs)

	return r
}
