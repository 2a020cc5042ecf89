package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/chatbox/internal/auth"
	"github.com/pliu/chatbox/internal/middleware"
	"github.com/pliu/chatbox/internal/permissions"
	"github.com/pliu/chatbox/internal/store/sqlstore"
	"go.uber.org/zap/zaptest"
)

type fakePresence struct {
	userID, status string
}

func (f *fakePresence) SetStatus(_ context.Context, userID, status string) error {
	f.userID, f.status = userID, status
	return nil
}

type api struct {
	router   *mux.Router
	store    *sqlstore.SQLStore
	tokens   *auth.Tokens
	perms    *permissions.Service
	presence *fakePresence
}

// newAPI wires the handlers the same way main does, minus the websocket side.
func newAPI(t *testing.T) *api {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	log := zaptest.NewLogger(t)
	tokens := auth.NewTokens([]byte("test-secret"), time.Hour)
	perms := permissions.NewService(st, log)
	presence := &fakePresence{}

	authHandler := &AuthHandler{Store: st, Tokens: tokens, Log: log}
	userHandler := &UserHandler{Store: st, Presence: presence, Log: log}
	groupHandler := &GroupHandler{Store: st, Permissions: perms, Log: log}
	messageHandler := &MessageHandler{Store: st, Log: log}

	r := mux.NewRouter()
	r.HandleFunc("/api/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/api/login", authHandler.Login).Methods("POST")

	p := r.PathPrefix("/api").Subrouter()
	p.Use(middleware.Auth(tokens))
	p.HandleFunc("/users", userHandler.ListUsers).Methods("GET")
	p.HandleFunc("/users/me/status", userHandler.UpdateStatus).Methods("PUT")
	p.HandleFunc("/users/{id}", userHandler.GetProfile).Methods("GET")
	p.HandleFunc("/groups", groupHandler.CreateGroup).Methods("POST")
	p.HandleFunc("/groups", groupHandler.GetGroups).Methods("GET")
	p.HandleFunc("/groups/{id}/members", groupHandler.AddMember).Methods("POST")
	p.HandleFunc("/groups/{id}/permissions", groupHandler.SetPermission).Methods("PUT")
	p.HandleFunc("/messages/private/{peerId}", messageHandler.GetPrivateMessages).Methods("GET")
	p.HandleFunc("/messages/group/{groupId}", messageHandler.GetGroupMessages).Methods("GET")

	return &api{router: r, store: st, tokens: tokens, perms: perms, presence: presence}
}

func (a *api) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewBuffer(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func (a *api) signup(t *testing.T, name string) SessionResponse {
	t.Helper()
	rr := a.do(t, "POST", "/api/signup", "", SignupRequest{
		Name: name, Email: name + "@example.com", Password: "password123", Location: "Berlin",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup %s: got %d: %s", name, rr.Code, rr.Body.String())
	}
	var resp SessionResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode signup: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rr.Body.String())
	}
}
