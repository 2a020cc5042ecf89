package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pliu/chatbox/internal/models"
)

var ErrUnauthorized = errors.New("unauthorized")

// AuthResult is what signup and login hand back.
type AuthResult struct {
	Token      string `json:"token"`
	PrivateKey string `json:"privateKey"`
	UserID     string `json:"userId"`
}

type SignupRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Location    string `json:"location,omitempty"`
	Designation string `json:"designation,omitempty"`
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Code, e.Message)
}

// API talks to the request/response endpoints with a session token.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPI(baseURL, token string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

// Signup creates an account and returns an API bound to its token.
func Signup(ctx context.Context, baseURL string, hc *http.Client, req SignupRequest) (*API, AuthResult, error) {
	api := NewAPI(baseURL, "", hc)
	var res AuthResult
	if err := api.do(ctx, http.MethodPost, "/api/signup", req, &res); err != nil {
		return nil, AuthResult{}, err
	}
	api.token = res.Token
	return api, res, nil
}

// Login authenticates and returns an API bound to the new token.
func Login(ctx context.Context, baseURL string, hc *http.Client, email, password string) (*API, AuthResult, error) {
	api := NewAPI(baseURL, "", hc)
	var res AuthResult
	body := map[string]string{"email": email, "password": password}
	if err := api.do(ctx, http.MethodPost, "/api/login", body, &res); err != nil {
		return nil, AuthResult{}, err
	}
	api.token = res.Token
	return api, res, nil
}

func (a *API) BaseURL() string { return a.baseURL }
func (a *API) Token() string   { return a.token }

func (a *API) Users(ctx context.Context) ([]models.User, error) {
	var out []models.User
	return out, a.do(ctx, http.MethodGet, "/api/users", nil, &out)
}

func (a *API) Profile(ctx context.Context, userID string) (*models.User, error) {
	var out models.User
	if err := a.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) SetStatus(ctx context.Context, status string) error {
	return a.do(ctx, http.MethodPut, "/api/users/me/status", map[string]string{"status": status}, nil)
}

func (a *API) Groups(ctx context.Context) ([]models.Group, error) {
	var out []models.Group
	return out, a.do(ctx, http.MethodGet, "/api/groups", nil, &out)
}

func (a *API) CreateGroup(ctx context.Context, name string) (*models.Group, error) {
	var out models.Group
	if err := a.do(ctx, http.MethodPost, "/api/groups", map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) AddMember(ctx context.Context, groupID, userID string, canSend bool) (*models.Group, error) {
	return a.member(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/members", userID, canSend)
}

func (a *API) SetPermission(ctx context.Context, groupID, userID string, canSend bool) (*models.Group, error) {
	return a.member(ctx, http.MethodPut, "/api/groups/"+url.PathEscape(groupID)+"/permissions", userID, canSend)
}

func (a *API) member(ctx context.Context, method, path, userID string, canSend bool) (*models.Group, error) {
	body := models.Membership{UserID: userID, CanSendMessages: canSend}
	var out models.Group
	if err := a.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) PrivateHistory(ctx context.Context, peerID string) ([]models.Message, error) {
	var out []models.Message
	return out, a.do(ctx, http.MethodGet, "/api/messages/private/"+url.PathEscape(peerID), nil, &out)
}

func (a *API) GroupHistory(ctx context.Context, groupID string) ([]models.Message, error) {
	var out []models.Message
	return out, a.do(ctx, http.MethodGet, "/api/messages/group/"+url.PathEscape(groupID), nil, &out)
}

// Upload sends a file out-of-band and returns the descriptor to submit as a
// message payload.
func (a *API) Upload(ctx context.Context, name string, r io.Reader) (models.FileDescriptor, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return models.FileDescriptor{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return models.FileDescriptor{}, err
	}
	if err := mw.Close(); err != nil {
		return models.FileDescriptor{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/upload", &buf)
	if err != nil {
		return models.FileDescriptor{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out models.FileDescriptor
	return out, a.send(req, &out)
}

func (a *API) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.send(req, out)
}

func (a *API) send(req *http.Request, out interface{}) error {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}
