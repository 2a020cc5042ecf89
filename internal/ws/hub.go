// Package ws serves the persistent per-user websocket channel.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pliu/chatbox/internal/lockmap"
	"github.com/pliu/chatbox/internal/models"
	"github.com/pliu/chatbox/internal/registry"
	"github.com/pliu/chatbox/internal/store"
	"go.uber.org/zap"
)

// TokenVerifier resolves a session token to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Sender is the message router as seen by the transport.
type Sender interface {
	Send(ctx context.Context, senderID string, p models.SendMessagePayload) (*models.Message, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Options struct {
	SendBuffer      int
	MaxMessageBytes int64
	SendTimeout     time.Duration
	Logger          *zap.Logger
}

// Hub admits authenticated websocket sessions into the registry, dispatches
// their frames and keeps user presence in step with their connections.
type Hub struct {
	store    store.Store
	registry *registry.Registry
	sender   Sender
	tokens   TokenVerifier
	presence *lockmap.Map
	opts     Options
	log      *zap.Logger
}

func NewHub(s store.Store, reg *registry.Registry, sender Sender, tokens TokenVerifier, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = maxMessageSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		store:    s,
		registry: reg,
		sender:   sender,
		tokens:   tokens,
		presence: lockmap.New(),
		opts:     opts,
		log:      log,
	}
}

// ServeWs authenticates the request and upgrades it. A missing or invalid
// token is refused with 401 before any upgrade takes place.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, err := h.tokens.Verify(requestToken(r))
	if err != nil {
		h.log.Info("websocket admission refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := h.store.GetUserByID(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.log.Error("load user for websocket", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, uuid.New().String(), userID)
	go client.writePump()

	if err := h.admit(client); err != nil {
		h.log.Error("admit connection", zap.String("user_id", userID), zap.Error(err))
		client.close()
		return
	}
	go client.readPump()
}

func (h *Hub) admit(c *Client) error {
	unlock := h.presence.Lock(c.userID)
	defer unlock()

	first, err := h.registry.Admit(c)
	if err != nil {
		return err
	}
	h.log.Info("client connected", zap.String("user_id", c.userID), zap.String("conn_id", c.id))
	if first {
		h.setStatus(c.userID, models.StatusOnline)
	}
	return nil
}

func (h *Hub) unregister(c *Client) {
	unlock := h.presence.Lock(c.userID)
	defer unlock()

	last := h.registry.Disconnect(c)
	h.log.Info("client disconnected", zap.String("user_id", c.userID), zap.String("conn_id", c.id))
	if last {
		h.setStatus(c.userID, models.StatusOffline)
	}
}

// SetStatus persists a free-text status for userID and broadcasts it.
func (h *Hub) SetStatus(ctx context.Context, userID, status string) error {
	unlock := h.presence.Lock(userID)
	defer unlock()

	if err := h.store.SetUserStatus(ctx, userID, status); err != nil {
		return err
	}
	h.BroadcastStatus(userID, status)
	return nil
}

func (h *Hub) setStatus(userID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.SendTimeout)
	defer cancel()
	if err := h.store.SetUserStatus(ctx, userID, status); err != nil {
		h.log.Warn("persist presence", zap.String("user_id", userID), zap.String("status", status), zap.Error(err))
	}
	h.BroadcastStatus(userID, status)
}

// BroadcastStatus pushes a statusUpdate to every live connection.
func (h *Hub) BroadcastStatus(userID, status string) {
	ev, err := models.NewEvent(models.EventStatusUpdate, models.StatusUpdatePayload{UserID: userID, Status: status})
	if err != nil {
		h.log.Error("encode status update", zap.Error(err))
		return
	}
	for _, c := range h.registry.All() {
		if err := c.Deliver(ev); err != nil {
			h.log.Debug("status update dropped", zap.String("conn_id", c.ID()), zap.Error(err))
		}
	}
}

// Close tears down every live connection. Hijacked connections are not
// closed by http.Server.Shutdown.
func (h *Hub) Close() {
	for _, c := range h.registry.All() {
		if client, ok := c.(*Client); ok {
			client.close()
		}
	}
}

func requestToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.Header.Get("Authorization"))
}
