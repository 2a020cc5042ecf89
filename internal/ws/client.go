package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/chatbox/internal/models"
	"github.com/pliu/chatbox/internal/registry"
	"github.com/pliu/chatbox/internal/router"
	"github.com/pliu/chatbox/internal/store"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send buffer full")
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     string
	userID string

	// Buffered channel of outbound frames.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

var _ registry.Conn = (*Client)(nil)

func newClient(h *Hub, conn *websocket.Conn, id, userID string) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		id:     id,
		userID: userID,
		send:   make(chan []byte, h.opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Deliver enqueues ev for the write pump. A client that cannot keep up is
// dropped rather than allowed to stall fan-out.
func (c *Client) Deliver(ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.hub.log.Warn("dropping slow client", zap.String("conn_id", c.id), zap.String("user_id", c.userID))
		c.close()
		return ErrSlowConsumer
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.hub.opts.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.sendError(models.ErrorPayload{Code: models.CodeInvalidFrame, Message: "Invalid frame"})
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev models.Event) {
	switch ev.Type {
	case models.EventJoinGroup:
		var p models.GroupPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.GroupID == "" {
			c.sendError(models.ErrorPayload{Code: models.CodeInvalidFrame, Message: "Invalid joinGroup payload"})
			return
		}
		c.handleJoin(p.GroupID)

	case models.EventLeaveGroup:
		var p models.GroupPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.GroupID == "" {
			c.sendError(models.ErrorPayload{Code: models.CodeInvalidFrame, Message: "Invalid leaveGroup payload"})
			return
		}
		if err := c.hub.registry.Unsubscribe(c, p.GroupID); err != nil {
			c.hub.log.Debug("leave group", zap.String("conn_id", c.id), zap.Error(err))
		}

	case models.EventSendMessage:
		var p models.SendMessagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			c.sendError(models.ErrorPayload{Code: models.CodeInvalidFrame, Message: "Invalid sendMessage payload"})
			return
		}
		c.handleSend(p)

	default:
		c.sendError(models.ErrorPayload{Code: models.CodeInvalidFrame, Message: "Unknown event type " + string(ev.Type)})
	}
}

func (c *Client) handleJoin(groupID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.opts.SendTimeout)
	defer cancel()

	g, err := c.hub.store.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.sendError(models.ErrorPayload{Code: models.CodeInvalidDestination, Message: "Group not found", GroupID: groupID})
			return
		}
		c.hub.log.Error("load group for join", zap.String("group_id", groupID), zap.Error(err))
		c.sendError(models.ErrorPayload{Code: models.CodeStorageFailure, Message: "Could not load group", GroupID: groupID})
		return
	}
	if !g.HasParticipant(c.userID) {
		c.sendError(models.ErrorPayload{Code: models.CodeNotAMember, Message: "You are not a member of this group", GroupID: groupID})
		return
	}
	if err := c.hub.registry.Subscribe(c, groupID); err != nil {
		c.hub.log.Debug("join group", zap.String("conn_id", c.id), zap.Error(err))
	}
}

// handleSend runs on the read goroutine, so one connection's sends reach the
// router in the order they were written. The send context is detached from
// the connection: a disconnect never cancels an accepted send.
func (c *Client) handleSend(p models.SendMessagePayload) {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.opts.SendTimeout)
	defer cancel()

	if _, err := c.hub.sender.Send(ctx, c.userID, p); err != nil {
		c.sendError(models.ErrorPayload{
			Code:    errorCode(err),
			Message: errorMessage(err),
			TempID:  p.TempID,
			GroupID: p.Group,
		})
	}
}

func (c *Client) sendError(p models.ErrorPayload) {
	ev, err := models.NewEvent(models.EventError, p)
	if err != nil {
		return
	}
	if err := c.Deliver(ev); err != nil {
		c.hub.log.Debug("error event dropped", zap.String("conn_id", c.id), zap.Error(err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, router.ErrPermissionDenied):
		return models.CodePermissionDenied
	case errors.Is(err, router.ErrInvalidDestination):
		return models.CodeInvalidDestination
	case errors.Is(err, router.ErrInvalidPayload):
		return models.CodeInvalidFrame
	case errors.Is(err, router.ErrRecipientKeyUnavailable):
		return models.CodeRecipientKeyUnavailable
	case errors.Is(err, router.ErrUnknownSender):
		return models.CodeAuthenticationFailure
	case errors.Is(err, router.ErrStorageFailure):
		return models.CodeStorageFailure
	default:
		return models.CodeTransportFailure
	}
}

// errorMessage keeps internal detail out of client-facing errors.
func errorMessage(err error) string {
	for _, known := range []error{
		router.ErrPermissionDenied,
		router.ErrInvalidDestination,
		router.ErrInvalidPayload,
		router.ErrRecipientKeyUnavailable,
		router.ErrUnknownSender,
		router.ErrStorageFailure,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "Message could not be sent"
}
