package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pliu/chatbox/internal/models"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var (
	ErrPermissionDenied = errors.New(permissionDeniedNotice)
	ErrNoDestination    = errors.New("exactly one of recipient or group is required")
	ErrNoIdentity       = errors.New("server did not send an identity")
)

// Destination is either a peer or a group.
type Destination struct {
	Recipient string
	Group     string
}

func (d Destination) valid() bool {
	return (d.Recipient == "") != (d.Group == "")
}

// Session is one live websocket connection bound to an Engine. It is acquired
// on login and must be closed on logout.
type Session struct {
	conn   *websocket.Conn
	engine *Engine
	api    *API
	log    *zap.Logger
	userID string

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// Dial opens the websocket for api's token and waits for the identity frame.
func Dial(ctx context.Context, api *API, engine *Engine, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	wsURL, err := websocketURL(api.BaseURL(), api.Token())
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	var ev models.Event
	if err := conn.ReadJSON(&ev); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read identity: %w", err)
	}
	var id models.UserIDPayload
	if ev.Type != models.EventUserID || json.Unmarshal(ev.Payload, &id) != nil || id.UserID == "" {
		conn.Close()
		return nil, ErrNoIdentity
	}
	conn.SetReadDeadline(time.Time{})

	engine.SetIdentity(id.UserID)
	return &Session{
		conn:   conn,
		engine: engine,
		api:    api,
		log:    log,
		userID: id.UserID,
		closed: make(chan struct{}),
	}, nil
}

func websocketURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func (s *Session) UserID() string  { return s.userID }
func (s *Session) Engine() *Engine { return s.engine }

// Run processes server events until the connection ends or ctx is done.
func (s *Session) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()

	for {
		var ev models.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			return fmt.Errorf("read: %w", err)
		}
		s.handle(ev)
	}
}

func (s *Session) handle(ev models.Event) {
	switch ev.Type {
	case models.EventChatMessage:
		var m models.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			s.log.Warn("malformed chat message", zap.Error(err))
			return
		}
		entry := s.engine.Receive(m)
		s.log.Debug("message received",
			zap.String("message_id", m.ID),
			zap.String("temp_id", m.TempID),
			zap.Stringer("state", entry.State))

	case models.EventStatusUpdate:
		var p models.StatusUpdatePayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			s.engine.SetPresence(p.UserID, p.Status)
		}

	case models.EventError:
		var p models.ErrorPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		s.log.Info("server error", zap.String("code", p.Code), zap.String("temp_id", p.TempID))
		if p.TempID != "" {
			s.engine.Reject(p.TempID)
		}
		if p.Code == models.CodePermissionDenied {
			s.engine.Notices().Raise(permissionDeniedNotice)
		} else {
			s.engine.Notices().Raise(p.Message)
		}

	case models.EventUserID:
		// Identity is fixed for the life of the connection.

	default:
		s.log.Debug("ignoring event", zap.String("type", string(ev.Type)))
	}
}

// SendText inserts an optimistic copy and submits the message. The returned
// tempId correlates the copy with the server echo.
func (s *Session) SendText(dest Destination, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("message is empty")
	}
	return s.send(dest, models.SendMessagePayload{Content: text})
}

// SendFile submits an already uploaded attachment.
func (s *Session) SendFile(dest Destination, file models.FileDescriptor) (string, error) {
	return s.send(dest, models.SendMessagePayload{File: &file})
}

// UploadAndSend uploads a file through the API and sends its descriptor.
func (s *Session) UploadAndSend(ctx context.Context, dest Destination, name string, r io.Reader) (string, error) {
	if err := s.precheck(dest); err != nil {
		return "", err
	}
	desc, err := s.api.Upload(ctx, name, r)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return s.SendFile(dest, desc)
}

func (s *Session) precheck(dest Destination) error {
	if !dest.valid() {
		return ErrNoDestination
	}
	if dest.Group != "" && !s.engine.CanPost(dest.Group) {
		s.engine.Notices().Raise(permissionDeniedNotice)
		return ErrPermissionDenied
	}
	return nil
}

func (s *Session) send(dest Destination, p models.SendMessagePayload) (string, error) {
	if err := s.precheck(dest); err != nil {
		return "", err
	}
	p.Recipient, p.Group = dest.Recipient, dest.Group
	p.TempID = uuid.New().String()

	pending := models.Message{
		SenderID:    s.userID,
		SenderName:  "You",
		RecipientID: dest.Recipient,
		GroupID:     dest.Group,
		Kind:        models.KindText,
		Content:     p.Content,
		File:        p.File,
		TempID:      p.TempID,
		CreatedAt:   time.Now().UTC(),
	}
	if p.File != nil {
		pending.Kind = models.KindFile
	}
	// The pending copy exists before the frame leaves, so the echo can never
	// arrive ahead of it.
	if err := s.engine.AddPending(pending); err != nil {
		return "", err
	}
	if err := s.write(models.EventSendMessage, p); err != nil {
		s.engine.Reject(p.TempID)
		return p.TempID, err
	}
	return p.TempID, nil
}

func (s *Session) JoinGroup(groupID string) error {
	return s.write(models.EventJoinGroup, models.GroupPayload{GroupID: groupID})
}

func (s *Session) LeaveGroup(groupID string) error {
	return s.write(models.EventLeaveGroup, models.GroupPayload{GroupID: groupID})
}

func (s *Session) write(t models.EventType, payload interface{}) error {
	ev, err := models.NewEvent(t, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	return nil
}

// Resync refetches a conversation's history and merges it. Used after a
// reconnect or a view switch.
func (s *Session) Resync(ctx context.Context, c Conversation) error {
	var (
		msgs []models.Message
		err  error
	)
	switch {
	case strings.HasPrefix(string(c), "u:"):
		msgs, err = s.api.PrivateHistory(ctx, strings.TrimPrefix(string(c), "u:"))
	case strings.HasPrefix(string(c), "g:"):
		msgs, err = s.api.GroupHistory(ctx, strings.TrimPrefix(string(c), "g:"))
	default:
		return fmt.Errorf("unknown conversation %q", c)
	}
	if err != nil {
		return err
	}
	s.engine.Merge(msgs)
	return nil
}

// RefreshGroups reloads the group cache used for local send checks.
func (s *Session) RefreshGroups(ctx context.Context) error {
	groups, err := s.api.Groups(ctx)
	if err != nil {
		return err
	}
	s.engine.SetGroups(groups)
	return nil
}

// Close releases the connection. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
