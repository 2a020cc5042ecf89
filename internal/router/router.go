// Package router validates, persists and fans out chat messages.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pliu/chatbox/internal/keys"
	"github.com/pliu/chatbox/internal/lockmap"
	"github.com/pliu/chatbox/internal/models"
	"github.com/pliu/chatbox/internal/registry"
	"github.com/pliu/chatbox/internal/store"
	"go.uber.org/zap"
)

var (
	ErrInvalidDestination      = errors.New("exactly one of recipient or group is required")
	ErrInvalidPayload          = errors.New("exactly one of content or file is required")
	ErrPermissionDenied        = errors.New("you don't have permission to send messages in this group")
	ErrRecipientKeyUnavailable = errors.New("recipient has no usable public key")
	ErrStorageFailure          = errors.New("message could not be stored")
	ErrUnknownSender           = errors.New("sender does not exist")
)

// Gate answers whether a user may post into a group.
type Gate interface {
	CanPost(ctx context.Context, userID, groupID string) (bool, *models.Group, error)
}

// Routes resolves live connections for users and group participants.
type Routes interface {
	RouteTo(userID string) []registry.Conn
	RouteToGroup(ctx context.Context, groupID string) ([]registry.Conn, error)
	RouteToParticipants(g *models.Group) []registry.Conn
}

type Router struct {
	store   store.Store
	gate    Gate
	routes  Routes
	locks   *lockmap.Map
	metrics *Metrics
	log     *zap.Logger
	nowFn   func() time.Time
}

type Options struct {
	Metrics *Metrics
	Logger  *zap.Logger
}

func New(s store.Store, gate Gate, routes Routes, opts Options) *Router {
	r := &Router{
		store:   s,
		gate:    gate,
		routes:  routes,
		locks:   lockmap.New(),
		metrics: opts.Metrics,
		log:     opts.Logger,
		nowFn:   time.Now,
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	return r
}

// Send validates p, persists the resulting message and pushes it to every live
// connection of its destination, the sender's own connections included.
//
// Messages to the same destination are persisted and pushed under one lock, so
// each connection sees them in persistence order. Nothing is stored or
// delivered when validation, the permission gate or encryption fails.
func (r *Router) Send(ctx context.Context, senderID string, p models.SendMessagePayload) (*models.Message, error) {
	start := r.nowFn()
	msg, err := r.send(ctx, senderID, p)

	kind := kindLabel(p)
	r.metrics.observeSend(kind, outcome(err), r.nowFn().Sub(start))
	if err != nil {
		r.log.Info("send rejected",
			zap.String("sender_id", senderID),
			zap.String("temp_id", p.TempID),
			zap.String("kind", kind),
			zap.Error(err))
		return nil, err
	}
	return msg, nil
}

func (r *Router) send(ctx context.Context, senderID string, p models.SendMessagePayload) (*models.Message, error) {
	p.Recipient = strings.TrimSpace(p.Recipient)
	p.Group = strings.TrimSpace(p.Group)
	if (p.Recipient == "") == (p.Group == "") {
		return nil, ErrInvalidDestination
	}
	if (p.Content == "") == (p.File == nil) {
		return nil, ErrInvalidPayload
	}
	if p.File != nil && strings.TrimSpace(p.File.URL) == "" {
		return nil, fmt.Errorf("%w: file url is empty", ErrInvalidPayload)
	}

	sender, err := r.store.GetUserByID(ctx, senderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownSender
		}
		return nil, fmt.Errorf("%w: load sender: %v", ErrStorageFailure, err)
	}

	msg := &models.Message{
		SenderID:   senderID,
		SenderName: sender.Name,
		TempID:     p.TempID,
	}
	if p.File != nil {
		f := *p.File
		msg.Kind = models.KindFile
		msg.File = &f
	} else {
		msg.Kind = models.KindText
		msg.Content = p.Content
	}

	if p.Group != "" {
		return r.sendToGroup(ctx, msg, p.Group)
	}
	return r.sendPrivate(ctx, msg, p.Recipient)
}

func (r *Router) sendToGroup(ctx context.Context, msg *models.Message, groupID string) (*models.Message, error) {
	unlock := r.locks.Lock("g:" + groupID)
	defer unlock()

	ok, g, err := r.gate.CanPost(ctx, msg.SenderID, groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown group %s", ErrInvalidDestination, groupID)
		}
		return nil, fmt.Errorf("%w: load group: %v", ErrStorageFailure, err)
	}
	if !ok {
		return nil, ErrPermissionDenied
	}
	msg.GroupID = groupID

	if err := r.persist(ctx, msg); err != nil {
		return nil, err
	}
	r.fanOut(msg, r.groupTargets(ctx, g))
	return msg, nil
}

// groupTargets resolves membership again after the write so a member added
// while the send was in flight still gets the record. The gated snapshot is the
// fallback when that lookup fails.
func (r *Router) groupTargets(ctx context.Context, g *models.Group) []registry.Conn {
	conns, err := r.routes.RouteToGroup(ctx, g.ID)
	if err != nil {
		r.log.Warn("resolve group participants", zap.String("group_id", g.ID), zap.Error(err))
		return r.routes.RouteToParticipants(g)
	}
	return conns
}

func (r *Router) sendPrivate(ctx context.Context, msg *models.Message, recipientID string) (*models.Message, error) {
	unlock := r.lockUsers(msg.SenderID, recipientID)
	defer unlock()

	recipient, err := r.store.GetUserByID(ctx, recipientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown recipient %s", ErrInvalidDestination, recipientID)
		}
		return nil, fmt.Errorf("%w: load recipient: %v", ErrStorageFailure, err)
	}
	msg.RecipientID = recipientID

	// Attachments are routed as-is; only text is sealed to the recipient.
	if msg.Kind == models.KindText {
		if recipient.PublicKey == "" {
			return nil, ErrRecipientKeyUnavailable
		}
		sealed, err := keys.Seal(recipient.PublicKey, msg.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecipientKeyUnavailable, err)
		}
		msg.Kind = models.KindEncryptedText
		msg.EncryptedContent = sealed
	}

	if err := r.persist(ctx, msg); err != nil {
		return nil, err
	}

	targets := r.routes.RouteTo(msg.SenderID)
	if recipientID != msg.SenderID {
		targets = append(targets, r.routes.RouteTo(recipientID)...)
	}
	r.fanOut(msg, targets)
	return msg, nil
}

func (r *Router) persist(ctx context.Context, msg *models.Message) error {
	msg.CreatedAt = r.nowFn().UTC()
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

// fanOut pushes msg once per distinct connection. Connections of anyone other
// than the sender get the recipient view without the sender's plaintext.
func (r *Router) fanOut(msg *models.Message, targets []registry.Conn) {
	own, err := models.NewEvent(models.EventChatMessage, msg)
	if err != nil {
		r.log.Error("encode message event", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	other, err := models.NewEvent(models.EventChatMessage, msg.ForRecipient())
	if err != nil {
		r.log.Error("encode message event", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}

	seen := make(map[string]struct{}, len(targets))
	for _, c := range targets {
		if _, dup := seen[c.ID()]; dup {
			continue
		}
		seen[c.ID()] = struct{}{}

		ev := other
		if c.UserID() == msg.SenderID {
			ev = own
		}
		if err := c.Deliver(ev); err != nil {
			r.metrics.observeDelivery(false)
			r.log.Warn("delivery failed",
				zap.String("message_id", msg.ID),
				zap.String("conn_id", c.ID()),
				zap.Error(err))
			continue
		}
		r.metrics.observeDelivery(true)
	}
	r.log.Debug("message routed",
		zap.String("message_id", msg.ID),
		zap.String("temp_id", msg.TempID),
		zap.Int("connections", len(seen)))
}

// lockUsers holds the destination lock of every user a private message is
// pushed to. Keys are taken in sorted order.
func (r *Router) lockUsers(a, b string) func() {
	if a == b {
		return r.locks.Lock("u:" + a)
	}
	users := []string{a, b}
	sort.Strings(users)
	first := r.locks.Lock("u:" + users[0])
	second := r.locks.Lock("u:" + users[1])
	return func() {
		second()
		first()
	}
}

func kindLabel(p models.SendMessagePayload) string {
	dest := "private"
	if p.Group != "" {
		dest = "group"
	}
	if p.File != nil {
		return dest + "_file"
	}
	return dest + "_text"
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPermissionDenied):
		return "denied"
	case errors.Is(err, ErrInvalidDestination), errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnknownSender):
		return "invalid"
	case errors.Is(err, ErrRecipientKeyUnavailable):
		return "no_key"
	default:
		return "error"
	}
}
