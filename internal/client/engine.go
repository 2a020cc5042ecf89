// Package client is the client side of a chat session: it reconciles
// optimistic local sends with the authoritative copies the server fans out,
// decrypts private messages addressed to the viewer and keeps transient
// notices.
package client

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/pliu/chatbox/internal/models"
	"github.com/pliu/chatbox/internal/permissions"
)

// State is the reconciliation state of one rendered message.
type State int

const (
	// Pending is a local optimistic copy awaiting the server echo.
	Pending State = iota
	// Confirmed is an authoritative copy of the viewer's own message.
	Confirmed
	// Remote is a message from another identity.
	Remote
	// Failed is a local copy the server rejected.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Remote:
		return "remote"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const permissionDeniedNotice = "You don't have permission to send messages in this group"

// Entry is one rendered message of a conversation.
type Entry struct {
	State    State
	Message  models.Message
	Rendered Rendered
}

// Conversation identifies a private thread (by peer) or a group.
type Conversation string

func PrivateConversation(peerID string) Conversation { return Conversation("u:" + peerID) }
func GroupConversation(groupID string) Conversation  { return Conversation("g:" + groupID) }

// timeline is an ordered map: entries keep arrival order and are found by
// tempId or durable id without scanning.
type timeline struct {
	order  *list.List
	byTemp map[string]*list.Element
	byID   map[string]*list.Element
}

func newTimeline() *timeline {
	return &timeline{
		order:  list.New(),
		byTemp: make(map[string]*list.Element),
		byID:   make(map[string]*list.Element),
	}
}

// index records el under its ids. Only the viewer's own messages are indexed
// by tempId; tempIds are chosen by each sender and may collide across senders.
func (t *timeline) index(el *list.Element, own bool) {
	e := el.Value.(*Entry)
	if own && e.Message.TempID != "" {
		t.byTemp[e.Message.TempID] = el
	}
	if e.Message.ID != "" {
		t.byID[e.Message.ID] = el
	}
}

// Engine holds every conversation the client has seen. It is safe for use by
// the session's read loop and the UI at the same time.
type Engine struct {
	mu         sync.Mutex
	selfID     string
	privateKey string
	convs      map[Conversation]*timeline
	groups     map[string]models.Group
	presence   map[string]string
	notices    *Notices
}

func NewEngine(privateKey string) *Engine {
	return &Engine{
		privateKey: privateKey,
		convs:      make(map[Conversation]*timeline),
		groups:     make(map[string]models.Group),
		presence:   make(map[string]string),
		notices:    NewNotices(),
	}
}

// SetIdentity records the user id the server assigned to this session.
func (e *Engine) SetIdentity(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selfID = userID
}

func (e *Engine) Identity() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

// SetPrivateKey replaces the key used for messages rendered from now on.
func (e *Engine) SetPrivateKey(privateKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.privateKey = privateKey
}

func (e *Engine) Notices() *Notices { return e.notices }

func (e *Engine) conversationOf(m models.Message) Conversation {
	if m.IsGroup() {
		return GroupConversation(m.GroupID)
	}
	if m.SenderID == e.selfID {
		return PrivateConversation(m.RecipientID)
	}
	return PrivateConversation(m.SenderID)
}

func (e *Engine) timeline(c Conversation) *timeline {
	t, ok := e.convs[c]
	if !ok {
		t = newTimeline()
		e.convs[c] = t
	}
	return t
}

// AddPending inserts the viewer's optimistic copy of m. m must carry a TempID.
func (e *Engine) AddPending(m models.Message) error {
	if m.TempID == "" {
		return fmt.Errorf("pending message needs a tempId")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m.SenderID = e.selfID
	t := e.timeline(e.conversationOf(m))
	if _, dup := t.byTemp[m.TempID]; dup {
		return fmt.Errorf("tempId %s already in use", m.TempID)
	}
	entry := &Entry{State: Pending, Message: m, Rendered: Render(m, e.selfID, e.privateKey)}
	t.index(t.order.PushBack(entry), true)
	return nil
}

// Receive merges a live message from the server. New messages from other
// identities raise a notice.
func (e *Engine) Receive(m models.Message) Entry {
	entry, added := e.merge(m)
	if added && entry.State == Remote {
		sender := m.SenderName
		if sender == "" {
			sender = "Someone"
		}
		if entry.Rendered.File != nil {
			e.notices.Raise(sender + " sent a file")
		} else {
			e.notices.Raise(sender + ": " + entry.Rendered.Text)
		}
	}
	return entry
}

// Merge folds fetched history into the conversations without raising notices.
func (e *Engine) Merge(msgs []models.Message) {
	for _, m := range msgs {
		e.merge(m)
	}
}

// merge applies the reconciliation rules: match the viewer's own tempId
// first, then the durable id, and append otherwise.
func (e *Engine) merge(m models.Message) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.timeline(e.conversationOf(m))
	own := m.SenderID == e.selfID
	rendered := Render(m, e.selfID, e.privateKey)

	var el *list.Element
	if own && m.TempID != "" {
		el = t.byTemp[m.TempID]
	}
	if el == nil && m.ID != "" {
		el = t.byID[m.ID]
	}
	if el != nil {
		entry := el.Value.(*Entry)
		if entry.State == Pending || entry.State == Failed {
			entry.State = Confirmed
		}
		// The viewer's own echo never carries less than the pending copy knew.
		if own && m.Content == "" && entry.Message.Content != "" && m.File == nil {
			m.Content = entry.Message.Content
			rendered = Render(m, e.selfID, e.privateKey)
		}
		entry.Message = m
		entry.Rendered = rendered
		t.index(el, own)
		return *entry, false
	}

	state := Remote
	if own {
		state = Confirmed
	}
	entry := &Entry{State: state, Message: m, Rendered: rendered}
	t.index(t.order.PushBack(entry), own)
	return *entry, true
}

// Reject marks the viewer's pending copy for tempID as failed.
func (e *Engine) Reject(tempID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.convs {
		if el, ok := t.byTemp[tempID]; ok {
			entry := el.Value.(*Entry)
			if entry.State == Pending {
				entry.State = Failed
			}
			return true
		}
	}
	return false
}

// Messages snapshots one conversation in arrival order.
func (e *Engine) Messages(c Conversation) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.convs[c]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, t.order.Len())
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Entry))
	}
	return out
}

// SetGroups replaces the cached group data used for local send checks.
func (e *Engine) SetGroups(groups []models.Group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups = make(map[string]models.Group, len(groups))
	for _, g := range groups {
		e.groups[g.ID] = g
	}
}

// CanPost answers from cached group data. The server decides for real.
func (e *Engine) CanPost(groupID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[groupID]
	if !ok {
		return false
	}
	return permissions.CanPost(e.selfID, &g)
}

// IsAdmin reports whether the viewer created groupID, from cached data.
func (e *Engine) IsAdmin(groupID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[groupID]
	if !ok {
		return false
	}
	return permissions.IsAdmin(e.selfID, &g)
}

func (e *Engine) SetPresence(userID, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.presence[userID] = status
}

func (e *Engine) Presence(userID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.presence[userID]
}
