package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pliu/chatbox/internal/keys"
	"github.com/pliu/chatbox/internal/models"
	"github.com/pliu/chatbox/internal/permissions"
	"github.com/pliu/chatbox/internal/registry"
	"github.com/pliu/chatbox/internal/store"
	"github.com/pliu/chatbox/internal/store/sqlstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	id     string
	userID string

	mu     sync.Mutex
	events []models.Event
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Deliver(ev models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

// messages decodes every chatMessage event the connection received.
func (c *fakeConn) messages(t *testing.T) []models.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Message
	for _, ev := range c.events {
		if ev.Type != models.EventChatMessage {
			continue
		}
		var m models.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		out = append(out, m)
	}
	return out
}

type user struct {
	*models.User
	private string
	conn    *fakeConn
}

type env struct {
	router  *Router
	store   *sqlstore.SQLStore
	reg     *registry.Registry
	perms   *permissions.Service
	metrics *Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := zaptest.NewLogger(t)
	perms := permissions.NewService(st, log)
	reg := registry.New(st, registry.Options{Logger: log})
	metrics := NewMetrics(prometheus.NewRegistry())
	return &env{
		router:  New(st, perms, reg, Options{Metrics: metrics, Logger: log}),
		store:   st,
		reg:     reg,
		perms:   perms,
		metrics: metrics,
	}
}

func (e *env) addUser(t *testing.T, name string, withKey bool) *user {
	t.Helper()
	u := &user{User: &models.User{Name: name, Email: name + "@example.com", Password: "x"}}
	if withKey {
		kp, err := keys.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate keys: %v", err)
		}
		u.PublicKey = kp.Public
		u.private = kp.Private
	}
	if err := e.store.CreateUser(context.Background(), u.User); err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	u.conn = &fakeConn{id: name + "-conn", userID: u.ID}
	if _, err := e.reg.Admit(u.conn); err != nil {
		t.Fatalf("admit %s: %v", name, err)
	}
	return u
}

func TestGroupSendScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.addUser(t, "alice", true)
	b := e.addUser(t, "bob", true)
	c := e.addUser(t, "carol", true)

	g, err := e.perms.CreateGroup(ctx, a.ID, "G")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := e.perms.AddMember(ctx, a.ID, g.ID, b.ID, false); err != nil {
		t.Fatalf("add member: %v", err)
	}

	msg, err := e.router.Send(ctx, a.ID, models.SendMessagePayload{Group: g.ID, Content: "hi", TempID: "t0"})
	if err != nil {
		t.Fatalf("creator send failed: %v", err)
	}
	if msg.ID == "" || msg.Kind != models.KindText {
		t.Errorf("unexpected stored message: %+v", msg)
	}

	got := b.conn.messages(t)
	if len(got) != 1 {
		t.Fatalf("expected bob to receive one copy, got %d", len(got))
	}
	if got[0].SenderID != a.ID || got[0].Content != "hi" || got[0].EncryptedContent != "" {
		t.Errorf("expected plaintext group message from alice, got %+v", got[0])
	}
	if got[0].SenderName != "alice" {
		t.Errorf("expected sender name alice, got %q", got[0].SenderName)
	}
	if echo := a.conn.messages(t); len(echo) != 1 || echo[0].TempID != "t0" {
		t.Errorf("expected exactly one echo to the sender with tempId, got %+v", echo)
	}
	if len(c.conn.messages(t)) != 0 {
		t.Error("non-member must not receive group traffic")
	}

	// bob is a member but has no send right; carol is not a member at all.
	for _, u := range []*user{b, c} {
		_, err := e.router.Send(ctx, u.ID, models.SendMessagePayload{Group: g.ID, Content: "nope", TempID: "t1"})
		if !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("expected ErrPermissionDenied for %s, got %v", u.Name, err)
		}
	}
	history, err := e.store.GetGroupMessages(ctx, g.ID)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("denied sends must not be stored, history has %d messages", len(history))
	}
	if len(b.conn.messages(t)) != 1 {
		t.Error("denied sends must not be broadcast")
	}

	if got := testutil.ToFloat64(e.metrics.sends.WithLabelValues("group_text", "denied")); got != 2 {
		t.Errorf("expected 2 denied sends, got %v", got)
	}
}

func TestGroupMemberSenderGetsOneCopyPerConnection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.addUser(t, "alice", false)
	b := e.addUser(t, "bob", false)

	second := &fakeConn{id: "bob-tab2", userID: b.ID}
	if _, err := e.reg.Admit(second); err != nil {
		t.Fatalf("admit: %v", err)
	}
	g, _ := e.perms.CreateGroup(ctx, a.ID, "G")
	e.perms.AddMember(ctx, a.ID, g.ID, b.ID, true)
	// A subscription on top of membership never produces extra copies.
	e.reg.Subscribe(b.conn, g.ID)

	if _, err := e.router.Send(ctx, b.ID, models.SendMessagePayload{Group: g.ID, Content: "yo", TempID: "t"}); err != nil {
		t.Fatalf("member send failed: %v", err)
	}
	for _, conn := range []*fakeConn{a.conn, b.conn, second} {
		if n := len(conn.messages(t)); n != 1 {
			t.Errorf("%s: expected one copy, got %d", conn.id, n)
		}
	}
}

func TestPrivateSendScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.addUser(t, "alice", true)
	b := e.addUser(t, "bob", true)

	msg, err := e.router.Send(ctx, a.ID, models.SendMessagePayload{Recipient: b.ID, Content: "secret", TempID: "t1"})
	if err != nil {
		t.Fatalf("private send failed: %v", err)
	}
	if msg.Kind != models.KindEncryptedText || msg.EncryptedContent == "" {
		t.Fatalf("expected sealed message, got %+v", msg)
	}

	echo := a.conn.messages(t)
	if len(echo) != 1 || echo[0].TempID != "t1" || echo[0].Content != "secret" {
		t.Fatalf("sender echo must carry tempId and plaintext, got %+v", echo)
	}

	got := b.conn.messages(t)
	if len(got) != 1 {
		t.Fatalf("expected one delivery to bob, got %d", len(got))
	}
	if got[0].Content != "" {
		t.Error("recipient copy must not carry the sender's plaintext")
	}
	plain, err := keys.Open(b.private, got[0].EncryptedContent)
	if err != nil {
		t.Fatalf("bob could not open ciphertext: %v", err)
	}
	if plain != "secret" {
		t.Errorf("expected secret, got %q", plain)
	}
	if _, err := keys.Open(a.private, got[0].EncryptedContent); err == nil {
		t.Error("sender's own key must not open the recipient ciphertext")
	}

	history, _ := e.store.GetPrivateMessages(ctx, b.ID, a.ID)
	if len(history) != 1 || history[0].Content != "secret" || history[0].EncryptedContent == "" {
		t.Errorf("stored record must keep plaintext and ciphertext, got %+v", history)
	}
}

func TestPrivateFileIsNotEncrypted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.addUser(t, "alice", true)
	b := e.addUser(t, "bob", false)

	file := &models.FileDescriptor{Name: "cat.png", URL: "http://x/cat.png", Size: 2048, MimeType: "image/png"}
	msg, err := e.router.Send(ctx, a.ID, models.SendMessagePayload{Recipient: b.ID, File: file, TempID: "f1"})
	if err != nil {
		t.Fatalf("file send failed: %v", err)
	}
	if msg.Kind != models.KindFile || msg.EncryptedContent != "" {
		t.Errorf("expected pass-through file message, got %+v", msg)
	}
	got := b.conn.messages(t)
	if len(got) != 1 || got[0].File == nil || *got[0].File != *file {
		t.Errorf("expected descriptor delivered unchanged, got %+v", got)
	}
}

func TestRecipientKeyUnavailable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.addUser(t, "alice", true)
	b := e.addUser(t, "bob", false)

	_, err := e.router.Send(ctx, a.ID, models.SendMessagePayload{Recipient: b.ID, Content: "secret", TempID: "t"})
	if !errors.Is(err, ErrRecipientKeyUnavailable) {
		t.Fatalf("expected ErrRecipientKeyUnavailable, got %v", err)
	}
	if n := len(b.conn.messages(t)) + len(a.conn.messages(t)); n != 0 {
		t.Errorf("nothing may be delivered on key failure, got %d", n)
	}
	if history, _ := e.store.GetPrivateMessages(ctx, a.ID, b.ID); len(history) != 0 {
		t.Error("nothing may be stored on key failure")
	}

	// A corrupt key on file fails closed the same way.
	c := &models.User{Name: "carol", Email: "carol@example.com", Password: "x", PublicKey: "not-a-key"}
	e.store.CreateUser(ctx, c)
	if _, err := e.router.Send(ctx, a.ID, models.SendMessagePayload{Recipient: c.ID, Content: "x", TempID: "t"}); !errors.Is(err, ErrRecipientKeyUnavailable) {
		t.Errorf("expected ErrRecipientKeyUnavailable for corrupt key, got %v", err)
	}
}

func TestValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.addUser(t, "alice", true)
	b := e.addUser(t, "bob", true)
	file := &models.FileDescriptor{Name: "a", URL: "http://x/a"}

	tests := []struct {
		name    string
		sender  string
		payload models.SendMessagePayload
		want    error
	}{
		{"no destination", a.ID, models.SendMessagePayload{Content: "x"}, ErrInvalidDestination},
		{"both destinations", a.ID, models.SendMessagePayload{Recipient: b.ID, Group: "g", Content: "x"}, ErrInvalidDestination},
		{"unknown recipient", a.ID, models.SendMessagePayload{Recipient: "ghost", Content: "x"}, ErrInvalidDestination},
		{"unknown group", a.ID, models.SendMessagePayload{Group: "ghost", Content: "x"}, ErrInvalidDestination},
		{"no content", a.ID, models.SendMessagePayload{Recipient: b.ID}, ErrInvalidPayload},
		{"content and file", a.ID, models.SendMessagePayload{Recipient: b.ID, Content: "x", File: file}, ErrInvalidPayload},
		{"file without url", a.ID, models.SendMessagePayload{Recipient: b.ID, File: &models.FileDescriptor{Name: "a"}}, ErrInvalidPayload},
		{"unknown sender", "ghost", models.SendMessagePayload{Recipient: b.ID, Content: "x"}, ErrUnknownSender},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.router.Send(ctx, tt.sender, tt.payload); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if n := len(b.conn.messages(t)); n != 0 {
		t.Errorf("invalid sends must not be delivered, got %d", n)
	}
}

type failingStore struct {
	store.Store
}

func (failingStore) SaveMessage(context.Context, *models.Message) error {
	return errors.New("disk full")
}

func TestStorageFailureDoesNotBroadcast(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.addUser(t, "alice", true)
	b := e.addUser(t, "bob", true)

	r := New(failingStore{e.store}, e.perms, e.reg, Options{Logger: zaptest.NewLogger(t)})
	_, err := r.Send(ctx, a.ID, models.SendMessagePayload{Recipient: b.ID, Content: "x", TempID: "t"})
	if !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("expected ErrStorageFailure, got %v", err)
	}
	if len(a.conn.messages(t))+len(b.conn.messages(t)) != 0 {
		t.Error("a failed persist must not be broadcast")
	}
}

func TestPerDestinationOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.addUser(t, "alice", false)
	b := e.addUser(t, "bob", false)
	g, _ := e.perms.CreateGroup(ctx, a.ID, "G")
	e.perms.AddMember(ctx, a.ID, g.ID, b.ID, true)

	var wg sync.WaitGroup
	for _, u := range []*user{a, b} {
		wg.Add(1)
		go func(u *user) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				p := models.SendMessagePayload{Group: g.ID, Content: fmt.Sprintf("%s-%d", u.Name, i), TempID: fmt.Sprintf("%s-%d", u.Name, i)}
				if _, err := e.router.Send(ctx, u.ID, p); err != nil {
					t.Errorf("send failed: %v", err)
				}
			}
		}(u)
	}
	wg.Wait()

	history, err := e.store.GetGroupMessages(ctx, g.ID)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	for _, conn := range []*fakeConn{a.conn, b.conn} {
		got := conn.messages(t)
		if len(got) != len(history) {
			t.Fatalf("%s: expected %d messages, got %d", conn.id, len(history), len(got))
		}
		for i := range history {
			if got[i].ID != history[i].ID {
				t.Fatalf("%s: delivery order diverges from persistence order at %d", conn.id, i)
			}
		}
	}
}

// pausingRoutes holds the first fan-out for one sender until release is
// closed. The record is already persisted when RouteTo is called.
type pausingRoutes struct {
	Routes
	senderID string
	reached  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (p *pausingRoutes) RouteTo(userID string) []registry.Conn {
	if userID == p.senderID {
		p.once.Do(func() {
			close(p.reached)
			<-p.release
		})
	}
	return p.Routes.RouteTo(userID)
}

func TestPrivateDestinationOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.addUser(t, "alice", true)
	b := e.addUser(t, "bob", true)
	c := e.addUser(t, "carol", true)

	routes := &pausingRoutes{
		Routes:   e.reg,
		senderID: c.ID,
		reached:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	r := New(e.store, e.perms, routes, Options{Logger: zaptest.NewLogger(t)})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := r.Send(ctx, c.ID, models.SendMessagePayload{Recipient: b.ID, Content: "from carol", TempID: "c1"}); err != nil {
			t.Errorf("carol send: %v", err)
		}
	}()
	<-routes.reached

	go func() {
		defer wg.Done()
		if _, err := r.Send(ctx, a.ID, models.SendMessagePayload{Recipient: b.ID, Content: "from alice", TempID: "a1"}); err != nil {
			t.Errorf("alice send: %v", err)
		}
	}()
	// Give alice's send the chance to overtake carol's fan-out.
	time.Sleep(50 * time.Millisecond)
	close(routes.release)
	wg.Wait()

	got := b.conn.messages(t)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages for bob, got %d", len(got))
	}
	if got[0].TempID != "c1" || got[1].TempID != "a1" {
		t.Errorf("bob received %s then %s, want persistence order c1 then a1", got[0].TempID, got[1].TempID)
	}
}

// failingGroupRoutes cannot resolve membership, so fan-out falls back to the
// group loaded by the permission gate.
type failingGroupRoutes struct{ Routes }

func (failingGroupRoutes) RouteToGroup(context.Context, string) ([]registry.Conn, error) {
	return nil, errors.New("membership lookup failed")
}

func TestGroupFanOutFallsBackToGatedGroup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.addUser(t, "alice", false)
	b := e.addUser(t, "bob", false)
	g, _ := e.perms.CreateGroup(ctx, a.ID, "G")
	e.perms.AddMember(ctx, a.ID, g.ID, b.ID, false)

	r := New(e.store, e.perms, failingGroupRoutes{e.reg}, Options{Logger: zaptest.NewLogger(t)})
	if _, err := r.Send(ctx, a.ID, models.SendMessagePayload{Group: g.ID, Content: "hello", TempID: "t1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.conn.messages(t)) != 1 || len(b.conn.messages(t)) != 1 {
		t.Error("both participants must receive the record when membership resolution fails")
	}
}
