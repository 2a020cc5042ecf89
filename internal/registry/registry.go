// Package registry tracks live connections per authenticated user and the
// runtime group subscriptions each connection holds.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/pliu/chatbox/internal/models"
	"go.uber.org/zap"
)

const shardCount = 32

var (
	ErrNotAdmitted   = errors.New("connection not admitted")
	ErrAlreadyExists = errors.New("connection already admitted")
)

// Conn is a live transport session bound to one user.
type Conn interface {
	ID() string
	UserID() string
	// Deliver enqueues an event without blocking on the network.
	Deliver(ev models.Event) error
}

// MembershipSource resolves the durable membership of a group.
type MembershipSource interface {
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
}

type connState struct {
	conn   Conn
	groups map[string]struct{}
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*connState
}

type groupShard struct {
	mu     sync.RWMutex
	groups map[string]map[string]Conn
}

// Registry maps users to connections. State is sharded by user id and by group
// id so that unrelated users and groups never contend on the same lock. When
// both are needed the user shard is always locked first.
type Registry struct {
	users   [shardCount]*userShard
	groups  [shardCount]*groupShard
	members MembershipSource
	metrics *Metrics
	log     *zap.Logger
}

// Options configures observability for the registry.
type Options struct {
	Metrics *Metrics
	Logger  *zap.Logger
}

func New(members MembershipSource, opts Options) *Registry {
	r := &Registry{members: members, metrics: opts.Metrics, log: opts.Logger}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	for i := range r.users {
		r.users[i] = &userShard{users: make(map[string]map[string]*connState)}
		r.groups[i] = &groupShard{groups: make(map[string]map[string]Conn)}
	}
	return r
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (r *Registry) userShard(userID string) *userShard {
	return r.users[shardFor(userID)]
}

func (r *Registry) groupShard(groupID string) *groupShard {
	return r.groups[shardFor(groupID)]
}

// Admit makes conn routable for its user. The identity event is delivered to
// conn before it becomes visible to fan-out, so a client always learns its own
// id ahead of any message traffic. first reports whether this is the user's
// only live connection.
func (r *Registry) Admit(conn Conn) (first bool, err error) {
	userID := conn.UserID()
	if userID == "" {
		return false, errors.New("connection has no user identity")
	}
	hello, err := models.NewEvent(models.EventUserID, models.UserIDPayload{UserID: userID})
	if err != nil {
		return false, err
	}

	sh := r.userShard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	conns, ok := sh.users[userID]
	if !ok {
		conns = make(map[string]*connState)
		sh.users[userID] = conns
	}
	if _, dup := conns[conn.ID()]; dup {
		return false, ErrAlreadyExists
	}
	if err := conn.Deliver(hello); err != nil {
		if len(conns) == 0 {
			delete(sh.users, userID)
		}
		return false, fmt.Errorf("deliver identity: %w", err)
	}
	conns[conn.ID()] = &connState{conn: conn, groups: make(map[string]struct{})}
	first = len(conns) == 1

	r.metrics.connectionOpened(first)
	r.log.Debug("connection admitted", zap.String("conn_id", conn.ID()), zap.String("user_id", userID))
	return first, nil
}

// Disconnect removes conn and all of its subscriptions. Durable membership is
// untouched. last reports whether the user has no live connection left.
func (r *Registry) Disconnect(conn Conn) (last bool) {
	userID := conn.UserID()
	sh := r.userShard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	conns, ok := sh.users[userID]
	if !ok {
		return false
	}
	state, ok := conns[conn.ID()]
	if !ok {
		return false
	}
	for groupID := range state.groups {
		r.dropSubscription(groupID, conn.ID())
	}
	delete(conns, conn.ID())
	last = len(conns) == 0
	if last {
		delete(sh.users, userID)
	}

	r.metrics.connectionClosed(last, len(state.groups))
	r.log.Debug("connection removed", zap.String("conn_id", conn.ID()), zap.String("user_id", userID))
	return last
}

// Subscribe records a runtime interest of conn in groupID. Subscriptions are a
// routing hint only and never decide who receives a group message.
func (r *Registry) Subscribe(conn Conn, groupID string) error {
	sh := r.userShard(conn.UserID())
	sh.mu.Lock()
	defer sh.mu.Unlock()

	state, ok := sh.users[conn.UserID()][conn.ID()]
	if !ok {
		return ErrNotAdmitted
	}
	if _, ok := state.groups[groupID]; ok {
		return nil
	}
	state.groups[groupID] = struct{}{}

	gs := r.groupShard(groupID)
	gs.mu.Lock()
	subs, ok := gs.groups[groupID]
	if !ok {
		subs = make(map[string]Conn)
		gs.groups[groupID] = subs
	}
	subs[conn.ID()] = conn
	gs.mu.Unlock()

	r.metrics.subscriptionsChanged(1)
	return nil
}

// Unsubscribe drops the runtime interest of conn in groupID.
func (r *Registry) Unsubscribe(conn Conn, groupID string) error {
	sh := r.userShard(conn.UserID())
	sh.mu.Lock()
	defer sh.mu.Unlock()

	state, ok := sh.users[conn.UserID()][conn.ID()]
	if !ok {
		return ErrNotAdmitted
	}
	if _, ok := state.groups[groupID]; !ok {
		return nil
	}
	delete(state.groups, groupID)
	r.dropSubscription(groupID, conn.ID())
	r.metrics.subscriptionsChanged(-1)
	return nil
}

func (r *Registry) dropSubscription(groupID, connID string) {
	gs := r.groupShard(groupID)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if subs, ok := gs.groups[groupID]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(gs.groups, groupID)
		}
	}
}

// RouteTo returns every live connection of userID.
func (r *Registry) RouteTo(userID string) []Conn {
	sh := r.userShard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	conns := sh.users[userID]
	out := make([]Conn, 0, len(conns))
	for _, st := range conns {
		out = append(out, st.conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RouteToGroup resolves the live connections of every durable participant of
// groupID (creator plus membership rows), regardless of subscriptions.
func (r *Registry) RouteToGroup(ctx context.Context, groupID string) ([]Conn, error) {
	if r.members == nil {
		return nil, errors.New("registry has no membership source")
	}
	g, err := r.members.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("resolve group %s: %w", groupID, err)
	}
	return r.RouteToParticipants(g), nil
}

// RouteToParticipants is RouteToGroup for an already loaded group.
func (r *Registry) RouteToParticipants(g *models.Group) []Conn {
	var out []Conn
	for _, userID := range g.ParticipantIDs() {
		out = append(out, r.RouteTo(userID)...)
	}
	return out
}

// Online reports whether userID holds at least one live connection.
func (r *Registry) Online(userID string) bool {
	sh := r.userShard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.users[userID]) > 0
}

// All snapshots every live connection.
func (r *Registry) All() []Conn {
	var out []Conn
	for _, sh := range r.users {
		sh.mu.RLock()
		for _, conns := range sh.users {
			for _, st := range conns {
				out = append(out, st.conn)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}
