// Package permissions decides who may post into a group and serializes
// membership changes per group.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pliu/chatbox/internal/lockmap"
	"github.com/pliu/chatbox/internal/models"
	"github.com/pliu/chatbox/internal/store"
	"go.uber.org/zap"
)

var (
	ErrNotCreator        = errors.New("only the group creator may change membership")
	ErrCreatorRestricted = errors.New("the group creator's send right cannot be changed")
	ErrNotMember         = errors.New("user is not a member of the group")
	ErrInvalidGroupName  = errors.New("group name is required")
)

// IsAdmin reports whether userID created the group.
func IsAdmin(userID string, g *models.Group) bool {
	return g != nil && userID != "" && g.CreatorID == userID
}

// CanPost reports whether userID may send into g. The creator always may,
// whatever the membership table says; anyone else needs an explicit row with
// CanSendMessages set.
func CanPost(userID string, g *models.Group) bool {
	if g == nil || userID == "" {
		return false
	}
	if IsAdmin(userID, g) {
		return true
	}
	m, ok := g.Member(userID)
	if !ok {
		return false
	}
	return m.CanSendMessages
}

// Service applies membership mutations. Only the creator may mutate, and
// mutations on the same group never interleave.
type Service struct {
	store store.Store
	locks *lockmap.Map
	log   *zap.Logger
}

func NewService(s store.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, locks: lockmap.New(), log: log}
}

// CreateGroup creates a group owned by creatorID with no membership rows.
func (s *Service) CreateGroup(ctx context.Context, creatorID, name string) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidGroupName
	}
	g, err := s.store.CreateGroup(ctx, name, creatorID)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	s.log.Info("group created", zap.String("group_id", g.ID), zap.String("creator_id", creatorID))
	return g, nil
}

// CanPost loads the current group state and evaluates CanPost against it.
func (s *Service) CanPost(ctx context.Context, userID, groupID string) (bool, *models.Group, error) {
	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return false, nil, err
	}
	return CanPost(userID, g), g, nil
}

// AddMember upserts a membership row for userID.
func (s *Service) AddMember(ctx context.Context, actorID, groupID, userID string, canSend bool) (*models.Group, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.loadForMutation(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if userID == g.CreatorID {
		return nil, ErrCreatorRestricted
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, fmt.Errorf("lookup member %s: %w", userID, err)
	}
	if err := s.store.UpsertMembership(ctx, groupID, models.Membership{UserID: userID, CanSendMessages: canSend}); err != nil {
		return nil, fmt.Errorf("add member: %w", err)
	}
	s.log.Info("member added",
		zap.String("group_id", groupID),
		zap.String("user_id", userID),
		zap.Bool("can_send", canSend))
	return s.store.GetGroup(ctx, groupID)
}

// SetPermission flips an existing member's send flag. Granting the creator is a
// no-op; restricting the creator fails with ErrCreatorRestricted.
func (s *Service) SetPermission(ctx context.Context, actorID, groupID, userID string, canSend bool) (*models.Group, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.loadForMutation(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if userID == g.CreatorID {
		if !canSend {
			return nil, ErrCreatorRestricted
		}
		return g, nil
	}
	if _, ok := g.Member(userID); !ok {
		return nil, ErrNotMember
	}
	if err := s.store.UpsertMembership(ctx, groupID, models.Membership{UserID: userID, CanSendMessages: canSend}); err != nil {
		return nil, fmt.Errorf("set permission: %w", err)
	}
	s.log.Info("permission updated",
		zap.String("group_id", groupID),
		zap.String("user_id", userID),
		zap.Bool("can_send", canSend))
	return s.store.GetGroup(ctx, groupID)
}

func (s *Service) loadForMutation(ctx context.Context, actorID, groupID string) (*models.Group, error) {
	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", groupID, err)
	}
	if !IsAdmin(actorID, g) {
		return nil, ErrNotCreator
	}
	return g, nil
}
