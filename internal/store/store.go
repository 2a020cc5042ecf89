package store

import (
	"context"
	"errors"

	"github.com/pliu/chatbox/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	SetUserStatus(ctx context.Context, id, status string) error

	// Group operations
	CreateGroup(ctx context.Context, name, creatorID string) (*models.Group, error)
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	GetUserGroups(ctx context.Context, userID string) ([]models.Group, error)
	UpsertMembership(ctx context.Context, groupID string, m models.Membership) error

	// Message operations
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetPrivateMessages(ctx context.Context, userID, peerID string) ([]models.Message, error)
	GetGroupMessages(ctx context.Context, groupID string) ([]models.Message, error)
}
