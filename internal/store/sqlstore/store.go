package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pliu/chatbox/internal/models"
	"github.com/pliu/chatbox/internal/store"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
	nowFn      func() time.Time
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// Every sqlite connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName, nowFn: time.Now}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'offline',
		location TEXT NOT NULL DEFAULT '',
		designation TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL DEFAULT '',
		encrypted_private_key TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS chat_groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		creator_id TEXT NOT NULL REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS memberships (
		group_id TEXT NOT NULL REFERENCES chat_groups(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		can_send BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (group_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		sender_id TEXT NOT NULL REFERENCES users(id),
		recipient_id TEXT NOT NULL DEFAULT '',
		group_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		encrypted_content TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		file_url TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		file_mime TEXT NOT NULL DEFAULT '',
		temp_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_group ON messages (group_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_private ON messages (sender_id, recipient_id, seq);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
		query = strings.ReplaceAll(query, "file_size INTEGER", "file_size BIGINT")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}
	return err
}

const userColumns = "id, name, email, password, status, location, designation, public_key, encrypted_private_key"

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Password, &u.Status, &u.Location, &u.Designation, &u.PublicKey, &u.EncryptedPrivateKey)
	if err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Status == "" {
		user.Status = models.StatusOffline
	}
	query := s.rebind("INSERT INTO users (" + userColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Name, user.Email, user.Password, user.Status,
		user.Location, user.Designation, user.PublicKey, user.EncryptedPrivateKey)
	return translate(err)
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE email = ?")
	return scanUser(s.db.QueryRowContext(ctx, query, email))
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY name ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLStore) SetUserStatus(ctx context.Context, id, status string) error {
	query := s.rebind("UPDATE users SET status = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLStore) CreateGroup(ctx context.Context, name, creatorID string) (*models.Group, error) {
	group := &models.Group{
		ID:        uuid.New().String(),
		Name:      name,
		CreatorID: creatorID,
		Members:   []models.Membership{},
	}
	query := s.rebind("INSERT INTO chat_groups (id, name, creator_id) VALUES (?, ?, ?)")
	if _, err := s.db.ExecContext(ctx, query, group.ID, group.Name, group.CreatorID); err != nil {
		return nil, translate(err)
	}
	return group, nil
}

func (s *SQLStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	query := s.rebind("SELECT id, name, creator_id FROM chat_groups WHERE id = ?")
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&g.ID, &g.Name, &g.CreatorID); err != nil {
		return nil, translate(err)
	}
	members, err := s.loadMembers(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	g.Members = members
	return &g, nil
}

func (s *SQLStore) loadMembers(ctx context.Context, groupID string) ([]models.Membership, error) {
	query := s.rebind("SELECT user_id, can_send FROM memberships WHERE group_id = ? ORDER BY user_id ASC")
	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []models.Membership{}
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.UserID, &m.CanSendMessages); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLStore) GetUserGroups(ctx context.Context, userID string) ([]models.Group, error) {
	query := s.rebind(`
		SELECT g.id, g.name, g.creator_id
		FROM chat_groups g
		WHERE g.creator_id = ?
		   OR g.id IN (SELECT m.group_id FROM memberships m WHERE m.user_id = ?)
		ORDER BY g.name ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, userID, userID)
	if err != nil {
		return nil, err
	}

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatorID); err != nil {
			rows.Close()
			return nil, err
		}
		groups = append(groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Members are loaded after the cursor is released; sqlite runs on one connection.
	for i := range groups {
		members, err := s.loadMembers(ctx, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Members = members
	}
	return groups, nil
}

func (s *SQLStore) UpsertMembership(ctx context.Context, groupID string, m models.Membership) error {
	query := s.rebind(`
		INSERT INTO memberships (group_id, user_id, can_send) VALUES (?, ?, ?)
		ON CONFLICT (group_id, user_id) DO UPDATE SET can_send = excluded.can_send
	`)
	_, err := s.db.ExecContext(ctx, query, groupID, m.UserID, m.CanSendMessages)
	return translate(err)
}

func (s *SQLStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.nowFn().UTC()
	}
	var file models.FileDescriptor
	if msg.File != nil {
		file = *msg.File
	}
	query := s.rebind(`
		INSERT INTO messages (id, sender_id, recipient_id, group_id, kind, content, encrypted_content,
			file_name, file_url, file_size, file_mime, temp_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query, msg.ID, msg.SenderID, msg.RecipientID, msg.GroupID, string(msg.Kind),
		msg.Content, msg.EncryptedContent, file.Name, file.URL, file.Size, file.MimeType, msg.TempID, msg.CreatedAt)
	return translate(err)
}

const messageSelect = `
	SELECT m.id, m.sender_id, COALESCE(u.name, ''), m.recipient_id, m.group_id, m.kind, m.content,
		m.encrypted_content, m.file_name, m.file_url, m.file_size, m.file_mime, m.temp_id, m.created_at
	FROM messages m
	LEFT JOIN users u ON m.sender_id = u.id
`

func (s *SQLStore) GetPrivateMessages(ctx context.Context, userID, peerID string) ([]models.Message, error) {
	query := s.rebind(messageSelect + `
		WHERE (m.sender_id = ? AND m.recipient_id = ?)
		   OR (m.sender_id = ? AND m.recipient_id = ?)
		ORDER BY m.seq ASC
	`)
	return s.queryMessages(ctx, query, userID, peerID, peerID, userID)
}

func (s *SQLStore) GetGroupMessages(ctx context.Context, groupID string) ([]models.Message, error) {
	query := s.rebind(messageSelect + `
		WHERE m.group_id = ?
		ORDER BY m.seq ASC
	`)
	return s.queryMessages(ctx, query, groupID)
}

func (s *SQLStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var (
			m    models.Message
			kind string
			file models.FileDescriptor
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.RecipientID, &m.GroupID, &kind, &m.Content,
			&m.EncryptedContent, &file.Name, &file.URL, &file.Size, &file.MimeType, &m.TempID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = models.ContentKind(kind)
		if m.Kind == models.KindFile {
			m.File = &file
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
