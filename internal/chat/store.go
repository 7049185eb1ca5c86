package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // registers the "postgres" driver
)

// Store persists users, contacts, groups and messages in PostgreSQL. Lookups
// return (nil, nil) when the row does not exist.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("chat: open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("chat: ping database: %w", err)
	}
	return db, nil
}

// FindUser returns the user with the given ID.
func (s *Store) FindUser(ctx context.Context, userID string) (*User, error) {
	const query = `
		SELECT id, display_name, COALESCE(preferred_lang, ''), COALESCE(push_token, '')
		FROM users WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&u.ID, &u.DisplayName, &u.PreferredLang, &u.PushToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: find user: %w", err)
	}
	return &u, nil
}

// FindGroup returns the group with the given ID.
func (s *Store) FindGroup(ctx context.Context, groupID string) (*Group, error) {
	const query = `SELECT id, name FROM groups WHERE id = $1`

	var g Group
	err := s.db.QueryRowContext(ctx, query, groupID).Scan(&g.ID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: find group: %w", err)
	}
	return &g, nil
}

// FindContactRelation returns the contact row owned by userID pointing at
// otherID.
func (s *Store) FindContactRelation(ctx context.Context, userID, otherID string) (*Contact, error) {
	const query = `
		SELECT id, user_id, contact_user_id, created_at
		FROM contacts WHERE user_id = $1 AND contact_user_id = $2`

	var c Contact
	err := s.db.QueryRowContext(ctx, query, userID, otherID).Scan(&c.ID, &c.UserID, &c.ContactUserID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: find contact: %w", err)
	}
	return &c, nil
}

// FindGroupMembership returns userID's membership in groupID.
func (s *Store) FindGroupMembership(ctx context.Context, userID, groupID string) (*Membership, error) {
	const query = `
		SELECT group_id, user_id, role
		FROM group_members WHERE group_id = $1 AND user_id = $2`

	var m Membership
	err := s.db.QueryRowContext(ctx, query, groupID, userID).Scan(&m.GroupID, &m.UserID, &m.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: find membership: %w", err)
	}
	return &m, nil
}

// ListGroupMembers returns every member of the group with the profile fields
// needed for delivery.
func (s *Store) ListGroupMembers(ctx context.Context, groupID string) ([]User, error) {
	const query = `
		SELECT u.id, u.display_name, COALESCE(u.preferred_lang, ''), COALESCE(u.push_token, '')
		FROM group_members gm
		JOIN users u ON u.id = gm.user_id
		WHERE gm.group_id = $1
		ORDER BY gm.joined_at`

	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("chat: list members: %w", err)
	}
	defer rows.Close()

	var members []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.PreferredLang, &u.PushToken); err != nil {
			return nil, fmt.Errorf("chat: scan member: %w", err)
		}
		members = append(members, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: list members: %w", err)
	}
	return members, nil
}

// CreateMessage inserts a direct message and returns the stored row.
func (s *Store) CreateMessage(ctx context.Context, senderID, receiverID, content string) (*Message, error) {
	const query = `
		INSERT INTO messages (sender_id, receiver_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, is_read`

	m := Message{SenderID: senderID, ReceiverID: receiverID, Content: content}
	err := s.db.QueryRowContext(ctx, query, senderID, receiverID, content).Scan(&m.ID, &m.CreatedAt, &m.IsRead)
	if err != nil {
		return nil, fmt.Errorf("chat: insert message: %w", err)
	}
	return &m, nil
}

// CreateGroupMessage inserts a group message and returns the stored row.
func (s *Store) CreateGroupMessage(ctx context.Context, senderID, groupID, content string) (*GroupMessage, error) {
	const query = `
		INSERT INTO group_messages (group_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, is_read`

	m := GroupMessage{GroupID: groupID, SenderID: senderID, Content: content}
	err := s.db.QueryRowContext(ctx, query, groupID, senderID, content).Scan(&m.ID, &m.CreatedAt, &m.IsRead)
	if err != nil {
		return nil, fmt.Errorf("chat: insert group message: %w", err)
	}
	return &m, nil
}

// MarkMessagesRead flags unread messages otherID sent to userID as read and
// returns how many rows changed. Messages userID sent stay as they are.
func (s *Store) MarkMessagesRead(ctx context.Context, userID, otherID string) (int64, error) {
	const query = `
		UPDATE messages SET is_read = TRUE
		WHERE is_read = FALSE
		  AND receiver_id = $1 AND sender_id = $2`

	res, err := s.db.ExecContext(ctx, query, userID, otherID)
	if err != nil {
		return 0, fmt.Errorf("chat: mark read: %w", err)
	}
	return res.RowsAffected()
}

// MarkGroupMessagesRead flags unread group messages not written by userID as
// read and returns how many rows changed.
func (s *Store) MarkGroupMessagesRead(ctx context.Context, userID, groupID string) (int64, error) {
	const query = `
		UPDATE group_messages SET is_read = TRUE
		WHERE group_id = $1 AND is_read = FALSE AND sender_id <> $2`

	res, err := s.db.ExecContext(ctx, query, groupID, userID)
	if err != nil {
		return 0, fmt.Errorf("chat: mark group read: %w", err)
	}
	return res.RowsAffected()
}
