package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var chatColumns = []string{
	"id", "user_id", "project_id", "task_id", "title", "messages_json", "created_at", "updated_at",
}

// GetChat returns the chat only when it belongs to userID; a chat owned by
// someone else is reported as ErrNotFound.
func (s *Store) GetChat(ctx context.Context, id, userID string) (Chat, error) {
	q := s.sql.Select(chatColumns...).From("chats").Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}
	c, err := scanChat(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	q := s.sql.Select(chatColumns...).
		From("chats").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("updated_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

// SaveChat writes the whole chat. New chats are inserted; existing rows are
// only overwritten when they belong to the same user.
func (s *Store) SaveChat(ctx context.Context, c Chat) (Chat, error) {
	msgs := c.Messages
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return Chat{}, fmt.Errorf("marshal chat messages: %w", err)
	}

	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	q := s.sql.Insert("chats").
		Columns(chatColumns...).
		Values(c.ID, c.UserID, c.ProjectID, c.TaskID, c.Title, string(b), c.CreatedAt, c.UpdatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET title=excluded.title, messages_json=excluded.messages_json, updated_at=excluded.updated_at WHERE chats.user_id = excluded.user_id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build save chat query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return Chat{}, fmt.Errorf("save chat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Chat{}, ErrNotFound
	}
	return c, nil
}

func scanChat(row rowScanner) (Chat, error) {
	var c Chat
	var projectID, taskID sql.NullString
	var messagesJSON string
	if err := row.Scan(&c.ID, &c.UserID, &projectID, &taskID, &c.Title, &messagesJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Chat{}, err
	}
	c.ProjectID = nullString(projectID)
	c.TaskID = nullString(taskID)
	if err := json.Unmarshal([]byte(messagesJSON), &c.Messages); err != nil {
		return Chat{}, fmt.Errorf("decode chat messages: %w", err)
	}
	if c.Messages == nil {
		c.Messages = []ChatMessage{}
	}
	return c, nil
}
