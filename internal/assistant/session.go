package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/providers"
	"taskpilot/internal/storage"
)

const titleMaxRunes = 50

// Session is one chat as seen by a turn. Values are never mutated in place;
// AppendTurn and DeriveTitle return updated copies.
type Session struct {
	ID        string
	UserID    string
	ProjectID *string
	TaskID    *string
	Title     string
	Messages  []storage.ChatMessage
	CreatedAt time.Time
}

// AppendTurn returns s with one more message. The backing array is never
// shared with s.
func AppendTurn(s Session, role, content string) Session {
	msgs := make([]storage.ChatMessage, len(s.Messages), len(s.Messages)+1)
	copy(msgs, s.Messages)
	s.Messages = append(msgs, storage.ChatMessage{Role: role, Content: content})
	return s
}

// DeriveTitle sets the title from the first user message once the chat holds
// exactly the preamble, one user turn and one assistant turn. A title that is
// already set is never changed.
func DeriveTitle(s Session) Session {
	if s.Title != "" || len(s.Messages) != 3 {
		return s
	}
	for _, m := range s.Messages {
		if m.Role == providers.RoleUser {
			s.Title = truncateTitle(m.Content)
			break
		}
	}
	return s
}

func truncateTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= titleMaxRunes {
		return text
	}
	return string(r[:titleMaxRunes]) + "..."
}

func (s Session) ProviderMessages() []providers.Message {
	out := make([]providers.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

type SessionStore interface {
	GetChat(ctx context.Context, id, userID string) (storage.Chat, error)
	SaveChat(ctx context.Context, c storage.Chat) (storage.Chat, error)
}

// Sessions loads and writes chats. It is the only writer of chat rows.
type Sessions struct {
	store SessionStore
	newID func() string
}

func NewSessions(store SessionStore) *Sessions {
	return &Sessions{store: store, newID: uuid.NewString}
}

// LoadOrCreate returns the user's chat chatID, or a new empty session
// anchored to projectID and taskID when chatID is empty. Anchors passed with
// an existing chat are ignored. A chat owned by someone else is reported as
// an AuthorizationError.
func (m *Sessions) LoadOrCreate(ctx context.Context, chatID, projectID, taskID, userID string) (Session, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return Session{
			ID:        m.newID(),
			UserID:    userID,
			ProjectID: optional(projectID),
			TaskID:    optional(taskID),
			Messages:  []storage.ChatMessage{},
		}, nil
	}

	c, err := m.store.GetChat(ctx, chatID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Session{}, &AuthorizationError{Resource: "chat"}
		}
		return Session{}, fmt.Errorf("load chat: %w", err)
	}
	return Session{
		ID:        c.ID,
		UserID:    c.UserID,
		ProjectID: c.ProjectID,
		TaskID:    c.TaskID,
		Title:     c.Title,
		Messages:  c.Messages,
		CreatedAt: c.CreatedAt,
	}, nil
}

// Persist writes the full message sequence of s.
func (m *Sessions) Persist(ctx context.Context, s Session) (Session, error) {
	saved, err := m.store.SaveChat(ctx, storage.Chat{
		ID:        s.ID,
		UserID:    s.UserID,
		ProjectID: s.ProjectID,
		TaskID:    s.TaskID,
		Title:     s.Title,
		Messages:  s.Messages,
		CreatedAt: s.CreatedAt,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Session{}, &AuthorizationError{Resource: "chat"}
		}
		return Session{}, fmt.Errorf("persist chat: %w", err)
	}
	s.CreatedAt = saved.CreatedAt
	return s, nil
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
