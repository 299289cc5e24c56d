package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskpilot/internal/storage"
)

type ChatSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ProjectID    *string   `json:"projectId"`
	TaskID       *string   `json:"taskId"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type ChatDetail struct {
	ChatSummary
	Messages []storage.ChatMessage `json:"messages"`
}

func (s *Service) ListChats(ctx context.Context, user storage.User) ([]ChatSummary, error) {
	chats, err := s.store.ListChats(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		out = append(out, summaryOf(c))
	}
	return out, nil
}

func (s *Service) GetChat(ctx context.Context, user storage.User, chatID string) (ChatDetail, error) {
	c, err := s.store.GetChat(ctx, chatID, user.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ChatDetail{}, &AuthorizationError{Resource: "chat"}
		}
		return ChatDetail{}, fmt.Errorf("get chat: %w", err)
	}
	return ChatDetail{ChatSummary: summaryOf(c), Messages: c.Messages}, nil
}

func summaryOf(c storage.Chat) ChatSummary {
	return ChatSummary{
		ID:           c.ID,
		Title:        c.Title,
		ProjectID:    c.ProjectID,
		TaskID:       c.TaskID,
		MessageCount: len(c.Messages),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}
