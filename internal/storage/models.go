package storage

import "time"

const (
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

type User struct {
	ID        string
	Email     string
	Name      *string
	Role      string
	CreatedAt time.Time
}

type Project struct {
	ID          string
	OwnerID     string
	Title       string
	Description *string
	Status      string
	CreatedAt   time.Time
}

type Task struct {
	ID             string
	ProjectID      string
	Title          string
	Description    string
	Priority       string
	Status         string
	DueDate        *time.Time
	EstimatedHours *float64
	AssigneeID     *string
	CreatorID      *string
	Tags           []string
	CreatedAt      time.Time
}

// NewTask is the field set accepted by CreateTask.
type NewTask struct {
	ProjectID      string
	Title          string
	Description    string
	Priority       string
	Status         string
	DueDate        *time.Time
	EstimatedHours *float64
	AssigneeID     *string
	CreatorID      *string
	Tags           []string
}

type AISettings struct {
	UserID      string
	Provider    string
	BaseURL     *string
	Model       *string
	EncAPIKey   *string
	MaxTokens   int
	Temperature float64
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat is one persisted conversation. Messages are stored as a single JSON
// document and rewritten in full on every save.
type Chat struct {
	ID        string
	UserID    string
	ProjectID *string
	TaskID    *string
	Title     string
	Messages  []ChatMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

type AuditEntry struct {
	UserID   string
	Action   string
	MetaJSON string
}
