// Package action detects structured instructions embedded in assistant
// replies and executes them against the task store.
package action

import "time"

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
)

// Action is a validated instruction extracted from a reply. CreateTask is
// currently the only case.
type Action interface {
	Kind() string
}

type CreateTask struct {
	// ProjectID is empty when the reply did not name one; the executor then
	// falls back to the session's project anchor.
	ProjectID      string
	Title          string
	Description    string
	Priority       Priority
	Status         Status
	DueDate        *time.Time
	EstimatedHours *float64
	Tags           []string
}

func (CreateTask) Kind() string { return "create_task" }

// Result is the outcome of executing an action. TaskID is set on success.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"taskId,omitempty"`
}

// Annotation renders r as the suffix appended to an assistant reply.
func (r Result) Annotation() string {
	if r.Success {
		return "\n\n✅ " + r.Message
	}
	return "\n\n❌ " + r.Message
}
