package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"taskpilot/internal/metrics"
	"taskpilot/internal/queue"
	"taskpilot/internal/storage"
)

type TaskStore interface {
	CreateTask(ctx context.Context, in storage.NewTask) (storage.Task, error)
	CanAccessProject(ctx context.Context, projectID, userID string) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev queue.TaskEvent) (string, error)
}

// Request describes who runs an action and in which context.
type Request struct {
	UserID string
	Role   string
	// DefaultProjectID is used when the action does not name a project.
	DefaultProjectID string
	// AsCreator also records the acting user as the task creator.
	AsCreator bool
}

type ExecutorConfig struct {
	Store     TaskStore
	Publisher EventPublisher
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

type Executor struct {
	store     TaskStore
	publisher EventPublisher
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Executor{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		logger:    cfg.Logger.With().Str("component", "action_executor").Logger(),
		metrics:   m,
	}
}

// Execute performs a. It never returns an error: every failure is folded
// into a Result with Success false. Executing the same action twice creates
// two tasks.
func (e *Executor) Execute(ctx context.Context, a Action, req Request) Result {
	switch act := a.(type) {
	case CreateTask:
		return e.createTask(ctx, act, req)
	case *CreateTask:
		if act == nil {
			break
		}
		return e.createTask(ctx, *act, req)
	}
	kind := "unknown"
	if a != nil {
		kind = a.Kind()
	}
	e.metrics.Actions.WithLabelValues(kind, "unsupported").Inc()
	return Result{Success: false, Message: "Unsupported action"}
}

func (e *Executor) createTask(ctx context.Context, a CreateTask, req Request) Result {
	projectID := strings.TrimSpace(a.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(req.DefaultProjectID)
	}
	if projectID == "" {
		return e.fail(a, "no project selected")
	}

	if req.Role != storage.RoleAdmin {
		ok, err := e.store.CanAccessProject(ctx, projectID, req.UserID)
		if err != nil {
			e.logger.Error().Err(err).Str("user_id", req.UserID).Msg("project access check failed")
			return e.fail(a, "storage error")
		}
		if !ok {
			return e.fail(a, "project not found")
		}
	}

	priority := a.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	status := a.Status
	if status == "" {
		status = StatusTodo
	}

	userID := req.UserID
	in := storage.NewTask{
		ProjectID:      projectID,
		Title:          a.Title,
		Description:    a.Description,
		Priority:       string(priority),
		Status:         string(status),
		DueDate:        a.DueDate,
		EstimatedHours: a.EstimatedHours,
		AssigneeID:     &userID,
		Tags:           a.Tags,
	}
	if req.AsCreator {
		in.CreatorID = &userID
	}

	task, err := e.store.CreateTask(ctx, in)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return e.fail(a, "project not found")
		}
		e.logger.Error().Err(err).Str("user_id", req.UserID).Msg("create task failed")
		return e.fail(a, "storage error")
	}

	e.metrics.Actions.WithLabelValues(a.Kind(), "ok").Inc()
	e.publish(ctx, task, req.UserID)

	return Result{
		Success: true,
		Message: fmt.Sprintf("Task %q created (priority %s, status %s)", task.Title, task.Priority, task.Status),
		TaskID:  task.ID,
	}
}

func (e *Executor) fail(a CreateTask, class string) Result {
	e.metrics.Actions.WithLabelValues(a.Kind(), "failed").Inc()
	return TaskFailure(class)
}

// TaskFailure is the result reported for a CreateTask that did not run to
// completion; class is a short reason such as "storage error".
func TaskFailure(class string) Result {
	return Result{Success: false, Message: "Failed to create task: " + class}
}

func (e *Executor) publish(ctx context.Context, task storage.Task, userID string) {
	if e.publisher == nil {
		return
	}
	_, err := e.publisher.Publish(ctx, queue.TaskEvent{
		Type:      queue.EventTaskCreated,
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		UserID:    userID,
		Title:     task.Title,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to publish task event")
		return
	}
	e.metrics.EventsPublished.Inc()
}
