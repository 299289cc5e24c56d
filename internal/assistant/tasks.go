package assistant

import (
	"context"
	"strings"

	"taskpilot/internal/action"
	"taskpilot/internal/providers"
	"taskpilot/internal/storage"
)

type TaskFromDescriptionInput struct {
	ProjectID   string `json:"projectId"`
	Description string `json:"description"`
	ChatID      string `json:"chatId,omitempty"`
}

type TaskFromDescriptionOutput struct {
	ActionResult action.Result `json:"actionResult"`
	ChatID       string        `json:"chatId,omitempty"`
}

// CreateTaskFromDescription asks the provider to turn description into a
// task and creates it with user as assignee and creator. With a chat id the
// outcome is also appended to that chat as an assistant turn.
func (s *Service) CreateTaskFromDescription(ctx context.Context, user storage.User, in TaskFromDescriptionInput) (TaskFromDescriptionOutput, error) {
	projectID := strings.TrimSpace(in.ProjectID)
	description := strings.TrimSpace(in.Description)
	verr := &ValidationError{}
	if projectID == "" {
		verr.add("projectId", "is required")
	}
	if description == "" {
		verr.add("description", "is required")
	} else if len([]rune(description)) > maxMessageRunes {
		verr.add("description", "is too long")
	}
	if err := verr.orNil(); err != nil {
		return TaskFromDescriptionOutput{}, err
	}

	settings, err := s.settingsFor(ctx, user.ID)
	if err != nil {
		return TaskFromDescriptionOutput{}, err
	}
	if !settings.Enabled {
		return TaskFromDescriptionOutput{}, ErrDisabled
	}
	project, err := s.accessibleProject(ctx, user, projectID)
	if err != nil {
		return TaskFromDescriptionOutput{}, err
	}

	chatID := strings.TrimSpace(in.ChatID)
	if chatID != "" {
		if _, err := s.sessions.LoadOrCreate(ctx, chatID, "", "", user.ID); err != nil {
			return TaskFromDescriptionOutput{}, err
		}
	}
	release, err := s.lock(ctx, chatID)
	if err != nil {
		return TaskFromDescriptionOutput{}, err
	}
	defer release()

	if err := s.checkLimit(ctx, user.ID); err != nil {
		return TaskFromDescriptionOutput{}, err
	}

	var session *Session
	if chatID != "" {
		loaded, err := s.sessions.LoadOrCreate(ctx, chatID, "", "", user.ID)
		if err != nil {
			return TaskFromDescriptionOutput{}, err
		}
		session = &loaded
	}

	messages := []providers.Message{
		{Role: providers.RoleSystem, Content: buildDescribeTaskPrompt(project)},
		{Role: providers.RoleUser, Content: description},
	}
	result := s.taskFromReply(ctx, user, settings, project.ID, messages)

	out := TaskFromDescriptionOutput{ActionResult: result}
	if session != nil {
		updated := AppendTurn(*session, providers.RoleAssistant, strings.TrimPrefix(result.Annotation(), "\n\n"))
		if _, err := s.sessions.Persist(ctx, updated); err != nil {
			return TaskFromDescriptionOutput{}, err
		}
		out.ChatID = updated.ID
	}
	return out, nil
}

func (s *Service) taskFromReply(ctx context.Context, user storage.User, settings storage.AISettings, projectID string, messages []providers.Message) action.Result {
	reply, _, ok := s.generate(ctx, user.ID, settings, messages)
	if !ok {
		return action.TaskFailure("assistant unavailable")
	}
	a, isTask := action.Extract(reply).(action.CreateTask)
	if !isTask {
		return action.TaskFailure("could not read a task from the description")
	}
	if s.executor == nil {
		return action.TaskFailure("actions are not available")
	}
	// The caller picked the project; a projectId in the reply is ignored.
	a.ProjectID = projectID
	return s.executor.Execute(ctx, a, action.Request{
		UserID:    user.ID,
		Role:      user.Role,
		AsCreator: true,
	})
}
