// Package assistant runs chat turns: it loads the session, builds the
// context, calls the configured provider, executes any action embedded in
// the reply and persists the transcript.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"taskpilot/internal/action"
	"taskpilot/internal/metrics"
	"taskpilot/internal/providers"
	"taskpilot/internal/providers/router"
	"taskpilot/internal/queue"
	"taskpilot/internal/storage"
)

// FallbackReply is recorded as the assistant turn when the provider fails.
const FallbackReply = "Sorry, I couldn't reach the AI provider right now. Please try again in a moment."

const (
	maxMessageRunes   = 8000
	maxProjectChoices = 20
)

type Store interface {
	SessionStore
	action.TaskStore
	GetProject(ctx context.Context, id string) (storage.Project, error)
	GetTask(ctx context.Context, id string) (storage.Task, error)
	GetOrCreateAISettings(ctx context.Context, defaults storage.AISettings) (storage.AISettings, error)
	UpsertAISettings(ctx context.Context, in storage.AISettings) (storage.AISettings, error)
	ListChats(ctx context.Context, userID string) ([]storage.Chat, error)
	ListAccessibleProjects(ctx context.Context, userID string, limit uint64) ([]storage.Project, error)
}

type Generator interface {
	Generate(ctx context.Context, s router.Settings, messages []providers.Message) (providers.ChatResponse, error)
}

type Keyring interface {
	Seal(userID, plaintext string) (string, error)
	Open(userID, raw string) (string, error)
}

type TurnLimiter interface {
	Allow(ctx context.Context, userID string, now time.Time) (bool, int64, time.Time, error)
}

type Locker interface {
	Acquire(ctx context.Context, chatID string) (func(), error)
}

// Defaults seed a user's settings on first access.
type Defaults struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64
}

type Config struct {
	Store     Store
	Generator Generator
	Executor  *action.Executor
	Keyring   Keyring
	// Limiter and Locker are optional.
	Limiter  TurnLimiter
	Locker   Locker
	Defaults Defaults
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

type Service struct {
	store     Store
	generator Generator
	executor  *action.Executor
	keyring   Keyring
	limiter   TurnLimiter
	locker    Locker
	sessions  *Sessions
	defaults  Defaults
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	d := cfg.Defaults
	if strings.TrimSpace(d.Provider) == "" {
		d.Provider = "ollama"
	}
	if d.MaxTokens <= 0 {
		d.MaxTokens = 1000
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		d.Temperature = 0.7
	}
	return &Service{
		store:     cfg.Store,
		generator: cfg.Generator,
		executor:  cfg.Executor,
		keyring:   cfg.Keyring,
		limiter:   cfg.Limiter,
		locker:    cfg.Locker,
		sessions:  NewSessions(cfg.Store),
		defaults:  d,
		logger:    cfg.Logger.With().Str("component", "assistant").Logger(),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type ChatInput struct {
	Message   string `json:"message"`
	ProjectID string `json:"projectId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
}

type ChatOutput struct {
	Message      string           `json:"message"`
	ChatID       string           `json:"chatId"`
	Model        string           `json:"model,omitempty"`
	Usage        *providers.Usage `json:"usage,omitempty"`
	ActionResult *action.Result   `json:"actionResult,omitempty"`
}

// Chat runs one turn for user. Provider and action failures never surface
// as errors: they are recorded in the assistant turn. Errors are returned
// only for bad input, access violations, disabled settings, limits and
// storage faults.
func (s *Service) Chat(ctx context.Context, user storage.User, in ChatInput) (ChatOutput, error) {
	message := strings.TrimSpace(in.Message)
	verr := &ValidationError{}
	if message == "" {
		verr.add("message", "is required")
	} else if utf8.RuneCountInString(message) > maxMessageRunes {
		verr.add("message", fmt.Sprintf("must be at most %d characters", maxMessageRunes))
	}
	if err := verr.orNil(); err != nil {
		return ChatOutput{}, err
	}

	settings, err := s.settingsFor(ctx, user.ID)
	if err != nil {
		return ChatOutput{}, err
	}
	if !settings.Enabled {
		return ChatOutput{}, ErrDisabled
	}

	// Ownership is checked before locking; the session is read again under
	// the lock.
	session, err := s.sessions.LoadOrCreate(ctx, in.ChatID, in.ProjectID, in.TaskID, user.ID)
	if err != nil {
		return ChatOutput{}, err
	}
	existing := strings.TrimSpace(in.ChatID) != ""
	if existing {
		release, err := s.lock(ctx, session.ID)
		if err != nil {
			return ChatOutput{}, err
		}
		defer release()
	}

	if err := s.checkLimit(ctx, user.ID); err != nil {
		return ChatOutput{}, err
	}

	if existing {
		session, err = s.sessions.LoadOrCreate(ctx, session.ID, "", "", user.ID)
		if err != nil {
			return ChatOutput{}, err
		}
	}

	if len(session.Messages) == 0 {
		project, task, err := s.resolveAnchors(ctx, user, session.ProjectID, session.TaskID)
		if err != nil {
			return ChatOutput{}, err
		}
		var choices []storage.Project
		if project == nil && task == nil {
			choices = s.projectChoices(ctx, user.ID)
		}
		session = AppendTurn(session, providers.RoleSystem, BuildSystemPrompt(user, project, task, choices))
	}
	session = AppendTurn(session, providers.RoleUser, message)

	out := ChatOutput{ChatID: session.ID}
	reply, resp, ok := s.generate(ctx, user.ID, settings, session.ProviderMessages())
	if ok {
		out.Model = resp.Model
		out.Usage = resp.Usage
		if a := action.Extract(reply); a != nil && s.executor != nil {
			var res action.Result
			projectID, err := s.actionProject(ctx, session)
			if err != nil {
				s.logger.Error().Err(err).Str("chat_id", session.ID).Msg("failed to resolve action project")
				res = action.TaskFailure("storage error")
			} else {
				res = s.executor.Execute(ctx, a, action.Request{
					UserID:           user.ID,
					Role:             user.Role,
					DefaultProjectID: projectID,
				})
			}
			out.ActionResult = &res
			reply += res.Annotation()
		}
		s.metrics.ChatTurns.WithLabelValues("ok").Inc()
	} else {
		s.metrics.ChatTurns.WithLabelValues("fallback").Inc()
	}

	session = AppendTurn(session, providers.RoleAssistant, reply)
	session = DeriveTitle(session)
	if _, err := s.sessions.Persist(ctx, session); err != nil {
		return ChatOutput{}, err
	}

	out.Message = reply
	return out, nil
}

// generate calls the provider. On failure it returns FallbackReply and
// ok=false.
func (s *Service) generate(ctx context.Context, userID string, settings storage.AISettings, messages []providers.Message) (string, providers.ChatResponse, bool) {
	rs, err := s.routerSettings(userID, settings)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to open stored api key")
		return FallbackReply, providers.ChatResponse{}, false
	}

	resp, err := s.generator.Generate(ctx, rs, messages)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("user_id", userID).
			Str("provider", settings.Provider).
			Str("kind", string(providers.KindOf(err))).
			Msg("provider failed, using fallback reply")
		return FallbackReply, providers.ChatResponse{}, false
	}
	if strings.TrimSpace(resp.Content) == "" {
		s.logger.Warn().Str("user_id", userID).Str("provider", settings.Provider).Msg("provider returned empty content")
		return FallbackReply, providers.ChatResponse{}, false
	}
	return resp.Content, resp, true
}

func (s *Service) routerSettings(userID string, settings storage.AISettings) (router.Settings, error) {
	rs := router.Settings{
		Provider:    settings.Provider,
		MaxTokens:   settings.MaxTokens,
		Temperature: settings.Temperature,
	}
	if settings.BaseURL != nil {
		rs.BaseURL = *settings.BaseURL
	}
	if settings.Model != nil {
		rs.Model = *settings.Model
	}
	if settings.EncAPIKey != nil && *settings.EncAPIKey != "" {
		if s.keyring == nil {
			return router.Settings{}, errors.New("no keyring configured")
		}
		key, err := s.keyring.Open(userID, *settings.EncAPIKey)
		if err != nil {
			return router.Settings{}, err
		}
		rs.APIKey = key
	}
	return rs, nil
}

func (s *Service) checkLimit(ctx context.Context, userID string) error {
	if s.limiter == nil {
		return nil
	}
	allowed, _, _, err := s.limiter.Allow(ctx, userID, s.now())
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("rate limiter unavailable, allowing turn")
		return nil
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}

func (s *Service) lock(ctx context.Context, chatID string) (func(), error) {
	chatID = strings.TrimSpace(chatID)
	if s.locker == nil || chatID == "" {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, chatID)
	if err != nil {
		if errors.Is(err, queue.ErrLockHeld) {
			return nil, ErrBusy
		}
		s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("session lock unavailable, continuing unlocked")
		return func() {}, nil
	}
	return release, nil
}

// resolveAnchors loads the context project and task, enforcing that the
// user can see them.
func (s *Service) resolveAnchors(ctx context.Context, user storage.User, projectID, taskID *string) (*storage.Project, *storage.Task, error) {
	var project *storage.Project
	var task *storage.Task

	if projectID != nil {
		p, err := s.accessibleProject(ctx, user, *projectID)
		if err != nil {
			return nil, nil, err
		}
		project = &p
	}

	if taskID != nil {
		t, err := s.store.GetTask(ctx, *taskID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil, &AuthorizationError{Resource: "task"}
			}
			return nil, nil, fmt.Errorf("load task: %w", err)
		}
		if _, err := s.accessibleProject(ctx, user, t.ProjectID); err != nil {
			return nil, nil, &AuthorizationError{Resource: "task"}
		}
		task = &t
	}
	return project, task, nil
}

func (s *Service) accessibleProject(ctx context.Context, user storage.User, projectID string) (storage.Project, error) {
	if user.Role != storage.RoleAdmin {
		ok, err := s.store.CanAccessProject(ctx, projectID, user.ID)
		if err != nil {
			return storage.Project{}, fmt.Errorf("check project access: %w", err)
		}
		if !ok {
			return storage.Project{}, &AuthorizationError{Resource: "project"}
		}
	}
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Project{}, &AuthorizationError{Resource: "project"}
		}
		return storage.Project{}, fmt.Errorf("load project: %w", err)
	}
	return p, nil
}

// projectChoices lists the projects offered to an unanchored chat. A lookup
// failure only costs the list.
func (s *Service) projectChoices(ctx context.Context, userID string) []storage.Project {
	projects, err := s.store.ListAccessibleProjects(ctx, userID, maxProjectChoices)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to list projects for prompt")
		return nil
	}
	return projects
}

// actionProject picks the project a reply's action falls back to: the
// session's project anchor, else the project of its task anchor.
func (s *Service) actionProject(ctx context.Context, session Session) (string, error) {
	if session.ProjectID != nil {
		return *session.ProjectID, nil
	}
	if session.TaskID == nil {
		return "", nil
	}
	t, err := s.store.GetTask(ctx, *session.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load task anchor: %w", err)
	}
	return t.ProjectID, nil
}
