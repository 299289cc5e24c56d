// Package api exposes the assistant over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/rs/zerolog"

	"taskpilot/internal/assistant"
	"taskpilot/internal/auth"
	"taskpilot/internal/storage"
)

type Assistant interface {
	Chat(ctx context.Context, user storage.User, in assistant.ChatInput) (assistant.ChatOutput, error)
	CreateTaskFromDescription(ctx context.Context, user storage.User, in assistant.TaskFromDescriptionInput) (assistant.TaskFromDescriptionOutput, error)
	GetSettings(ctx context.Context, user storage.User) (assistant.SettingsView, error)
	UpdateSettings(ctx context.Context, user storage.User, patch assistant.SettingsPatch) (assistant.SettingsView, error)
	ListChats(ctx context.Context, user storage.User) ([]assistant.ChatSummary, error)
	GetChat(ctx context.Context, user storage.User, chatID string) (assistant.ChatDetail, error)
}

type Resolver interface {
	Resolve(req *http.Request) (storage.User, error)
}

type Handler struct {
	assistant Assistant
	resolver  Resolver
	logger    zerolog.Logger
}

func New(a Assistant, r Resolver, logger zerolog.Logger) *Handler {
	return &Handler{
		assistant: a,
		resolver:  r,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Echo builds the router for /api/v1/ai.
func (h *Handler) Echo() *echo.Echo {
	e := echo.New()
	h.Register(e)
	return e
}

func (h *Handler) Register(e *echo.Echo) {
	g := e.Group("/api/v1/ai")
	g.POST("/chat", h.chat)
	g.POST("/tasks", h.createTask)
	g.GET("/settings", h.getSettings)
	g.PUT("/settings", h.updateSettings)
	g.GET("/chats", h.listChats)
	g.GET("/chats/:id", h.getChat)
}

func (h *Handler) chat(c *echo.Context) error {
	user, err := h.requireUser(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req assistant.ChatInput
	if err := c.Bind(&req); err != nil {
		return h.fail(c, badBody())
	}
	out, err := h.assistant.Chat(c.Request().Context(), user, req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) createTask(c *echo.Context) error {
	user, err := h.requireUser(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req assistant.TaskFromDescriptionInput
	if err := c.Bind(&req); err != nil {
		return h.fail(c, badBody())
	}
	out, err := h.assistant.CreateTaskFromDescription(c.Request().Context(), user, req)
	if err != nil {
		return h.fail(c, err)
	}
	status := http.StatusOK
	if out.ActionResult.Success {
		status = http.StatusCreated
	}
	return c.JSON(status, out)
}

func (h *Handler) getSettings(c *echo.Context) error {
	user, err := h.requireUser(c)
	if err != nil {
		return h.fail(c, err)
	}
	out, err := h.assistant.GetSettings(c.Request().Context(), user)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) updateSettings(c *echo.Context) error {
	user, err := h.requireUser(c)
	if err != nil {
		return h.fail(c, err)
	}
	var patch assistant.SettingsPatch
	if err := c.Bind(&patch); err != nil {
		return h.fail(c, badBody())
	}
	out, err := h.assistant.UpdateSettings(c.Request().Context(), user, patch)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) listChats(c *echo.Context) error {
	user, err := h.requireUser(c)
	if err != nil {
		return h.fail(c, err)
	}
	out, err := h.assistant.ListChats(c.Request().Context(), user)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) getChat(c *echo.Context) error {
	user, err := h.requireUser(c)
	if err != nil {
		return h.fail(c, err)
	}
	out, err := h.assistant.GetChat(c.Request().Context(), user, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) requireUser(c *echo.Context) (storage.User, error) {
	return h.resolver.Resolve(c.Request())
}

func badBody() error {
	return &assistant.ValidationError{Fields: map[string]string{"body": "must be a valid JSON object"}}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Class   string            `json:"class"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// fail writes err as a classified JSON error. Internal errors are logged and
// replaced by a generic message.
func (h *Handler) fail(c *echo.Context, err error) error {
	status, detail := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}
	return c.JSON(status, errorBody{Error: detail})
}

func classify(err error) (int, errorDetail) {
	var verr *assistant.ValidationError
	var aerr *assistant.AuthorizationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorDetail{Class: "validation_error", Message: "request is invalid", Fields: verr.Fields}
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, errorDetail{Class: "unauthenticated", Message: "authentication required"}
	case errors.As(err, &aerr):
		return http.StatusNotFound, errorDetail{Class: "authorization_error", Message: aerr.Error()}
	case errors.Is(err, assistant.ErrDisabled):
		return http.StatusForbidden, errorDetail{Class: "assistant_disabled", Message: err.Error()}
	case errors.Is(err, assistant.ErrBusy):
		return http.StatusConflict, errorDetail{Class: "busy", Message: err.Error()}
	case errors.Is(err, assistant.ErrRateLimited):
		return http.StatusTooManyRequests, errorDetail{Class: "rate_limited", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorDetail{Class: "internal", Message: "internal error"}
	}
}
