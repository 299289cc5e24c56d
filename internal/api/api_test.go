package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/action"
	"taskpilot/internal/assistant"
	"taskpilot/internal/auth"
	"taskpilot/internal/storage"
)

type stubResolver struct{}

func (stubResolver) Resolve(req *http.Request) (storage.User, error) {
	if req.Header.Get(auth.DefaultHeader) != "u1" {
		return storage.User{}, auth.ErrUnauthenticated
	}
	return storage.User{ID: "u1", Role: storage.RoleMember}, nil
}

type stubAssistant struct {
	chatErr  error
	lastChat assistant.ChatInput
}

func (s *stubAssistant) Chat(_ context.Context, _ storage.User, in assistant.ChatInput) (assistant.ChatOutput, error) {
	s.lastChat = in
	if s.chatErr != nil {
		return assistant.ChatOutput{}, s.chatErr
	}
	return assistant.ChatOutput{Message: "hi", ChatID: "c1", ActionResult: &action.Result{Success: true, Message: "done", TaskID: "t1"}}, nil
}

func (s *stubAssistant) CreateTaskFromDescription(context.Context, storage.User, assistant.TaskFromDescriptionInput) (assistant.TaskFromDescriptionOutput, error) {
	return assistant.TaskFromDescriptionOutput{ActionResult: action.Result{Success: true, Message: "ok", TaskID: "t2"}}, nil
}

func (s *stubAssistant) GetSettings(context.Context, storage.User) (assistant.SettingsView, error) {
	return assistant.SettingsView{Provider: "ollama", MaxTokens: 1000, Temperature: 0.7, Enabled: true}, nil
}

func (s *stubAssistant) UpdateSettings(_ context.Context, _ storage.User, p assistant.SettingsPatch) (assistant.SettingsView, error) {
	if p.Temperature != nil && *p.Temperature > 2 {
		return assistant.SettingsView{}, &assistant.ValidationError{Fields: map[string]string{"temperature": "must be between 0 and 2"}}
	}
	return assistant.SettingsView{Provider: "openai", HasAPIKey: true}, nil
}

func (s *stubAssistant) ListChats(context.Context, storage.User) ([]assistant.ChatSummary, error) {
	return []assistant.ChatSummary{{ID: "c1", Title: "hello"}}, nil
}

func (s *stubAssistant) GetChat(_ context.Context, _ storage.User, id string) (assistant.ChatDetail, error) {
	if id != "c1" {
		return assistant.ChatDetail{}, &assistant.AuthorizationError{Resource: "chat"}
	}
	return assistant.ChatDetail{ChatSummary: assistant.ChatSummary{ID: "c1"}, Messages: []storage.ChatMessage{{Role: "user", Content: "hello"}}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string, authed bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set(auth.DefaultHeader, "u1")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestChatEndpoint(t *testing.T) {
	stub := &stubAssistant{}
	e := New(stub, stubResolver{}, zerolog.Nop()).Echo()

	rec, body := do(t, e, http.MethodPost, "/api/v1/ai/chat", `{"message":"hello","projectId":"p1"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "c1", body["chatId"])
	require.Equal(t, "hello", stub.lastChat.Message)
	require.Equal(t, "p1", stub.lastChat.ProjectID)
	ar := body["actionResult"].(map[string]any)
	require.Equal(t, true, ar["success"])
	require.Equal(t, "t1", ar["taskId"])
}

func TestUnauthenticated(t *testing.T) {
	e := New(&stubAssistant{}, stubResolver{}, zerolog.Nop()).Echo()

	rec, body := do(t, e, http.MethodGet, "/api/v1/ai/settings", "", false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthenticated", body["error"].(map[string]any)["class"])
}

func TestErrorClasses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		class  string
	}{
		{assistant.ErrDisabled, http.StatusForbidden, "assistant_disabled"},
		{assistant.ErrBusy, http.StatusConflict, "busy"},
		{assistant.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{&assistant.AuthorizationError{Resource: "project"}, http.StatusNotFound, "authorization_error"},
		{&assistant.ValidationError{Fields: map[string]string{"message": "is required"}}, http.StatusBadRequest, "validation_error"},
		{errors.New("sql: connection refused at 10.0.0.5"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.class, func(t *testing.T) {
			e := New(&stubAssistant{chatErr: tc.err}, stubResolver{}, zerolog.Nop()).Echo()
			rec, body := do(t, e, http.MethodPost, "/api/v1/ai/chat", `{"message":"x"}`, true)
			require.Equal(t, tc.status, rec.Code)
			detail := body["error"].(map[string]any)
			require.Equal(t, tc.class, detail["class"])
			require.NotContains(t, rec.Body.String(), "10.0.0.5")
		})
	}
}

func TestMalformedBody(t *testing.T) {
	e := New(&stubAssistant{}, stubResolver{}, zerolog.Nop()).Echo()
	rec, body := do(t, e, http.MethodPost, "/api/v1/ai/chat", `{"message":`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_error", body["error"].(map[string]any)["class"])
}

func TestSettingsEndpoints(t *testing.T) {
	e := New(&stubAssistant{}, stubResolver{}, zerolog.Nop()).Echo()

	rec, body := do(t, e, http.MethodGet, "/api/v1/ai/settings", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ollama", body["provider"])
	require.NotContains(t, body, "apiKey")

	rec, body = do(t, e, http.MethodPut, "/api/v1/ai/settings", `{"temperature":3}`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	fields := body["error"].(map[string]any)["fields"].(map[string]any)
	require.Contains(t, fields, "temperature")

	rec, body = do(t, e, http.MethodPut, "/api/v1/ai/settings", `{"provider":"openai","apiKey":"sk"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["hasApiKey"])
}

func TestChatsAndTasksEndpoints(t *testing.T) {
	e := New(&stubAssistant{}, stubResolver{}, zerolog.Nop()).Echo()

	rec, _ := do(t, e, http.MethodGet, "/api/v1/ai/chats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec, body := do(t, e, http.MethodGet, "/api/v1/ai/chats/c1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["messages"], 1)

	rec, _ = do(t, e, http.MethodGet, "/api/v1/ai/chats/other", "", true)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, e, http.MethodPost, "/api/v1/ai/tasks", `{"projectId":"p1","description":"do it"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "t2", body["actionResult"].(map[string]any)["taskId"])
}
