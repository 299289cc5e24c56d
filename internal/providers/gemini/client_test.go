package gemini

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"google.golang.org/genai"

	"taskpilot/internal/providers"
)

func TestBuildContents(t *testing.T) {
	contents, config := buildContents(providers.ChatRequest{
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "persona"},
			{Role: providers.RoleUser, Content: "hi"},
			{Role: providers.RoleAssistant, Content: "hello"},
			{Role: providers.RoleUser, Content: "create a task"},
		},
		MaxTokens:   500,
		Temperature: 1.2,
	})

	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[1].Role != string(genai.RoleModel) {
		t.Fatalf("assistant turn must map to model role, got %q", contents[1].Role)
	}
	if config.SystemInstruction == nil || config.SystemInstruction.Parts[0].Text != "persona" {
		t.Fatalf("system instruction not set: %#v", config.SystemInstruction)
	}
	if config.MaxOutputTokens != 500 {
		t.Fatalf("unexpected max output tokens %d", config.MaxOutputTokens)
	}
	if config.Temperature == nil || *config.Temperature != float32(1.2) {
		t.Fatalf("unexpected temperature %v", config.Temperature)
	}
}

func TestChatWithoutKey(t *testing.T) {
	_, err := New(Config{}).Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	if kind := providers.KindOf(err); kind != providers.KindAuthenticationFailed {
		t.Fatalf("expected authentication_failed, got %q", kind)
	}
}

func newTestServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chatAgainst(srv *httptest.Server) (providers.ChatResponse, error) {
	c := New(Config{APIKey: "gk-test", BaseURL: srv.URL})
	return c.Chat(context.Background(), providers.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "persona"},
			{Role: providers.RoleUser, Content: "hi"},
		},
		MaxTokens:   100,
		Temperature: 0.5,
	})
}

func TestChatNormalizesReply(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{
		"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]}}],
		"modelVersion":"gemini-x",
		"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1}
	}`)

	resp, err := chatAgainst(srv)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hello" || resp.Model != "gemini-x" {
		t.Fatalf("unexpected response %#v", resp)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 3 || resp.Usage.CompletionTokens != 1 {
		t.Fatalf("unexpected usage %#v", resp.Usage)
	}
}

func TestChatNoCandidates(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{"candidates":[]}`)

	_, err := chatAgainst(srv)
	if kind := providers.KindOf(err); kind != providers.KindInvalidResponse {
		t.Fatalf("expected invalid_response, got %q (%v)", kind, err)
	}
}

func TestChatClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		want   providers.ErrorKind
	}{
		{http.StatusUnauthorized, providers.KindAuthenticationFailed},
		{http.StatusTooManyRequests, providers.KindRateLimited},
		{http.StatusServiceUnavailable, providers.KindUnreachable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := newTestServer(t, tc.status, `{"error":{"code":`+strconv.Itoa(tc.status)+`,"message":"nope","status":"ERR"}}`)

			_, err := chatAgainst(srv)
			if kind := providers.KindOf(err); kind != tc.want {
				t.Fatalf("status %d: expected %q, got %q (%v)", tc.status, tc.want, kind, err)
			}
		})
	}
}
