package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/providers"
	"taskpilot/internal/providers/registry"
)

var userTurn = []providers.Message{
	{Role: providers.RoleSystem, Content: "persona"},
	{Role: providers.RoleUser, Content: "hello"},
}

func newTestRouter(timeout time.Duration) *Router {
	return New(Config{Timeout: timeout, RetryBackoff: time.Millisecond, Logger: zerolog.Nop()})
}

func countingServer(t *testing.T, handler func(n int32, w http.ResponseWriter, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(hits.Add(1), w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestGenerateReturnsNormalizedReply(t *testing.T) {
	srv, hits := countingServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi!"}}]}`))
	})

	resp, err := newTestRouter(time.Second).Generate(context.Background(), Settings{
		Provider: string(registry.KindOpenAICompatible),
		BaseURL:  srv.URL,
		Model:    "local",
	}, userTurn)
	require.NoError(t, err)
	require.Equal(t, "hi!", resp.Content)
	require.Equal(t, "local", resp.Model)
	require.EqualValues(t, 1, hits.Load())
}

func TestGenerateUnsupportedProviderMakesNoCall(t *testing.T) {
	srv, hits := countingServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, kind := range []string{"watsonx", "", "OPENAI-ish"} {
		_, err := newTestRouter(time.Second).Generate(context.Background(), Settings{Provider: kind, BaseURL: srv.URL}, userTurn)
		require.Equal(t, providers.KindUnsupportedProvider, providers.KindOf(err), "kind %q", kind)
	}
	require.EqualValues(t, 0, hits.Load())
}

func TestGenerateRequiresTurn(t *testing.T) {
	_, err := newTestRouter(time.Second).Generate(context.Background(), Settings{Provider: "ollama"}, userTurn[:1])
	require.ErrorIs(t, err, ErrNoTurns)
}

func TestGenerateRetriesTransientOnce(t *testing.T) {
	srv, hits := countingServer(t, func(n int32, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"second time lucky"}}]}`))
	})

	resp, err := newTestRouter(time.Second).Generate(context.Background(), Settings{
		Provider: string(registry.KindOpenAICompatible),
		BaseURL:  srv.URL,
	}, userTurn)
	require.NoError(t, err)
	require.Equal(t, "second time lucky", resp.Content)
	require.EqualValues(t, 2, hits.Load())
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	cases := map[int]providers.ErrorKind{
		http.StatusUnauthorized:    providers.KindAuthenticationFailed,
		http.StatusTooManyRequests: providers.KindRateLimited,
		http.StatusBadRequest:      providers.KindRejected,
	}
	for status, want := range cases {
		srv, hits := countingServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		})
		_, err := newTestRouter(time.Second).Generate(context.Background(), Settings{
			Provider: string(registry.KindOpenAICompatible),
			BaseURL:  srv.URL,
		}, userTurn)
		require.Equal(t, want, providers.KindOf(err), "status %d", status)
		require.EqualValues(t, 1, hits.Load(), "status %d", status)
	}
}

func TestGenerateTimeoutIsUnreachable(t *testing.T) {
	srv, hits := countingServer(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	start := time.Now()
	_, err := newTestRouter(50*time.Millisecond).Generate(context.Background(), Settings{
		Provider: string(registry.KindOpenAICompatible),
		BaseURL:  srv.URL,
	}, userTurn)
	require.Equal(t, providers.KindUnreachable, providers.KindOf(err))
	require.Less(t, time.Since(start), 2*time.Second)
	require.EqualValues(t, 2, hits.Load())
}

func TestGenerateUsesConfiguredBaseURL(t *testing.T) {
	srv, _ := countingServer(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		_, _ = w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"from ollama"},"done":true}`))
	})

	r := New(Config{
		Timeout:  time.Second,
		BaseURLs: map[registry.Kind]string{registry.KindOllama: srv.URL},
		Logger:   zerolog.Nop(),
	})
	resp, err := r.Generate(context.Background(), Settings{Provider: "ollama"}, userTurn)
	require.NoError(t, err)
	require.Equal(t, "from ollama", resp.Content)
}
