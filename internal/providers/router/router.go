package router

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskpilot/internal/metrics"
	"taskpilot/internal/providers"
	"taskpilot/internal/providers/registry"
)

var ErrNoTurns = errors.New("messages contain no user or assistant turn")

// Settings is the provider part of a user's AI settings, with the API key
// already decrypted.
type Settings struct {
	Provider    string
	BaseURL     string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
}

type Config struct {
	Timeout      time.Duration
	RetryBackoff time.Duration
	// BaseURLs overrides registry defaults per kind, e.g. the operator's Ollama URL.
	BaseURLs     map[registry.Kind]string
	BodyTemplate string
	HTTPClient   *http.Client
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

type Router struct {
	timeout      time.Duration
	retryBackoff time.Duration
	baseURLs     map[registry.Kind]string
	bodyTemplate string
	httpClient   *http.Client
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

func New(cfg Config) *Router {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if cfg.HTTPClient == nil {
		// Per-call deadlines come from the context.
		cfg.HTTPClient = &http.Client{}
	}
	return &Router{
		timeout:      cfg.Timeout,
		retryBackoff: cfg.RetryBackoff,
		baseURLs:     cfg.BaseURLs,
		bodyTemplate: cfg.BodyTemplate,
		httpClient:   cfg.HTTPClient,
		logger:       cfg.Logger.With().Str("component", "provider_router").Logger(),
		metrics:      m,
	}
}

// Generate dispatches messages to the adapter selected by s.Provider. Each
// attempt is bounded by the router timeout; a transient failure is retried
// once. Every error returned is *providers.Error except ErrNoTurns.
func (r *Router) Generate(ctx context.Context, s Settings, messages []providers.Message) (providers.ChatResponse, error) {
	entry, ok := registry.Lookup(s.Provider)
	if !ok {
		r.metrics.ProviderRequests.WithLabelValues("unknown", string(providers.KindUnsupportedProvider)).Inc()
		return providers.ChatResponse{}, &providers.Error{Kind: providers.KindUnsupportedProvider, Provider: s.Provider}
	}
	if !hasTurn(messages) {
		return providers.ChatResponse{}, ErrNoTurns
	}

	baseURL := strings.TrimSpace(s.BaseURL)
	if baseURL == "" {
		baseURL = r.baseURLs[entry.Kind]
	}
	p, err := registry.Build(string(entry.Kind), registry.BuildOptions{
		BaseURL:      baseURL,
		APIKey:       s.APIKey,
		BodyTemplate: r.bodyTemplate,
		HTTPClient:   r.httpClient,
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}

	model := strings.TrimSpace(s.Model)
	if model == "" {
		model = entry.DefaultModel
	}
	req := providers.ChatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   s.MaxTokens,
		Temperature: s.Temperature,
	}

	started := time.Now()
	defer func() {
		r.metrics.ProviderLatency.WithLabelValues(string(entry.Kind)).Observe(time.Since(started).Seconds())
	}()

	var lastErr *providers.Error
attempts:
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := r.callOnce(ctx, p, req)
		if err == nil {
			if resp.Model == "" {
				resp.Model = model
			}
			r.metrics.ProviderRequests.WithLabelValues(string(entry.Kind), "ok").Inc()
			return resp, nil
		}

		lastErr = asProviderError(string(entry.Kind), err)
		r.logger.Warn().
			Err(lastErr).
			Str("provider", string(entry.Kind)).
			Str("kind", string(lastErr.Kind)).
			Int("attempt", attempt).
			Msg("provider call failed")
		if !lastErr.Transient() || attempt == 1 {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = providers.TransportError(string(entry.Kind), ctx.Err())
			break attempts
		case <-time.After(r.retryBackoff):
		}
	}

	r.metrics.ProviderRequests.WithLabelValues(string(entry.Kind), string(lastErr.Kind)).Inc()
	return providers.ChatResponse{}, lastErr
}

func (r *Router) callOnce(ctx context.Context, p providers.Provider, req providers.ChatRequest) (providers.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := p.Chat(callCtx, req)
	if err != nil && callCtx.Err() != nil {
		return providers.ChatResponse{}, providers.TransportError("", callCtx.Err())
	}
	return resp, err
}

func asProviderError(provider string, err error) *providers.Error {
	var pe *providers.Error
	if errors.As(err, &pe) {
		if pe.Provider == "" || pe.Provider != provider {
			cp := *pe
			cp.Provider = provider
			return &cp
		}
		return pe
	}
	return providers.NewError(providers.KindInvalidResponse, provider, err)
}

func hasTurn(messages []providers.Message) bool {
	for _, m := range messages {
		if m.Role != providers.RoleSystem && strings.TrimSpace(m.Content) != "" {
			return true
		}
	}
	return false
}
