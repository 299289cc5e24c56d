package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"taskpilot/internal/providers"
)

const (
	name           = "ollama"
	DefaultBaseURL = "http://localhost:11434"
)

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to the operator-hosted Ollama server. No authentication.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.DefaultHTTPClient()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type options struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type request struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  options   `json:"options"`
}

type response struct {
	Model   string   `json:"model"`
	Message *message `json:"message"`
	Done    bool     `json:"done"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	msgs := make([]message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(request{
		Model:    req.Model,
		Messages: msgs,
		Options: options{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("marshal ollama payload: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/api/chat"
	respBody, err := providers.Do(ctx, c.cfg.HTTPClient, name, http.MethodPost, url, nil, body)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	var resp response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return providers.ChatResponse{}, providers.InvalidResponse(name, "decode chat response: %v", err)
	}
	if resp.Message == nil || strings.TrimSpace(resp.Message.Content) == "" {
		return providers.ChatResponse{}, providers.InvalidResponse(name, "empty message in chat response")
	}

	out := providers.ChatResponse{Content: resp.Message.Content, Model: resp.Model}
	if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
		out.Usage = &providers.Usage{PromptTokens: resp.PromptEvalCount, CompletionTokens: resp.EvalCount}
	}
	return out, nil
}
