package openai_compat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"taskpilot/internal/providers"
)

const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

type Config struct {
	// Name is reported in errors, e.g. "openai" or "openai_compatible".
	Name       string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.DefaultHTTPClient()
	}
	if cfg.Name == "" {
		cfg.Name = "openai_compatible"
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	headers := http.Header{}
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		headers.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	respBody, err := providers.Do(ctx, c.cfg.HTTPClient, c.cfg.Name, http.MethodPost, endpointURL, headers, body)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return parseChatCompletions(c.cfg.Name, respBody)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", providers.NewError(providers.KindRejected, c.cfg.Name, err)
	}

	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	b, err := json.Marshal(chatPayload{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	// Self-hosted servers are often configured with the bare host.
	if path == "" {
		path = "/v1"
	}
	u.Path = path + "/chat/completions"
	return u.String(), nil
}

func parseChatCompletions(name string, body []byte) (providers.ChatResponse, error) {
	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResponse{}, providers.InvalidResponse(name, "decode chat completion response: %v", err)
	}
	if len(resp.Choices) == 0 {
		return providers.ChatResponse{}, providers.InvalidResponse(name, "empty choices in chat completion response")
	}

	content := resp.Choices[0].Text
	if strings.TrimSpace(content) == "" {
		content = anyToText(resp.Choices[0].Message.Content)
	}
	if strings.TrimSpace(content) == "" {
		return providers.ChatResponse{}, providers.InvalidResponse(name, "missing message content in chat completion response")
	}

	out := providers.ChatResponse{Content: content, Model: resp.Model}
	if resp.Usage != nil {
		out.Usage = &providers.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
