package anthropic_messages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"taskpilot/internal/providers"
)

const (
	name           = "anthropic"
	DefaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	// The Messages API requires max_tokens on every request.
	fallbackMaxTokens = 1024
)

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

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

type request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type response struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, err := c.buildPayload(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	headers := http.Header{}
	headers.Set("x-api-key", c.cfg.APIKey)
	headers.Set("anthropic-version", apiVersion)

	respBody, err := providers.Do(ctx, c.cfg.HTTPClient, name, http.MethodPost, c.endpoint(), headers, body)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return parseResponse(respBody)
}

func (c *Client) endpoint() string {
	base := strings.TrimSuffix(strings.TrimSpace(c.cfg.BaseURL), "/")
	if strings.HasSuffix(base, "/v1/messages") {
		return base
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/messages"
	}
	return base + "/v1/messages"
}

func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, error) {
	system, turns := providers.SplitSystem(req.Messages)
	msgs := make([]message, 0, len(turns))
	for _, m := range turns {
		// Consecutive turns of the same role are merged; the API rejects them.
		if n := len(msgs); n > 0 && msgs[n-1].Role == m.Role {
			msgs[n-1].Content += "\n\n" + m.Content
			continue
		}
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = fallbackMaxTokens
	}
	b, err := json.Marshal(request{
		Model:       req.Model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal messages payload: %w", err)
	}
	return b, nil
}

func parseResponse(body []byte) (providers.ChatResponse, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResponse{}, providers.InvalidResponse(name, "decode messages response: %v", err)
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if strings.TrimSpace(text) == "" {
		return providers.ChatResponse{}, providers.InvalidResponse(name, "no text content in messages response")
	}

	out := providers.ChatResponse{Content: text, Model: resp.Model}
	if resp.Usage != nil {
		out.Usage = &providers.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		}
	}
	return out, nil
}
