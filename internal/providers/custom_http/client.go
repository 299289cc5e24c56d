package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"

	"taskpilot/internal/providers"
)

const name = "custom"

type Config struct {
	URL          string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.DefaultHTTPClient()
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return providers.ChatResponse{}, providers.NewError(providers.KindRejected, name, fmt.Errorf("custom http url is empty"))
	}
	body, err := c.renderBody(req)
	if err != nil {
		return providers.ChatResponse{}, providers.NewError(providers.KindRejected, name, err)
	}

	headers := http.Header{}
	if len(c.cfg.Headers) == 0 && strings.TrimSpace(c.cfg.APIKey) != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		headers.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	b, err := providers.Do(ctx, c.cfg.HTTPClient, name, c.cfg.Method, c.cfg.URL, headers, body)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	text, model, err := extractText(b)
	if err != nil {
		return providers.ChatResponse{}, providers.InvalidResponse(name, "%v", err)
	}
	return providers.ChatResponse{Content: text, Model: model}, nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) renderBody(req providers.ChatRequest) ([]byte, error) {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	if strings.TrimSpace(c.cfg.BodyTemplate) == "" {
		b, err := json.Marshal(map[string]any{
			"model":       req.Model,
			"messages":    messages,
			"max_tokens":  req.MaxTokens,
			"temperature": req.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	system, turns := providers.SplitSystem(req.Messages)
	lastUser := ""
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == providers.RoleUser {
			lastUser = turns[i].Content
			break
		}
	}

	tpl, err := template.New("custom_http_body").Option("missingkey=zero").Funcs(template.FuncMap{
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}).Parse(c.cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, map[string]any{
		"Model":        req.Model,
		"SystemPrompt": system,
		"UserPrompt":   lastUser,
		"Messages":     string(messagesJSON),
		"MaxTokens":    req.MaxTokens,
		"Temperature":  req.Temperature,
		"APIKey":       c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func extractText(body []byte) (text string, model string, err error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" && !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
			return trimmed, "", nil
		}
		return "", "", fmt.Errorf("decode custom response: %w", err)
	}
	model, _ = simple["model"].(string)

	for _, key := range []string{"text", "response", "answer", "output_text", "content"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, model, nil
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
					return content, model, nil
				}
			}
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text, model, nil
			}
		}
	}

	if msg, ok := simple["message"].(map[string]any); ok {
		if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
			return content, model, nil
		}
	}

	return "", "", fmt.Errorf("custom response does not contain text field")
}
