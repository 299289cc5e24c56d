package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"taskpilot/internal/providers"
)

const name = "gemini"

type Config struct {
	APIKey string
	// BaseURL overrides the Gemini API endpoint, e.g. for a regional proxy.
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.DefaultHTTPClient()
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return providers.ChatResponse{}, providers.NewError(providers.KindAuthenticationFailed, name, fmt.Errorf("api key is empty"))
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      c.cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  c.cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: c.cfg.BaseURL},
	})
	if err != nil {
		return providers.ChatResponse{}, providers.NewError(providers.KindRejected, name, fmt.Errorf("create client: %w", err))
	}

	contents, config := buildContents(req)
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return providers.ChatResponse{}, classify(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return providers.ChatResponse{}, providers.InvalidResponse(name, "no candidates in generate content response")
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return providers.ChatResponse{}, providers.InvalidResponse(name, "no text in generate content response")
	}

	out := providers.ChatResponse{Content: text, Model: resp.ModelVersion}
	if out.Model == "" {
		out.Model = req.Model
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &providers.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
		}
	}
	return out, nil
}

// buildContents maps the conversation onto Gemini roles: assistant turns
// become "model" and the system preamble moves to SystemInstruction.
func buildContents(req providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, turns := providers.SplitSystem(req.Messages)
	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		if m.Role == providers.RoleAssistant {
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
	}

	temperature := float32(req.Temperature)
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return contents, config
}

func classify(err error) *providers.Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.StatusError(name, apiErr.Code, apiErr.Message)
	}
	return providers.TransportError(name, err)
}
