package providers

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// ChatResponse is the normalized reply of every adapter. Usage is nil when
// the backend did not report token counts.
type ChatResponse struct {
	Content string
	Model   string
	Usage   *Usage
}

// Provider performs exactly one call against a backend. Retries and timeouts
// belong to the router.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// SplitSystem separates system messages from the conversation turns, for
// backends that take the system prompt out of band.
func SplitSystem(messages []Message) (system string, turns []Message) {
	turns = make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}
