package registry

import (
	"fmt"
	"net/http"
	"strings"

	"taskpilot/internal/providers"
	"taskpilot/internal/providers/anthropic_messages"
	"taskpilot/internal/providers/custom_http"
	"taskpilot/internal/providers/gemini"
	"taskpilot/internal/providers/ollama"
	"taskpilot/internal/providers/openai_compat"
)

// Kind is the closed set of provider families a user can configure.
type Kind string

const (
	KindOllama           Kind = "ollama"
	KindOpenAICompatible Kind = "openai_compatible"
	KindOpenAI           Kind = "openai"
	KindAnthropic        Kind = "anthropic"
	KindGemini           Kind = "gemini"
	KindCustom           Kind = "custom"
)

type BuildOptions struct {
	BaseURL      string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	HTTPClient   *http.Client
}

type Entry struct {
	Kind Kind
	// NeedsBaseURL marks self-hosted and custom endpoints.
	NeedsBaseURL bool
	// NeedsAPIKey marks cloud vendors.
	NeedsAPIKey    bool
	DefaultBaseURL string
	DefaultModel   string
	Build          func(opts BuildOptions) providers.Provider
}

var table = map[Kind]Entry{
	KindOllama: {
		Kind:           KindOllama,
		DefaultBaseURL: ollama.DefaultBaseURL,
		DefaultModel:   "llama3.2",
		Build: func(opts BuildOptions) providers.Provider {
			return ollama.New(ollama.Config{BaseURL: opts.BaseURL, HTTPClient: opts.HTTPClient})
		},
	},
	KindOpenAICompatible: {
		Kind:         KindOpenAICompatible,
		NeedsBaseURL: true,
		Build: func(opts BuildOptions) providers.Provider {
			return openai_compat.New(openai_compat.Config{
				Name:       string(KindOpenAICompatible),
				BaseURL:    opts.BaseURL,
				APIKey:     opts.APIKey,
				Headers:    opts.Headers,
				HTTPClient: opts.HTTPClient,
			})
		},
	},
	KindOpenAI: {
		Kind:           KindOpenAI,
		NeedsAPIKey:    true,
		DefaultBaseURL: openai_compat.DefaultOpenAIBaseURL,
		DefaultModel:   "gpt-4o-mini",
		Build: func(opts BuildOptions) providers.Provider {
			return openai_compat.New(openai_compat.Config{
				Name:       string(KindOpenAI),
				BaseURL:    opts.BaseURL,
				APIKey:     opts.APIKey,
				Headers:    opts.Headers,
				HTTPClient: opts.HTTPClient,
			})
		},
	},
	KindAnthropic: {
		Kind:           KindAnthropic,
		NeedsAPIKey:    true,
		DefaultBaseURL: anthropic_messages.DefaultBaseURL,
		DefaultModel:   "claude-3-5-haiku-latest",
		Build: func(opts BuildOptions) providers.Provider {
			return anthropic_messages.New(anthropic_messages.Config{
				BaseURL:    opts.BaseURL,
				APIKey:     opts.APIKey,
				HTTPClient: opts.HTTPClient,
			})
		},
	},
	KindGemini: {
		Kind:         KindGemini,
		NeedsAPIKey:  true,
		DefaultModel: "gemini-2.0-flash",
		Build: func(opts BuildOptions) providers.Provider {
			return gemini.New(gemini.Config{
				APIKey:     opts.APIKey,
				BaseURL:    opts.BaseURL,
				HTTPClient: opts.HTTPClient,
			})
		},
	},
	KindCustom: {
		Kind:         KindCustom,
		NeedsBaseURL: true,
		Build: func(opts BuildOptions) providers.Provider {
			return custom_http.New(custom_http.Config{
				URL:          opts.BaseURL,
				APIKey:       opts.APIKey,
				Headers:      opts.Headers,
				BodyTemplate: opts.BodyTemplate,
				HTTPClient:   opts.HTTPClient,
			})
		},
	},
}

func Lookup(kind string) (Entry, bool) {
	e, ok := table[Kind(strings.ToLower(strings.TrimSpace(kind)))]
	return e, ok
}

func Kinds() []Kind {
	return []Kind{KindOllama, KindOpenAICompatible, KindOpenAI, KindAnthropic, KindGemini, KindCustom}
}

// Build constructs the adapter for kind. BaseURL falls back to the entry's default.
func Build(kind string, opts BuildOptions) (providers.Provider, error) {
	e, ok := Lookup(kind)
	if !ok {
		return nil, providers.NewError(providers.KindUnsupportedProvider, kind, fmt.Errorf("unsupported provider kind %q", kind))
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = e.DefaultBaseURL
	}
	return e.Build(opts), nil
}
