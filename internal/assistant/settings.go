package assistant

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"taskpilot/internal/providers/registry"
	"taskpilot/internal/storage"
)

const (
	minMaxTokens   = 1
	maxMaxTokens   = 32000
	maxTemperature = 2.0
)

type SettingsView struct {
	Provider    string    `json:"provider"`
	BaseURL     *string   `json:"baseUrl"`
	Model       *string   `json:"model"`
	HasAPIKey   bool      `json:"hasApiKey"`
	MaxTokens   int       `json:"maxTokens"`
	Temperature float64   `json:"temperature"`
	Enabled     bool      `json:"enabled"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SettingsPatch carries the fields to change; nil leaves a field as is. An
// empty string clears BaseURL, Model or APIKey.
type SettingsPatch struct {
	Provider    *string  `json:"provider"`
	BaseURL     *string  `json:"baseUrl"`
	Model       *string  `json:"model"`
	APIKey      *string  `json:"apiKey"`
	MaxTokens   *int     `json:"maxTokens"`
	Temperature *float64 `json:"temperature"`
	Enabled     *bool    `json:"enabled"`
}

func (s *Service) settingsFor(ctx context.Context, userID string) (storage.AISettings, error) {
	defaults := storage.AISettings{
		UserID:      userID,
		Provider:    s.defaults.Provider,
		Model:       optional(s.defaults.Model),
		MaxTokens:   s.defaults.MaxTokens,
		Temperature: s.defaults.Temperature,
		Enabled:     true,
	}
	st, err := s.store.GetOrCreateAISettings(ctx, defaults)
	if err != nil {
		return storage.AISettings{}, fmt.Errorf("load ai settings: %w", err)
	}
	return st, nil
}

func (s *Service) GetSettings(ctx context.Context, user storage.User) (SettingsView, error) {
	st, err := s.settingsFor(ctx, user.ID)
	if err != nil {
		return SettingsView{}, err
	}
	return viewOf(st), nil
}

func (s *Service) UpdateSettings(ctx context.Context, user storage.User, patch SettingsPatch) (SettingsView, error) {
	st, err := s.settingsFor(ctx, user.ID)
	if err != nil {
		return SettingsView{}, err
	}

	verr := &ValidationError{}
	if patch.Provider != nil {
		st.Provider = strings.ToLower(strings.TrimSpace(*patch.Provider))
	}
	entry, known := registry.Lookup(st.Provider)
	if !known {
		verr.add("provider", fmt.Sprintf("must be one of %s", kindList()))
	}

	if patch.BaseURL != nil {
		st.BaseURL = optional(*patch.BaseURL)
	}
	if st.BaseURL != nil && !validBaseURL(*st.BaseURL) {
		verr.add("baseUrl", "must be an absolute http or https URL")
	}
	if patch.Model != nil {
		st.Model = optional(*patch.Model)
	}
	if patch.MaxTokens != nil {
		st.MaxTokens = *patch.MaxTokens
	}
	if st.MaxTokens < minMaxTokens || st.MaxTokens > maxMaxTokens {
		verr.add("maxTokens", fmt.Sprintf("must be between %d and %d", minMaxTokens, maxMaxTokens))
	}
	if patch.Temperature != nil {
		st.Temperature = *patch.Temperature
	}
	if st.Temperature < 0 || st.Temperature > maxTemperature {
		verr.add("temperature", "must be between 0 and 2")
	}
	if patch.Enabled != nil {
		st.Enabled = *patch.Enabled
	}

	hasKey := st.EncAPIKey != nil && *st.EncAPIKey != ""
	var newKey string
	if patch.APIKey != nil {
		newKey = strings.TrimSpace(*patch.APIKey)
		hasKey = newKey != ""
	}

	if known {
		if entry.NeedsBaseURL && st.BaseURL == nil {
			verr.add("baseUrl", fmt.Sprintf("is required for provider %s", entry.Kind))
		}
		if entry.NeedsAPIKey && !hasKey {
			verr.add("apiKey", fmt.Sprintf("is required for provider %s", entry.Kind))
		}
	}
	if err := verr.orNil(); err != nil {
		return SettingsView{}, err
	}

	if patch.APIKey != nil {
		if newKey == "" {
			st.EncAPIKey = nil
		} else {
			if s.keyring == nil {
				return SettingsView{}, fmt.Errorf("no keyring configured")
			}
			sealed, err := s.keyring.Seal(user.ID, newKey)
			if err != nil {
				return SettingsView{}, fmt.Errorf("seal api key: %w", err)
			}
			st.EncAPIKey = &sealed
		}
	}

	saved, err := s.store.UpsertAISettings(ctx, st)
	if err != nil {
		return SettingsView{}, fmt.Errorf("save ai settings: %w", err)
	}
	s.logger.Info().Str("user_id", user.ID).Str("provider", saved.Provider).Bool("enabled", saved.Enabled).Msg("ai settings updated")
	return viewOf(saved), nil
}

func viewOf(st storage.AISettings) SettingsView {
	return SettingsView{
		Provider:    st.Provider,
		BaseURL:     st.BaseURL,
		Model:       st.Model,
		HasAPIKey:   st.EncAPIKey != nil && *st.EncAPIKey != "",
		MaxTokens:   st.MaxTokens,
		Temperature: st.Temperature,
		Enabled:     st.Enabled,
		UpdatedAt:   st.UpdatedAt,
	}
}

func validBaseURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func kindList() string {
	kinds := registry.Kinds()
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, string(k))
	}
	return strings.Join(parts, ", ")
}
