package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"taskpilot/internal/secrets"
	"taskpilot/internal/storage"
)

func runRotateKeys(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(cmd.Context(), cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	keyring, err := secrets.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		return fmt.Errorf("initialize keyring: %w", err)
	}

	n, err := resealAll(cmd.Context(), store, keyring)
	if err != nil {
		return err
	}
	log.Info().Int("resealed", n).Str("key_id", keyring.CurrentKeyID()).Msg("api keys rotated")
	return nil
}

type sealedSettingsStore interface {
	ListAISettingsWithKeys(ctx context.Context) ([]storage.AISettings, error)
	UpsertAISettings(ctx context.Context, in storage.AISettings) (storage.AISettings, error)
}

func resealAll(ctx context.Context, store sealedSettingsStore, keyring *secrets.Keyring) (int, error) {
	rows, err := store.ListAISettingsWithKeys(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range rows {
		resealed, err := keyring.Reseal(st.UserID, *st.EncAPIKey)
		if err != nil {
			return n, fmt.Errorf("reseal key for user %s: %w", st.UserID, err)
		}
		st.EncAPIKey = &resealed
		if _, err := store.UpsertAISettings(ctx, st); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
