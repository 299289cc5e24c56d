package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"taskpilot/internal/secrets"
	"taskpilot/internal/storage"
)

func TestResealAll(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, "sqlite", "file:"+filepath.Join(t.TempDir(), "keys.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	oldKey := bytes.Repeat([]byte{1}, 32)
	newKey := bytes.Repeat([]byte{2}, 32)
	before, err := secrets.NewKeyring("old", map[string][]byte{"old": oldKey})
	require.NoError(t, err)

	u, err := store.CreateUser(ctx, storage.User{Email: "k@example.com"})
	require.NoError(t, err)
	sealed, err := before.Seal(u.ID, "sk-123")
	require.NoError(t, err)
	_, err = store.UpsertAISettings(ctx, storage.AISettings{UserID: u.ID, Provider: "openai", EncAPIKey: &sealed, MaxTokens: 100, Temperature: 0.5, Enabled: true})
	require.NoError(t, err)

	plain, err := store.CreateUser(ctx, storage.User{Email: "nokey@example.com"})
	require.NoError(t, err)
	_, err = store.UpsertAISettings(ctx, storage.AISettings{UserID: plain.ID, Provider: "ollama", MaxTokens: 100, Temperature: 0.5, Enabled: true})
	require.NoError(t, err)

	rotated, err := secrets.NewKeyring("new", map[string][]byte{"old": oldKey, "new": newKey})
	require.NoError(t, err)
	n, err := resealAll(ctx, store, rotated)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	st, err := store.GetAISettings(ctx, u.ID)
	require.NoError(t, err)
	var env secrets.Sealed
	require.NoError(t, json.Unmarshal([]byte(*st.EncAPIKey), &env))
	require.Equal(t, "new", env.KeyID)

	got, err := rotated.Open(u.ID, *st.EncAPIKey)
	require.NoError(t, err)
	require.Equal(t, "sk-123", got)
}
