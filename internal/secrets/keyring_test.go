package secrets

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestSealOpen(t *testing.T) {
	k, err := NewKeyring("k1", map[string][]byte{"k1": bytes.Repeat([]byte{0}, 32)})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	raw, err := k.Seal("user-1", "sk-live-123")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(raw, "sk-live-123") {
		t.Fatalf("sealed value leaks plaintext: %s", raw)
	}

	out, err := k.Open("user-1", raw)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "sk-live-123" {
		t.Fatalf("expected original key, got %q", out)
	}

	if _, err := k.Open("user-2", raw); err == nil {
		t.Fatalf("expected open with another user id to fail")
	}
}

func TestRotation(t *testing.T) {
	oldKey := bytes.Repeat([]byte{0}, 32)
	newKey := bytes.Repeat([]byte{1}, 32)

	before, err := NewKeyring("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old keyring: %v", err)
	}
	legacy, err := before.Seal("u", "legacy")
	if err != nil {
		t.Fatalf("seal legacy: %v", err)
	}

	rotated, err := NewKeyring("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}
	plain, err := rotated.Open("u", legacy)
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	resealed, err := rotated.Reseal("u", legacy)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	var s Sealed
	if err := json.Unmarshal([]byte(resealed), &s); err != nil {
		t.Fatalf("decode resealed: %v", err)
	}
	if s.KeyID != "new" {
		t.Fatalf("expected resealed value under new key, got %q", s.KeyID)
	}

	onlyNew, err := NewKeyring("new", map[string][]byte{"new": newKey})
	if err != nil {
		t.Fatalf("new-only keyring: %v", err)
	}
	if _, err := onlyNew.Open("u", legacy); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestNewKeyringRejectsBadKeys(t *testing.T) {
	if _, err := NewKeyring("", map[string][]byte{"a": make([]byte, 32)}); err == nil {
		t.Fatalf("expected error for empty current id")
	}
	if _, err := NewKeyring("b", map[string][]byte{"a": make([]byte, 32)}); err == nil {
		t.Fatalf("expected error for missing current key")
	}
	if _, err := NewKeyring("a", map[string][]byte{"a": make([]byte, 16)}); err == nil {
		t.Fatalf("expected error for short key")
	}
}
