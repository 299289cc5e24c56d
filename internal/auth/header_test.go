package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"taskpilot/internal/storage"
)

type users map[string]storage.User

func (u users) GetUser(_ context.Context, id string) (storage.User, error) {
	if usr, ok := u[id]; ok {
		return usr, nil
	}
	return storage.User{}, storage.ErrNotFound
}

func TestHeaderResolver(t *testing.T) {
	r := NewHeaderResolver(users{"u1": {ID: "u1", Email: "a@example.com", Role: storage.RoleAdmin}}, "")

	req := httptest.NewRequest("GET", "/", nil)
	if _, err := r.Resolve(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated without header, got %v", err)
	}

	req.Header.Set(DefaultHeader, "ghost")
	if _, err := r.Resolve(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for unknown user, got %v", err)
	}

	req.Header.Set(DefaultHeader, " u1 ")
	u, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u.ID != "u1" || u.Role != storage.RoleAdmin {
		t.Fatalf("unexpected user %+v", u)
	}
}
