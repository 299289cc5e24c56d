package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"taskpilot/internal/storage"
)

const DefaultHeader = "X-User-Id"

var ErrUnauthenticated = errors.New("unauthenticated")

type UserLookup interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
}

// HeaderResolver identifies the caller by a user id header set by the
// fronting gateway.
type HeaderResolver struct {
	users  UserLookup
	header string
}

func NewHeaderResolver(users UserLookup, header string) *HeaderResolver {
	if strings.TrimSpace(header) == "" {
		header = DefaultHeader
	}
	return &HeaderResolver{users: users, header: header}
}

func (r *HeaderResolver) Resolve(req *http.Request) (storage.User, error) {
	id := strings.TrimSpace(req.Header.Get(r.header))
	if id == "" {
		return storage.User{}, ErrUnauthenticated
	}
	u, err := r.users.GetUser(req.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, ErrUnauthenticated
		}
		return storage.User{}, fmt.Errorf("resolve user: %w", err)
	}
	return u, nil
}
