package assistant

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrDisabled    = errors.New("assistant is disabled for this user")
	ErrRateLimited = errors.New("hourly assistant turn limit reached")
	ErrBusy        = errors.New("another turn is in progress for this chat")
)

// ValidationError reports malformed input, one message per field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// AuthorizationError hides whether a resource exists: a chat, project or
// task the user may not see is reported as not found.
type AuthorizationError struct {
	Resource string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s not found", e.Resource)
}
