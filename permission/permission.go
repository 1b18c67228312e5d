// Package permission is the single choke-point every tool action passes
// through before it is allowed to produce a side effect. Tools build a
// Request describing exactly what they intend to touch and await
// approval; denial aborts the action before it starts.
package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an action so policy can grant trust narrower than
// "this entire tool": reading, writing, and destructive actions on the
// same tool carry distinct kinds.
type Kind string

const (
	KindHTTPFetch       Kind = "http_fetch"
	KindFileWrite       Kind = "file_write"
	KindTaskStart       Kind = "task_start"
	KindTaskStop        Kind = "task_stop"
	KindBrowserNavigate Kind = "browser_navigate"
	KindBrowserEvaluate Kind = "browser_evaluate"
	KindDatabaseQuery   Kind = "database_query"
	KindDatabaseWrite   Kind = "database_write"
)

// Request is the transient value object handed to the policy engine.
// Patterns describe exactly what this one invocation touches (for an
// HTTP call, one origin+path); AlwaysAllow describes the broader scope
// the user may choose to permanently allow (the whole origin).
type Request struct {
	Kind        Kind
	Patterns    []string
	AlwaysAllow []string
	Metadata    map[string]any
}

// ErrDenied is returned (possibly wrapped) when policy rejects a request.
var ErrDenied = errors.New("permission denied")

// Denied builds a denial error carrying ErrDenied in its chain.
func Denied(reason string) error {
	return fmt.Errorf("%w: %s", ErrDenied, reason)
}

// Asker is the policy engine collaborator. Ask returns nil to approve;
// a denial satisfies errors.Is(err, ErrDenied).
type Asker interface {
	Ask(ctx context.Context, req Request) error
}

// AskerFunc adapts a function to the Asker interface.
type AskerFunc func(ctx context.Context, req Request) error

func (f AskerFunc) Ask(ctx context.Context, req Request) error { return f(ctx, req) }

// Match reports whether value falls under pattern. A trailing "*"
// matches any suffix; otherwise the match is exact.
func Match(pattern, value string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return pattern == value
}
