package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mcpwire/mcpwire/sessions"
)

var (
	// ErrMethodNotFound signals that the invoker has no handler for the
	// method. Mapped to the JSON-RPC method-not-found code.
	ErrMethodNotFound = errors.New("method not found")
	// ErrInvalidParams signals that the handler rejected the normalized
	// parameters. Mapped to the JSON-RPC invalid-params code.
	ErrInvalidParams = errors.New("invalid params")
)

// Invoker is the handler collaborator the state machine dispatches to once a
// session is initialized. Params arrive in canonical shape regardless of the
// session's negotiated revision; the returned value is marshaled as the
// JSON-RPC result. Invokers never see transport or lifecycle concerns.
type Invoker interface {
	Invoke(ctx context.Context, sess *sessions.Session, method string, params json.RawMessage) (any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, sess *sessions.Session, method string, params json.RawMessage) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, sess *sessions.Session, method string, params json.RawMessage) (any, error) {
	return f(ctx, sess, method, params)
}
