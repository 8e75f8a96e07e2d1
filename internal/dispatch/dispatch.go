// Package dispatch defines the external seam a MessagePump hands decoded
// requests to: Send for point-to-point commands, Publish for fan-out events.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// CommandProcessor dispatches a decoded request to its registered handler.
// Implementations are supplied by the host application; the pump only
// depends on this interface, never on a concrete handler registry.
type CommandProcessor interface {
	// Send dispatches req to exactly one handler (command semantics).
	Send(ctx context.Context, req any) error
	// Publish dispatches req to zero or more handlers (event semantics).
	Publish(ctx context.Context, req any) error
}

// HandlerFunc processes one request and returns an error, which may be a
// *pumperr.DeferError, pumperr.ErrConfiguration, or any other error.
type HandlerFunc func(ctx context.Context, req any) error

// ErrNoHandler marks a Send/Publish call for a request type with nothing
// registered.
var ErrNoHandler = errors.New("no handler registered")

// Registry is a minimal in-process CommandProcessor keyed by the request's
// reflect.Type, intended for tests and small single-binary deployments.
// Production hosts are free to supply their own CommandProcessor (e.g. one
// backed by a DI container).
type Registry struct {
	commands map[reflect.Type]HandlerFunc
	events   map[reflect.Type][]HandlerFunc
}

var _ CommandProcessor = (*Registry)(nil)

// NewRegistry creates an empty in-process CommandProcessor.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[reflect.Type]HandlerFunc),
		events:   make(map[reflect.Type][]HandlerFunc),
	}
}

// RegisterCommand binds the single handler for request type T. A second
// registration for the same type overwrites the first — the ambiguity
// guard for request<->message mapping lives in internal/mapper, not here.
func RegisterCommand[T any](r *Registry, h func(ctx context.Context, req T) error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	r.commands[t] = func(ctx context.Context, req any) error { return h(ctx, req.(T)) }
}

// RegisterEvent appends h to the list of handlers invoked for request type T.
func RegisterEvent[T any](r *Registry, h func(ctx context.Context, req T) error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	r.events[t] = append(r.events[t], func(ctx context.Context, req any) error { return h(ctx, req.(T)) })
}

// Send invokes the single registered command handler for req's type.
func (r *Registry) Send(ctx context.Context, req any) error {
	h, ok := r.commands[reflect.TypeOf(req)]
	if !ok {
		return fmt.Errorf("%w: %T", ErrNoHandler, req)
	}
	return h(ctx, req)
}

// Publish invokes every registered event handler for req's type, in
// registration order, stopping at the first error.
func (r *Registry) Publish(ctx context.Context, req any) error {
	for _, h := range r.events[reflect.TypeOf(req)] {
		if err := h(ctx, req); err != nil {
			return err
		}
	}
	return nil
}
