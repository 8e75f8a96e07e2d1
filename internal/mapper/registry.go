// Package mapper translates between concrete request/event types and the
// wire-independent message.Message envelope, and applies an optional
// bidirectional transform chain (claim-check, compression) around the body.
package mapper

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/preardon/brighter-go/internal/message"
)

// Publication carries routing metadata supplied at wrap time: topic,
// content type, and any additional header values the caller wants stamped
// onto the outgoing message.
type Publication struct {
	Topic       string
	ContentType string
	Headers     message.HeaderBag
}

// entry holds one request type's mapper, either sync or async, never both.
type entry struct {
	requestType reflect.Type
	async       bool

	toMessageSync func(req any, pub Publication) (message.Message, error)
	toRequestSync func(m message.Message) (any, error)

	toMessageAsync func(ctx context.Context, req any, pub Publication) (message.Message, error)
	toRequestAsync func(ctx context.Context, m message.Message) (any, error)
}

// Registry maps a concrete request type T to its wrap/unwrap functions.
// Only one variant (sync xor async) may be registered per T; a second
// registration for the same type is a configuration error, matching the
// spec's "only one variant per T is allowed" invariant.
type Registry struct {
	mu      sync.RWMutex
	byType  map[reflect.Type]*entry
	pipelines map[reflect.Type]*Pipeline
}

// NewRegistry creates an empty mapper registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:    make(map[reflect.Type]*entry),
		pipelines: make(map[reflect.Type]*Pipeline),
	}
}

func typeOf[T any]() reflect.Type {
	var zero T
	return reflect.TypeOf(zero)
}

// RegisterSync registers a synchronous mapper for request type T.
func RegisterSync[T any](r *Registry, toMessage func(req T, pub Publication) (message.Message, error), toRequest func(m message.Message) (T, error)) error {
	t := typeOf[T]()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byType[t]; exists {
		return fmt.Errorf("%w: %s", ErrAmbiguousMapper, t)
	}
	r.byType[t] = &entry{
		requestType: t,
		toMessageSync: func(req any, pub Publication) (message.Message, error) {
			return toMessage(req.(T), pub)
		},
		toRequestSync: func(m message.Message) (any, error) {
			return toRequest(m)
		},
	}
	return nil
}

// RegisterAsync registers a cooperative-suspending mapper for request type T.
func RegisterAsync[T any](r *Registry, toMessage func(ctx context.Context, req T, pub Publication) (message.Message, error), toRequest func(ctx context.Context, m message.Message) (T, error)) error {
	t := typeOf[T]()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byType[t]; exists {
		return fmt.Errorf("%w: %s", ErrAmbiguousMapper, t)
	}
	r.byType[t] = &entry{
		requestType: t,
		async:       true,
		toMessageAsync: func(ctx context.Context, req any, pub Publication) (message.Message, error) {
			return toMessage(ctx, req.(T), pub)
		},
		toRequestAsync: func(ctx context.Context, m message.Message) (any, error) {
			return toRequest(ctx, m)
		},
	}
	return nil
}

// RegisterTransforms attaches an ordered transformer chain to request type T.
// Wrap applies the chain forward; Unwrap applies it in reverse.
func RegisterTransforms[T any](r *Registry, transforms ...Transformer) {
	t := typeOf[T]()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[t] = NewPipeline(transforms...)
}

// MapToMessage wraps req (of registered type T) into a message.Message,
// running it through T's transform pipeline if one was registered.
func MapToMessage[T any](ctx context.Context, r *Registry, req T, pub Publication) (message.Message, error) {
	t := typeOf[T]()
	r.mu.RLock()
	e, ok := r.byType[t]
	pipeline := r.pipelines[t]
	r.mu.RUnlock()
	if !ok {
		return message.Message{}, fmt.Errorf("%w: %s", ErrNoMapper, t)
	}

	var m message.Message
	var err error
	if e.async {
		m, err = e.toMessageAsync(ctx, req, pub)
	} else {
		m, err = e.toMessageSync(req, pub)
	}
	if err != nil {
		return message.Message{}, err
	}

	if pipeline != nil {
		m, err = pipeline.Wrap(m)
		if err != nil {
			return message.Message{}, err
		}
	}
	return m, nil
}

// MapToRequest unwraps m into a value of type T, reversing T's transform
// pipeline first.
func MapToRequest[T any](ctx context.Context, r *Registry, m message.Message) (T, error) {
	var zero T
	t := typeOf[T]()
	r.mu.RLock()
	e, ok := r.byType[t]
	pipeline := r.pipelines[t]
	r.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNoMapper, t)
	}

	var err error
	if pipeline != nil {
		m, err = pipeline.Unwrap(m)
		if err != nil {
			return zero, err
		}
	}

	var out any
	if e.async {
		out, err = e.toRequestAsync(ctx, m)
	} else {
		out, err = e.toRequestSync(m)
	}
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

// RequestUnmarshaler is a type-erased view of MapToRequest, bound to one
// request type T, for consumers (like the pump) that dispatch to handlers
// without knowing T at compile time.
type RequestUnmarshaler interface {
	ToRequest(ctx context.Context, m message.Message) (any, error)
}

type bound[T any] struct{ r *Registry }

func (b bound[T]) ToRequest(ctx context.Context, m message.Message) (any, error) {
	return MapToRequest[T](ctx, b.r, m)
}

// Bind returns a RequestUnmarshaler for request type T backed by r.
func Bind[T any](r *Registry) RequestUnmarshaler {
	return bound[T]{r: r}
}
