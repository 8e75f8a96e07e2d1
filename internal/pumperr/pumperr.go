// Package pumperr holds the sentinel and typed errors that steer pump and
// outbox control flow, kept separate from internal/message so both the pump
// and the outbox store can depend on them without an import cycle.
package pumperr

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfiguration marks a fatal misconfiguration: a missing mapper, a
// missing async outbox, or an incompatible flag combination. The pump stops
// on this error rather than rejecting and continuing.
var ErrConfiguration = errors.New("configuration error")

// ErrMessageMapping marks a failure translating between wire message and
// request type, short of ErrConfiguration (e.g. malformed body).
var ErrMessageMapping = errors.New("message mapping error")

// ErrTransientStore marks a retryable outbox/store failure.
var ErrTransientStore = errors.New("transient store error")

// ErrDuplicateMessage names an Add call whose MessageId already exists. No
// store in this module returns it: the SQL and Mongo stores log and count
// duplicate inserts and return nil.
var ErrDuplicateMessage = errors.New("duplicate message")

// ErrBroker marks a failure delivering a message to the broker.
var ErrBroker = errors.New("broker error")

// DeferError is a handler's cooperative "retry me later" signal. Delay is
// optional (zero means "use the pump's configured RequeueDelay").
type DeferError struct {
	Delay time.Duration
	Err   error
}

func (e *DeferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("defer message: %v", e.Err)
	}
	return "defer message"
}

func (e *DeferError) Unwrap() error { return e.Err }

// Defer builds a DeferError with no explicit delay override.
func Defer(err error) *DeferError { return &DeferError{Err: err} }

// DeferAfter builds a DeferError requesting a specific requeue delay.
func DeferAfter(delay time.Duration, err error) *DeferError {
	return &DeferError{Delay: delay, Err: err}
}

// IsDefer reports whether err is (or wraps) a DeferError, returning it.
func IsDefer(err error) (*DeferError, bool) {
	var d *DeferError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
