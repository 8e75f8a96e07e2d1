package pump

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preardon/brighter-go/internal/channel/memory"
	"github.com/preardon/brighter-go/internal/message"
	"github.com/preardon/brighter-go/internal/pumperr"
)

// fakeUnmarshaler decodes every message to its body string, or returns
// mapErr if set, for exercising the mapping-failure path without a real
// mapper.Registry.
type fakeUnmarshaler struct {
	mapErr error
}

func (f fakeUnmarshaler) ToRequest(_ context.Context, m message.Message) (any, error) {
	if f.mapErr != nil {
		return nil, f.mapErr
	}
	return m.Body.String(), nil
}

// fakeProcessor invokes a handler function for every Send call and counts
// invocations, for asserting dispatch behavior.
type fakeProcessor struct {
	handle func(ctx context.Context, req any) error
	calls  int
}

func (f *fakeProcessor) Send(ctx context.Context, req any) error {
	f.calls++
	return f.handle(ctx, req)
}

func (f *fakeProcessor) Publish(ctx context.Context, req any) error {
	return f.Send(ctx, req)
}

func newEvent(topic string) message.Message {
	return message.New(topic, message.MTEvent, message.Body{Value: []byte("payload"), ContentType: "text/plain"})
}

// S1 / invariant 1 — a handler that always defers is requeued exactly
// RequeueCount-1 times then rejected once, and the pump keeps running.
func TestPump_DeferUntilRejected(t *testing.T) {
	ch := memory.New("test")
	ch.Enqueue(newEvent("orders.created"))

	proc := &fakeProcessor{handle: func(_ context.Context, _ any) error {
		return pumperr.Defer(nil)
	}}

	p := New(ch, fakeUnmarshaler{}, proc, Config{RequeueCount: 5, TimeoutInMilliseconds: 50, RequeueDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		time.Sleep(200 * time.Millisecond)
		ch.Enqueue(message.Quit)
	}()

	err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, ch.RequeueCount())
	assert.Equal(t, 1, len(ch.Rejected()))
	assert.Equal(t, StateStopped, p.State())
}

// S2 — happy path: one event, handler succeeds, exactly one ack and no requeues.
func TestPump_HappyPath(t *testing.T) {
	ch := memory.New("test")
	ch.Enqueue(newEvent("orders.created"))

	proc := &fakeProcessor{handle: func(_ context.Context, _ any) error { return nil }}
	p := New(ch, fakeUnmarshaler{}, proc, Config{TimeoutInMilliseconds: 50})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		ch.Enqueue(message.Quit)
	}()

	err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.AckCount())
	assert.Equal(t, 0, ch.RequeueCount())
	assert.Equal(t, 1, proc.calls)
}

// S3 — a message already marked MT_UNACCEPTABLE is rejected immediately,
// without ever reaching the mapper or the processor.
func TestPump_UnacceptableRejectedWithoutMapping(t *testing.T) {
	ch := memory.New("test")
	m := newEvent("orders.created")
	m.Header.MessageType = message.MTUnacceptable
	ch.Enqueue(m)

	proc := &fakeProcessor{handle: func(_ context.Context, _ any) error {
		t.Fatal("processor should not be invoked for an unacceptable message")
		return nil
	}}
	p := New(ch, fakeUnmarshaler{}, proc, Config{TimeoutInMilliseconds: 50})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		ch.Enqueue(message.Quit)
	}()

	err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, len(ch.Rejected()))
	assert.Equal(t, 0, proc.calls)
}

// Invariant 6 — MT_QUIT stops the pump within one loop iteration, with no
// further channel operations on the quit envelope itself.
func TestPump_QuitStopsImmediately(t *testing.T) {
	ch := memory.New("test")
	ch.Enqueue(message.Quit)

	proc := &fakeProcessor{handle: func(_ context.Context, _ any) error { return nil }}
	p := New(ch, fakeUnmarshaler{}, proc, Config{TimeoutInMilliseconds: 50})

	err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 0, proc.calls)
	assert.Equal(t, 0, ch.AckCount())
	assert.Equal(t, 0, ch.RequeueCount())
	assert.Equal(t, 0, len(ch.Rejected()))
}

// A mapping failure rejects the message without ever invoking the processor.
func TestPump_MappingFailureRejects(t *testing.T) {
	ch := memory.New("test")
	ch.Enqueue(newEvent("orders.created"))

	proc := &fakeProcessor{handle: func(_ context.Context, _ any) error {
		t.Fatal("processor should not be invoked when mapping fails")
		return nil
	}}
	p := New(ch, fakeUnmarshaler{mapErr: pumperr.ErrMessageMapping}, proc, Config{TimeoutInMilliseconds: 50})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		ch.Enqueue(message.Quit)
	}()

	err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, len(ch.Rejected()))
}

// A ConfigurationError is fatal: it rejects the message and stops the pump,
// returning the error from Run.
func TestPump_ConfigurationErrorStopsPump(t *testing.T) {
	ch := memory.New("test")
	ch.Enqueue(newEvent("orders.created"))

	proc := &fakeProcessor{handle: func(_ context.Context, _ any) error {
		return pumperr.ErrConfiguration
	}}
	p := New(ch, fakeUnmarshaler{}, proc, Config{TimeoutInMilliseconds: 50})

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pumperr.ErrConfiguration)
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 1, len(ch.Rejected()))
}

// UnacceptableMessageLimit stops the pump after N consecutive rejects.
func TestPump_UnacceptableMessageLimit(t *testing.T) {
	ch := memory.New("test")
	for i := 0; i < 5; i++ {
		ch.Enqueue(newEvent("orders.created"))
	}

	proc := &fakeProcessor{handle: func(_ context.Context, _ any) error {
		return assert.AnError
	}}
	p := New(ch, fakeUnmarshaler{}, proc, Config{TimeoutInMilliseconds: 50, UnacceptableMessageLimit: 3})

	err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, len(ch.Rejected()))
	assert.Equal(t, StateStopped, p.State())
}

// Cancellation observed mid-loop stops the pump; Run returns the context's
// error.
func TestPump_CancellationStops(t *testing.T) {
	ch := memory.New("test")
	proc := &fakeProcessor{handle: func(_ context.Context, _ any) error { return nil }}
	p := New(ch, fakeUnmarshaler{}, proc, Config{TimeoutInMilliseconds: 20})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, StateStopped, p.State())
}
