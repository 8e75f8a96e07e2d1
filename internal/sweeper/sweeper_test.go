package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preardon/brighter-go/internal/message"
	"github.com/preardon/brighter-go/internal/outbox"
	"github.com/preardon/brighter-go/internal/retry"
)

// fakeStore is an in-memory outbox.Store stand-in, enough to drive the
// sweeper's dispatch-then-mark-dispatched path without a real database.
type fakeStore struct {
	mu         sync.Mutex
	rows       map[string]outbox.Row
	dispatched map[string]bool
}

func newFakeStore(rows ...outbox.Row) *fakeStore {
	s := &fakeStore{rows: map[string]outbox.Row{}, dispatched: map[string]bool{}}
	for _, r := range rows {
		s.rows[r.Header.MessageId.String()] = r
	}
	return s
}

func (s *fakeStore) Add(context.Context, outbox.TxProvider, message.Message) error { return nil }
func (s *fakeStore) AddBatch(context.Context, outbox.TxProvider, []message.Message) error {
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (outbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return outbox.Row{}, outbox.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) GetBatch(_ context.Context, ids []string) ([]outbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Row
	for _, id := range ids {
		if r, ok := s.rows[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) GetPage(context.Context, int, int) ([]outbox.Row, error) { return nil, nil }

func (s *fakeStore) OutstandingMessages(_ context.Context, _ int64, pageSize, _ int) ([]outbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Row
	for _, r := range s.rows {
		if r.Outstanding() && !s.dispatched[r.Header.MessageId.String()] {
			out = append(out, r)
		}
	}
	if pageSize > 0 && len(out) > pageSize {
		out = out[:pageSize]
	}
	return out, nil
}

func (s *fakeStore) DispatchedMessages(context.Context, int64, int, int) ([]outbox.Row, error) {
	return nil, nil
}

func (s *fakeStore) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	return s.MarkDispatchedBatch(ctx, []string{id}, at)
}

func (s *fakeStore) MarkDispatchedBatch(_ context.Context, ids []string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.dispatched[id] = true
	}
	return nil
}

func (s *fakeStore) Delete(context.Context, []string) error { return nil }

func (s *fakeStore) GetNumberOfOutstandingMessages(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.rows {
		if r.Outstanding() && !s.dispatched[id] {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) isDispatched(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatched[id]
}

// fakeProducer records every publish call and can be configured to fail N
// times before succeeding, or to fail permanently.
type fakeProducer struct {
	mu          sync.Mutex
	failUntil   int
	calls       int
	published   []message.Message
	batches     [][]message.Message
	alwaysFail  bool
}

func (p *fakeProducer) Publish(_ context.Context, _ string, m message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.alwaysFail || p.calls <= p.failUntil {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, m)
	return nil
}

func (p *fakeProducer) PublishBatch(_ context.Context, _ string, msgs []message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.alwaysFail || p.calls <= p.failUntil {
		return errors.New("broker unavailable")
	}
	p.batches = append(p.batches, msgs)
	return nil
}

func newRow(topic string) outbox.Row {
	m := message.New(topic, message.MTEvent, message.Body{Value: []byte(`{}`), ContentType: "application/json"})
	return outbox.Row{Header: m.Header, Body: m.Body}
}

func noBackoffRetry() *retry.Policy {
	return retry.NewPolicy(retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond})
}

func TestSweeper_ClearOutboxDispatchesAndMarks(t *testing.T) {
	r1, r2 := newRow("orders.created"), newRow("orders.created")
	store := newFakeStore(r1, r2)
	producer := &fakeProducer{}
	s, err := New(store, producer, noBackoffRetry(), Config{Async: true, Bulk: true})
	require.NoError(t, err)

	ids := []string{r1.Header.MessageId.String(), r2.Header.MessageId.String()}
	require.NoError(t, s.ClearOutbox(context.Background(), ids))

	assert.True(t, store.isDispatched(ids[0]))
	assert.True(t, store.isDispatched(ids[1]))
	assert.Len(t, producer.batches, 1)
	assert.Len(t, producer.batches[0], 2)
}

func TestSweeper_BulkGroupsContiguousSameTopicOnly(t *testing.T) {
	a1 := newRow("a")
	b1 := newRow("b")
	a2 := newRow("a")
	store := newFakeStore(a1, b1, a2)
	producer := &fakeProducer{}
	s, err := New(store, producer, noBackoffRetry(), Config{Async: true, Bulk: true})
	require.NoError(t, err)

	// a,b,a is NOT collapsed into one "a" group: the two "a" rows are not
	// contiguous, so each of the three rows forms its own single-row group
	// and dispatches via Publish rather than PublishBatch.
	rows := []outbox.Row{a1, b1, a2}
	s.dispatchRows(context.Background(), rows, modeSweep)

	assert.Len(t, producer.batches, 0)
	assert.Len(t, producer.published, 3)
}

func TestSweeper_BulkFallsBackToPerMessageOnBatchFailure(t *testing.T) {
	r1, r2 := newRow("orders.created"), newRow("orders.created")
	store := newFakeStore(r1, r2)
	producer := &fakeProducer{failUntil: 3} // the batch fails on all three retry attempts, subsequent singles succeed
	s, err := New(store, producer, noBackoffRetry(), Config{Async: true, Bulk: true})
	require.NoError(t, err)

	ids := []string{r1.Header.MessageId.String(), r2.Header.MessageId.String()}
	require.NoError(t, s.ClearOutbox(context.Background(), ids))

	assert.True(t, store.isDispatched(ids[0]))
	assert.True(t, store.isDispatched(ids[1]))
	assert.Len(t, producer.published, 2)
}

func TestSweeper_BulkRequiresAsync(t *testing.T) {
	_, err := New(newFakeStore(), &fakeProducer{}, noBackoffRetry(), Config{Async: false, Bulk: true})
	require.Error(t, err)
}

func TestSweeper_PerMessageLeavesOutstandingOnPermanentFailure(t *testing.T) {
	r := newRow("orders.created")
	store := newFakeStore(r)
	producer := &fakeProducer{alwaysFail: true}
	s, err := New(store, producer, noBackoffRetry(), Config{Async: true, Bulk: false})
	require.NoError(t, err)

	require.NoError(t, s.ClearOutbox(context.Background(), []string{r.Header.MessageId.String()}))
	assert.False(t, store.isDispatched(r.Header.MessageId.String()))
}

func TestSweeper_SweepOnlyFetchesOutstanding(t *testing.T) {
	r := newRow("orders.created")
	store := newFakeStore(r)
	producer := &fakeProducer{}
	s, err := New(store, producer, noBackoffRetry(), Config{Async: true, Bulk: false})
	require.NoError(t, err)

	require.NoError(t, s.Sweep(context.Background(), 10, 0))
	assert.True(t, store.isDispatched(r.Header.MessageId.String()))
}
