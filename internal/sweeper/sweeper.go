// Package sweeper implements the ExternalBusService: the background process
// that drains outstanding outbox rows to the broker and marks them
// dispatched on ack. Grounded on the teacher's outbox Processor
// (single poller + ticker loop, optional Redis leader election so only one
// instance sweeps per outbox), adapted from a status/group-distributor
// design down to the spec's simpler explicit/sweep dispatch contract.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/preardon/brighter-go/internal/message"
	"github.com/preardon/brighter-go/internal/metrics"
	"github.com/preardon/brighter-go/internal/outbox"
	"github.com/preardon/brighter-go/internal/pumperr"
	"github.com/preardon/brighter-go/internal/retry"
)

const (
	modeExplicit = "explicit"
	modeSweep    = "sweep"
)

// Producer is the broker-publish seam the sweeper dispatches through. Kept
// separate from channel.Channel, which is receive-only: the sweeper is a
// producer, never a consumer.
type Producer interface {
	// Publish hands one message to the broker under topic.
	Publish(ctx context.Context, topic string, m message.Message) error

	// PublishBatch hands a contiguous, same-topic batch to the broker in one
	// call. Implementations that cannot batch natively may loop internally;
	// the sweeper's own fallback on error is per-message Publish.
	PublishBatch(ctx context.Context, topic string, msgs []message.Message) error
}

// Config configures sweep cadence and dispatch mode. Bulk requires Async;
// an inconsistent combination fails validation with ErrConfiguration.
type Config struct {
	Enabled      bool
	PollInterval time.Duration
	Amount       int   // max rows per sweep pass
	MinimumAgeMs int64 // only rows at least this old are eligible

	Async bool
	Bulk  bool

	LeaderElection LeaderElectionConfig
}

func (c Config) validate() error {
	if c.Bulk && !c.Async {
		return fmt.Errorf("%w: sweeper bulk mode requires async", pumperr.ErrConfiguration)
	}
	return nil
}

// DefaultConfig returns sensible sweep defaults: a 1-second poll, 500 rows
// per pass, rows at least 5 seconds old, async+bulk dispatch.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		PollInterval: time.Second,
		Amount:       500,
		MinimumAgeMs: 5000,
		Async:        true,
		Bulk:         true,
	}
}

// Sweeper is the ExternalBusService. One Sweeper serves one outbox table
// through one Producer.
type Sweeper struct {
	store    outbox.Store
	producer Producer
	retry    *retry.Policy
	cfg      Config

	elector   *RedisLeaderElector
	isPrimary atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	sweepMu   sync.Mutex // prevents overlapping sweep passes
}

// New builds a Sweeper. cfg is validated eagerly so a misconfigured bulk
// flag fails at construction rather than on the first sweep.
func New(store outbox.Store, producer Producer, retryPolicy *retry.Policy, cfg Config) (*Sweeper, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		store:    store,
		producer: producer,
		retry:    retryPolicy,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.isPrimary.Store(true)
	return s, nil
}

// WithRedisLeaderElection enables distributed leader election so only the
// elected instance sweeps. Grounded on the teacher's
// Processor.WithRedisLeaderElection; no leader package shipped with the
// teacher's copy survived distillation, so internal/sweeper/leader.go
// reimplements the same SETNX-lease-refresh shape directly over go-redis.
func (s *Sweeper) WithRedisLeaderElection(elector *RedisLeaderElector) *Sweeper {
	if elector == nil || !s.cfg.LeaderElection.Enabled {
		return s
	}
	s.elector = elector
	s.elector.OnBecomeLeader(func() {
		s.isPrimary.Store(true)
		metrics.SweeperIsLeader.Set(1)
		log.Info().Msg("sweeper became primary via redis leader election")
	})
	s.elector.OnLoseLeadership(func() {
		s.isPrimary.Store(false)
		metrics.SweeperIsLeader.Set(0)
		log.Warn().Msg("sweeper lost primary status via redis leader election")
	})
	s.isPrimary.Store(false)
	return s
}

// Start launches the sweep loop in a background goroutine. No-op if already
// running or disabled.
func (s *Sweeper) Start() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running {
		return
	}
	s.running = true

	if !s.cfg.Enabled {
		log.Info().Msg("sweeper is disabled")
		return
	}

	if s.elector != nil {
		if err := s.elector.Start(s.ctx); err != nil {
			log.Error().Err(err).Msg("failed to start redis leader election")
		}
	}

	s.wg.Add(1)
	go s.runLoop()

	log.Info().
		Dur("pollInterval", s.cfg.PollInterval).
		Int("amount", s.cfg.Amount).
		Bool("async", s.cfg.Async).
		Bool("bulk", s.cfg.Bulk).
		Msg("sweeper started")
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.runningMu.Lock()
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	s.wg.Wait()

	if s.elector != nil {
		s.elector.Stop()
	}
	log.Info().Msg("sweeper stopped")
}

// IsPrimary reports whether this instance currently holds the sweep lock
// (always true when leader election is not configured).
func (s *Sweeper) IsPrimary() bool { return s.isPrimary.Load() }

func (s *Sweeper) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.isPrimary.Load() {
				continue
			}
			s.doSweep()
		}
	}
}

func (s *Sweeper) doSweep() {
	if !s.sweepMu.TryLock() {
		return
	}
	defer s.sweepMu.Unlock()

	start := time.Now()
	defer func() { metrics.SweeperSweepDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	if err := s.runSweep(ctx, s.cfg.Amount, s.cfg.MinimumAgeMs, modeSweep); err != nil {
		log.Error().Err(err).Msg("sweeper: sweep pass failed")
	}
}

// ClearOutbox is the explicit dispatch mode: the listed ids are fetched and
// dispatched now, regardless of age. Operates on an explicit id list rather
// than a discovery query, so it doesn't race other sweeper instances the way
// the age/amount-driven sweep does and needs no row-locking claim.
func (s *Sweeper) ClearOutbox(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := s.store.GetBatch(ctx, ids)
	if err != nil {
		return fmt.Errorf("sweeper: clear outbox fetch: %w", err)
	}
	dispatched := s.dispatchRows(ctx, rows, modeExplicit)
	if len(dispatched) == 0 {
		return nil
	}
	if err := s.store.MarkDispatchedBatch(ctx, dispatched, time.Now().UTC()); err != nil {
		return fmt.Errorf("sweeper: clear outbox mark dispatched: %w", err)
	}
	return nil
}

// Sweep is the amount/minimumAgeMs-driven dispatch mode invoked on demand
// (outside the ticker), e.g. for an operator-triggered drain.
func (s *Sweeper) Sweep(ctx context.Context, amount int, minimumAgeMs int64) error {
	return s.runSweep(ctx, amount, minimumAgeMs, modeSweep)
}

// runSweep fetches outstanding rows and dispatches them. When the store
// supports outbox.ClaimingStore (the SQL dialects), the fetch and the
// dispatched-mark happen inside one transaction holding the dialect's
// row-locking SELECT, so a second concurrent sweeper skips whatever this
// pass already claimed. Stores without that capability (mongostore) fall
// back to a plain fetch-then-mark, relying on Redis leader election for
// exclusivity instead.
func (s *Sweeper) runSweep(ctx context.Context, amount int, minimumAgeMs int64, mode string) error {
	if claimer, ok := s.store.(outbox.ClaimingStore); ok {
		return s.runClaimedSweep(ctx, claimer, amount, minimumAgeMs, mode)
	}

	rows, err := s.store.OutstandingMessages(ctx, minimumAgeMs, amount, 1)
	if err != nil {
		return fmt.Errorf("sweeper: fetch outstanding: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	dispatched := s.dispatchRows(ctx, rows, mode)
	if len(dispatched) == 0 {
		return nil
	}
	if err := s.store.MarkDispatchedBatch(ctx, dispatched, time.Now().UTC()); err != nil {
		return fmt.Errorf("sweeper: mark dispatched: %w", err)
	}
	return nil
}

func (s *Sweeper) runClaimedSweep(ctx context.Context, claimer outbox.ClaimingStore, amount int, minimumAgeMs int64, mode string) error {
	rows, done, err := claimer.ClaimOutstanding(ctx, minimumAgeMs, amount)
	if err != nil {
		return fmt.Errorf("sweeper: claim outstanding: %w", err)
	}
	if len(rows) == 0 {
		return done(nil)
	}

	dispatched := s.dispatchRows(ctx, rows, mode)
	if err := done(dispatched); err != nil {
		return fmt.Errorf("sweeper: release claim: %w", err)
	}
	return nil
}

// dispatchRows sends rows to the broker and returns the MessageIds that were
// accepted. Bulk mode groups contiguous same-topic rows into one producer
// call; partial failures fall back to per-message retry. It never marks
// rows dispatched itself — the caller decides how (a direct store call, or
// the claimed transaction's done func).
func (s *Sweeper) dispatchRows(ctx context.Context, rows []outbox.Row, mode string) []string {
	if s.cfg.Bulk {
		var dispatched []string
		for _, group := range groupContiguousByTopic(rows) {
			dispatched = append(dispatched, s.dispatchGroup(ctx, group, mode)...)
		}
		return dispatched
	}
	var dispatched []string
	for _, row := range rows {
		if id, ok := s.dispatchOne(ctx, row, mode); ok {
			dispatched = append(dispatched, id)
		}
	}
	return dispatched
}

func (s *Sweeper) dispatchOne(ctx context.Context, row outbox.Row, mode string) (string, bool) {
	topic := row.Header.Topic
	m := toMessage(row)

	ok := s.retry.Run(ctx, func(ctx context.Context) error {
		return s.producer.Publish(ctx, topic, m)
	})
	if !ok {
		metrics.SweeperBrokerFailures.WithLabelValues(topic).Inc()
		log.Warn().Str("topic", topic).Str("messageId", m.Header.MessageId.String()).Msg("sweeper: broker publish failed after retries, leaving outstanding")
		return "", false
	}

	metrics.SweeperMessagesDispatched.WithLabelValues(topic, mode).Inc()
	return m.Header.MessageId.String(), true
}

func (s *Sweeper) dispatchGroup(ctx context.Context, rows []outbox.Row, mode string) []string {
	if len(rows) == 0 {
		return nil
	}
	if len(rows) == 1 {
		if id, ok := s.dispatchOne(ctx, rows[0], mode); ok {
			return []string{id}
		}
		return nil
	}

	topic := rows[0].Header.Topic
	msgs := make([]message.Message, len(rows))
	for i, r := range rows {
		msgs[i] = toMessage(r)
	}

	ok := s.retry.Run(ctx, func(ctx context.Context) error {
		return s.producer.PublishBatch(ctx, topic, msgs)
	})
	if !ok {
		log.Warn().Str("topic", topic).Int("count", len(rows)).Msg("sweeper: bulk publish failed after retries, falling back to per-message")
		var dispatched []string
		for _, row := range rows {
			if id, ok := s.dispatchOne(ctx, row, mode); ok {
				dispatched = append(dispatched, id)
			}
		}
		return dispatched
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.Header.MessageId.String()
	}
	metrics.SweeperMessagesDispatched.WithLabelValues(topic, mode).Add(float64(len(rows)))
	return ids
}

// groupContiguousByTopic splits rows into maximal runs sharing the same
// topic, preserving order. Rows are already ordered TimeStamp ASC by the
// store, so messages interleaved by topic form separate, smaller groups
// rather than one false contiguous run.
func groupContiguousByTopic(rows []outbox.Row) [][]outbox.Row {
	if len(rows) == 0 {
		return nil
	}
	var groups [][]outbox.Row
	start := 0
	for i := 1; i <= len(rows); i++ {
		if i == len(rows) || rows[i].Header.Topic != rows[start].Header.Topic {
			groups = append(groups, rows[start:i])
			start = i
		}
	}
	return groups
}

func toMessage(r outbox.Row) message.Message {
	return message.Message{Header: r.Header, Body: r.Body}
}
