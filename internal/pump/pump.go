// Package pump implements the single-threaded consumer loop state machine
// that reads from a Channel, decodes via a mapper, dispatches through a
// CommandProcessor, and acknowledges/requeues/rejects based on the outcome.
package pump

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/preardon/brighter-go/internal/channel"
	"github.com/preardon/brighter-go/internal/dispatch"
	"github.com/preardon/brighter-go/internal/mapper"
	"github.com/preardon/brighter-go/internal/message"
	"github.com/preardon/brighter-go/internal/metrics"
	"github.com/preardon/brighter-go/internal/pumperr"
)

// State is one of the pump's lifecycle states.
type State int

const (
	StateInit State = iota
	StateRunning
	StateProcessing
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateProcessing:
		return "PROCESSING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Dispatch decides which CommandProcessor method to invoke for a decoded
// request. It is fixed per pump by Config.Dispatch; the originating
// message's MessageType is not consulted.
type Dispatch int

const (
	DispatchSend Dispatch = iota
	DispatchPublish
)

// Config bounds one Pump's behavior. Zero or negative TimeoutInMilliseconds,
// RequeueCount and RequeueDelay fall back to 1000, 5 and 500ms.
type Config struct {
	// TimeoutInMilliseconds bounds each Channel.Receive call.
	TimeoutInMilliseconds int
	// RequeueCount caps deliveries: a message whose HandledCount has reached
	// RequeueCount-1 is rejected without dispatch, so a message that always
	// defers is requeued RequeueCount-1 times and rejected on its
	// RequeueCount-th delivery.
	RequeueCount int
	// RequeueDelay is used when a DeferError carries no delay override.
	RequeueDelay time.Duration
	// EmptyChannelDelay, if set, rate-limits re-polling after an MT_NONE
	// timeout sentinel, via a token-bucket limiter rather than a bare sleep
	// so shutdown during the wait still responds to ctx cancellation.
	EmptyChannelDelay time.Duration
	// UnacceptableMessageLimit stops the pump after this many consecutive
	// rejects. Zero disables the limit.
	UnacceptableMessageLimit int
	// Dispatch selects Send vs Publish semantics for this pump's channel.
	Dispatch Dispatch
}

func (c Config) withDefaults() Config {
	out := c
	if out.TimeoutInMilliseconds <= 0 {
		out.TimeoutInMilliseconds = 1000
	}
	if out.RequeueCount <= 0 {
		out.RequeueCount = 5
	}
	if out.RequeueDelay <= 0 {
		out.RequeueDelay = 500 * time.Millisecond
	}
	return out
}

// Pump drives one Channel through the consume-decode-dispatch-acknowledge
// loop. A Pump is not safe for concurrent Run calls; the intended usage is
// one goroutine per Pump.
type Pump struct {
	ch         channel.Channel
	unmarshal  mapper.RequestUnmarshaler
	processor  dispatch.CommandProcessor
	cfg        Config
	emptyLimit *rate.Limiter

	state              State
	consecutiveRejects int
}

// New builds a Pump reading from ch, decoding with unmarshal, and
// dispatching through processor.
func New(ch channel.Channel, unmarshal mapper.RequestUnmarshaler, processor dispatch.CommandProcessor, cfg Config) *Pump {
	cfg = cfg.withDefaults()
	p := &Pump{
		ch:        ch,
		unmarshal: unmarshal,
		processor: processor,
		cfg:       cfg,
		state:     StateInit,
	}
	if cfg.EmptyChannelDelay > 0 {
		p.emptyLimit = rate.NewLimiter(rate.Every(cfg.EmptyChannelDelay), 1)
	}
	return p
}

// State returns the pump's current lifecycle state.
func (p *Pump) State() State { return p.state }

// Run is the synchronous entry point. It blocks until ctx is cancelled, an
// MT_QUIT envelope is received, or UnacceptableMessageLimit consecutive
// rejects occur. It never panics on handler errors; ConfigurationError is
// the sole handler error that stops the pump and is returned from Run.
// Cancellation returns the context's error; the other two stops return nil.
func (p *Pump) Run(ctx context.Context) error {
	p.state = StateRunning
	timeout := time.Duration(p.cfg.TimeoutInMilliseconds) * time.Millisecond

	for {
		if ctx.Err() != nil {
			p.state = StateStopped
			return ctx.Err()
		}

		m, err := p.ch.Receive(ctx, timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				p.state = StateStopped
				return err
			}
			log.Error().Err(err).Str("channel", p.ch.Name()).Msg("channel receive failed")
			continue
		}

		p.state = StateProcessing
		start := time.Now()
		stop, fatal := p.process(ctx, m)
		metrics.PumpProcessingDuration.WithLabelValues(p.ch.Name()).Observe(time.Since(start).Seconds())
		if fatal != nil {
			p.state = StateStopped
			return fatal
		}
		if stop {
			p.state = StateStopped
			return nil
		}
		p.state = StateRunning
	}
}

// process handles one message and reports whether the pump should stop
// (stop) and, if a ConfigurationError occurred, the fatal error to return.
func (p *Pump) process(ctx context.Context, m message.Message) (stop bool, fatal error) {
	switch {
	case m.IsNone():
		if p.emptyLimit != nil {
			_ = p.emptyLimit.Wait(ctx)
		}
		return false, nil

	case m.IsQuit():
		p.state = StateStopping
		return true, nil

	case m.IsUnacceptable():
		p.rejectAndCount(ctx, m, "message marked unacceptable on a prior pass")
		return p.checkUnacceptableLimit(), nil
	}

	req, err := p.unmarshal.ToRequest(ctx, m)
	if err != nil {
		log.Warn().Err(err).Str("messageId", m.Header.MessageId.String()).Msg("failed to map message to request, rejecting")
		p.rejectAndCount(ctx, m, "mapping failure")
		return p.checkUnacceptableLimit(), nil
	}

	if m.Header.HandledCount() >= p.cfg.RequeueCount-1 {
		log.Warn().Str("messageId", m.Header.MessageId.String()).Int("handledCount", m.Header.HandledCount()).Msg("requeue count exceeded, rejecting")
		p.rejectAndCount(ctx, m, "requeue count exceeded")
		return p.checkUnacceptableLimit(), nil
	}

	dispatchErr := p.dispatchOne(ctx, req)
	if dispatchErr == nil {
		p.resetRejectStreak()
		if err := p.ch.Acknowledge(ctx, m); err != nil {
			log.Error().Err(err).Str("messageId", m.Header.MessageId.String()).Msg("acknowledge failed")
		}
		metrics.PumpMessagesAcked.WithLabelValues(p.ch.Name()).Inc()
		return false, nil
	}

	if d, ok := pumperr.IsDefer(dispatchErr); ok {
		delay := d.Delay
		if delay <= 0 {
			delay = p.cfg.RequeueDelay
		}
		next := m
		next.Header = m.Header.WithIncrementedHandledCount()
		if err := p.ch.Requeue(ctx, next, delay); err != nil {
			log.Error().Err(err).Str("messageId", m.Header.MessageId.String()).Msg("requeue failed")
		}
		p.resetRejectStreak()
		metrics.PumpMessagesRequeued.WithLabelValues(p.ch.Name()).Inc()
		return false, nil
	}

	if errors.Is(dispatchErr, pumperr.ErrConfiguration) {
		p.rejectAndCount(ctx, m, "configuration error, pump stopping")
		return true, dispatchErr
	}

	log.Error().Err(dispatchErr).Str("messageId", m.Header.MessageId.String()).Msg("handler error, rejecting")
	p.rejectAndCount(ctx, m, "handler error")
	return p.checkUnacceptableLimit(), nil
}

func (p *Pump) dispatchOne(ctx context.Context, req any) error {
	if p.cfg.Dispatch == DispatchPublish {
		return p.processor.Publish(ctx, req)
	}
	return p.processor.Send(ctx, req)
}

func (p *Pump) rejectAndCount(ctx context.Context, m message.Message, reason string) {
	if err := p.ch.Reject(ctx, m); err != nil {
		log.Error().Err(err).Str("messageId", m.Header.MessageId.String()).Str("reason", reason).Msg("reject failed")
	}
	metrics.PumpMessagesRejected.WithLabelValues(p.ch.Name()).Inc()
	p.consecutiveRejects++
}

func (p *Pump) resetRejectStreak() {
	p.consecutiveRejects = 0
}

func (p *Pump) checkUnacceptableLimit() bool {
	if p.cfg.UnacceptableMessageLimit > 0 && p.consecutiveRejects >= p.cfg.UnacceptableMessageLimit {
		log.Warn().Str("channel", p.ch.Name()).Int("consecutiveRejects", p.consecutiveRejects).Msg("unacceptable message limit reached, stopping pump")
		return true
	}
	return false
}
