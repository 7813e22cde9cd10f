package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// State is the consumer lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConsuming
	StateReconnecting
	// StateFailed is terminal: the retry budget ran out.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ConsumerConfig bounds connection retries and per-message work.
type ConsumerConfig struct {
	// MaxRetries is the number of connect attempts per (re)connection cycle.
	MaxRetries int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration
	// HandlerTimeout caps a single handler call. Zero means no limit.
	HandlerTimeout time.Duration
}

// StateListener observes state transitions.
type StateListener func(State)

// Consumer pulls messages from a Source one at a time and settles each with
// the disposition returned by the handler.
type Consumer struct {
	source Source
	cfg    ConsumerConfig
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	listeners []StateListener
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithClock replaces the wall clock used for retry delays.
func WithClock(clk clock.Clock) Option {
	return func(c *Consumer) { c.clock = clk }
}

// WithStateListener registers a listener called on every transition.
func WithStateListener(l StateListener) Option {
	return func(c *Consumer) { c.listeners = append(c.listeners, l) }
}

// NewConsumer creates a Consumer in StateDisconnected.
func NewConsumer(source Source, cfg ConsumerConfig, logger zerolog.Logger, opts ...Option) *Consumer {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	c := &Consumer{
		source: source,
		cfg:    cfg,
		clock:  clock.WallClock,
		logger: logger.With().Str("component", "consumer").Logger(),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := c.listeners
	c.mu.Unlock()

	c.logger.Debug().Stringer("state", s).Msg("consumer state changed")
	for _, l := range listeners {
		l(s)
	}
}

// Run connects and consumes until ctx is cancelled (returns nil) or the
// retry budget is exhausted (returns ErrRetriesExhausted). A dropped session
// starts a new connection cycle with a fresh budget. The handler runs on a
// context detached from ctx so an in-flight message is still settled during
// shutdown.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	for {
		sess, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return nil
			}
			c.setState(StateFailed)
			c.logger.Error().Err(err).Int("max_retries", c.cfg.MaxRetries).Msg("giving up on broker")
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}

		c.setState(StateConsuming)
		c.logger.Info().Msg("consuming")

		err = c.consume(ctx, sess, h)
		if cerr := sess.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("session close")
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			c.logger.Info().Msg("consumer stopped")
			return nil
		}

		c.logger.Warn().Err(err).Msg("broker session lost, reconnecting")
		c.setState(StateReconnecting)
	}
}

func (c *Consumer) connect(ctx context.Context) (Session, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		c.setState(StateConnecting)

		sess, err := c.source.Connect(ctx)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_retries", c.cfg.MaxRetries).
			Dur("retry_delay", c.cfg.RetryDelay).
			Msg("broker connect failed")

		if attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(c.cfg.RetryDelay):
		}
	}
	return nil, lastErr
}

func (c *Consumer) consume(ctx context.Context, sess Session, h Handler) error {
	deliveries := sess.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sess.Done():
			if err == nil {
				err = ErrSessionClosed
			}
			return err
		case d, ok := <-deliveries:
			if !ok {
				return ErrSessionClosed
			}
			if err := c.handle(ctx, d, h); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d Delivery, h Handler) error {
	msg := d.Message()

	hctx := context.WithoutCancel(ctx)
	if c.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, c.cfg.HandlerTimeout)
		defer cancel()
	}

	disp := c.invoke(hctx, h, msg)
	if err := d.Settle(disp); err != nil {
		return fmt.Errorf("settle %s: %w", disp, err)
	}
	return nil
}

// invoke shields the receive loop from a panicking handler by requeueing.
func (c *Consumer) invoke(ctx context.Context, h Handler, msg Message) (disp Disposition) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("message_id", msg.ID).Msg("handler panicked")
			disp = Requeue
		}
	}()
	return h(ctx, msg)
}

// IsFatal reports whether err means the consumer gave up.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRetriesExhausted)
}
