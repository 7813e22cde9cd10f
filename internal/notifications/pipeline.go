package notifications

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aslanahmtv/notification-service/internal/broker"
	"github.com/aslanahmtv/notification-service/internal/metrics"
)

// Dispatcher pushes a notification to live connections and reports which
// recipients were reached.
type Dispatcher interface {
	Dispatch(n *Notification, recipients []string) []string
}

// Pipeline is the broker handler: decode, build, persist, then fan out.
// Persisting first means a message that is requeued after a storage error
// was never pushed, and a redelivered one hits ErrDuplicateKey instead of
// being pushed twice.
type Pipeline struct {
	builder    *Builder
	store      Store
	dispatcher Dispatcher
	metrics    *metrics.Collector
	logger     zerolog.Logger
}

// NewPipeline creates a Pipeline. dispatcher and m may be nil.
func NewPipeline(builder *Builder, store Store, dispatcher Dispatcher, m *metrics.Collector, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		builder:    builder,
		store:      store,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// Handle implements broker.Handler.
func (p *Pipeline) Handle(ctx context.Context, msg broker.Message) broker.Disposition {
	start := time.Now()
	disp := p.handle(ctx, msg)
	p.metrics.MessageSettled(disp.String(), time.Since(start))
	return disp
}

func (p *Pipeline) handle(ctx context.Context, msg broker.Message) broker.Disposition {
	log := p.logger.With().Str("message_id", msg.ID).Int("attempt", msg.Attempt).Logger()

	env, err := Decode(msg.Body)
	if err != nil {
		log.Warn().Err(err).Str("routing_key", msg.RoutingKey).Msg("rejecting malformed message")
		return broker.Reject
	}
	if env.MessageID == "" {
		env.MessageID = messageID(msg)
	}

	n, recipients := p.builder.Build(env)
	log = log.With().Str("notification_id", n.ID).Str("topic", n.OwnerTopic).Logger()

	if err := p.store.Insert(ctx, n); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			log.Warn().Msg("notification already stored, acknowledging redelivery")
			return broker.Ack
		}
		log.Error().Err(err).Msg("failed to store notification")
		return broker.Requeue
	}
	p.metrics.NotificationCreated(string(n.Type))

	if p.dispatcher == nil || len(recipients) == 0 {
		log.Debug().Msg("notification stored, no live recipients")
		return broker.Ack
	}

	delivered := p.dispatcher.Dispatch(n, recipients)
	for _, userID := range delivered {
		if err := p.store.RecordDelivery(ctx, userID, n.ID); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("failed to record delivery")
		}
	}
	log.Info().
		Str("type", string(n.Type)).
		Int("recipients", len(recipients)).
		Int("delivered", len(delivered)).
		Msg("notification dispatched")
	return broker.Ack
}

// messageID picks a stable identity for a message without one in its
// payload: the transport id, or else a digest of the body.
func messageID(msg broker.Message) string {
	if msg.ID != "" {
		return msg.ID
	}
	sum := sha256.Sum256(msg.Body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
