package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPConfig describes the RabbitMQ topology consumed by the service.
type AMQPConfig struct {
	URL                string
	Exchange           string
	Queue              string
	RoutingKey         string
	DeadLetterExchange string
	DeadLetterQueue    string
	MaxRedeliveries    int
	Prefetch           int
}

func (c AMQPConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("amqp: url is required")
	}
	if c.Exchange == "" || c.Queue == "" || c.RoutingKey == "" {
		return fmt.Errorf("amqp: exchange, queue and routing key are required")
	}
	return nil
}

// queueArgs declares a quorum queue so the broker tracks redeliveries and
// dead-letters a message once the delivery limit is hit.
func (c AMQPConfig) queueArgs() amqp.Table {
	args := amqp.Table{"x-queue-type": "quorum"}
	if c.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = c.DeadLetterExchange
	}
	if c.MaxRedeliveries > 0 {
		args["x-delivery-limit"] = int32(c.MaxRedeliveries)
	}
	return args
}

func declareTopology(ch *amqp.Channel, cfg AMQPConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if cfg.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange %s: %w", cfg.DeadLetterExchange, err)
		}
		if cfg.DeadLetterQueue != "" {
			if _, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare dead-letter queue %s: %w", cfg.DeadLetterQueue, err)
			}
			if err := ch.QueueBind(cfg.DeadLetterQueue, "", cfg.DeadLetterExchange, false, nil); err != nil {
				return fmt.Errorf("bind dead-letter queue: %w", err)
			}
		}
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, cfg.queueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", cfg.Queue, cfg.RoutingKey, err)
	}
	return nil
}

func dialAMQP(url string) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
}

// AMQPSource consumes from a durable RabbitMQ queue.
type AMQPSource struct {
	cfg    AMQPConfig
	logger zerolog.Logger
}

var _ Source = (*AMQPSource)(nil)

// NewAMQPSource validates cfg and returns a Source. No connection is made
// until Connect.
func NewAMQPSource(cfg AMQPConfig, logger zerolog.Logger) (*AMQPSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	return &AMQPSource{
		cfg:    cfg,
		logger: logger.With().Str("component", "amqp").Logger(),
	}, nil
}

func (s *AMQPSource) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := dialAMQP(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, s.cfg); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(s.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consume %s: %w", s.cfg.Queue, err)
	}

	sess := &amqpSession{
		conn:       conn,
		deliveries: make(chan Delivery),
		done:       make(chan error, 1),
		closed:     make(chan struct{}),
	}
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go sess.watch(closeCh)
	go sess.pump(msgs)

	s.logger.Info().Str("queue", s.cfg.Queue).Str("routing_key", s.cfg.RoutingKey).Msg("connected to broker")
	return sess, nil
}

type amqpSession struct {
	conn       *amqp.Connection
	deliveries chan Delivery
	done       chan error
	closed     chan struct{}
	closeOnce  sync.Once
}

func (s *amqpSession) Deliveries() <-chan Delivery { return s.deliveries }
func (s *amqpSession) Done() <-chan error          { return s.done }

func (s *amqpSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if !s.conn.IsClosed() {
			err = s.conn.Close()
		}
	})
	return err
}

func (s *amqpSession) watch(closeCh <-chan *amqp.Error) {
	if amqpErr, ok := <-closeCh; ok && amqpErr != nil {
		s.done <- amqpErr
	}
}

func (s *amqpSession) pump(msgs <-chan amqp.Delivery) {
	defer close(s.deliveries)
	for d := range msgs {
		select {
		case s.deliveries <- &amqpDelivery{d: d}:
		case <-s.closed:
			return
		}
	}
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (d *amqpDelivery) Message() Message {
	return Message{
		ID:         d.d.MessageId,
		RoutingKey: d.d.RoutingKey,
		Body:       d.d.Body,
		Attempt:    deliveryAttempt(d.d.Headers),
	}
}

// Settle maps Reject to a nack without requeue, which the queue routes to
// its dead-letter exchange.
func (d *amqpDelivery) Settle(disp Disposition) error {
	switch disp {
	case Ack:
		return d.d.Ack(false)
	case Reject:
		return d.d.Nack(false, false)
	case Requeue:
		return d.d.Nack(false, true)
	}
	return fmt.Errorf("unknown disposition %d", disp)
}

// deliveryAttempt reads the quorum queue x-delivery-count header, which
// counts previous failed deliveries.
func deliveryAttempt(headers amqp.Table) int {
	switch v := headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	return 1
}

// AMQPPublisher publishes persistent messages to the topic exchange.
type AMQPPublisher struct {
	cfg  AMQPConfig
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ Publisher = (*AMQPPublisher)(nil)

// NewAMQPPublisher connects and declares the exchange.
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" || cfg.Exchange == "" {
		return nil, fmt.Errorf("amqp: url and exchange are required")
	}
	conn, err := dialAMQP(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &AMQPPublisher{cfg: cfg, conn: conn, ch: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Close()
}
