package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const defaultConsumerGroup = "notification-service"

// KafkaConfig holds configuration for the Kafka source and publisher.
type KafkaConfig struct {
	Brokers       []string // list of broker addresses
	Topic         string
	ConsumerGroup string // consumer group ID
	DLQTopic      string
	// MaxRedeliveries bounds in-process redelivery of requeued messages.
	MaxRedeliveries int
	RetryDelay      time.Duration
}

func (c *KafkaConfig) applyDefaults() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker address is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = defaultConsumerGroup
	}
	if c.DLQTopic == "" {
		c.DLQTopic = c.Topic + ".dlq"
	}
	return nil
}

// KafkaSource consumes a topic as a consumer group with explicit commits.
// Kafka has no broker-side nack, so Requeue redelivers the same message in
// process after RetryDelay and Reject publishes it to the DLQ topic before
// committing.
type KafkaSource struct {
	config KafkaConfig
	logger zerolog.Logger
}

var _ Source = (*KafkaSource)(nil)

// NewKafkaSource validates config and returns a Source.
func NewKafkaSource(config KafkaConfig, logger zerolog.Logger) (*KafkaSource, error) {
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	return &KafkaSource{
		config: config,
		logger: logger.With().Str("component", "kafka").Logger(),
	}, nil
}

// Connect dials a broker to fail fast when the cluster is unreachable, then
// joins the consumer group.
func (s *KafkaSource) Connect(ctx context.Context) (Session, error) {
	conn, err := kafka.DialContext(ctx, "tcp", s.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("dial kafka: %w", err)
	}
	conn.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.config.Brokers,
		Topic:    s.config.Topic,
		GroupID:  s.config.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})
	dlq := &kafka.Writer{
		Addr:         kafka.TCP(s.config.Brokers...),
		Topic:        s.config.DLQTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &kafkaSession{
		config:     s.config,
		reader:     reader,
		dlq:        dlq,
		logger:     s.logger,
		ctx:        sessCtx,
		cancel:     cancel,
		deliveries: make(chan Delivery),
		done:       make(chan error, 1),
	}
	go sess.pump()

	s.logger.Info().Str("topic", s.config.Topic).Str("group", s.config.ConsumerGroup).Msg("connected to broker")
	return sess, nil
}

type kafkaSession struct {
	config     KafkaConfig
	reader     *kafka.Reader
	dlq        *kafka.Writer
	logger     zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	deliveries chan Delivery
	done       chan error
	closeOnce  sync.Once
}

func (s *kafkaSession) Deliveries() <-chan Delivery { return s.deliveries }
func (s *kafkaSession) Done() <-chan error          { return s.done }

func (s *kafkaSession) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.reader.Close(); err != nil {
			firstErr = err
		}
		if err := s.dlq.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

func (s *kafkaSession) pump() {
	defer close(s.deliveries)

	for {
		m, err := s.reader.FetchMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.done <- fmt.Errorf("fetch: %w", err)
			}
			return
		}
		if !s.deliverUntilSettled(m) {
			return
		}
	}
}

// deliverUntilSettled hands m to the consumer, redelivering on Requeue until
// it is acked, rejected or out of budget. It returns false when the session
// ended first.
func (s *kafkaSession) deliverUntilSettled(m kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		if attempt > s.config.MaxRedeliveries+1 {
			if err := s.deadLetter(m, "redelivery limit reached"); err != nil {
				s.done <- err
				return false
			}
			if err := s.reader.CommitMessages(s.ctx, m); err != nil {
				s.done <- fmt.Errorf("commit: %w", err)
				return false
			}
			return true
		}

		d := &kafkaDelivery{s: s, m: m, attempt: attempt, settled: make(chan Disposition, 1)}
		select {
		case s.deliveries <- d:
		case <-s.ctx.Done():
			return false
		}

		var disp Disposition
		select {
		case disp = <-d.settled:
		case <-s.ctx.Done():
			return false
		}
		if disp != Requeue {
			return true
		}

		select {
		case <-time.After(s.config.RetryDelay):
		case <-s.ctx.Done():
			return false
		}
	}
}

func (s *kafkaSession) deadLetter(m kafka.Message, reason string) error {
	err := s.dlq.WriteMessages(s.ctx, kafka.Message{
		Key:   m.Key,
		Value: m.Value,
		Headers: append(append([]kafka.Header(nil), m.Headers...),
			kafka.Header{Key: "x-original-topic", Value: []byte(m.Topic)},
			kafka.Header{Key: "x-original-partition", Value: []byte(strconv.Itoa(m.Partition))},
			kafka.Header{Key: "x-original-offset", Value: []byte(strconv.FormatInt(m.Offset, 10))},
			kafka.Header{Key: "x-dead-letter-reason", Value: []byte(reason)},
		),
	})
	if err != nil {
		return fmt.Errorf("write to dlq %s: %w", s.config.DLQTopic, err)
	}
	s.logger.Warn().Str("message_id", kafkaMessageID(m)).Str("reason", reason).Msg("message dead-lettered")
	return nil
}

type kafkaDelivery struct {
	s       *kafkaSession
	m       kafka.Message
	attempt int
	settled chan Disposition
}

func (d *kafkaDelivery) Message() Message {
	return Message{
		ID:         kafkaMessageID(d.m),
		RoutingKey: string(d.m.Key),
		Body:       d.m.Value,
		Attempt:    d.attempt,
	}
}

func (d *kafkaDelivery) Settle(disp Disposition) error {
	switch disp {
	case Ack:
		if err := d.s.reader.CommitMessages(d.s.ctx, d.m); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	case Reject:
		if err := d.s.deadLetter(d.m, "rejected"); err != nil {
			return err
		}
		if err := d.s.reader.CommitMessages(d.s.ctx, d.m); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	case Requeue:
	default:
		return fmt.Errorf("unknown disposition %d", disp)
	}
	select {
	case d.settled <- disp:
		return nil
	default:
		return fmt.Errorf("delivery %s already settled", kafkaMessageID(d.m))
	}
}

func kafkaMessageID(m kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}

// KafkaPublisher writes change messages keyed by routing key.
type KafkaPublisher struct {
	writer *kafka.Writer
	mu     sync.Mutex
	closed bool
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher for config.Topic.
func NewKafkaPublisher(config KafkaConfig) (*KafkaPublisher, error) {
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.Unlock()

	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(routingKey), Value: body}); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}
