package broker

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aslanahmtv/notification-service/internal/config"
)

// AMQPConfigFrom maps service configuration to an AMQPConfig.
func AMQPConfigFrom(cfg config.BrokerConfig) AMQPConfig {
	return AMQPConfig{
		URL:                cfg.URL,
		Exchange:           cfg.Exchange,
		Queue:              cfg.Queue,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeadLetterQueue:    cfg.DeadLetterQueue,
		MaxRedeliveries:    cfg.MaxRedeliveries,
		Prefetch:           cfg.Prefetch,
	}
}

// KafkaConfigFrom maps service configuration to a KafkaConfig.
func KafkaConfigFrom(cfg config.BrokerConfig) KafkaConfig {
	return KafkaConfig{
		Brokers:         cfg.KafkaBrokerList(),
		Topic:           cfg.KafkaTopic,
		ConsumerGroup:   cfg.KafkaConsumerGroup,
		DLQTopic:        cfg.KafkaDLQTopic,
		MaxRedeliveries: cfg.MaxRedeliveries,
		RetryDelay:      cfg.RetryDelay(),
	}
}

// NewSource returns the Source selected by BROKER_KIND. The memory kind is
// only useful when the same process also publishes, see NewMemoryBroker.
func NewSource(cfg config.BrokerConfig, logger zerolog.Logger) (Source, error) {
	switch cfg.Kind {
	case config.BrokerAMQP:
		logger.Info().Str("exchange", cfg.Exchange).Str("queue", cfg.Queue).Msg("using AMQP broker")
		return NewAMQPSource(AMQPConfigFrom(cfg), logger)
	case config.BrokerKafka:
		logger.Info().Strs("brokers", cfg.KafkaBrokerList()).Str("group", cfg.KafkaConsumerGroup).Msg("using Kafka broker")
		return NewKafkaSource(KafkaConfigFrom(cfg), logger)
	case config.BrokerMemory:
		logger.Warn().Msg("using in-memory broker, messages do not survive a restart")
		return NewMemoryBroker(cfg.MaxRedeliveries), nil
	}
	return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
}

// NewPublisher returns a Publisher for BROKER_KIND.
func NewPublisher(cfg config.BrokerConfig) (Publisher, error) {
	switch cfg.Kind {
	case config.BrokerAMQP:
		return NewAMQPPublisher(AMQPConfigFrom(cfg))
	case config.BrokerKafka:
		return NewKafkaPublisher(KafkaConfigFrom(cfg))
	}
	return nil, fmt.Errorf("broker kind %q cannot publish across processes", cfg.Kind)
}
