package app

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/outbox"
)

const (
	paymentConsumerGroup = "oms-lifecycle-payments"
	consumerMaxRetries   = 3
	consumerRetryDelay   = 200 * time.Millisecond
)

// initKafkaProducer подключает producer; ошибка не фатальна для старта сервиса.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	producer, err := kafka.NewProducer(brokers, kafkaClientID)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// outboxPublishers возвращает основной publisher и DLQ. Без Kafka события уходят в лог.
func outboxPublishers(producer *kafka.Producer, logger *log.Entry) (domain.OutboxPublisher, domain.OutboxPublisher) {
	if producer == nil {
		return outbox.NewLogPublisher(logger.WithField("layer", "outbox-log")), nil
	}
	return kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
		kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)
}

// startPaymentConsumer подписывается на исходы оплаты, если Kafka настроена.
// Возвращает nil, nil, когда брокеры не заданы или producer не поднялся.
func startPaymentConsumer(
	ctx context.Context,
	cfg Config,
	producer *kafka.Producer,
	processor kafka.PaymentOutcomeProcessor,
	logger *log.Entry,
) (*kafka.Consumer, error) {
	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 || producer == nil {
		return nil, nil
	}

	consumerLogger := logger.WithField("layer", "payment-consumer")
	consumer, err := kafka.NewConsumer(
		brokers,
		paymentConsumerGroup,
		[]string{kafka.TopicPaymentOutcomes},
		kafka.NewPaymentOutcomeHandler(processor, consumerLogger),
		kafka.WithConsumerLogger(consumerLogger),
		kafka.WithDLQ(producer),
		kafka.WithRetries(consumerMaxRetries, consumerRetryDelay),
	)
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return nil, err
	}
	return consumer, nil
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}
