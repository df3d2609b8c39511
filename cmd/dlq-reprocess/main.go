// Command dlq-reprocess переотправляет сообщения из DLQ: исходы оплаты в исходный topic,
// события outbox в topic событий заказа. По умолчанию работает в режиме dry-run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "OMS_KAFKA_BROKERS"
	clientID           = "oms-dlq-reprocess"
)

type config struct {
	brokers     []string
	sourceTopic string
	eventsTopic string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

// То, что будет опубликовано повторно.
type replayMessage struct {
	topic string
	key   string
	value any
}

// Полезная нагрузка, которую outbox worker кладёт в DLQ.
type outboxDLQPayload struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

// recordSource читает не более limit сообщений из topic.
type recordSource interface {
	Read(ctx context.Context, topic string, limit int) ([]*sarama.ConsumerMessage, error)
	Close() error
}

type replayPublisher interface {
	PublishEvent(ctx context.Context, topic, key string, event any, headers ...sarama.RecordHeader) error
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func readConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fs.StringVar(&cfg.eventsTopic, "events-topic", kafka.TopicOrderEvents, "target topic for outbox events")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	fs.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw, _ = lookup(envKafkaBrokers)
	}
	cfg.brokers = parseBrokers(brokersRaw)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.eventsTopic = strings.TrimSpace(cfg.eventsTopic)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case cfg.sourceTopic == "":
		return config{}, errors.New("source-topic is required")
	case cfg.eventsTopic == "":
		return config{}, errors.New("events-topic is required")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	brokers := make([]string, 0)
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// extractReplay распознаёт два формата DLQ: сообщение consumer'а и событие outbox.
// При ok=false сообщение не относится ни к одному формату и пропускается.
func extractReplay(msg *sarama.ConsumerMessage, eventsTopic string) (replayMessage, bool, error) {
	var consumerDLQ kafka.DLQMessage
	if err := json.Unmarshal(msg.Value, &consumerDLQ); err == nil && consumerDLQ.OriginalValue != "" {
		topic := strings.TrimSpace(consumerDLQ.OriginalTopic)
		if topic == "" {
			return replayMessage{}, false, errors.New("consumer dlq message has no original topic")
		}
		if !json.Valid([]byte(consumerDLQ.OriginalValue)) {
			return replayMessage{}, false, errors.New("consumer dlq message has non-json original value")
		}
		return replayMessage{
			topic: topic,
			key:   consumerDLQ.OriginalKey,
			value: json.RawMessage(consumerDLQ.OriginalValue),
		}, true, nil
	}

	envelope, err := kafka.ParseOrderEvent(msg.Value)
	if err != nil || len(envelope.Payload) == 0 {
		return replayMessage{}, false, nil
	}

	var dlq outboxDLQPayload
	if err := json.Unmarshal(envelope.Payload, &dlq); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(dlq.Payload) == 0 {
		return replayMessage{}, false, errors.New("outbox dlq payload does not contain original event payload")
	}

	replay := kafka.OrderEventEnvelope{
		ID:            firstNonEmpty(dlq.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(dlq.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(dlq.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(dlq.EventType, envelope.EventType),
		Payload:       dlq.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	return replayMessage{
		topic: eventsTopic,
		key:   firstNonEmpty(replay.AggregateID, replay.ID),
		value: replay,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func runReplay(ctx context.Context, cfg config, source recordSource, publisher replayPublisher, logger *log.Entry) (replayStats, error) {
	var stats replayStats
	if cfg.execute && publisher == nil {
		return stats, errors.New("publisher is required in execute mode")
	}

	records, err := source.Read(ctx, cfg.sourceTopic, cfg.limit)
	if err != nil {
		return stats, err
	}

	for _, record := range records {
		stats.processed++
		entry := logger.WithFields(log.Fields{"partition": record.Partition, "offset": record.Offset})

		replay, ok, err := extractReplay(record, cfg.eventsTopic)
		if err != nil {
			stats.skipped++
			entry.WithError(err).Warn("skip unsupported dlq message")
			continue
		}
		if !ok {
			stats.skipped++
			continue
		}

		entry = entry.WithFields(log.Fields{"target_topic": replay.topic, "key": replay.key})
		if !cfg.execute {
			entry.Info("dlq replay candidate")
			stats.replayed++
			continue
		}
		if err := publisher.PublishEvent(ctx, replay.topic, replay.key, replay.value); err != nil {
			return stats, fmt.Errorf("publish replay message: %w", err)
		}
		entry.Info("dlq message replayed")
		stats.replayed++
	}

	return stats, nil
}

// saramaSource читает партиции от самого старого offset до high watermark на момент старта.
type saramaSource struct {
	client      sarama.Client
	consumer    sarama.Consumer
	idleTimeout time.Duration
}

func newSaramaSource(cfg config) (*saramaSource, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = clientID
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &saramaSource{client: client, consumer: consumer, idleTimeout: cfg.idleTimeout}, nil
}

func (s *saramaSource) Read(ctx context.Context, topic string, limit int) ([]*sarama.ConsumerMessage, error) {
	partitions, err := s.client.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("get partitions for topic %s: %w", topic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	records := make([]*sarama.ConsumerMessage, 0, limit)
	for _, partition := range partitions {
		if len(records) >= limit {
			break
		}
		batch, err := s.readPartition(ctx, topic, partition, limit-len(records))
		if err != nil {
			return records, err
		}
		records = append(records, batch...)
	}
	return records, nil
}

func (s *saramaSource) readPartition(ctx context.Context, topic string, partition int32, limit int) ([]*sarama.ConsumerMessage, error) {
	oldest, err := s.client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return nil, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := s.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return nil, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return nil, nil
	}

	pc, err := s.consumer.ConsumePartition(topic, partition, oldest)
	if err != nil {
		return nil, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	var records []*sarama.ConsumerMessage
	for len(records) < limit {
		select {
		case <-ctx.Done():
			return records, ctx.Err()
		case consumerErr := <-pc.Errors():
			if consumerErr != nil {
				return records, fmt.Errorf("partition %d consumer error: %w", partition, consumerErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return records, nil
			}
			records = append(records, msg)
			if msg.Offset+1 >= newest {
				return records, nil
			}
		case <-time.After(s.idleTimeout):
			return records, nil
		}
	}
	return records, nil
}

func (s *saramaSource) Close() error {
	return multierr.Combine(s.consumer.Close(), s.client.Close())
}

func run(ctx context.Context, cfg config, logger *log.Entry) error {
	source, err := newSaramaSource(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	var publisher replayPublisher
	if cfg.execute {
		producer, err := kafka.NewProducer(cfg.brokers, clientID)
		if err != nil {
			return err
		}
		defer func() { _ = producer.Close() }()
		publisher = producer
	}

	stats, err := runReplay(ctx, cfg, source, publisher, logger)
	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	logger.WithFields(log.Fields{
		"mode":      mode,
		"processed": stats.processed,
		"replayed":  stats.replayed,
		"skipped":   stats.skipped,
	}).Info("dlq replay finished")
	return err
}

func main() {
	_ = godotenv.Load()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log.WithField("component", "dlq-reprocess")); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
