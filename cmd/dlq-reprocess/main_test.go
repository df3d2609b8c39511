package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/messaging/kafka"
)

type stubSource struct {
	records []*sarama.ConsumerMessage
	err     error
	topic   string
	limit   int
}

func (s *stubSource) Read(_ context.Context, topic string, limit int) ([]*sarama.ConsumerMessage, error) {
	s.topic = topic
	s.limit = limit
	if s.err != nil {
		return nil, s.err
	}
	if len(s.records) > limit {
		return s.records[:limit], nil
	}
	return s.records, nil
}

func (s *stubSource) Close() error { return nil }

type publishedReplay struct {
	topic string
	key   string
	value []byte
}

type stubPublisher struct {
	published []publishedReplay
	err       error
}

func (p *stubPublisher) PublishEvent(_ context.Context, topic, key string, event any, _ ...sarama.RecordHeader) error {
	if p.err != nil {
		return p.err
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.published = append(p.published, publishedReplay{topic: topic, key: key, value: value})
	return nil
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func consumerDLQRecord(t *testing.T, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(kafka.DLQMessage{
		OriginalTopic: kafka.TopicPaymentOutcomes,
		OriginalKey:   "order-1",
		OriginalValue: `{"event_id":"evt-1","order_id":"order-1","result":"succeeded"}`,
		ErrorMessage:  "order version conflict",
		FailedAt:      time.Now().UTC(),
		RetryCount:    3,
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: kafka.TopicDeadLetterQueue, Offset: offset, Value: raw}
}

func outboxDLQRecord(t *testing.T, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"outbox_id":      "outbox-1",
		"aggregate_type": "order",
		"aggregate_id":   "order-2",
		"event_type":     "order.status_changed",
		"payload":        json.RawMessage(`{"status":"paid"}`),
		"publish_error":  "broker unavailable",
	})
	require.NoError(t, err)

	raw, err := json.Marshal(kafka.OrderEventEnvelope{
		ID:            "outbox-1",
		AggregateType: "order",
		AggregateID:   "order-2",
		EventType:     "order.status_changed",
		Payload:       payload,
		PublishedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: kafka.TopicDeadLetterQueue, Offset: offset, Value: raw}
}

func TestReadConfig(t *testing.T) {
	t.Run("defaults with env brokers", func(t *testing.T) {
		cfg, err := readConfig(nil, envMap(map[string]string{envKafkaBrokers: "k1:9092, k2:9092"}))
		require.NoError(t, err)
		require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.brokers)
		require.Equal(t, kafka.TopicDeadLetterQueue, cfg.sourceTopic)
		require.Equal(t, kafka.TopicOrderEvents, cfg.eventsTopic)
		require.Equal(t, defaultReplayLimit, cfg.limit)
		require.False(t, cfg.execute)
		require.Equal(t, defaultIdleTimeout, cfg.idleTimeout)
	})

	t.Run("flags override env", func(t *testing.T) {
		args := []string{"-brokers", "flag:9092", "-limit", "5", "-execute", "-idle-timeout", "500ms"}
		cfg, err := readConfig(args, envMap(map[string]string{envKafkaBrokers: "env:9092"}))
		require.NoError(t, err)
		require.Equal(t, []string{"flag:9092"}, cfg.brokers)
		require.Equal(t, 5, cfg.limit)
		require.True(t, cfg.execute)
		require.Equal(t, 500*time.Millisecond, cfg.idleTimeout)
	})

	invalid := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{name: "no brokers", args: nil, env: map[string]string{}},
		{name: "zero limit", args: []string{"-brokers", "k:9092", "-limit", "0"}},
		{name: "empty source", args: []string{"-brokers", "k:9092", "-source-topic", " "}},
		{name: "empty events topic", args: []string{"-brokers", "k:9092", "-events-topic", ""}},
		{name: "bad idle timeout", args: []string{"-brokers", "k:9092", "-idle-timeout", "0s"}},
		{name: "unknown flag", args: []string{"-nope"}},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			_, err := readConfig(tc.args, envMap(tc.env))
			require.Error(t, err)
		})
	}
}

func TestParseBrokers(t *testing.T) {
	brokers := parseBrokers(" broker-1:9092, ,broker-2:9092 ")
	if len(brokers) != 2 || brokers[0] != "broker-1:9092" || brokers[1] != "broker-2:9092" {
		t.Fatalf("unexpected brokers: %+v", brokers)
	}
	if got := parseBrokers(""); len(got) != 0 {
		t.Fatalf("expected no brokers, got %+v", got)
	}
}

func TestExtractReplay_ConsumerDLQ(t *testing.T) {
	replay, ok, err := extractReplay(consumerDLQRecord(t, 0), kafka.TopicOrderEvents)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kafka.TopicPaymentOutcomes, replay.topic)
	require.Equal(t, "order-1", replay.key)

	raw, err := json.Marshal(replay.value)
	require.NoError(t, err)
	require.JSONEq(t, `{"event_id":"evt-1","order_id":"order-1","result":"succeeded"}`, string(raw))
}

func TestExtractReplay_OutboxDLQ(t *testing.T) {
	replay, ok, err := extractReplay(outboxDLQRecord(t, 0), "custom.events")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "custom.events", replay.topic)
	require.Equal(t, "order-2", replay.key)

	envelope, isEnvelope := replay.value.(kafka.OrderEventEnvelope)
	require.True(t, isEnvelope)
	require.Equal(t, "outbox-1", envelope.ID)
	require.Equal(t, "order.status_changed", envelope.EventType)
	require.JSONEq(t, `{"status":"paid"}`, string(envelope.Payload))
}

func TestExtractReplay_Rejects(t *testing.T) {
	t.Run("consumer dlq without topic", func(t *testing.T) {
		raw, _ := json.Marshal(kafka.DLQMessage{OriginalValue: `{"a":1}`})
		_, ok, err := extractReplay(&sarama.ConsumerMessage{Value: raw}, kafka.TopicOrderEvents)
		require.Error(t, err)
		require.False(t, ok)
	})

	t.Run("consumer dlq with non-json value", func(t *testing.T) {
		raw, _ := json.Marshal(kafka.DLQMessage{OriginalTopic: "t", OriginalValue: "not-json"})
		_, _, err := extractReplay(&sarama.ConsumerMessage{Value: raw}, kafka.TopicOrderEvents)
		require.Error(t, err)
	})

	t.Run("outbox dlq without original payload", func(t *testing.T) {
		raw, _ := json.Marshal(kafka.OrderEventEnvelope{ID: "x", Payload: json.RawMessage(`{"outbox_id":"x"}`)})
		_, _, err := extractReplay(&sarama.ConsumerMessage{Value: raw}, kafka.TopicOrderEvents)
		require.Error(t, err)
	})

	t.Run("garbage is skipped", func(t *testing.T) {
		_, ok, err := extractReplay(&sarama.ConsumerMessage{Value: []byte("garbage")}, kafka.TopicOrderEvents)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestRunReplay_DryRunDoesNotPublish(t *testing.T) {
	source := &stubSource{records: []*sarama.ConsumerMessage{consumerDLQRecord(t, 0), outboxDLQRecord(t, 1)}}
	publisher := &stubPublisher{}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, eventsTopic: kafka.TopicOrderEvents, limit: 10}

	stats, err := runReplay(context.Background(), cfg, source, publisher, quietLogger())
	require.NoError(t, err)
	require.Equal(t, replayStats{processed: 2, replayed: 2}, stats)
	require.Empty(t, publisher.published)
	require.Equal(t, kafka.TopicDeadLetterQueue, source.topic)
	require.Equal(t, 10, source.limit)
}

func TestRunReplay_ExecutePublishesAndSkipsUnsupported(t *testing.T) {
	source := &stubSource{records: []*sarama.ConsumerMessage{
		consumerDLQRecord(t, 0),
		{Offset: 1, Value: []byte("garbage")},
		outboxDLQRecord(t, 2),
	}}
	publisher := &stubPublisher{}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, eventsTopic: kafka.TopicOrderEvents, limit: 10, execute: true}

	stats, err := runReplay(context.Background(), cfg, source, publisher, quietLogger())
	require.NoError(t, err)
	require.Equal(t, replayStats{processed: 3, replayed: 2, skipped: 1}, stats)
	require.Len(t, publisher.published, 2)

	require.Equal(t, kafka.TopicPaymentOutcomes, publisher.published[0].topic)
	outcome, err := kafka.ParsePaymentOutcome(publisher.published[0].value)
	require.NoError(t, err)
	require.Equal(t, "order-1", outcome.OrderID)

	require.Equal(t, kafka.TopicOrderEvents, publisher.published[1].topic)
	envelope, err := kafka.ParseOrderEvent(publisher.published[1].value)
	require.NoError(t, err)
	require.Equal(t, "order-2", envelope.AggregateID)
}

func TestRunReplay_RespectsLimit(t *testing.T) {
	source := &stubSource{records: []*sarama.ConsumerMessage{consumerDLQRecord(t, 0), consumerDLQRecord(t, 1)}}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, eventsTopic: kafka.TopicOrderEvents, limit: 1}

	stats, err := runReplay(context.Background(), cfg, source, nil, quietLogger())
	require.NoError(t, err)
	require.Equal(t, 1, stats.processed)
}

func TestRunReplay_Errors(t *testing.T) {
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, eventsTopic: kafka.TopicOrderEvents, limit: 10, execute: true}

	_, err := runReplay(context.Background(), cfg, &stubSource{}, nil, quietLogger())
	require.Error(t, err)

	sourceErr := errors.New("broker down")
	_, err = runReplay(context.Background(), cfg, &stubSource{err: sourceErr}, &stubPublisher{}, quietLogger())
	require.ErrorIs(t, err, sourceErr)

	publishErr := errors.New("publish failed")
	source := &stubSource{records: []*sarama.ConsumerMessage{consumerDLQRecord(t, 0)}}
	stats, err := runReplay(context.Background(), cfg, source, &stubPublisher{err: publishErr}, quietLogger())
	require.ErrorIs(t, err, publishErr)
	require.Equal(t, 0, stats.replayed)
}
