package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/storage/memory"
)

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	// failIDs отклоняет конкретные события независимо от err.
	failIDs   map[string]error
	published []domain.OutboxMessage
	callCount int
}

func (s *stubPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	err := s.err
	if failErr, ok := s.failIDs[event.ID]; ok {
		err = failErr
	} else if len(s.sequenceErrors) > 0 {
		err = s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
	}
	if err == nil {
		s.published = append(s.published, event)
	}
	return err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

var _ domain.OutboxPublisher = (*stubPublisher)(nil)

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

func enqueueStatusChanged(t *testing.T, repo *memory.OutboxRepository, id, status string) {
	t.Helper()
	_, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		ID:            id,
		AggregateType: lifecycle.AggregateOrder,
		AggregateID:   "order-" + id,
		EventType:     lifecycle.EventOrderStatusChanged,
		Payload:       []byte(`{"status":"` + status + `"}`),
	})
	require.NoError(t, err)
}

func enqueueOrderEvent(t *testing.T, repo *memory.OutboxRepository, id, orderID, eventType string, at time.Time) {
	t.Helper()
	_, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		ID:            id,
		AggregateType: lifecycle.AggregateOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       []byte(`{"order_id":"` + orderID + `"}`),
		CreatedAt:     at,
	})
	require.NoError(t, err)
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueueStatusChanged(t, repo, "msg-1", "PAID")
	publisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithLogger(quietLogger()))
	result := worker.ProcessOnce(context.Background())

	require.Equal(t, BatchResult{Sent: 1}, result)
	require.Equal(t, 1, publisher.calls())
	require.Empty(t, repo.AllPending())
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueueStatusChanged(t, repo, "msg-2", "CANCELED")
	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	dlq := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
		WithLogger(quietLogger()),
	)
	result := worker.ProcessOnce(context.Background())

	require.Equal(t, BatchResult{Failed: 1}, result)
	require.Equal(t, 3, publisher.calls())
	require.Empty(t, repo.AllPending())
	require.Len(t, dlq.published, 1)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(dlq.published[0].Payload, &envelope))
	require.Equal(t, "msg-2", envelope["outbox_id"])
	require.Equal(t, "order-msg-2", envelope["aggregate_id"])
	require.Equal(t, float64(3), envelope["attempts"])
	require.Contains(t, envelope["publish_error"], "broker unavailable")
	require.Equal(t, map[string]any{"status": "CANCELED"}, envelope["payload"])
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueueStatusChanged(t, repo, "msg-3", "PAID")
	publisher := &stubPublisher{
		sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil},
	}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3), WithLogger(quietLogger()))
	result := worker.ProcessOnce(context.Background())

	require.Equal(t, BatchResult{Sent: 1}, result)
	require.Equal(t, 3, publisher.calls())
}

func TestWorker_ProcessOnce_RespectsBatchSize(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	for _, id := range []string{"a", "b", "c"} {
		enqueueStatusChanged(t, repo, id, "PENDING")
	}
	publisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithBatchSize(2), WithLogger(quietLogger()))
	require.Equal(t, BatchResult{Sent: 2}, worker.ProcessOnce(context.Background()))
	require.Len(t, repo.AllPending(), 1)

	require.Equal(t, BatchResult{Sent: 1}, worker.ProcessOnce(context.Background()))
	require.Empty(t, repo.AllPending())
}

func TestWorker_ProcessOnce_CancelledContextKeepsPending(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueueStatusChanged(t, repo, "msg-4", "PAID")
	publisher := &stubPublisher{err: errors.New("slow broker")}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(time.Second), WithLogger(quietLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result := worker.ProcessOnce(ctx)

	require.Zero(t, result.Failed)
	require.Len(t, repo.AllPending(), 1)
}

func TestWorker_ProcessOnce_DefersLaterEventsOfFailedOrder(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	repo := memory.NewOutboxRepository()
	enqueueOrderEvent(t, repo, "created-1", "order-1", lifecycle.EventOrderCreated, base)
	enqueueOrderEvent(t, repo, "created-2", "order-2", lifecycle.EventOrderCreated, base.Add(time.Second))
	enqueueOrderEvent(t, repo, "paid-1", "order-1", lifecycle.EventOrderStatusChanged, base.Add(2*time.Second))

	publisher := &stubPublisher{failIDs: map[string]error{"created-1": errors.New("message too large")}}
	dlq := &stubPublisher{}
	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(0),
		WithMaxAttempts(2),
		WithLogger(quietLogger()),
	)

	result := worker.ProcessOnce(context.Background())
	require.Equal(t, BatchResult{Sent: 1, Failed: 1, Deferred: 1}, result)
	require.Len(t, dlq.published, 1)
	require.Equal(t, "created-1", dlq.published[0].ID)

	// Смена статуса заказа ушла только после того, как его первое событие попало в DLQ.
	pending := repo.AllPending()
	require.Len(t, pending, 1)
	require.Equal(t, "paid-1", pending[0].ID)

	require.Equal(t, BatchResult{Sent: 1}, worker.ProcessOnce(context.Background()))
	require.Empty(t, repo.AllPending())

	ids := make([]string, 0, len(publisher.published))
	for _, event := range publisher.published {
		ids = append(ids, event.ID)
	}
	require.Equal(t, []string{"created-2", "paid-1"}, ids)
}

func TestWorker_ProcessOnce_LabelsMetricsByEventType(t *testing.T) {
	repo := memory.NewOutboxRepository()
	now := time.Date(2026, 3, 2, 10, 0, 5, 0, time.UTC)
	enqueueOrderEvent(t, repo, "recon-1", "order-r", lifecycle.EventOrderReconciliationRequired, now.Add(-5*time.Second))
	enqueueOrderEvent(t, repo, "custom-1", "order-c", "InventoryAdjusted", now.Add(-time.Second))

	sentBefore := testutil.ToFloat64(deliveries.WithLabelValues(lifecycle.EventOrderReconciliationRequired, outcomeSent))
	otherBefore := testutil.ToFloat64(deliveries.WithLabelValues(otherEventType, outcomeSent))
	attemptsBefore := testutil.ToFloat64(publishAttempts.WithLabelValues(lifecycle.EventOrderReconciliationRequired, "ok"))

	worker := NewWorker(repo, &stubPublisher{}, WithClock(func() time.Time { return now }), WithLogger(quietLogger()))
	require.Equal(t, BatchResult{Sent: 2}, worker.ProcessOnce(context.Background()))

	require.Equal(t, sentBefore+1, testutil.ToFloat64(deliveries.WithLabelValues(lifecycle.EventOrderReconciliationRequired, outcomeSent)))
	require.Equal(t, otherBefore+1, testutil.ToFloat64(deliveries.WithLabelValues(otherEventType, outcomeSent)))
	require.Equal(t, attemptsBefore+1, testutil.ToFloat64(publishAttempts.WithLabelValues(lifecycle.EventOrderReconciliationRequired, "ok")))
	require.Equal(t, "other", eventTypeLabel("InventoryAdjusted"))
	require.Equal(t, lifecycle.EventOrderCreated, eventTypeLabel(lifecycle.EventOrderCreated))
}

func TestWorker_RetryBackoff(t *testing.T) {
	t.Parallel()

	worker := NewWorker(nil, nil, WithRetryBaseDelay(10*time.Millisecond))
	require.Equal(t, 10*time.Millisecond, worker.retryBackoff(1))
	require.Equal(t, 20*time.Millisecond, worker.retryBackoff(2))
	require.Equal(t, 40*time.Millisecond, worker.retryBackoff(3))
	require.Equal(t, 30*time.Second, worker.retryBackoff(30))

	noDelay := NewWorker(nil, nil, WithRetryBaseDelay(0))
	require.Zero(t, noDelay.retryBackoff(5))
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(
		memory.NewOutboxRepository(),
		&stubPublisher{},
		WithPollInterval(5*time.Millisecond),
		WithLogger(quietLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestLogPublisher_DeliversThroughWorker(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()

	_, err := repo.Enqueue(ctx, domain.OutboxMessage{
		ID:            "evt-log-1",
		AggregateType: "order",
		AggregateID:   "order-1",
		EventType:     "OrderCreated",
		Payload:       []byte(`{}`),
	})
	require.NoError(t, err)

	logger := log.New()
	logger.SetOutput(io.Discard)
	worker := NewWorker(repo, NewLogPublisher(logger.WithField("component", "test")))

	result := worker.ProcessOnce(ctx)
	require.Equal(t, 1, result.Sent)
	require.Empty(t, repo.AllPending())

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, NewLogPublisher(nil).Publish(canceled, domain.OutboxMessage{ID: "x"}), context.Canceled)
}
