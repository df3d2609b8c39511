// Package outbox доставляет события жизненного цикла заказа из transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/lifecycle"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 30 * time.Second

	// Метка для событий, которые координатор не публикует.
	otherEventType = "other"
)

// Исходы доставки одного события.
const (
	outcomeSent         = "sent"
	outcomeDeadLettered = "dead_lettered"
	outcomeDeferred     = "deferred"
)

var (
	publishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oms_outbox_publish_attempts_total",
		Help: "Outbox publish attempts by lifecycle event type and result.",
	}, []string{"event_type", "result"})
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oms_outbox_deliveries_total",
		Help: "Outbox events by lifecycle event type and final delivery outcome.",
	}, []string{"event_type", "outcome"})
	deliveryLag = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oms_outbox_delivery_lag_seconds",
		Help:    "Time between an order lifecycle change and its publication.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"event_type"})
	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oms_outbox_pending_records",
		Help: "Current number of pending records in transactional outbox.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oms_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox record.",
	})
)

// lifecycleEventTypes ограничивает кардинальность метки event_type.
var lifecycleEventTypes = map[string]struct{}{
	lifecycle.EventOrderCreated:                {},
	lifecycle.EventOrderStatusChanged:          {},
	lifecycle.EventOrderReconciliationRequired: {},
}

func eventTypeLabel(eventType string) string {
	if _, ok := lifecycleEventTypes[eventType]; ok {
		return eventType
	}
	return otherEventType
}

type workerConfig struct {
	logger         *log.Entry
	dlq            domain.OutboxPublisher
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

// Option настраивает Worker.
type Option func(*workerConfig)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(cfg *workerConfig) {
		cfg.logger = logger
	}
}

// WithDLQPublisher задаёт publisher, куда уходят события после исчерпания попыток.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(cfg *workerConfig) {
		cfg.dlq = publisher
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(cfg *workerConfig) {
		cfg.pollInterval = interval
	}
}

// WithBatchSize задаёт размер выборки из outbox.
func WithBatchSize(batchSize int) Option {
	return func(cfg *workerConfig) {
		cfg.batchSize = batchSize
	}
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(maxAttempts int) Option {
	return func(cfg *workerConfig) {
		cfg.maxAttempts = maxAttempts
	}
}

// WithRetryBaseDelay задаёт базовую задержку экспоненциального backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(cfg *workerConfig) {
		cfg.retryBaseDelay = delay
	}
}

// WithClock подменяет источник времени для задержки доставки и метрик backlog.
func WithClock(now func() time.Time) Option {
	return func(cfg *workerConfig) {
		cfg.now = now
	}
}

// BatchResult содержит итог одного цикла публикации. Deferred считает события заказов,
// у которых в этом цикле не удалось доставить более раннее событие.
type BatchResult struct {
	Sent     int
	Failed   int
	Deferred int
}

// Worker публикует pending-события из outbox. Доставка at-least-once:
// событие помечается sent только после успешного Publish. События одного заказа
// уходят в порядке создания.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	cfg       workerConfig
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	cfg := workerConfig{
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "outbox-worker")
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = defaultPollInterval
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultBatchSize
	}
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = defaultMaxAttempts
	}
	if cfg.retryBaseDelay < 0 {
		cfg.retryBaseDelay = 0
	}
	if cfg.now == nil {
		cfg.now = func() time.Time { return time.Now().UTC() }
	}

	return &Worker{repo: repo, publisher: publisher, cfg: cfg}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.cfg.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.cfg.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce публикует одну выборку pending-событий. Если событие заказа ушло в DLQ,
// следующие события того же заказа остаются pending до следующего цикла.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var result BatchResult
	if ctx.Err() != nil {
		return result
	}

	events, err := w.repo.PullPending(ctx, w.cfg.batchSize)
	if err != nil {
		w.cfg.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return result
	}

	blocked := make(map[string]struct{})
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		label := eventTypeLabel(event.EventType)

		if _, ok := blocked[event.AggregateID]; ok {
			deliveries.WithLabelValues(label, outcomeDeferred).Inc()
			result.Deferred++
			continue
		}

		switch w.deliver(ctx, event) {
		case outcomeSent:
			result.Sent++
		case outcomeDeadLettered:
			result.Failed++
			blocked[event.AggregateID] = struct{}{}
		}
	}

	w.refreshBacklogMetrics(ctx)
	return result
}

// deliver публикует событие с повторами и возвращает исход. Пустая строка означает,
// что ctx отменён и событие осталось pending.
func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) string {
	label := eventTypeLabel(event.EventType)
	entry := w.cfg.logger.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"event_type": event.EventType,
		"order_id":   event.AggregateID,
	})

	err := w.publishWithRetry(ctx, event, label)
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		entry.WithError(err).Error("outbox publish failed after retries")
		deliveries.WithLabelValues(label, outcomeDeadLettered).Inc()

		if dlqErr := w.publishToDLQ(ctx, event, err); dlqErr != nil {
			entry.WithError(dlqErr).Warn("failed to publish to DLQ")
			publishAttempts.WithLabelValues(label, "dlq_failed").Inc()
		}
		if markErr := w.repo.MarkFailed(ctx, event.ID); markErr != nil {
			entry.WithError(markErr).Warn("failed to mark outbox message as failed")
		}
		return outcomeDeadLettered
	}

	deliveries.WithLabelValues(label, outcomeSent).Inc()
	if !event.CreatedAt.IsZero() {
		deliveryLag.WithLabelValues(label).Observe(max(w.cfg.now().Sub(event.CreatedAt).Seconds(), 0))
	}
	if err := w.repo.MarkSent(ctx, event.ID); err != nil {
		// Событие уйдёт повторно на следующем цикле; потребители идемпотентны.
		entry.WithError(err).Warn("failed to mark outbox message as sent")
	}
	return outcomeSent
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage, label string) error {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.maxAttempts; attempt++ {
		lastErr = w.publisher.Publish(ctx, event)
		if lastErr == nil {
			publishAttempts.WithLabelValues(label, "ok").Inc()
			return nil
		}
		publishAttempts.WithLabelValues(label, "error").Inc()
		if attempt == w.cfg.maxAttempts {
			break
		}

		if delay := w.retryBackoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("%w: %d attempts: %w", domain.ErrOutboxPublish, w.cfg.maxAttempts, lastErr)
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.cfg.logger.WithError(err).Debug("failed to collect outbox backlog stats")
		return
	}

	pendingRecords.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	oldestPendingAge.Set(max(w.cfg.now().Sub(stats.OldestPendingAt).Seconds(), 0))
}

// retryBackoff удваивает базовую задержку на каждую попытку, не выше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.cfg.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.cfg.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// deadLetter — конверт события в DLQ. dlq-reprocess извлекает из него исходное событие.
type deadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	OrderID       string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	PublishError  string          `json:"publish_error"`
	FailedAt      string          `json:"failed_at"`
}

func (w *Worker) publishToDLQ(ctx context.Context, event domain.OutboxMessage, publishErr error) error {
	if w.cfg.dlq == nil {
		return nil
	}

	payload, err := json.Marshal(deadLetter{
		OutboxID:      event.ID,
		AggregateType: event.AggregateType,
		OrderID:       event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		Attempts:      w.cfg.maxAttempts,
		PublishError:  publishErr.Error(),
		FailedAt:      w.cfg.now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	dlqEvent := event
	dlqEvent.Payload = payload
	if err := w.cfg.dlq.Publish(ctx, dlqEvent); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
