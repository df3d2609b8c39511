package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Метки исхода операций координатора.
const (
	OutcomeSuccess        = "success"
	OutcomeReplay         = "replay"
	OutcomeFailed         = "failed"
	OutcomeReconciliation = "reconciliation"
)

// LifecycleMetrics содержит метрики жизненного цикла заказа.
type LifecycleMetrics struct {
	// checkouts размечен исходом: success, replay или код CheckoutError.
	checkouts     *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	cancellations *prometheus.CounterVec
	transitions   *prometheus.CounterVec

	stepDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	inFlight prometheus.Gauge
}

// NewLifecycleMetrics регистрирует метрики в registerer (nil означает глобальный реестр).
// Повторная регистрация возвращает уже существующие коллекторы.
func NewLifecycleMetrics(registerer prometheus.Registerer) *LifecycleMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &LifecycleMetrics{
		checkouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_checkout_total",
			Help: "Checkout attempts by outcome",
		}, []string{"outcome"}),
		confirmations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_payment_confirm_total",
			Help: "Payment confirmations by outcome",
		}, []string{"outcome"}),
		cancellations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_order_cancel_total",
			Help: "Order cancellations by outcome",
		}, []string{"outcome"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_order_status_transitions_total",
			Help: "Persisted order status transitions",
		}, []string{"to"}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "oms_lifecycle_step_duration_seconds",
			Help:    "Duration of individual lifecycle steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		retries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_lifecycle_retries_total",
			Help: "Retried storage calls by operation",
		}, []string{"operation"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "oms_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "oms_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "oms_lifecycle_in_flight",
			Help: "Number of lifecycle operations currently running",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordCheckout учитывает исход оформления.
func (m *LifecycleMetrics) RecordCheckout(outcome string) {
	m.checkouts.WithLabelValues(outcome).Inc()
}

// RecordConfirmation учитывает исход подтверждения оплаты.
func (m *LifecycleMetrics) RecordConfirmation(outcome string) {
	m.confirmations.WithLabelValues(outcome).Inc()
}

// RecordCancellation учитывает исход отмены.
func (m *LifecycleMetrics) RecordCancellation(outcome string) {
	m.cancellations.WithLabelValues(outcome).Inc()
}

// RecordTransition учитывает сохранённый переход статуса.
func (m *LifecycleMetrics) RecordTransition(to string) {
	m.transitions.WithLabelValues(to).Inc()
}

// RecordStepDuration записывает время выполнения шага.
func (m *LifecycleMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordRetry учитывает повтор вызова хранилища.
func (m *LifecycleMetrics) RecordRetry(operation string) {
	m.retries.WithLabelValues(operation).Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *LifecycleMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *LifecycleMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}

// OperationStarted увеличивает число выполняющихся операций.
func (m *LifecycleMetrics) OperationStarted() {
	m.inFlight.Inc()
}

// OperationFinished уменьшает число выполняющихся операций.
func (m *LifecycleMetrics) OperationFinished() {
	m.inFlight.Dec()
}
