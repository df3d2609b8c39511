// Package lifecycle связывает машину статусов заказа, резервы остатков и журнал
// дисконтных инструментов в операции оформления, оплаты и отмены.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/metrics"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/discount"
)

// Dependencies — хранилища, с которыми работает координатор.
// Orders, Reservations и Ledger обязательны.
type Dependencies struct {
	Orders       domain.OrderRepository
	Reservations domain.ReservationStore
	Ledger       domain.Ledger
	Instruments  domain.InstrumentRepository
	Calculator   domain.DiscountCalculator
	Outbox       domain.OutboxRepository
	Timeline     domain.TimelineRepository
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics включает метрики жизненного цикла.
func WithMetrics(m *metrics.LifecycleMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithRetryConfig задаёт политику повторов вызовов хранилища.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Coordinator) {
		c.retry = cfg.normalized()
	}
}

// WithReservationHold задаёт окно удержания товара при оформлении.
func WithReservationHold(hold time.Duration) Option {
	return func(c *Coordinator) {
		if hold > 0 {
			c.hold = hold
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator выполняет операции жизненного цикла заказа. Сам он состояния не хранит
// и блокировок не держит: атомарность обеспечивают условные обновления хранилищ.
type Coordinator struct {
	orders       domain.OrderRepository
	reservations domain.ReservationStore
	ledger       domain.Ledger
	instruments  domain.InstrumentRepository
	calculator   domain.DiscountCalculator
	outbox       domain.OutboxRepository
	timeline     domain.TimelineRepository

	logger  *log.Entry
	metrics *metrics.LifecycleMetrics
	retry   RetryConfig
	hold    time.Duration
	now     func() time.Time
}

// NewCoordinator создаёт координатор.
func NewCoordinator(deps Dependencies, opts ...Option) (*Coordinator, error) {
	switch {
	case deps.Orders == nil:
		return nil, fmt.Errorf("%w: orders", ErrMissingDependency)
	case deps.Reservations == nil:
		return nil, fmt.Errorf("%w: reservations", ErrMissingDependency)
	case deps.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger", ErrMissingDependency)
	}

	c := &Coordinator{
		orders:       deps.Orders,
		reservations: deps.Reservations,
		ledger:       deps.Ledger,
		instruments:  deps.Instruments,
		calculator:   deps.Calculator,
		outbox:       deps.Outbox,
		timeline:     deps.Timeline,
		logger:       log.New().WithField("component", "lifecycle"),
		retry:        DefaultRetryConfig(),
		hold:         domain.DefaultReservationHold,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if c.calculator == nil {
		c.calculator = discount.NewCalculator()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetOrder возвращает заказ по идентификатору.
func (c *Coordinator) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return c.loadOrder(ctx, orderID)
}

// Timeline возвращает события жизненного цикла заказа.
func (c *Coordinator) Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if _, err := c.loadOrder(ctx, orderID); err != nil {
		return nil, err
	}
	if c.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}
	return retryValue(ctx, c, "list_timeline", func(ctx context.Context) ([]domain.TimelineEvent, error) {
		return c.timeline.List(ctx, orderID)
	})
}

func (c *Coordinator) loadOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	return retryValue(ctx, c, "get_order", func(ctx context.Context) (domain.Order, error) {
		return c.orders.Get(ctx, orderID)
	})
}

func (c *Coordinator) observeStep(step domain.LifecycleStep, started time.Time) {
	if c.metrics != nil {
		c.metrics.RecordStepDuration(string(step), time.Since(started))
	}
}

func (c *Coordinator) operationStarted() func() {
	if c.metrics == nil {
		return func() {}
	}
	c.metrics.OperationStarted()
	return c.metrics.OperationFinished
}
