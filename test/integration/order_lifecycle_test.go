package integration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/outbox"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/reservation"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/storage/memory"
)

const hold = 15 * time.Minute

// Общее время для хранилища резервов, координатора и sweeper.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []domain.OutboxMessage
}

func (p *capturingPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *capturingPublisher) eventTypes(orderID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []string
	for _, event := range p.events {
		if event.AggregateID == orderID {
			types = append(types, event.EventType)
		}
	}
	return types
}

// OrderLifecycleTestSuite прогоняет заказ через оформление, оплату, исполнение и отмену
// на in-memory хранилищах.
type OrderLifecycleTestSuite struct {
	suite.Suite
	clock       *manualClock
	coordinator *lifecycle.Coordinator
	stock       *memory.ReservationStore
	ledger      *memory.Ledger
	sweeper     *reservation.SweepWorker
	outbox      *outbox.Worker
	published   *capturingPublisher
	onPayment   kafka.MessageHandler
}

func TestOrderLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}

func (suite *OrderLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	suite.clock = &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	suite.stock = memory.NewReservationStore(
		memory.WithClock(suite.clock.Now),
		memory.WithStock(map[string]int64{"laptop-pro": 3, "mouse-wireless": 10}),
	)
	suite.ledger = memory.NewLedger()
	outboxRepo := memory.NewOutboxRepository()

	instruments := memory.NewInstrumentRepository(domain.DiscountInstrument{
		ID:         "coupon-spring",
		Type:       domain.TransactionTypeCouponUsage,
		Code:       "SPRING10",
		Active:     true,
		PercentOff: 10,
	})

	coordinator, err := lifecycle.NewCoordinator(lifecycle.Dependencies{
		Orders:       memory.NewOrderRepository(),
		Reservations: suite.stock,
		Ledger:       suite.ledger,
		Instruments:  instruments,
		Outbox:       outboxRepo,
		Timeline:     memory.NewTimelineRepository(),
	},
		lifecycle.WithLogger(logger),
		lifecycle.WithReservationHold(hold),
		lifecycle.WithClock(suite.clock.Now),
	)
	require.NoError(suite.T(), err)
	suite.coordinator = coordinator

	suite.sweeper = reservation.NewSweepWorker(suite.stock,
		reservation.WithLogger(logger),
		reservation.WithClock(suite.clock.Now),
		reservation.WithLock(reservation.NewLocalLock()),
	)

	suite.published = &capturingPublisher{}
	suite.outbox = outbox.NewWorker(outboxRepo, suite.published, outbox.WithLogger(logger))
	suite.onPayment = kafka.NewPaymentOutcomeHandler(coordinator, logger)
}

func (suite *OrderLifecycleTestSuite) checkout(key string, instruments ...lifecycle.InstrumentRef) domain.Order {
	result, err := suite.coordinator.Checkout(context.Background(), lifecycle.CheckoutRequest{
		CheckoutKey: key,
		CustomerID:  "customer-123",
		Currency:    "USD",
		Lines: []lifecycle.CheckoutLine{
			{VariantID: "laptop-pro", Qty: 1, PriceMinor: 199900},
			{VariantID: "mouse-wireless", Qty: 2, PriceMinor: 4999},
		},
		Instruments: instruments,
	})
	require.NoError(suite.T(), err)
	require.False(suite.T(), result.Replay)
	return result.Order
}

func (suite *OrderLifecycleTestSuite) deliverPayment(orderID string, result kafka.PaymentResult) error {
	raw, err := json.Marshal(kafka.PaymentOutcomeEvent{
		EventID:    "evt-" + orderID + "-" + string(result),
		OrderID:    orderID,
		Result:     result,
		OccurredAt: suite.clock.Now(),
	})
	require.NoError(suite.T(), err)
	return suite.onPayment(context.Background(), &sarama.ConsumerMessage{
		Topic: kafka.TopicPaymentOutcomes,
		Key:   []byte(orderID),
		Value: raw,
	})
}

func (suite *OrderLifecycleTestSuite) requireStock(variantID string, onHand, reserved int64) {
	level, err := suite.stock.Stock(context.Background(), variantID)
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), onHand, level.OnHand, "on hand for %s", variantID)
	require.Equal(suite.T(), reserved, level.Reserved, "reserved for %s", variantID)
}

func (suite *OrderLifecycleTestSuite) requireLedger(orderID string, status domain.LedgerStatus) {
	entries, err := suite.ledger.ListByOrder(context.Background(), orderID)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), entries, 1)
	require.Equal(suite.T(), status, entries[0].Status)
}

func (suite *OrderLifecycleTestSuite) TestSuccessfulOrderLifecycle() {
	ctx := context.Background()

	order := suite.checkout("checkout-success", lifecycle.InstrumentRef{
		Type: domain.TransactionTypeCouponUsage,
		Code: "SPRING10",
	})
	require.Equal(suite.T(), domain.OrderStatusPending, order.Status)
	require.Equal(suite.T(), int64(209898), order.SubtotalMinor)
	require.Equal(suite.T(), int64(20989), order.DiscountMinor)
	require.Equal(suite.T(), int64(188909), order.TotalMinor)
	suite.requireStock("laptop-pro", 3, 1)
	suite.requireStock("mouse-wireless", 10, 2)
	suite.requireLedger(order.ID, domain.LedgerStatusReserved)

	require.NoError(suite.T(), suite.deliverPayment(order.ID, kafka.PaymentSucceeded))

	paid, err := suite.coordinator.GetOrder(ctx, order.ID)
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), domain.OrderStatusPaid, paid.Status)
	suite.requireStock("laptop-pro", 2, 0)
	suite.requireStock("mouse-wireless", 8, 0)
	suite.requireLedger(order.ID, domain.LedgerStatusCompleted)

	// Повторная доставка исхода не меняет заказ.
	require.NoError(suite.T(), suite.deliverPayment(order.ID, kafka.PaymentSucceeded))
	// Запоздавший отказ игнорируется.
	require.NoError(suite.T(), suite.deliverPayment(order.ID, kafka.PaymentFailed))

	for _, next := range []domain.OrderStatus{
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
		domain.OrderStatusCompleted,
	} {
		updated, err := suite.coordinator.Transition(ctx, order.ID, next)
		require.NoError(suite.T(), err)
		require.Equal(suite.T(), next, updated.Status)
	}

	timeline, err := suite.coordinator.Timeline(ctx, order.ID)
	require.NoError(suite.T(), err)
	statuses := make([]domain.OrderStatus, 0, len(timeline))
	for _, event := range timeline {
		statuses = append(statuses, event.Status)
	}
	require.Equal(suite.T(), []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusPaid,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
		domain.OrderStatusCompleted,
	}, statuses)

	result := suite.outbox.ProcessOnce(ctx)
	require.Equal(suite.T(), 0, result.Failed)
	types := suite.published.eventTypes(order.ID)
	require.Contains(suite.T(), types, lifecycle.EventOrderCreated)
	require.Contains(suite.T(), types, lifecycle.EventOrderStatusChanged)
}

func (suite *OrderLifecycleTestSuite) TestCheckoutReplayReturnsSameOrder() {
	first := suite.checkout("checkout-replay")

	replay, err := suite.coordinator.Checkout(context.Background(), lifecycle.CheckoutRequest{
		CheckoutKey: "checkout-replay",
		CustomerID:  "customer-123",
		Currency:    "USD",
		Lines: []lifecycle.CheckoutLine{
			{VariantID: "laptop-pro", Qty: 1, PriceMinor: 199900},
			{VariantID: "mouse-wireless", Qty: 2, PriceMinor: 4999},
		},
	})
	require.NoError(suite.T(), err)
	require.True(suite.T(), replay.Replay)
	require.Equal(suite.T(), first.ID, replay.Order.ID)
	require.Equal(suite.T(), lifecycle.OrderIDForCheckout("checkout-replay"), first.ID)
	suite.requireStock("laptop-pro", 3, 1)
}

func (suite *OrderLifecycleTestSuite) TestPaymentFailureReleasesHolds() {
	order := suite.checkout("checkout-failed-payment", lifecycle.InstrumentRef{
		Type: domain.TransactionTypeCouponUsage,
		Code: "SPRING10",
	})

	require.NoError(suite.T(), suite.deliverPayment(order.ID, kafka.PaymentFailed))

	canceled, err := suite.coordinator.GetOrder(context.Background(), order.ID)
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), domain.OrderStatusCanceled, canceled.Status)
	suite.requireStock("laptop-pro", 3, 0)
	suite.requireStock("mouse-wireless", 10, 0)
	suite.requireLedger(order.ID, domain.LedgerStatusCancelled)

	// Успех после отмены не обработать, сообщение уходит в DLQ.
	err = suite.deliverPayment(order.ID, kafka.PaymentSucceeded)
	require.Error(suite.T(), err)
	require.True(suite.T(), kafka.IsPermanent(err))
}

func (suite *OrderLifecycleTestSuite) TestExpiredHoldsForceReconciliation() {
	ctx := context.Background()
	order := suite.checkout("checkout-expired")

	suite.clock.Advance(hold + time.Minute)
	result, err := suite.sweeper.RunOnce(ctx)
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), 2, result.Expired)
	suite.requireStock("laptop-pro", 3, 0)

	_, err = suite.coordinator.ConfirmPayment(ctx, order.ID)
	require.ErrorIs(suite.T(), err, lifecycle.ErrReconciliationRequired)

	reconciled, err := suite.coordinator.GetOrder(ctx, order.ID)
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), domain.OrderStatusCanceled, reconciled.Status)
	suite.requireStock("laptop-pro", 3, 0)

	suite.outbox.ProcessOnce(ctx)
	require.Contains(suite.T(), suite.published.eventTypes(order.ID), lifecycle.EventOrderReconciliationRequired)
}

func (suite *OrderLifecycleTestSuite) TestInsufficientStockLeavesNoHolds() {
	_, err := suite.coordinator.Checkout(context.Background(), lifecycle.CheckoutRequest{
		CheckoutKey: "checkout-too-many",
		CustomerID:  "customer-123",
		Currency:    "USD",
		Lines: []lifecycle.CheckoutLine{
			{VariantID: "mouse-wireless", Qty: 1, PriceMinor: 4999},
			{VariantID: "laptop-pro", Qty: 5, PriceMinor: 199900},
		},
	})
	require.ErrorIs(suite.T(), err, domain.ErrInsufficientStock)
	suite.requireStock("mouse-wireless", 10, 0)
	suite.requireStock("laptop-pro", 3, 0)

	_, err = suite.coordinator.GetOrder(context.Background(), lifecycle.OrderIDForCheckout("checkout-too-many"))
	require.ErrorIs(suite.T(), err, domain.ErrOrderNotFound)
}
