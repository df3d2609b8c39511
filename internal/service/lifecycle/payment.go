package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/metrics"
)

// Причины смены статуса, попадающие в timeline.
const (
	ReasonPaymentConfirmed = "payment confirmed"
	ReasonPaymentFailed    = "payment failed"
	ReasonReconciliation   = "payment confirmation failed, reconciliation required"
	ReasonOperatorCancel   = "canceled by operator"
)

// ConfirmPayment фиксирует резервы, завершает записи журнала и переводит заказ в paid.
// Повтор для уже оплаченного заказа возвращает его без изменений.
func (c *Coordinator) ConfirmPayment(ctx context.Context, orderID string) (domain.Order, error) {
	defer c.operationStarted()()
	logger := c.logger.WithField("order_id", orderID)

	order, err := c.loadOrder(ctx, orderID)
	if err != nil {
		c.recordConfirmation(metrics.OutcomeFailed)
		return domain.Order{}, err
	}
	if order.Status == domain.OrderStatusPaid {
		logger.Debug("order already paid")
		c.recordConfirmation(metrics.OutcomeReplay)
		return order, nil
	}
	if err := domain.Transition(order.Status, domain.OrderStatusPaid); err != nil {
		logger.WithError(err).WithField("status", order.Status).Error("payment confirmation rejected")
		c.recordConfirmation(metrics.OutcomeFailed)
		return order, err
	}

	started := time.Now()
	if err := c.commitHolds(ctx, order); err != nil {
		return c.reconcile(ctx, order, err)
	}
	c.observeStep(domain.LifecycleStepCommit, started)

	if err := c.settleLedger(ctx, order.ID, domain.LedgerStatusCompleted, map[string]string{"reason": ReasonPaymentConfirmed}); err != nil {
		return c.reconcile(ctx, order, err)
	}

	started = time.Now()
	if err := c.updateStatus(ctx, &order, domain.OrderStatusPaid, ReasonPaymentConfirmed); err != nil {
		// Резервы и журнал уже зафиксированы идемпотентно, повтор вызова доведёт заказ до paid.
		c.logFailure(logger, err, "persist paid status failed")
		c.recordConfirmation(metrics.OutcomeFailed)
		return order, err
	}
	c.observeStep(domain.LifecycleStepConfirm, started)

	logger.WithField("total_minor", order.TotalMinor).Info("payment confirmed")
	c.recordConfirmation(metrics.OutcomeSuccess)
	return order, nil
}

// Cancel отменяет заказ: снимает удержания и переводит записи журнала в cancelled.
// Повтор для уже отменённого заказа возвращает его без изменений.
func (c *Coordinator) Cancel(ctx context.Context, orderID, reason string) (domain.Order, error) {
	return c.cancel(ctx, orderID, reason, false)
}

// HandlePaymentOutcome применяет результат оплаты от платёжной интеграции.
// Отказ учитывается только для заказа в pending: запоздавшее событие не отменяет
// заказ, который уже оплачен или исполняется.
func (c *Coordinator) HandlePaymentOutcome(ctx context.Context, orderID string, success bool) (domain.Order, error) {
	if success {
		return c.ConfirmPayment(ctx, orderID)
	}
	return c.cancel(ctx, orderID, ReasonPaymentFailed, true)
}

func (c *Coordinator) cancel(ctx context.Context, orderID, reason string, pendingOnly bool) (domain.Order, error) {
	defer c.operationStarted()()
	logger := c.logger.WithField("order_id", orderID)

	order, err := c.loadOrder(ctx, orderID)
	if err != nil {
		c.recordCancellation(metrics.OutcomeFailed)
		return domain.Order{}, err
	}
	if order.Status == domain.OrderStatusCanceled {
		logger.Debug("order already canceled")
		c.recordCancellation(metrics.OutcomeReplay)
		return order, nil
	}
	if pendingOnly && order.Status != domain.OrderStatusPending {
		logger.WithField("status", order.Status).Warn("stale payment failure ignored")
		c.recordCancellation(metrics.OutcomeReplay)
		return order, nil
	}
	if err := domain.Transition(order.Status, domain.OrderStatusCanceled); err != nil {
		logger.WithError(err).WithField("status", order.Status).Error("cancel rejected")
		c.recordCancellation(metrics.OutcomeFailed)
		return order, err
	}

	started := time.Now()
	audit := map[string]string{}
	if reason != "" {
		audit["reason"] = reason
	}
	// У заказа в pending зафиксированное удержание означает параллельное подтверждение оплаты.
	errs := c.releaseHolds(ctx, order, order.Status == domain.OrderStatusPending)
	if errors.Is(errs, ErrOrderChanged) {
		logger.WithError(errs).Warn("cancel lost to concurrent payment confirmation")
		c.recordCancellation(metrics.OutcomeFailed)
		return order, errs
	}
	errs = multierr.Append(errs, c.settleLedger(ctx, order.ID, domain.LedgerStatusCancelled, audit))
	if errs != nil {
		// Статус не меняем: снятие удержаний идемпотентно, вызов можно повторить.
		c.logFailure(logger, errs, "cancel side effects incomplete")
		c.recordCancellation(metrics.OutcomeFailed)
		return order, fmt.Errorf("cancel order %s: %w", order.ID, errs)
	}
	c.observeStep(domain.LifecycleStepCancel, started)

	if err := c.updateStatus(ctx, &order, domain.OrderStatusCanceled, reason); err != nil {
		c.logFailure(logger, err, "persist canceled status failed")
		c.recordCancellation(metrics.OutcomeFailed)
		return order, err
	}

	logger.WithField("reason", reason).Info("order canceled")
	c.recordCancellation(metrics.OutcomeSuccess)
	return order, nil
}

// Transition выполняет переход статуса по машине статусов. Переходы в paid и canceled
// идут через ConfirmPayment и Cancel, остальные (исполнение, возвраты) не трогают
// ни резервы, ни журнал.
func (c *Coordinator) Transition(ctx context.Context, orderID string, to domain.OrderStatus) (domain.Order, error) {
	switch to {
	case domain.OrderStatusPaid:
		return c.ConfirmPayment(ctx, orderID)
	case domain.OrderStatusCanceled:
		return c.Cancel(ctx, orderID, ReasonOperatorCancel)
	}
	if !to.Valid() {
		return domain.Order{}, domain.ErrOrderStatusInvalid
	}

	defer c.operationStarted()()
	logger := c.logger.WithFields(log.Fields{"order_id": orderID, "to": to})

	order, err := c.loadOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := c.updateStatus(ctx, &order, to, ""); err != nil {
		c.logFailure(logger, err, "status transition failed")
		return order, err
	}
	logger.Info("order status changed")
	return order, nil
}

// commitHolds фиксирует все удержания заказа; останавливается на первой ошибке.
func (c *Coordinator) commitHolds(ctx context.Context, order domain.Order) error {
	for _, item := range order.Items {
		if item.ReservationID == "" {
			continue
		}
		if err := c.withRetry(ctx, "commit", func(ctx context.Context) error {
			return c.reservations.Commit(ctx, item.ReservationID)
		}); err != nil {
			return fmt.Errorf("commit reservation %s: %w", item.ReservationID, err)
		}
	}
	return nil
}

// releaseHolds снимает активные удержания заказа. Зафиксированные удержания остаются:
// остаток по ним уже списан. С failOnCommitted первое зафиксированное удержание
// прерывает обход с ErrOrderChanged. Удержания обходятся в том же порядке, что и
// в commitHolds, поэтому первое удержание решает, кто из двух вызовов победил.
func (c *Coordinator) releaseHolds(ctx context.Context, order domain.Order, failOnCommitted bool) error {
	var errs error
	for _, item := range order.Items {
		if item.ReservationID == "" {
			continue
		}
		err := c.withRetry(ctx, "release", func(ctx context.Context) error {
			return c.reservations.Release(ctx, item.ReservationID)
		})
		var notActive *domain.ReservationNotActiveError
		if failOnCommitted && errors.As(err, &notActive) && notActive.Status == domain.ReservationStatusCommitted {
			return multierr.Append(errs, fmt.Errorf("%w: reservation %s already committed", ErrOrderChanged, item.ReservationID))
		}
		if errors.Is(err, domain.ErrReservationNotActive) {
			c.logger.WithFields(log.Fields{
				"order_id":       order.ID,
				"reservation_id": item.ReservationID,
			}).Debug("reservation already committed, skipping release")
			continue
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

// settleLedger продвигает записи журнала заказа в статус to. Записи, уже находящиеся
// в терминальном статусе, пропускаются.
func (c *Coordinator) settleLedger(ctx context.Context, orderID string, to domain.LedgerStatus, audit map[string]string) error {
	entries, err := retryValue(ctx, c, "ledger_list", func(ctx context.Context) ([]domain.TransactionLogEntry, error) {
		return c.ledger.ListByOrder(ctx, orderID)
	})
	if err != nil {
		return err
	}

	var errs error
	for _, entry := range entries {
		if entry.Status.IsTerminal() {
			if entry.Status != to {
				c.logger.WithFields(log.Fields{
					"order_id": orderID,
					"entry_id": entry.ID,
					"status":   entry.Status,
					"target":   to,
				}).Debug("ledger entry already settled")
			}
			continue
		}
		_, err := retryValue(ctx, c, "ledger_advance", func(ctx context.Context) (domain.TransactionLogEntry, error) {
			return c.ledger.Advance(ctx, entry.ID, to, domain.AdvanceOptions{Audit: audit})
		})
		if errors.Is(err, domain.ErrInvalidLedgerTransition) && c.settledConcurrently(ctx, entry.ID, to) {
			continue
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

// settledConcurrently перечитывает запись, которую не удалось продвинуть, и сообщает,
// довёл ли её до нужного исхода конкурентный вызов. Для completed подходит только
// completed, для компенсации достаточно любого терминального статуса, кроме completed.
func (c *Coordinator) settledConcurrently(ctx context.Context, entryID string, to domain.LedgerStatus) bool {
	current, err := retryValue(ctx, c, "ledger_get", func(ctx context.Context) (domain.TransactionLogEntry, error) {
		return c.ledger.Get(ctx, entryID)
	})
	if err != nil {
		return false
	}
	settled := current.Status == to
	if to != domain.LedgerStatusCompleted {
		settled = current.Status.IsTerminal() && current.Status != domain.LedgerStatusCompleted
	}
	if settled {
		c.logger.WithFields(log.Fields{
			"entry_id": entryID,
			"status":   current.Status,
			"target":   to,
		}).Debug("ledger entry settled by concurrent call")
	}
	return settled
}

// reconcile откатывает частично подтверждённую оплату: снимает оставшиеся удержания,
// переводит записи журнала в failed, а заказ в canceled. Всегда возвращает
// ErrReconciliationRequired.
func (c *Coordinator) reconcile(ctx context.Context, order domain.Order, cause error) (domain.Order, error) {
	ctx = context.WithoutCancel(ctx)
	logger := c.logger.WithField("order_id", order.ID)

	// Конкурентное подтверждение могло уже довести заказ до paid: откатывать нечего.
	if fresh, err := c.orders.Get(ctx, order.ID); err == nil {
		if fresh.Status == domain.OrderStatusPaid {
			logger.WithError(cause).Warn("payment confirmation failed, order already paid by concurrent call")
			c.recordConfirmation(metrics.OutcomeReplay)
			return fresh, nil
		}
		order = fresh
	}
	logger.WithError(cause).Error("payment confirmation failed, order requires reconciliation")

	errs := multierr.Append(
		c.releaseHolds(ctx, order, false),
		c.settleLedger(ctx, order.ID, domain.LedgerStatusFailed, map[string]string{"reason": cause.Error()}),
	)
	if err := c.updateStatus(ctx, &order, domain.OrderStatusCanceled, ReasonReconciliation); err != nil {
		if order.Status == domain.OrderStatusPaid {
			logger.WithError(err).Warn("order paid by concurrent call during reconciliation")
			c.recordConfirmation(metrics.OutcomeReplay)
			return order, nil
		}
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		logger.WithError(errs).Error("reconciliation compensation incomplete")
	}

	c.emitEvent(ctx, order, EventOrderReconciliationRequired, cause.Error(), nil)
	c.recordConfirmation(metrics.OutcomeReconciliation)
	return order, fmt.Errorf("%w: order %s: %w", ErrReconciliationRequired, order.ID, cause)
}

func (c *Coordinator) recordConfirmation(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordConfirmation(outcome)
	}
}

func (c *Coordinator) recordCancellation(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordCancellation(outcome)
	}
}
