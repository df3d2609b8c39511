package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/lifecycle"
)

// PaymentOutcomeProcessor применяет исход оплаты к заказу. Запоздавший отказ для
// оплаченного заказа процессор игнорирует сам.
type PaymentOutcomeProcessor interface {
	HandlePaymentOutcome(ctx context.Context, orderID string, success bool) (domain.Order, error)
}

// NewPaymentOutcomeHandler возвращает обработчик topic с исходами оплаты.
// Повторная доставка безопасна: подтверждение и отмена идемпотентны.
func NewPaymentOutcomeHandler(processor PaymentOutcomeProcessor, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "payment-outcome-consumer")
	}

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParsePaymentOutcome(message.Value)
		if err != nil {
			return Permanent(err)
		}

		entry := logger.WithFields(log.Fields{
			"event_id": event.EventID,
			"order_id": event.OrderID,
			"result":   event.Result,
		})

		order, err := processor.HandlePaymentOutcome(ctx, event.OrderID, event.Succeeded())
		if err != nil {
			if errors.Is(err, lifecycle.ErrReconciliationRequired) {
				// Заказ уже отменён компенсацией, событие обработано.
				entry.WithError(err).Error("payment outcome required reconciliation")
				return nil
			}
			return classify(err)
		}

		entry.WithField("status", order.Status).Info("payment outcome applied")
		return nil
	}
}

func classify(err error) error {
	if errors.Is(err, domain.ErrOrderNotFound) ||
		errors.Is(err, domain.ErrOrderIDRequired) ||
		domain.IsInvariantViolation(err) {
		return Permanent(err)
	}
	return err
}
