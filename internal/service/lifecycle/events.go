package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

// Типы событий, публикуемых через outbox и попадающих в timeline.
const (
	EventOrderCreated                = "OrderCreated"
	EventOrderStatusChanged          = "OrderStatusChanged"
	EventOrderReconciliationRequired = "OrderReconciliationRequired"
)

// AggregateOrder — тип агрегата для сообщений outbox.
const AggregateOrder = "order"

// updateStatus переводит заказ в статус to с проверкой машиной статусов.
// Конфликт версий приводит к перечитыванию заказа и повтору с экспоненциальной задержкой.
// Если за это время заказ ушёл из исходного статуса не в to, возвращается ErrOrderChanged:
// побочные эффекты вызывающего рассчитаны на прежний статус.
func (c *Coordinator) updateStatus(ctx context.Context, order *domain.Order, to domain.OrderStatus, reason string) error {
	if order.Status == to {
		return nil
	}
	origin := order.Status

	delay := c.retry.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := domain.Transition(order.Status, to); err != nil {
			return err
		}

		next := *order
		next.Status = to
		next.UpdatedAt = c.now()

		err := c.orders.Save(ctx, next)
		if err == nil {
			next.Version = order.Version + 1
			from := order.Status
			*order = next
			if c.metrics != nil {
				c.metrics.RecordTransition(string(to))
			}
			c.emitEvent(ctx, *order, EventOrderStatusChanged, reason, map[string]any{
				"from": string(from),
			})
			return nil
		}

		conflict := domain.IsVersionConflict(err)
		if !conflict && !isTransient(err) {
			c.logger.WithError(err).WithField("order_id", order.ID).Error("failed to persist status")
			return err
		}
		lastErr = err
		if attempt == c.retry.MaxAttempts {
			break
		}

		c.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"attempt":  attempt,
			"version":  order.Version,
		}).Warn("status update failed, retrying")
		if c.metrics != nil {
			c.metrics.RecordRetry("update_status")
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay = c.retry.next(delay)

		if conflict {
			fresh, loadErr := c.orders.Get(ctx, order.ID)
			if loadErr != nil {
				c.logger.WithError(loadErr).WithField("order_id", order.ID).Error("failed to reload order after conflict")
				return loadErr
			}
			*order = fresh
			if fresh.Status == to {
				return nil
			}
			if fresh.Status != origin {
				return fmt.Errorf("%w: order %s moved from %s to %s", ErrOrderChanged, order.ID, origin, fresh.Status)
			}
		}
	}

	return fmt.Errorf("%w: update order %s: %w", ErrTransient, order.ID, lastErr)
}

// emitEvent кладёт событие в outbox и timeline. Ошибки не прерывают операцию:
// состояние заказа уже сохранено.
func (c *Coordinator) emitEvent(ctx context.Context, order domain.Order, eventType, reason string, extra map[string]any) {
	occurred := order.UpdatedAt
	if occurred.IsZero() {
		occurred = c.now()
	}

	payload := map[string]any{
		"order_id":    order.ID,
		"status":      string(order.Status),
		"total_minor": order.TotalMinor,
		"currency":    order.Currency,
		"ts":          occurred.Format(time.RFC3339Nano),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	for k, v := range extra {
		payload[k] = v
	}

	logger := c.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"event":    eventType,
	})

	if c.outbox != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			logger.WithError(err).Error("marshal event failed")
		} else {
			msg := domain.OutboxMessage{
				AggregateType: AggregateOrder,
				AggregateID:   order.ID,
				EventType:     eventType,
				Payload:       data,
				CreatedAt:     occurred,
			}
			if _, err := c.outbox.Enqueue(ctx, msg); err != nil {
				logger.WithError(err).Error("enqueue event failed")
			} else if c.metrics != nil {
				c.metrics.RecordOutboxEvent()
			}
		}
	}

	if c.timeline != nil {
		event := domain.TimelineEvent{
			OrderID:  order.ID,
			Type:     eventType,
			Status:   order.Status,
			Reason:   reason,
			Occurred: occurred,
		}
		if err := c.timeline.Append(ctx, event); err != nil {
			logger.WithError(err).Warn("append timeline event failed")
		} else if c.metrics != nil {
			c.metrics.RecordTimelineEvent()
		}
	}
}

// logFailure пишет нарушения порядка вызовов и сбои хранилища на уровне error, остальное на warn.
func (c *Coordinator) logFailure(logger *log.Entry, err error, msg string) {
	if domain.IsInvariantViolation(err) || errors.Is(err, ErrTransient) {
		logger.WithError(err).Error(msg)
		return
	}
	logger.WithError(err).Warn(msg)
}
