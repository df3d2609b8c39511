package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "oms.order.events"
	TopicPaymentOutcomes = "oms.payment.outcomes"
	TopicDeadLetterQueue = "oms.dlq"
)

// Kafka headers
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// PaymentResult — исход оплаты, приходящий от платёжного провайдера.
type PaymentResult string

const (
	PaymentSucceeded PaymentResult = "succeeded"
	PaymentFailed    PaymentResult = "failed"
)

// PaymentOutcomeEvent — входящее событие об исходе оплаты заказа.
type PaymentOutcomeEvent struct {
	EventID    string        `json:"event_id" validate:"required"`
	OrderID    string        `json:"order_id" validate:"required"`
	Result     PaymentResult `json:"result" validate:"required,oneof=succeeded failed"`
	Reason     string        `json:"reason,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Succeeded сообщает, что оплата прошла.
func (e PaymentOutcomeEvent) Succeeded() bool {
	return e.Result == PaymentSucceeded
}

// OrderEventEnvelope — конверт события заказа, публикуемого из outbox.
type OrderEventEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParsePaymentOutcome разбирает и валидирует событие об исходе оплаты.
func ParsePaymentOutcome(data []byte) (PaymentOutcomeEvent, error) {
	var event PaymentOutcomeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return PaymentOutcomeEvent{}, fmt.Errorf("unmarshal payment outcome: %w", err)
	}
	event.Result = PaymentResult(strings.ToLower(strings.TrimSpace(string(event.Result))))
	if err := validate.Struct(event); err != nil {
		return PaymentOutcomeEvent{}, fmt.Errorf("invalid payment outcome: %w", err)
	}
	return event, nil
}

// ParseOrderEvent разбирает конверт события заказа.
func ParseOrderEvent(data []byte) (OrderEventEnvelope, error) {
	var envelope OrderEventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return OrderEventEnvelope{}, fmt.Errorf("unmarshal order event: %w", err)
	}
	return envelope, nil
}
