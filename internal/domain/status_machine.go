package domain

import (
	"fmt"
	"sort"
)

// Таблица допустимых переходов статуса заказа.
// Отсутствие статуса-ключа или пустое множество означает терминальный статус.
var orderTransitions = map[OrderStatus]map[OrderStatus]struct{}{
	OrderStatusPending: {
		OrderStatusPaid:       {},
		OrderStatusProcessing: {},
		OrderStatusCanceled:   {},
	},
	OrderStatusPaid: {
		OrderStatusProcessing: {},
		OrderStatusCanceled:   {},
		OrderStatusRefunded:   {},
	},
	OrderStatusProcessing: {
		OrderStatusShipped:  {},
		OrderStatusCanceled: {},
		OrderStatusRefunded: {},
	},
	OrderStatusShipped: {
		OrderStatusDelivered: {},
		OrderStatusReturned:  {},
		OrderStatusCompleted: {},
	},
	OrderStatusDelivered: {
		OrderStatusCompleted: {},
		OrderStatusReturned:  {},
	},
	OrderStatusCompleted: {
		OrderStatusReturned: {},
	},
	OrderStatusCanceled: {},
	OrderStatusRefunded: {},
	OrderStatusReturned: {},
}

// AllOrderStatuses возвращает все известные статусы в порядке жизненного цикла.
func AllOrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusPaid,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusCompleted,
		OrderStatusCanceled,
		OrderStatusRefunded,
		OrderStatusReturned,
	}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// IsTerminal сообщает, что из статуса нет исходящих переходов.
func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && len(orderTransitions[s]) == 0
}

// InvalidTransitionError — попытка недопустимого перехода статуса заказа.
type InvalidTransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order status transition %s -> %s", e.From, e.To)
}

// Is позволяет сравнивать ошибку с ErrInvalidTransition через errors.Is.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// CanTransition сообщает, разрешён ли переход from -> to.
func CanTransition(from, to OrderStatus) bool {
	_, ok := orderTransitions[from][to]
	return ok
}

// Transition валидирует переход статуса. Функция чистая: сохранение и побочные
// эффекты выполняет координатор только после успешной проверки.
func Transition(from, to OrderStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// ValidNextStatuses возвращает допустимые целевые статусы в детерминированном порядке.
func ValidNextStatuses(from OrderStatus) []OrderStatus {
	next := orderTransitions[from]
	result := make([]OrderStatus, 0, len(next))
	for status := range next {
		result = append(result, status)
	}
	sort.Slice(result, func(i, j int) bool {
		return statusRank(result[i]) < statusRank(result[j])
	})
	return result
}

func statusRank(s OrderStatus) int {
	for idx, status := range AllOrderStatuses() {
		if status == s {
			return idx
		}
	}
	return len(orderTransitions)
}
