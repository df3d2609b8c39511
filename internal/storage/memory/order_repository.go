package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

// In-memory реализация OrderRepository с уникальным checkout key.
type orderRepositoryInMemory struct {
	mu         sync.RWMutex
	items      map[string]domain.Order
	byCheckout map[string]string
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items:      make(map[string]domain.Order),
		byCheckout: make(map[string]string),
	}
}

// Create сохраняет новый заказ, если ни ID, ни CheckoutKey ещё не заняты.
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	if order.CheckoutKey != "" {
		if _, exists := r.byCheckout[order.CheckoutKey]; exists {
			return domain.ErrOrderAlreadyExists
		}
		r.byCheckout[order.CheckoutKey] = order.ID
	}
	r.items[order.ID] = cloneOrder(order)
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (r *orderRepositoryInMemory) GetByCheckoutKey(_ context.Context, checkoutKey string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byCheckout[checkoutKey]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(r.items[id]), nil
}

// ListByCustomer возвращает заказы клиента, ограничивая выборку limit (если >0).
func (r *orderRepositoryInMemory) ListByCustomer(_ context.Context, customerID string, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if order.CustomerID != customerID {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) Save(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}
	// CheckoutKey неизменяем после создания.
	order.CheckoutKey = current.CheckoutKey
	order.Version++
	r.items[order.ID] = cloneOrder(order)
	return nil
}

// cloneOrder отделяет слайс позиций от вызывающего кода.
func cloneOrder(order domain.Order) domain.Order {
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	return order
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
