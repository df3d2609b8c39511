package domain

import "context"

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderAlreadyExists, если ID или CheckoutKey заняты.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// GetByCheckoutKey ищет заказ по ключу идемпотентности оформления.
	GetByCheckoutKey(ctx context.Context, checkoutKey string) (Order, error)
	// ListByCustomer возвращает заказы клиента с опциональным ограничением на количество.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(ctx context.Context, order Order) error
}

// InstrumentRepository — справочник дисконтных инструментов. Ядро только читает его,
// Upsert используется административным API.
type InstrumentRepository interface {
	GetByCode(ctx context.Context, t TransactionType, code string) (DiscountInstrument, error)
	Upsert(ctx context.Context, instrument DiscountInstrument) error
}
