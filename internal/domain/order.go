package domain

import "time"

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// Заказ создан при оформлении, товары удерживаются, оплаты ещё нет.
	OrderStatusPending OrderStatus = "pending"
	// Оплата подтверждена, резервы зафиксированы.
	OrderStatusPaid OrderStatus = "paid"
	// Заказ передан в обработку складу.
	OrderStatusProcessing OrderStatus = "processing"
	// Заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// Заказ вручён покупателю.
	OrderStatusDelivered OrderStatus = "delivered"
	// Заказ закрыт; возможен только возврат.
	OrderStatusCompleted OrderStatus = "completed"
	// Заказ отменён до исполнения.
	OrderStatusCanceled OrderStatus = "canceled"
	// Деньги возвращены клиенту.
	OrderStatusRefunded OrderStatus = "refunded"
	// Товар возвращён после исполнения.
	OrderStatusReturned OrderStatus = "returned"
)

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	// ID позиции нужен для однозначной идентификации и аудита.
	ID string
	// Идентификатор варианта товара, под который держится резерв.
	VariantID string
	// Количество единиц товара.
	Qty int32
	// Цена за единицу в минимальных денежных единицах (например, копейки).
	PriceMinor int64
	// Удержание остатка, созданное под эту позицию при оформлении.
	ReservationID string
	// CreatedAt фиксирует момент добавления позиции в заказ.
	CreatedAt time.Time
}

// Order агрегирует состояние заказа, его суммы и позиции.
type Order struct {
	ID         string
	CustomerID string // Пустой для гостевого заказа.
	Status     OrderStatus
	Currency   string

	SubtotalMinor int64
	DiscountMinor int64
	TaxMinor      int64
	ShippingMinor int64
	TotalMinor    int64

	ShippingAddressID string
	BillingAddressID  string
	CouponCode        string

	// Ключ идемпотентности попытки оформления, уникален среди заказов.
	CheckoutKey string

	Items     []OrderItem
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ComputeTotals пересчитывает subtotal и total по позициям и переданным суммам.
func (o *Order) ComputeTotals() {
	var subtotal int64
	for _, item := range o.Items {
		subtotal += int64(item.Qty) * item.PriceMinor
	}
	o.SubtotalMinor = subtotal
	o.TotalMinor = subtotal - o.DiscountMinor + o.TaxMinor + o.ShippingMinor
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrOrderStatusInvalid)
	}
	if o.DiscountMinor < 0 || o.TaxMinor < 0 || o.ShippingMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	// Сверяем subtotal с суммой позиций: qty * price.
	var calc int64
	for _, item := range o.Items {
		if item.VariantID == "" {
			errs = append(errs, ErrVariantRequired)
		}
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += int64(item.Qty) * item.PriceMinor
	}
	if calc != o.SubtotalMinor {
		errs = append(errs, ErrAmountMismatch)
	}
	if o.DiscountMinor > o.SubtotalMinor {
		errs = append(errs, ErrDiscountExceedsSubtotal)
	}
	if o.TotalMinor != o.SubtotalMinor-o.DiscountMinor+o.TaxMinor+o.ShippingMinor {
		errs = append(errs, ErrTotalMismatch)
	}

	return errs
}
