package domain

import "errors"

var (
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной суммы.
	ErrAmountNegative = errors.New("amount must be non-negative")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия subtotal и сумм позиций.
	ErrAmountMismatch = errors.New("order subtotal does not match items sum")
	// Ошибка, если скидка больше subtotal.
	ErrDiscountExceedsSubtotal = errors.New("order discount exceeds subtotal")
	// Ошибка нарушения формулы total = subtotal - discount + tax + shipping.
	ErrTotalMismatch = errors.New("order total does not match subtotal - discount + tax + shipping")
	// Ошибка неизвестного статуса заказа.
	ErrOrderStatusInvalid = errors.New("order status is invalid")
	// Ошибка отсутствующего идентификатора варианта товара.
	ErrVariantRequired = errors.New("variant_id is required")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Оформление без ключа идемпотентности.
	ErrCheckoutKeyRequired = errors.New("checkout key is required")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// Заказ с таким ID или checkout key уже сохранён.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// Переход статуса заказа не разрешён таблицей.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// Ошибка отсутствующего владельца резерва.
	ErrOwnerRequired = errors.New("reservation owner is required")
	// Ошибка некорректного количества в резерве.
	ErrReservationQtyInvalid = errors.New("reservation qty must be greater than zero")
	// Ошибка отрицательного окна удержания.
	ErrReservationHoldInvalid = errors.New("reservation hold must be non-negative")
	// Товара не хватает; ожидаемый исход, повтор не нужен.
	ErrInsufficientStock = errors.New("insufficient stock")
	// Резерв не найден.
	ErrReservationNotFound = errors.New("reservation not found")
	// Резерв уже в несовместимом терминальном статусе.
	ErrReservationNotActive = errors.New("reservation is not active")
	// Для варианта нет строки остатка.
	ErrVariantNotFound = errors.New("variant stock not found")

	// Неизвестный тип записи журнала.
	ErrTransactionTypeInvalid = errors.New("transaction type is invalid")
	// Запись журнала без идентификатора инструмента.
	ErrEntityIDRequired = errors.New("entity_id is required")
	// Детали не соответствуют типу записи.
	ErrLedgerDetailsInvalid = errors.New("ledger details are invalid")
	// Запись журнала не найдена.
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")
	// Переход записи журнала против решётки статусов.
	ErrInvalidLedgerTransition = errors.New("invalid ledger transition")
	// Бюджет инструмента исчерпан на момент резерва.
	ErrBudgetExhausted = errors.New("instrument budget exhausted")

	// Инструмент с таким кодом не найден.
	ErrInstrumentNotFound = errors.New("discount instrument not found")
	// Инструмент выключен или ещё не действует.
	ErrInstrumentInactive = errors.New("discount instrument is inactive")
	// Срок действия инструмента истёк.
	ErrInstrumentExpired = errors.New("discount instrument expired")
	// Лимит использований купона/акции исчерпан.
	ErrUsageLimitReached = errors.New("discount instrument usage limit reached")
	// На подарочной карте не осталось средств.
	ErrGiftCardDepleted = errors.New("gift card depleted")
	// Условия инструмента не выполнены (например, минимальная сумма).
	ErrDiscountNotApplicable = errors.New("discount is not applicable to this order")

	// Ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsInvariantViolation сообщает, что ошибка указывает на ошибку порядка вызовов,
// а не на ожидаемый бизнес-исход.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidLedgerTransition) ||
		errors.Is(err, ErrReservationNotActive)
}
