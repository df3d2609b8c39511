package lifecycle

import (
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

// CheckoutCode — причина неуспешного оформления, видимая клиенту.
type CheckoutCode string

const (
	CodeOutOfStock       CheckoutCode = "OUT_OF_STOCK"
	CodeInvalidCoupon    CheckoutCode = "INVALID_COUPON"
	CodeCouponExpired    CheckoutCode = "COUPON_EXPIRED"
	CodeGiftCardDepleted CheckoutCode = "GIFT_CARD_DEPLETED"
	CodeInvalidRequest   CheckoutCode = "INVALID_REQUEST"
	CodeInternal         CheckoutCode = "INTERNAL"
)

var (
	// Подтверждение оплаты сорвалось после частичных изменений,
	// заказ отменён и требует ручной сверки.
	ErrReconciliationRequired = errors.New("order requires manual reconciliation")
	// Хранилище не ответило после всех повторов.
	ErrTransient = errors.New("transient storage failure")
	// Один и тот же инструмент указан в запросе дважды.
	ErrDuplicateInstrument = errors.New("discount instrument listed twice")
	// Корзина пуста.
	ErrLinesRequired = errors.New("checkout requires at least one line")
	// Инструмент без кода.
	ErrInstrumentCodeRequired = errors.New("discount instrument code is required")
	// Статус заказа изменил конкурентный вызов, операция не применена.
	ErrOrderChanged = errors.New("order changed by a concurrent operation")
	// Координатору не передано обязательное хранилище.
	ErrMissingDependency = errors.New("lifecycle dependency is missing")
)

// CheckoutError — ожидаемый отказ в оформлении. Code объясняет причину без внутренних деталей,
// Subject указывает вариант товара или код инструмента.
type CheckoutError struct {
	Code    CheckoutCode
	Subject string
	Err     error
}

func (e *CheckoutError) Error() string {
	msg := "checkout failed: " + string(e.Code)
	if e.Subject != "" {
		msg += " (" + e.Subject + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

// Message возвращает текст для клиента.
func (e *CheckoutError) Message() string {
	switch e.Code {
	case CodeOutOfStock:
		return fmt.Sprintf("variant %s is out of stock", e.Subject)
	case CodeInvalidCoupon:
		return fmt.Sprintf("discount code %s cannot be applied", e.Subject)
	case CodeCouponExpired:
		return fmt.Sprintf("discount code %s has expired", e.Subject)
	case CodeGiftCardDepleted:
		return fmt.Sprintf("gift card %s has no remaining balance", e.Subject)
	case CodeInvalidRequest:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "invalid checkout request"
	default:
		return "checkout could not be completed, please retry"
	}
}

// instrumentCode сопоставляет отказ по инструменту с кодом для клиента.
func instrumentCode(t domain.TransactionType, err error) (CheckoutCode, bool) {
	switch {
	case errors.Is(err, domain.ErrInstrumentExpired):
		return CodeCouponExpired, true
	case errors.Is(err, domain.ErrGiftCardDepleted):
		return CodeGiftCardDepleted, true
	case errors.Is(err, domain.ErrBudgetExhausted):
		if t == domain.TransactionTypeGiftCardUsage {
			return CodeGiftCardDepleted, true
		}
		return CodeInvalidCoupon, true
	case errors.Is(err, domain.ErrInstrumentNotFound),
		errors.Is(err, domain.ErrInstrumentInactive),
		errors.Is(err, domain.ErrUsageLimitReached),
		errors.Is(err, domain.ErrDiscountNotApplicable):
		return CodeInvalidCoupon, true
	default:
		return "", false
	}
}

// instrumentFailure оборачивает ожидаемый отказ в CheckoutError, прочие ошибки возвращает как есть.
func instrumentFailure(ref InstrumentRef, err error) error {
	code, ok := instrumentCode(ref.Type, err)
	if !ok {
		return err
	}
	return &CheckoutError{Code: code, Subject: ref.Code, Err: err}
}

// asCheckoutError приводит любую ошибку оформления к CheckoutError.
func asCheckoutError(err error) *CheckoutError {
	var checkoutErr *CheckoutError
	if errors.As(err, &checkoutErr) {
		return checkoutErr
	}
	return &CheckoutError{Code: CodeInternal, Err: err}
}
