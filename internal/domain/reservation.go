package domain

import (
	"fmt"
	"time"
)

// DefaultReservationHold — окно удержания товара при оформлении заказа.
const DefaultReservationHold = 15 * time.Minute

// ReservationStatus отражает статус удержания товара на складе.
type ReservationStatus string

const (
	// Товар удерживается, реальный остаток ещё не списан.
	ReservationStatusActive ReservationStatus = "active"
	// Оплата прошла, остаток списан.
	ReservationStatusCommitted ReservationStatus = "committed"
	// Удержание снято при отмене или неуспешной оплате.
	ReservationStatusReleased ReservationStatus = "released"
	// Удержание просрочено и снято планировщиком.
	ReservationStatusExpired ReservationStatus = "expired"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationStatusActive, ReservationStatusCommitted, ReservationStatusReleased, ReservationStatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, что резерв больше не меняется.
func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationStatusCommitted || s == ReservationStatusReleased || s == ReservationStatusExpired
}

// OwnerKind описывает, кому принадлежит удержание.
type OwnerKind string

const (
	OwnerKindCart  OwnerKind = "cart"
	OwnerKindOrder OwnerKind = "order"
)

// StockReservation описывает временное удержание остатка варианта товара.
type StockReservation struct {
	ID        string
	VariantID string
	Qty       int32
	OwnerID   string
	OwnerKind OwnerKind
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// IsExpired сообщает, что активный резерв просрочен к моменту now.
func (r *StockReservation) IsExpired(now time.Time) bool {
	return r.Status == ReservationStatusActive && !r.ExpiresAt.After(now)
}

// ReserveRequest содержит параметры создания удержания.
type ReserveRequest struct {
	VariantID string
	Qty       int32
	OwnerID   string
	OwnerKind OwnerKind
	Hold      time.Duration
}

// Validate проверяет, корректно ли заполнены ключевые поля запроса.
func (r *ReserveRequest) Validate() []error {
	var errs []error

	if r.OwnerID == "" {
		errs = append(errs, ErrOwnerRequired)
	}
	if r.VariantID == "" {
		errs = append(errs, ErrVariantRequired)
	}
	if r.Qty <= 0 {
		errs = append(errs, ErrReservationQtyInvalid)
	}
	if r.Hold < 0 {
		errs = append(errs, ErrReservationHoldInvalid)
	}

	return errs
}

// HoldOrDefault возвращает окно удержания, подставляя значение по умолчанию.
func (r *ReserveRequest) HoldOrDefault() time.Duration {
	if r.Hold <= 0 {
		return DefaultReservationHold
	}
	return r.Hold
}

// StockLevel — срез остатка варианта: физический остаток и активные удержания.
type StockLevel struct {
	VariantID string
	OnHand    int64
	Reserved  int64
}

// Available — сколько единиц можно удержать новыми резервами.
func (s StockLevel) Available() int64 {
	return s.OnHand - s.Reserved
}

// InsufficientStockError — ожидаемый бизнес-исход: товара не хватает.
type InsufficientStockError struct {
	VariantID string
	Requested int32
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d", e.VariantID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ReservationNotActiveError — операция над резервом в несовместимом терминальном статусе.
type ReservationNotActiveError struct {
	ReservationID string
	Status        ReservationStatus
}

func (e *ReservationNotActiveError) Error() string {
	return fmt.Sprintf("reservation %s is not active (status %s)", e.ReservationID, e.Status)
}

func (e *ReservationNotActiveError) Is(target error) bool {
	return target == ErrReservationNotActive
}
