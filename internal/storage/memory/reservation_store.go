package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

// ReservationStoreOption настраивает in-memory хранилище резервов.
type ReservationStoreOption func(*ReservationStore)

// WithClock подменяет источник времени (нужно тестам сценариев с истечением удержания).
func WithClock(now func() time.Time) ReservationStoreOption {
	return func(s *ReservationStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStock задаёт начальные остатки по вариантам.
func WithStock(levels map[string]int64) ReservationStoreOption {
	return func(s *ReservationStore) {
		for variantID, onHand := range levels {
			s.onHand[variantID] = onHand
		}
	}
}

// ReservationStore — in-memory реализация domain.ReservationStore.
// Мьютекс эмулирует атомарность одной операции, как строковая блокировка в Postgres;
// он никогда не удерживается между вызовами.
type ReservationStore struct {
	mu           sync.Mutex
	now          func() time.Time
	onHand       map[string]int64
	reserved     map[string]int64
	reservations map[string]*domain.StockReservation
	byOwner      map[string][]string
}

// NewReservationStore создаёт пустое хранилище резервов.
func NewReservationStore(options ...ReservationStoreOption) *ReservationStore {
	s := &ReservationStore{
		now:          func() time.Time { return time.Now().UTC() },
		onHand:       make(map[string]int64),
		reserved:     make(map[string]int64),
		reservations: make(map[string]*domain.StockReservation),
		byOwner:      make(map[string][]string),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Reserve проверяет доступный остаток и создаёт активное удержание в одной критической секции.
func (s *ReservationStore) Reserve(ctx context.Context, req domain.ReserveRequest) (domain.StockReservation, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return domain.StockReservation{}, errs[0]
	}
	if err := ctx.Err(); err != nil {
		return domain.StockReservation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	onHand, ok := s.onHand[req.VariantID]
	if !ok {
		return domain.StockReservation{}, &domain.InsufficientStockError{VariantID: req.VariantID, Requested: req.Qty}
	}
	available := onHand - s.reserved[req.VariantID]
	if available < int64(req.Qty) {
		return domain.StockReservation{}, &domain.InsufficientStockError{
			VariantID: req.VariantID,
			Requested: req.Qty,
			Available: available,
		}
	}

	now := s.now()
	reservation := &domain.StockReservation{
		ID:        uuid.NewString(),
		VariantID: req.VariantID,
		Qty:       req.Qty,
		OwnerID:   req.OwnerID,
		OwnerKind: req.OwnerKind,
		Status:    domain.ReservationStatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(req.HoldOrDefault()),
		UpdatedAt: now,
	}
	s.reservations[reservation.ID] = reservation
	s.byOwner[req.OwnerID] = append(s.byOwner[req.OwnerID], reservation.ID)
	s.reserved[req.VariantID] += int64(req.Qty)

	return *reservation, nil
}

// Commit фиксирует удержание и списывает остаток.
func (s *ReservationStore) Commit(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, ok := s.reservations[id]
	if !ok {
		return domain.ErrReservationNotFound
	}
	switch reservation.Status {
	case domain.ReservationStatusCommitted:
		return nil
	case domain.ReservationStatusActive:
	default:
		return &domain.ReservationNotActiveError{ReservationID: id, Status: reservation.Status}
	}

	qty := int64(reservation.Qty)
	s.reserved[reservation.VariantID] -= qty
	s.onHand[reservation.VariantID] -= qty
	reservation.Status = domain.ReservationStatusCommitted
	reservation.UpdatedAt = s.now()
	return nil
}

// Release снимает активное удержание без изменения остатка.
func (s *ReservationStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, ok := s.reservations[id]
	if !ok {
		return domain.ErrReservationNotFound
	}
	switch reservation.Status {
	case domain.ReservationStatusReleased, domain.ReservationStatusExpired:
		return nil
	case domain.ReservationStatusActive:
	default:
		return &domain.ReservationNotActiveError{ReservationID: id, Status: reservation.Status}
	}

	s.reserved[reservation.VariantID] -= int64(reservation.Qty)
	reservation.Status = domain.ReservationStatusReleased
	reservation.UpdatedAt = s.now()
	return nil
}

// SweepExpired переводит до limit просроченных активных удержаний в expired.
func (s *ReservationStore) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expired := make([]*domain.StockReservation, 0)
	for _, reservation := range s.reservations {
		if reservation.IsExpired(now) {
			expired = append(expired, reservation)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	updatedAt := s.now()
	for _, reservation := range expired {
		s.reserved[reservation.VariantID] -= int64(reservation.Qty)
		reservation.Status = domain.ReservationStatusExpired
		reservation.UpdatedAt = updatedAt
	}
	return len(expired), nil
}

// Get возвращает копию удержания.
func (s *ReservationStore) Get(_ context.Context, id string) (domain.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, ok := s.reservations[id]
	if !ok {
		return domain.StockReservation{}, domain.ErrReservationNotFound
	}
	return *reservation, nil
}

// ListByOwner возвращает удержания владельца в порядке создания.
func (s *ReservationStore) ListByOwner(_ context.Context, ownerID string) ([]domain.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byOwner[ownerID]
	result := make([]domain.StockReservation, 0, len(ids))
	for _, id := range ids {
		result = append(result, *s.reservations[id])
	}
	return result, nil
}

// Stock возвращает срез остатка варианта.
func (s *ReservationStore) Stock(_ context.Context, variantID string) (domain.StockLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	onHand, ok := s.onHand[variantID]
	if !ok {
		return domain.StockLevel{}, domain.ErrVariantNotFound
	}
	return domain.StockLevel{VariantID: variantID, OnHand: onHand, Reserved: s.reserved[variantID]}, nil
}

// Receive увеличивает физический остаток (создаёт строку остатка при первом поступлении).
func (s *ReservationStore) Receive(_ context.Context, variantID string, qty int64) (domain.StockLevel, error) {
	if variantID == "" {
		return domain.StockLevel{}, domain.ErrVariantRequired
	}
	if qty <= 0 {
		return domain.StockLevel{}, domain.ErrReservationQtyInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.onHand[variantID] += qty
	return domain.StockLevel{VariantID: variantID, OnHand: s.onHand[variantID], Reserved: s.reserved[variantID]}, nil
}

var _ domain.ReservationStore = (*ReservationStore)(nil)
