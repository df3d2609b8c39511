package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

const reservationColumns = `id, variant_id, qty, owner_id, owner_kind, status, created_at, expires_at, updated_at`

// PostgreSQL-реализация ReservationStore. Атомарность резерва
// обеспечивается блокировкой строки stock_levels, переходы статусов обеспечиваются условными UPDATE.
type reservationStore struct {
	db *sql.DB
}

// NewReservationStore создаёт хранилище резервов поверх Store.
func NewReservationStore(store *Store) domain.ReservationStore {
	return &reservationStore{db: store.DB()}
}

func (s *reservationStore) Reserve(ctx context.Context, req domain.ReserveRequest) (domain.StockReservation, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return domain.StockReservation{}, errs[0]
	}

	var reservation domain.StockReservation
	err := inTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		// Блокировка строки остатка сериализует конкурирующие резервы одного варианта.
		var onHand int64
		err := tx.QueryRowContext(ctx, `
			SELECT on_hand FROM stock_levels WHERE variant_id = $1 FOR UPDATE
		`, req.VariantID).Scan(&onHand)
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.InsufficientStockError{VariantID: req.VariantID, Requested: req.Qty}
		}
		if err != nil {
			return fmt.Errorf("lock stock level: %w", err)
		}

		reserved, err := activeReservedQty(ctx, tx, req.VariantID)
		if err != nil {
			return err
		}
		if available := onHand - reserved; available < int64(req.Qty) {
			return &domain.InsufficientStockError{VariantID: req.VariantID, Requested: req.Qty, Available: available}
		}

		now := time.Now().UTC()
		reservation = domain.StockReservation{
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
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_reservations (`+reservationColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`,
			reservation.ID, reservation.VariantID, reservation.Qty, reservation.OwnerID,
			string(reservation.OwnerKind), string(reservation.Status),
			reservation.CreatedAt, reservation.ExpiresAt, reservation.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.StockReservation{}, err
	}
	return reservation, nil
}

// Commit переводит резерв в committed и списывает остаток в одной транзакции.
func (s *reservationStore) Commit(ctx context.Context, id string) error {
	return inTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var (
			variantID string
			qty       int32
			status    string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT variant_id, qty, status FROM stock_reservations WHERE id = $1 FOR UPDATE
		`, id).Scan(&variantID, &qty, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrReservationNotFound
		}
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}

		switch domain.ReservationStatus(status) {
		case domain.ReservationStatusCommitted:
			return nil
		case domain.ReservationStatusActive:
		default:
			return &domain.ReservationNotActiveError{ReservationID: id, Status: domain.ReservationStatus(status)}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE stock_levels
			SET on_hand = on_hand - $2,
			    updated_at = NOW()
			WHERE variant_id = $1
		`, variantID, qty)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if affected == 0 {
			return fmt.Errorf("%w: %s", domain.ErrVariantNotFound, variantID)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE stock_reservations
			SET status = 'committed', updated_at = NOW()
			WHERE id = $1 AND status = 'active'
		`, id); err != nil {
			return fmt.Errorf("commit reservation: %w", err)
		}
		return nil
	})
}

// Release снимает удержание условным UPDATE; остаток не меняется.
func (s *reservationStore) Release(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_reservations
		SET status = 'released', updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM stock_reservations WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrReservationNotFound
	}
	if err != nil {
		return fmt.Errorf("load reservation status: %w", err)
	}

	switch domain.ReservationStatus(status) {
	case domain.ReservationStatusReleased, domain.ReservationStatusExpired:
		return nil
	default:
		return &domain.ReservationNotActiveError{ReservationID: id, Status: domain.ReservationStatus(status)}
	}
}

// SweepExpired помечает просроченные активные резервы как expired.
// SKIP LOCKED не даёт двум параллельным sweep-ам обработать одну строку.
func (s *reservationStore) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var limitArg sql.NullInt64
	if limit > 0 {
		limitArg = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		WITH due AS (
			SELECT id
			FROM stock_reservations
			WHERE status = 'active' AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE stock_reservations r
		SET status = 'expired', updated_at = NOW()
		FROM due
		WHERE r.id = due.id AND r.status = 'active'
	`, now, limitArg)
	if err != nil {
		return 0, fmt.Errorf("sweep expired reservations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *reservationStore) Get(ctx context.Context, id string) (domain.StockReservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	reservation, err := scanReservation(s.db.QueryRowContext(ctx, `
		SELECT `+reservationColumns+` FROM stock_reservations WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockReservation{}, domain.ErrReservationNotFound
	}
	return reservation, err
}

func (s *reservationStore) ListByOwner(ctx context.Context, ownerID string) ([]domain.StockReservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM stock_reservations
		WHERE owner_id = $1
		ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.StockReservation, 0)
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return result, nil
}

func (s *reservationStore) Stock(ctx context.Context, variantID string) (domain.StockLevel, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	level := domain.StockLevel{VariantID: variantID}
	err := s.db.QueryRowContext(ctx, `
		SELECT l.on_hand,
		       COALESCE((SELECT SUM(r.qty) FROM stock_reservations r
		                 WHERE r.variant_id = l.variant_id AND r.status = 'active'), 0)
		FROM stock_levels l
		WHERE l.variant_id = $1
	`, variantID).Scan(&level.OnHand, &level.Reserved)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockLevel{}, domain.ErrVariantNotFound
	}
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("load stock level: %w", err)
	}
	return level, nil
}

// Receive оприходует товар, создавая строку остатка при первом поступлении.
func (s *reservationStore) Receive(ctx context.Context, variantID string, qty int64) (domain.StockLevel, error) {
	if variantID == "" {
		return domain.StockLevel{}, domain.ErrVariantRequired
	}
	if qty <= 0 {
		return domain.StockLevel{}, domain.ErrReservationQtyInvalid
	}

	level := domain.StockLevel{VariantID: variantID}
	err := inTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO stock_levels (variant_id, on_hand, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (variant_id) DO UPDATE
			SET on_hand = stock_levels.on_hand + EXCLUDED.on_hand,
			    updated_at = NOW()
			RETURNING on_hand
		`, variantID, qty).Scan(&level.OnHand); err != nil {
			return fmt.Errorf("receive stock: %w", err)
		}

		reserved, err := activeReservedQty(ctx, tx, variantID)
		if err != nil {
			return err
		}
		level.Reserved = reserved
		return nil
	})
	if err != nil {
		return domain.StockLevel{}, err
	}
	return level, nil
}

func activeReservedQty(ctx context.Context, tx *sql.Tx, variantID string) (int64, error) {
	var reserved int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(qty), 0)
		FROM stock_reservations
		WHERE variant_id = $1 AND status = 'active'
	`, variantID).Scan(&reserved); err != nil {
		return 0, fmt.Errorf("sum active reservations: %w", err)
	}
	return reserved, nil
}

func scanReservation(row rowScanner) (domain.StockReservation, error) {
	var (
		reservation domain.StockReservation
		ownerKind   string
		status      string
	)
	err := row.Scan(
		&reservation.ID, &reservation.VariantID, &reservation.Qty, &reservation.OwnerID,
		&ownerKind, &status, &reservation.CreatedAt, &reservation.ExpiresAt, &reservation.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockReservation{}, err
		}
		return domain.StockReservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	reservation.OwnerKind = domain.OwnerKind(ownerKind)
	reservation.Status = domain.ReservationStatus(status)
	reservation.CreatedAt = reservation.CreatedAt.UTC()
	reservation.ExpiresAt = reservation.ExpiresAt.UTC()
	reservation.UpdatedAt = reservation.UpdatedAt.UTC()
	return reservation, nil
}

var _ domain.ReservationStore = (*reservationStore)(nil)
