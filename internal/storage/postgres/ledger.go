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

const ledgerColumns = `id, type, entity_id, entity_code, status, order_id, user_id,
	amount_minor, idempotency_key, details, created_at, updated_at`

// PostgreSQL-реализация журнала использования инструментов.
type ledger struct {
	db *sql.DB
}

// NewLedger создаёт журнал поверх Store.
func NewLedger(store *Store) domain.Ledger {
	return &ledger{db: store.DB()}
}

// Begin вставляет запись; при конфликте по idempotency_key возвращает существующую.
func (l *ledger) Begin(ctx context.Context, req domain.BeginRequest) (domain.BeginResult, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return domain.BeginResult{}, errs[0]
	}

	details, err := domain.MarshalDetails(req.Details)
	if err != nil {
		return domain.BeginResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	entry, err := scanLedgerEntry(l.db.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (`+ledgerColumns+`)
		VALUES ($1,$2,$3,$4,'initiated',$5,$6,$7,$8,$9,$10,$10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+ledgerColumns,
		uuid.NewString(), string(req.Type), req.EntityID, req.EntityCode,
		nullString(req.OrderID), nullString(req.UserID), req.AmountMinor,
		nullString(req.IdempotencyKey), string(details), now,
	))
	if err == nil {
		return domain.BeginResult{Entry: entry}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.BeginResult{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	existing, err := l.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return domain.BeginResult{}, err
	}
	return domain.BeginResult{Entry: existing, Replay: true}, nil
}

// Advance блокирует строку записи, проверяет решётку статусов и, при переходе
// в reserved с бюджетом, сериализует проверку бюджета advisory lock-ом по инструменту.
func (l *ledger) Advance(ctx context.Context, id string, to domain.LedgerStatus, opts domain.AdvanceOptions) (domain.TransactionLogEntry, error) {
	var updated domain.TransactionLogEntry
	err := inTx(ctx, l.db, func(ctx context.Context, tx *sql.Tx) error {
		current, err := scanLedgerEntry(tx.QueryRowContext(ctx, `
			SELECT `+ledgerColumns+` FROM ledger_entries WHERE id = $1 FOR UPDATE
		`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrLedgerEntryNotFound
		}
		if err != nil {
			return err
		}

		if !domain.CanAdvanceLedger(current.Status, to) {
			return &domain.InvalidLedgerTransitionError{EntryID: id, From: current.Status, To: to}
		}

		if to == domain.LedgerStatusReserved && opts.Budget != nil {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
				string(current.Type)+":"+current.EntityID); err != nil {
				return fmt.Errorf("lock instrument budget: %w", err)
			}
			usage, err := usageForEntity(ctx, tx, current.Type, current.EntityID)
			if err != nil {
				return err
			}
			if !opts.Budget.Allows(usage, current.AmountMinor) {
				return domain.ErrBudgetExhausted
			}
		}

		details, err := domain.MarshalDetails(current.Details.WithAudit(opts.Audit))
		if err != nil {
			return err
		}

		updated, err = scanLedgerEntry(tx.QueryRowContext(ctx, `
			UPDATE ledger_entries
			SET status = $2, details = $3, updated_at = NOW()
			WHERE id = $1 AND status = $4
			RETURNING `+ledgerColumns,
			id, string(to), string(details), string(current.Status),
		))
		if err != nil {
			return fmt.Errorf("advance ledger entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.TransactionLogEntry{}, err
	}
	return updated, nil
}

func (l *ledger) Get(ctx context.Context, id string) (domain.TransactionLogEntry, error) {
	return l.getOne(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE id = $1`, id)
}

func (l *ledger) FindByIdempotencyKey(ctx context.Context, key string) (domain.TransactionLogEntry, error) {
	if key == "" {
		return domain.TransactionLogEntry{}, domain.ErrLedgerEntryNotFound
	}
	return l.getOne(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key)
}

func (l *ledger) FindLatestForEntity(ctx context.Context, t domain.TransactionType, entityID string) (domain.TransactionLogEntry, error) {
	return l.getOne(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE type = $1 AND entity_id = $2
		ORDER BY seq DESC
		LIMIT 1
	`, string(t), entityID)
}

func (l *ledger) ListByOrder(ctx context.Context, orderID string) ([]domain.TransactionLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE order_id = $1
		ORDER BY seq
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TransactionLogEntry, 0)
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return result, nil
}

func (l *ledger) UsageForEntity(ctx context.Context, t domain.TransactionType, entityID string) (domain.InstrumentUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return usageForEntity(ctx, l.db, t, entityID)
}

func (l *ledger) getOne(ctx context.Context, query string, args ...any) (domain.TransactionLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	entry, err := scanLedgerEntry(l.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TransactionLogEntry{}, domain.ErrLedgerEntryNotFound
	}
	return entry, err
}

// queryRower покрывает *sql.DB и *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func usageForEntity(ctx context.Context, q queryRower, t domain.TransactionType, entityID string) (domain.InstrumentUsage, error) {
	var usage domain.InstrumentUsage
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'reserved'),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COALESCE(SUM(amount_minor) FILTER (WHERE status IN ('reserved', 'completed')), 0)
		FROM ledger_entries
		WHERE type = $1 AND entity_id = $2
	`, string(t), entityID).Scan(&usage.InFlight, &usage.Completed, &usage.AmountMinor); err != nil {
		return domain.InstrumentUsage{}, fmt.Errorf("aggregate instrument usage: %w", err)
	}
	return usage, nil
}

func scanLedgerEntry(row rowScanner) (domain.TransactionLogEntry, error) {
	var (
		entry          domain.TransactionLogEntry
		entryType      string
		status         string
		orderID        sql.NullString
		userID         sql.NullString
		idempotencyKey sql.NullString
		details        []byte
	)
	err := row.Scan(
		&entry.ID, &entryType, &entry.EntityID, &entry.EntityCode, &status,
		&orderID, &userID, &entry.AmountMinor, &idempotencyKey, &details,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TransactionLogEntry{}, err
		}
		return domain.TransactionLogEntry{}, fmt.Errorf("scan ledger entry: %w", err)
	}

	entry.Type = domain.TransactionType(entryType)
	entry.Status = domain.LedgerStatus(status)
	entry.OrderID = orderID.String
	entry.UserID = userID.String
	entry.IdempotencyKey = idempotencyKey.String
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()

	entry.Details, err = domain.UnmarshalDetails(details)
	if err != nil {
		return domain.TransactionLogEntry{}, err
	}
	return entry, nil
}

var _ domain.Ledger = (*ledger)(nil)
