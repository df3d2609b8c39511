package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

type instrumentRepository struct {
	db *sql.DB
}

// NewInstrumentRepository создаёт PostgreSQL-справочник дисконтных инструментов.
func NewInstrumentRepository(store *Store) domain.InstrumentRepository {
	return &instrumentRepository{db: store.DB()}
}

func (r *instrumentRepository) GetByCode(ctx context.Context, t domain.TransactionType, code string) (domain.DiscountInstrument, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		instrument domain.DiscountInstrument
		kind       string
		startsAt   sql.NullTime
		expiresAt  sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, type, code, name, active, starts_at, expires_at,
		       usage_limit, balance_minor, percent_off, amount_off_minor, min_subtotal_minor
		FROM discount_instruments
		WHERE type = $1 AND upper(code) = upper($2)
	`, string(t), strings.TrimSpace(code)).Scan(
		&instrument.ID, &kind, &instrument.Code, &instrument.Name, &instrument.Active,
		&startsAt, &expiresAt,
		&instrument.UsageLimit, &instrument.BalanceMinor, &instrument.PercentOff,
		&instrument.AmountOffMinor, &instrument.MinSubtotalMinor,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DiscountInstrument{}, domain.ErrInstrumentNotFound
	}
	if err != nil {
		return domain.DiscountInstrument{}, fmt.Errorf("select discount instrument: %w", err)
	}

	instrument.Type = domain.TransactionType(kind)
	if startsAt.Valid {
		instrument.StartsAt = startsAt.Time.UTC()
	}
	if expiresAt.Valid {
		instrument.ExpiresAt = expiresAt.Time.UTC()
	}
	return instrument, nil
}

func (r *instrumentRepository) Upsert(ctx context.Context, instrument domain.DiscountInstrument) error {
	if !instrument.Type.Valid() {
		return domain.ErrTransactionTypeInvalid
	}
	if instrument.ID == "" {
		return domain.ErrEntityIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO discount_instruments (
			id, type, code, name, active, starts_at, expires_at,
			usage_limit, balance_minor, percent_off, amount_off_minor, min_subtotal_minor, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			code = EXCLUDED.code,
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			starts_at = EXCLUDED.starts_at,
			expires_at = EXCLUDED.expires_at,
			usage_limit = EXCLUDED.usage_limit,
			balance_minor = EXCLUDED.balance_minor,
			percent_off = EXCLUDED.percent_off,
			amount_off_minor = EXCLUDED.amount_off_minor,
			min_subtotal_minor = EXCLUDED.min_subtotal_minor,
			updated_at = NOW()
	`,
		instrument.ID, string(instrument.Type), instrument.Code, instrument.Name, instrument.Active,
		nullTime(instrument.StartsAt), nullTime(instrument.ExpiresAt),
		instrument.UsageLimit, instrument.BalanceMinor, instrument.PercentOff,
		instrument.AmountOffMinor, instrument.MinSubtotalMinor,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("instrument code %s already used by another instrument: %w", instrument.Code, err)
		}
		return fmt.Errorf("upsert discount instrument: %w", err)
	}
	return nil
}

var _ domain.InstrumentRepository = (*instrumentRepository)(nil)
