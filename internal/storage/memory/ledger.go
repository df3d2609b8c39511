package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

// Ledger — in-memory журнал использования дисконтных инструментов.
type Ledger struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*domain.TransactionLogEntry
	// order хранит ID в порядке вставки: по нему определяется «последняя» запись.
	order []string
	byKey map[string]string
}

// NewLedger создаёт пустой журнал.
func NewLedger() *Ledger {
	return &Ledger{
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*domain.TransactionLogEntry),
		byKey:   make(map[string]string),
	}
}

// Begin создаёт запись в initiated; при повторе ключа возвращает существующую запись.
func (l *Ledger) Begin(ctx context.Context, req domain.BeginRequest) (domain.BeginResult, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return domain.BeginResult{}, errs[0]
	}
	if err := ctx.Err(); err != nil {
		return domain.BeginResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := l.byKey[req.IdempotencyKey]; ok {
			return domain.BeginResult{Entry: cloneEntry(l.entries[id]), Replay: true}, nil
		}
	}

	now := l.now()
	entry := &domain.TransactionLogEntry{
		ID:             uuid.NewString(),
		Type:           req.Type,
		EntityID:       req.EntityID,
		EntityCode:     req.EntityCode,
		Status:         domain.LedgerStatusInitiated,
		OrderID:        req.OrderID,
		UserID:         req.UserID,
		AmountMinor:    req.AmountMinor,
		IdempotencyKey: req.IdempotencyKey,
		Details:        cloneDetails(req.Details),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	l.entries[entry.ID] = entry
	l.order = append(l.order, entry.ID)
	if req.IdempotencyKey != "" {
		l.byKey[req.IdempotencyKey] = entry.ID
	}

	return domain.BeginResult{Entry: cloneEntry(entry)}, nil
}

// Advance продвигает запись по решётке статусов; бюджет проверяется в той же критической секции.
func (l *Ledger) Advance(_ context.Context, id string, to domain.LedgerStatus, opts domain.AdvanceOptions) (domain.TransactionLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[id]
	if !ok {
		return domain.TransactionLogEntry{}, domain.ErrLedgerEntryNotFound
	}
	if !domain.CanAdvanceLedger(entry.Status, to) {
		return domain.TransactionLogEntry{}, &domain.InvalidLedgerTransitionError{EntryID: id, From: entry.Status, To: to}
	}
	if to == domain.LedgerStatusReserved && opts.Budget != nil {
		usage := l.usageLocked(entry.Type, entry.EntityID)
		if !opts.Budget.Allows(usage, entry.AmountMinor) {
			return domain.TransactionLogEntry{}, domain.ErrBudgetExhausted
		}
	}

	entry.Status = to
	entry.Details = entry.Details.WithAudit(opts.Audit)
	entry.UpdatedAt = l.now()
	return cloneEntry(entry), nil
}

func (l *Ledger) Get(_ context.Context, id string) (domain.TransactionLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[id]
	if !ok {
		return domain.TransactionLogEntry{}, domain.ErrLedgerEntryNotFound
	}
	return cloneEntry(entry), nil
}

func (l *Ledger) FindByIdempotencyKey(_ context.Context, key string) (domain.TransactionLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.byKey[key]
	if !ok {
		return domain.TransactionLogEntry{}, domain.ErrLedgerEntryNotFound
	}
	return cloneEntry(l.entries[id]), nil
}

func (l *Ledger) FindLatestForEntity(_ context.Context, t domain.TransactionType, entityID string) (domain.TransactionLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.order) - 1; i >= 0; i-- {
		entry := l.entries[l.order[i]]
		if entry.Type == t && entry.EntityID == entityID {
			return cloneEntry(entry), nil
		}
	}
	return domain.TransactionLogEntry{}, domain.ErrLedgerEntryNotFound
}

func (l *Ledger) ListByOrder(_ context.Context, orderID string) ([]domain.TransactionLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]domain.TransactionLogEntry, 0)
	for _, id := range l.order {
		entry := l.entries[id]
		if entry.OrderID == orderID {
			result = append(result, cloneEntry(entry))
		}
	}
	return result, nil
}

func (l *Ledger) UsageForEntity(_ context.Context, t domain.TransactionType, entityID string) (domain.InstrumentUsage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.usageLocked(t, entityID), nil
}

func (l *Ledger) usageLocked(t domain.TransactionType, entityID string) domain.InstrumentUsage {
	var usage domain.InstrumentUsage
	for _, entry := range l.entries {
		if entry.Type != t || entry.EntityID != entityID {
			continue
		}
		switch entry.Status {
		case domain.LedgerStatusReserved:
			usage.InFlight++
			usage.AmountMinor += entry.AmountMinor
		case domain.LedgerStatusCompleted:
			usage.Completed++
			usage.AmountMinor += entry.AmountMinor
		}
	}
	return usage
}

func cloneEntry(entry *domain.TransactionLogEntry) domain.TransactionLogEntry {
	clone := *entry
	clone.Details = cloneDetails(entry.Details)
	return clone
}

// cloneDetails копирует детали вместе с audit и вложенными снимками инструмента,
// чтобы запись в журнале не разделяла память с вызывающим.
func cloneDetails(d domain.LedgerDetails) domain.LedgerDetails {
	if d.Coupon != nil {
		coupon := *d.Coupon
		d.Coupon = &coupon
	}
	if d.GiftCard != nil {
		card := *d.GiftCard
		d.GiftCard = &card
	}
	if d.Campaign != nil {
		campaign := *d.Campaign
		d.Campaign = &campaign
	}
	if d.Audit != nil {
		audit := make(map[string]string, len(d.Audit))
		for k, v := range d.Audit {
			audit[k] = v
		}
		d.Audit = audit
	}
	return d
}

var _ domain.Ledger = (*Ledger)(nil)
