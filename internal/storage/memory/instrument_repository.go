package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

// InstrumentRepository — in-memory справочник купонов, подарочных карт и акций.
type InstrumentRepository struct {
	mu    sync.RWMutex
	items map[string]domain.DiscountInstrument
}

// NewInstrumentRepository создаёт справочник с начальным набором инструментов.
func NewInstrumentRepository(instruments ...domain.DiscountInstrument) *InstrumentRepository {
	repo := &InstrumentRepository{items: make(map[string]domain.DiscountInstrument)}
	for _, instrument := range instruments {
		repo.items[instrumentKey(instrument.Type, instrument.Code)] = instrument
	}
	return repo
}

// Upsert добавляет или заменяет инструмент.
func (r *InstrumentRepository) Upsert(_ context.Context, instrument domain.DiscountInstrument) error {
	if !instrument.Type.Valid() {
		return domain.ErrTransactionTypeInvalid
	}
	if instrument.ID == "" {
		return domain.ErrEntityIDRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[instrumentKey(instrument.Type, instrument.Code)] = instrument
	return nil
}

// GetByCode ищет инструмент по типу и коду без учёта регистра.
func (r *InstrumentRepository) GetByCode(_ context.Context, t domain.TransactionType, code string) (domain.DiscountInstrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instrument, ok := r.items[instrumentKey(t, code)]
	if !ok {
		return domain.DiscountInstrument{}, domain.ErrInstrumentNotFound
	}
	return instrument, nil
}

func instrumentKey(t domain.TransactionType, code string) string {
	return string(t) + ":" + strings.ToUpper(strings.TrimSpace(code))
}

var _ domain.InstrumentRepository = (*InstrumentRepository)(nil)
