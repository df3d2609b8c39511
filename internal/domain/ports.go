package domain

import (
	"context"
	"time"
)

// ReservationStore хранит удержания остатков. Все переходы статусов выполняются
// условными обновлениями на стороне хранилища, без блокировок в памяти процесса.
type ReservationStore interface {
	// Reserve атомарно проверяет доступный остаток и создаёт активный резерв.
	Reserve(ctx context.Context, req ReserveRequest) (StockReservation, error)
	// Commit переводит active -> committed и списывает остаток; повтор на committed ничего не делает.
	Commit(ctx context.Context, id string) error
	// Release переводит active -> released; повтор на released/expired ничего не делает.
	Release(ctx context.Context, id string) error
	// SweepExpired переводит просроченные активные резервы в expired и возвращает их число.
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)
	Get(ctx context.Context, id string) (StockReservation, error)
	ListByOwner(ctx context.Context, ownerID string) ([]StockReservation, error)
	// Stock возвращает срез остатка варианта.
	Stock(ctx context.Context, variantID string) (StockLevel, error)
	// Receive оприходует поступление товара на склад.
	Receive(ctx context.Context, variantID string, qty int64) (StockLevel, error)
}

// Ledger — журнал использования дисконтных инструментов с гарантией exactly-once по ключу.
type Ledger interface {
	// Begin создаёт запись в initiated или возвращает существующую по IdempotencyKey (Replay=true).
	Begin(ctx context.Context, req BeginRequest) (BeginResult, error)
	// Advance продвигает запись вперёд по решётке статусов.
	Advance(ctx context.Context, id string, to LedgerStatus, opts AdvanceOptions) (TransactionLogEntry, error)
	Get(ctx context.Context, id string) (TransactionLogEntry, error)
	// FindByIdempotencyKey возвращает ErrLedgerEntryNotFound, если записи нет.
	FindByIdempotencyKey(ctx context.Context, key string) (TransactionLogEntry, error)
	// FindLatestForEntity возвращает самую свежую запись по инструменту.
	FindLatestForEntity(ctx context.Context, t TransactionType, entityID string) (TransactionLogEntry, error)
	ListByOrder(ctx context.Context, orderID string) ([]TransactionLogEntry, error)
	// UsageForEntity агрегирует удержанные и завершённые использования инструмента.
	UsageForEntity(ctx context.Context, t TransactionType, entityID string) (InstrumentUsage, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// LifecycleStep задаёт константы шагов для метрик/логов.
type LifecycleStep string

const (
	LifecycleStepReserve  LifecycleStep = "reserve"
	LifecycleStepDiscount LifecycleStep = "discount"
	LifecycleStepCommit   LifecycleStep = "commit"
	LifecycleStepRelease  LifecycleStep = "release"
	LifecycleStepConfirm  LifecycleStep = "confirm"
	LifecycleStepCancel   LifecycleStep = "cancel"
	LifecycleStepSweep    LifecycleStep = "sweep"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
