package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransactionType — вид дисконтного инструмента, использование которого учитывает журнал.
type TransactionType string

const (
	TransactionTypeCouponUsage   TransactionType = "COUPON_USAGE"
	TransactionTypeGiftCardUsage TransactionType = "GIFT_CARD_USAGE"
	TransactionTypeCampaignUsage TransactionType = "CAMPAIGN_USAGE"
)

// Valid проверяет, что тип относится к поддерживаемым значениям.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeCouponUsage, TransactionTypeGiftCardUsage, TransactionTypeCampaignUsage:
		return true
	default:
		return false
	}
}

// LedgerStatus описывает статус записи журнала.
type LedgerStatus string

const (
	// Инструмент применён при оформлении, бюджет ещё не проверен.
	LedgerStatusInitiated LedgerStatus = "initiated"
	// Бюджет инструмента проверен и удержан.
	LedgerStatusReserved LedgerStatus = "reserved"
	// Заказ оплачен, использование засчитано.
	LedgerStatusCompleted LedgerStatus = "completed"
	// Заказ отменён.
	LedgerStatusCancelled LedgerStatus = "cancelled"
	// Оформление или оплата не удались.
	LedgerStatusFailed LedgerStatus = "failed"
)

// Из каких статусов допускается переход в ключевой статус.
var ledgerPredecessors = map[LedgerStatus][]LedgerStatus{
	LedgerStatusReserved:  {LedgerStatusInitiated},
	LedgerStatusCompleted: {LedgerStatusReserved},
	LedgerStatusCancelled: {LedgerStatusInitiated, LedgerStatusReserved},
	LedgerStatusFailed:    {LedgerStatusInitiated, LedgerStatusReserved},
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s LedgerStatus) Valid() bool {
	switch s {
	case LedgerStatusInitiated, LedgerStatusReserved, LedgerStatusCompleted, LedgerStatusCancelled, LedgerStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, что запись больше не продвигается.
func (s LedgerStatus) IsTerminal() bool {
	return s == LedgerStatusCompleted || s == LedgerStatusCancelled || s == LedgerStatusFailed
}

// CanAdvanceLedger проверяет переход по решётке initiated -> reserved -> completed,
// с выходом в cancelled/failed из нетерминальных статусов.
func CanAdvanceLedger(from, to LedgerStatus) bool {
	for _, allowed := range ledgerPredecessors[to] {
		if allowed == from {
			return true
		}
	}
	return false
}

// LedgerPredecessors возвращает статусы, из которых допустим переход в to.
// Используется хранилищами для условного UPDATE.
func LedgerPredecessors(to LedgerStatus) []LedgerStatus {
	return append([]LedgerStatus(nil), ledgerPredecessors[to]...)
}

// CouponUsage содержит детали применения купона.
type CouponUsage struct {
	Code           string `json:"code"`
	PercentOff     int32  `json:"percent_off,omitempty"`
	AmountOffMinor int64  `json:"amount_off_minor,omitempty"`
}

// GiftCardUsage содержит детали списания с подарочной карты.
type GiftCardUsage struct {
	Code               string `json:"code"`
	BalanceBeforeMinor int64  `json:"balance_before_minor"`
}

// CampaignUsage содержит детали участия в акции.
type CampaignUsage struct {
	CampaignName string `json:"campaign_name"`
}

// LedgerDetails — размеченное объединение деталей записи. Заполняется ровно тот
// вариант, который соответствует TransactionType; в Audit лежат произвольные метаданные.
type LedgerDetails struct {
	Coupon   *CouponUsage      `json:"coupon,omitempty"`
	GiftCard *GiftCardUsage    `json:"gift_card,omitempty"`
	Campaign *CampaignUsage    `json:"campaign,omitempty"`
	Audit    map[string]string `json:"audit,omitempty"`
}

// ValidateFor проверяет, что заполнен только вариант, соответствующий типу.
func (d LedgerDetails) ValidateFor(t TransactionType) error {
	set := 0
	matches := false
	if d.Coupon != nil {
		set++
		matches = matches || t == TransactionTypeCouponUsage
	}
	if d.GiftCard != nil {
		set++
		matches = matches || t == TransactionTypeGiftCardUsage
	}
	if d.Campaign != nil {
		set++
		matches = matches || t == TransactionTypeCampaignUsage
	}
	if set == 0 {
		return nil
	}
	if set > 1 || !matches {
		return fmt.Errorf("%w: details variant does not match %s", ErrLedgerDetailsInvalid, t)
	}
	return nil
}

// WithAudit возвращает копию деталей с добавленными audit-полями.
func (d LedgerDetails) WithAudit(extra map[string]string) LedgerDetails {
	if len(extra) == 0 {
		return d
	}
	merged := make(map[string]string, len(d.Audit)+len(extra))
	for k, v := range d.Audit {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	d.Audit = merged
	return d
}

// MarshalDetails сериализует детали для хранения.
func MarshalDetails(d LedgerDetails) ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDetails восстанавливает детали из хранилища; пустой ввод даёт пустые детали.
func UnmarshalDetails(raw []byte) (LedgerDetails, error) {
	var d LedgerDetails
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return LedgerDetails{}, fmt.Errorf("decode ledger details: %w", err)
	}
	return d, nil
}

// TransactionLogEntry — одна попытка использования дисконтного инструмента.
type TransactionLogEntry struct {
	ID             string
	Type           TransactionType
	EntityID       string
	EntityCode     string
	Status         LedgerStatus
	OrderID        string // Пустой, пока заказ не создан.
	UserID         string // Пустой для гостя.
	AmountMinor    int64
	IdempotencyKey string
	Details        LedgerDetails
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BeginRequest содержит параметры создания записи журнала.
type BeginRequest struct {
	Type           TransactionType
	EntityID       string
	EntityCode     string
	OrderID        string
	UserID         string
	AmountMinor    int64
	IdempotencyKey string
	Details        LedgerDetails
}

// Validate проверяет обязательные поля запроса.
func (r *BeginRequest) Validate() []error {
	var errs []error

	if !r.Type.Valid() {
		errs = append(errs, ErrTransactionTypeInvalid)
	}
	if r.EntityID == "" {
		errs = append(errs, ErrEntityIDRequired)
	}
	if r.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if err := r.Details.ValidateFor(r.Type); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// BeginResult содержит результат Begin. Replay=true означает, что запись с этим ключом
// уже существовала и её побочные эффекты повторять нельзя.
type BeginResult struct {
	Entry  TransactionLogEntry
	Replay bool
}

// UsageBudget — ограничение на использование инструмента, проверяемое атомарно
// при переходе записи в reserved.
type UsageBudget struct {
	// Максимум засчитанных (reserved+completed) использований, 0 снимает ограничение.
	MaxUses int64
	// Максимальная суммарная сумма, 0 снимает ограничение.
	MaxAmountMinor int64
}

// Allows проверяет, помещается ли ещё одно использование amount в бюджет.
func (b UsageBudget) Allows(usage InstrumentUsage, amount int64) bool {
	if b.MaxUses > 0 && usage.Committed()+1 > b.MaxUses {
		return false
	}
	if b.MaxAmountMinor > 0 && usage.AmountMinor+amount > b.MaxAmountMinor {
		return false
	}
	return true
}

// AdvanceOptions содержит дополнительные параметры Advance.
type AdvanceOptions struct {
	Audit  map[string]string
	Budget *UsageBudget
}

// InstrumentUsage — агрегат использования инструмента по журналу.
type InstrumentUsage struct {
	// Записи в reserved (удержаны, заказ ещё не оплачен).
	InFlight int64
	// Записи в completed.
	Completed int64
	// Сумма по reserved+completed.
	AmountMinor int64
}

// Committed — число засчитанных использований (удержанные + завершённые).
func (u InstrumentUsage) Committed() int64 {
	return u.InFlight + u.Completed
}

// InvalidLedgerTransitionError — попытка продвинуть запись против решётки статусов.
type InvalidLedgerTransitionError struct {
	EntryID string
	From    LedgerStatus
	To      LedgerStatus
}

func (e *InvalidLedgerTransitionError) Error() string {
	return fmt.Sprintf("invalid ledger transition for entry %s: %s -> %s", e.EntryID, e.From, e.To)
}

func (e *InvalidLedgerTransitionError) Is(target error) bool {
	return target == ErrInvalidLedgerTransition
}
