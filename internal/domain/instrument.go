package domain

import "time"

// DiscountInstrument — купон, подарочная карта или акция, применимые при оформлении.
// Счётчики использования не хранятся на инструменте: они выводятся из журнала.
type DiscountInstrument struct {
	ID       string
	Type     TransactionType
	Code     string
	Name     string
	Active   bool
	StartsAt time.Time // Нулевое значение: действует сразу.
	// Нулевое значение означает бессрочный инструмент.
	ExpiresAt time.Time

	// Лимит использований для купонов и акций, 0 снимает лимит.
	UsageLimit int64
	// Номинал подарочной карты.
	BalanceMinor int64

	PercentOff       int32
	AmountOffMinor   int64
	MinSubtotalMinor int64
}

// CheckUsable проверяет срок действия, активность и остаток бюджета инструмента.
func (i *DiscountInstrument) CheckUsable(now time.Time, usage InstrumentUsage) error {
	if !i.Active {
		return ErrInstrumentInactive
	}
	if !i.StartsAt.IsZero() && now.Before(i.StartsAt) {
		return ErrInstrumentInactive
	}
	if !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt) {
		return ErrInstrumentExpired
	}

	switch i.Type {
	case TransactionTypeGiftCardUsage:
		if i.BalanceMinor-usage.AmountMinor <= 0 {
			return ErrGiftCardDepleted
		}
	default:
		if i.UsageLimit > 0 && usage.Committed() >= i.UsageLimit {
			return ErrUsageLimitReached
		}
	}

	return nil
}

// Budget возвращает ограничение, которое журнал проверяет атомарно при резерве.
func (i *DiscountInstrument) Budget() UsageBudget {
	if i.Type == TransactionTypeGiftCardUsage {
		return UsageBudget{MaxAmountMinor: i.BalanceMinor}
	}
	return UsageBudget{MaxUses: i.UsageLimit}
}

// Details формирует размеченные детали записи журнала под тип инструмента.
func (i *DiscountInstrument) Details(usage InstrumentUsage) LedgerDetails {
	switch i.Type {
	case TransactionTypeCouponUsage:
		return LedgerDetails{Coupon: &CouponUsage{
			Code:           i.Code,
			PercentOff:     i.PercentOff,
			AmountOffMinor: i.AmountOffMinor,
		}}
	case TransactionTypeGiftCardUsage:
		return LedgerDetails{GiftCard: &GiftCardUsage{
			Code:               i.Code,
			BalanceBeforeMinor: i.BalanceMinor - usage.AmountMinor,
		}}
	case TransactionTypeCampaignUsage:
		return LedgerDetails{Campaign: &CampaignUsage{CampaignName: i.Name}}
	default:
		return LedgerDetails{}
	}
}

// DiscountQuote содержит входные данные для расчёта скидки.
type DiscountQuote struct {
	Instrument DiscountInstrument
	Usage      InstrumentUsage
	// Сумма позиций заказа.
	SubtotalMinor int64
	// Сколько ещё осталось оплатить после ранее применённых инструментов.
	PayableMinor int64
}

// DiscountCalculator — внешний расчёт суммы скидки; внутренняя логика здесь не важна.
type DiscountCalculator interface {
	Discount(quote DiscountQuote) (int64, error)
}
