// Package discount содержит расчёт суммы скидки по дисконтному инструменту.
package discount

import (
	"fmt"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

// Calculator — расчёт скидки по порогу, проценту и фиксированной сумме.
// Сумма никогда не превышает то, что ещё осталось оплатить.
type Calculator struct{}

// NewCalculator создаёт калькулятор скидок.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Discount возвращает сумму скидки в минимальных единицах.
func (c *Calculator) Discount(quote domain.DiscountQuote) (int64, error) {
	inst := quote.Instrument
	if quote.SubtotalMinor < inst.MinSubtotalMinor {
		return 0, fmt.Errorf("%w: subtotal %d below minimum %d", domain.ErrDiscountNotApplicable, quote.SubtotalMinor, inst.MinSubtotalMinor)
	}
	if quote.PayableMinor <= 0 {
		return 0, nil
	}

	var amount int64
	switch inst.Type {
	case domain.TransactionTypeGiftCardUsage:
		remaining := inst.BalanceMinor - quote.Usage.AmountMinor
		if remaining <= 0 {
			return 0, domain.ErrGiftCardDepleted
		}
		amount = remaining
	case domain.TransactionTypeCouponUsage, domain.TransactionTypeCampaignUsage:
		if inst.PercentOff < 0 || inst.PercentOff > 100 || inst.AmountOffMinor < 0 {
			return 0, fmt.Errorf("%w: instrument %s has invalid terms", domain.ErrDiscountNotApplicable, inst.Code)
		}
		// Процент считается от subtotal, с округлением вниз.
		amount = quote.SubtotalMinor*int64(inst.PercentOff)/100 + inst.AmountOffMinor
	default:
		return 0, domain.ErrTransactionTypeInvalid
	}

	if amount > quote.PayableMinor {
		amount = quote.PayableMinor
	}
	return amount, nil
}

var _ domain.DiscountCalculator = (*Calculator)(nil)
