package httpapi

import (
	"strings"
	"time"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/lifecycle"
)

type checkoutLineBody struct {
	VariantID  string `json:"variant_id" validate:"required"`
	Qty        int32  `json:"qty" validate:"gte=1"`
	PriceMinor int64  `json:"price_minor" validate:"gte=0"`
}

type instrumentRefBody struct {
	Type string `json:"type" validate:"required,oneof=COUPON_USAGE GIFT_CARD_USAGE CAMPAIGN_USAGE"`
	Code string `json:"code" validate:"required"`
}

type checkoutBody struct {
	CheckoutKey       string              `json:"checkout_key"`
	CustomerID        string              `json:"customer_id"`
	Currency          string              `json:"currency" validate:"required,len=3"`
	Lines             []checkoutLineBody  `json:"lines" validate:"required,min=1,dive"`
	Instruments       []instrumentRefBody `json:"instruments" validate:"omitempty,dive"`
	TaxMinor          int64               `json:"tax_minor" validate:"gte=0"`
	ShippingMinor     int64               `json:"shipping_minor" validate:"gte=0"`
	ShippingAddressID string              `json:"shipping_address_id"`
	BillingAddressID  string              `json:"billing_address_id"`
}

func (b checkoutBody) toRequest(headerKey string) lifecycle.CheckoutRequest {
	key := strings.TrimSpace(b.CheckoutKey)
	if key == "" {
		key = strings.TrimSpace(headerKey)
	}

	req := lifecycle.CheckoutRequest{
		CheckoutKey:       key,
		CustomerID:        b.CustomerID,
		Currency:          strings.ToUpper(b.Currency),
		TaxMinor:          b.TaxMinor,
		ShippingMinor:     b.ShippingMinor,
		ShippingAddressID: b.ShippingAddressID,
		BillingAddressID:  b.BillingAddressID,
	}
	for _, line := range b.Lines {
		req.Lines = append(req.Lines, lifecycle.CheckoutLine{
			VariantID:  line.VariantID,
			Qty:        line.Qty,
			PriceMinor: line.PriceMinor,
		})
	}
	for _, ref := range b.Instruments {
		req.Instruments = append(req.Instruments, lifecycle.InstrumentRef{
			Type: domain.TransactionType(ref.Type),
			Code: ref.Code,
		})
	}
	return req
}

type paymentOutcomeBody struct {
	Success *bool `json:"success" validate:"required"`
}

type cancelBody struct {
	Reason string `json:"reason" validate:"max=256"`
}

type transitionBody struct {
	Status string `json:"status" validate:"required"`
}

type receiptBody struct {
	Qty int64 `json:"qty" validate:"gte=1"`
}

type instrumentBody struct {
	ID               string     `json:"id" validate:"required"`
	Name             string     `json:"name"`
	Active           bool       `json:"active"`
	StartsAt         *time.Time `json:"starts_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
	UsageLimit       int64      `json:"usage_limit" validate:"gte=0"`
	BalanceMinor     int64      `json:"balance_minor" validate:"gte=0"`
	PercentOff       int32      `json:"percent_off" validate:"gte=0,lte=100"`
	AmountOffMinor   int64      `json:"amount_off_minor" validate:"gte=0"`
	MinSubtotalMinor int64      `json:"min_subtotal_minor" validate:"gte=0"`
}

func (b instrumentBody) toDomain(t domain.TransactionType, code string) domain.DiscountInstrument {
	instrument := domain.DiscountInstrument{
		ID:               b.ID,
		Type:             t,
		Code:             strings.ToUpper(strings.TrimSpace(code)),
		Name:             b.Name,
		Active:           b.Active,
		UsageLimit:       b.UsageLimit,
		BalanceMinor:     b.BalanceMinor,
		PercentOff:       b.PercentOff,
		AmountOffMinor:   b.AmountOffMinor,
		MinSubtotalMinor: b.MinSubtotalMinor,
	}
	if b.StartsAt != nil {
		instrument.StartsAt = b.StartsAt.UTC()
	}
	if b.ExpiresAt != nil {
		instrument.ExpiresAt = b.ExpiresAt.UTC()
	}
	return instrument
}

type orderItemView struct {
	ID            string `json:"id"`
	VariantID     string `json:"variant_id"`
	Qty           int32  `json:"qty"`
	PriceMinor    int64  `json:"price_minor"`
	ReservationID string `json:"reservation_id,omitempty"`
}

type orderView struct {
	ID                string          `json:"id"`
	CustomerID        string          `json:"customer_id,omitempty"`
	Status            string          `json:"status"`
	Currency          string          `json:"currency"`
	SubtotalMinor     int64           `json:"subtotal_minor"`
	DiscountMinor     int64           `json:"discount_minor"`
	TaxMinor          int64           `json:"tax_minor"`
	ShippingMinor     int64           `json:"shipping_minor"`
	TotalMinor        int64           `json:"total_minor"`
	CouponCode        string          `json:"coupon_code,omitempty"`
	CheckoutKey       string          `json:"checkout_key"`
	ShippingAddressID string          `json:"shipping_address_id,omitempty"`
	BillingAddressID  string          `json:"billing_address_id,omitempty"`
	Version           int64           `json:"version"`
	Items             []orderItemView `json:"items"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func newOrderView(order domain.Order) orderView {
	view := orderView{
		ID:                order.ID,
		CustomerID:        order.CustomerID,
		Status:            string(order.Status),
		Currency:          order.Currency,
		SubtotalMinor:     order.SubtotalMinor,
		DiscountMinor:     order.DiscountMinor,
		TaxMinor:          order.TaxMinor,
		ShippingMinor:     order.ShippingMinor,
		TotalMinor:        order.TotalMinor,
		CouponCode:        order.CouponCode,
		CheckoutKey:       order.CheckoutKey,
		ShippingAddressID: order.ShippingAddressID,
		BillingAddressID:  order.BillingAddressID,
		Version:           order.Version,
		Items:             make([]orderItemView, 0, len(order.Items)),
		CreatedAt:         order.CreatedAt,
		UpdatedAt:         order.UpdatedAt,
	}
	for _, item := range order.Items {
		view.Items = append(view.Items, orderItemView{
			ID:            item.ID,
			VariantID:     item.VariantID,
			Qty:           item.Qty,
			PriceMinor:    item.PriceMinor,
			ReservationID: item.ReservationID,
		})
	}
	return view
}

type checkoutView struct {
	Order  orderView `json:"order"`
	Replay bool      `json:"replay"`
}

type timelineEventView struct {
	Type     string    `json:"type"`
	Status   string    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred_at"`
}

type ledgerEntryView struct {
	ID             string               `json:"id"`
	Type           string               `json:"type"`
	EntityID       string               `json:"entity_id"`
	EntityCode     string               `json:"entity_code,omitempty"`
	Status         string               `json:"status"`
	AmountMinor    int64                `json:"amount_minor"`
	IdempotencyKey string               `json:"idempotency_key"`
	Details        domain.LedgerDetails `json:"details"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

type reservationView struct {
	ID        string    `json:"id"`
	VariantID string    `json:"variant_id"`
	Qty       int32     `json:"qty"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

type stockView struct {
	VariantID string `json:"variant_id"`
	OnHand    int64  `json:"on_hand"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

func newStockView(level domain.StockLevel) stockView {
	return stockView{
		VariantID: level.VariantID,
		OnHand:    level.OnHand,
		Reserved:  level.Reserved,
		Available: level.Available(),
	}
}

type sweepView struct {
	Expired int  `json:"expired"`
	Skipped bool `json:"skipped"`
}
