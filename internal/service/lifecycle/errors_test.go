package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "storage error", err: errors.New("connection refused"), want: true},
		{name: "wrapped storage error", err: fmt.Errorf("insert: %w", errors.New("timeout")), want: true},
		{name: "insufficient stock", err: &domain.InsufficientStockError{VariantID: "v"}, want: false},
		{name: "not active", err: &domain.ReservationNotActiveError{ReservationID: "r"}, want: false},
		{name: "budget", err: fmt.Errorf("advance: %w", domain.ErrBudgetExhausted), want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransient(tc.err); got != tc.want {
				t.Fatalf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestInstrumentCode(t *testing.T) {
	cases := []struct {
		name   string
		t      domain.TransactionType
		err    error
		want   CheckoutCode
		mapped bool
	}{
		{name: "expired", t: domain.TransactionTypeCouponUsage, err: domain.ErrInstrumentExpired, want: CodeCouponExpired, mapped: true},
		{name: "depleted", t: domain.TransactionTypeGiftCardUsage, err: domain.ErrGiftCardDepleted, want: CodeGiftCardDepleted, mapped: true},
		{name: "gift card budget", t: domain.TransactionTypeGiftCardUsage, err: domain.ErrBudgetExhausted, want: CodeGiftCardDepleted, mapped: true},
		{name: "coupon budget", t: domain.TransactionTypeCouponUsage, err: domain.ErrBudgetExhausted, want: CodeInvalidCoupon, mapped: true},
		{name: "limit", t: domain.TransactionTypeCampaignUsage, err: domain.ErrUsageLimitReached, want: CodeInvalidCoupon, mapped: true},
		{name: "not found", t: domain.TransactionTypeCouponUsage, err: domain.ErrInstrumentNotFound, want: CodeInvalidCoupon, mapped: true},
		{name: "storage", t: domain.TransactionTypeCouponUsage, err: errors.New("io"), mapped: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := instrumentCode(tc.t, tc.err)
			if ok != tc.mapped || got != tc.want {
				t.Fatalf("instrumentCode = (%q, %v), want (%q, %v)", got, ok, tc.want, tc.mapped)
			}
		})
	}
}

func TestCheckoutError(t *testing.T) {
	err := &CheckoutError{Code: CodeOutOfStock, Subject: "variant-9", Err: domain.ErrInsufficientStock}
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatal("checkout error must unwrap to cause")
	}
	if err.Error() != "checkout failed: OUT_OF_STOCK (variant-9): insufficient stock" {
		t.Fatalf("unexpected error text: %s", err.Error())
	}

	internal := asCheckoutError(errors.New("pq: relation does not exist"))
	if internal.Code != CodeInternal {
		t.Fatalf("expected INTERNAL, got %s", internal.Code)
	}
	if internal.Message() != "checkout could not be completed, please retry" {
		t.Fatalf("internal message must not leak cause: %s", internal.Message())
	}
}

func TestLedgerKeyAndOrderID(t *testing.T) {
	if got := LedgerKey("cart:1", domain.TransactionTypeCouponUsage, " save10 "); got != "cart:1:COUPON_USAGE:SAVE10" {
		t.Fatalf("unexpected ledger key %q", got)
	}
	if OrderIDForCheckout("k") != OrderIDForCheckout("k") {
		t.Fatal("order id must be stable for a checkout key")
	}
	if OrderIDForCheckout("k") == OrderIDForCheckout("k2") {
		t.Fatal("order ids must differ across checkout keys")
	}
}

func TestRetryConfigBackoff(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 4, InitialDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond, BackoffFactor: 2}.normalized()

	delay := cfg.InitialDelay
	var delays []time.Duration
	for i := 0; i < 3; i++ {
		delay = cfg.next(delay)
		delays = append(delays, delay)
	}
	want := []time.Duration{20 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d = %s, want %s", i, delays[i], want[i])
		}
	}

	def := RetryConfig{}.normalized()
	if def != DefaultRetryConfig() {
		t.Fatalf("zero config must normalize to defaults, got %+v", def)
	}
}
