package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/storage/memory"
)

func TestInstrumentRepository_GetByCode(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewInstrumentRepository(domain.DiscountInstrument{
		ID:     "5",
		Type:   domain.TransactionTypeCouponUsage,
		Code:   "SAVE10",
		Active: true,
	})

	instrument, err := repo.GetByCode(ctx, domain.TransactionTypeCouponUsage, " save10 ")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if instrument.ID != "5" {
		t.Fatalf("unexpected instrument: %+v", instrument)
	}

	if _, err := repo.GetByCode(ctx, domain.TransactionTypeGiftCardUsage, "SAVE10"); !errors.Is(err, domain.ErrInstrumentNotFound) {
		t.Fatalf("expected ErrInstrumentNotFound, got %v", err)
	}
}

func TestInstrumentRepository_Upsert(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewInstrumentRepository()

	card := domain.DiscountInstrument{ID: "g1", Type: domain.TransactionTypeGiftCardUsage, Code: "gc-100", Active: true, BalanceMinor: 100}
	if err := repo.Upsert(ctx, card); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	card.BalanceMinor = 200
	if err := repo.Upsert(ctx, card); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	stored, err := repo.GetByCode(ctx, domain.TransactionTypeGiftCardUsage, "GC-100")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.BalanceMinor != 200 {
		t.Fatalf("expected replaced balance, got %d", stored.BalanceMinor)
	}

	if err := repo.Upsert(ctx, domain.DiscountInstrument{ID: "x", Type: "BONUS"}); !errors.Is(err, domain.ErrTransactionTypeInvalid) {
		t.Fatalf("expected ErrTransactionTypeInvalid, got %v", err)
	}
}
