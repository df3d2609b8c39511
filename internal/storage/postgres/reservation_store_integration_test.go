package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

func TestReservationStore_PostgresNoOversellUnderConcurrency(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	reservations := NewReservationStore(store)
	ctx := context.Background()

	if _, err := reservations.Receive(ctx, "variant-1", 5); err != nil {
		t.Fatalf("receive: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		failures []error
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reservations.Reserve(ctx, domain.ReserveRequest{
				VariantID: "variant-1", Qty: 1, OwnerID: "order", OwnerKind: domain.OwnerKindOrder,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			if !errors.Is(err, domain.ErrInsufficientStock) {
				failures = append(failures, err)
			}
		}()
	}
	wg.Wait()

	if len(failures) > 0 {
		t.Fatalf("unexpected reserve errors: %v", failures)
	}
	if ok != 5 {
		t.Fatalf("expected exactly 5 successful reservations, got %d", ok)
	}

	level, err := reservations.Stock(ctx, "variant-1")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if level.Available() != 0 {
		t.Fatalf("expected nothing available, got %+v", level)
	}
}

func TestReservationStore_PostgresCommitReleaseSweep(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	reservations := NewReservationStore(store)
	ctx := context.Background()

	if _, err := reservations.Receive(ctx, "variant-1", 10); err != nil {
		t.Fatalf("receive: %v", err)
	}
	reserve := func(qty int32, hold time.Duration) domain.StockReservation {
		t.Helper()
		r, err := reservations.Reserve(ctx, domain.ReserveRequest{
			VariantID: "variant-1", Qty: qty, OwnerID: "order-1", OwnerKind: domain.OwnerKindOrder, Hold: hold,
		})
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		return r
	}

	committed := reserve(2, time.Minute)
	released := reserve(3, time.Minute)
	stale := reserve(1, time.Minute)
	fresh := reserve(1, time.Hour)

	for i := 0; i < 2; i++ {
		if err := reservations.Commit(ctx, committed.ID); err != nil {
			t.Fatalf("commit #%d: %v", i, err)
		}
		if err := reservations.Release(ctx, released.ID); err != nil {
			t.Fatalf("release #%d: %v", i, err)
		}
	}
	if err := reservations.Release(ctx, committed.ID); !errors.Is(err, domain.ErrReservationNotActive) {
		t.Fatalf("expected ErrReservationNotActive, got %v", err)
	}
	if err := reservations.Commit(ctx, released.ID); !errors.Is(err, domain.ErrReservationNotActive) {
		t.Fatalf("expected ErrReservationNotActive, got %v", err)
	}
	if err := reservations.Commit(ctx, "missing"); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}

	swept, err := reservations.SweepExpired(ctx, time.Now().UTC().Add(16*time.Minute), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept reservation, got %d", swept)
	}

	for id, want := range map[string]domain.ReservationStatus{
		committed.ID: domain.ReservationStatusCommitted,
		released.ID:  domain.ReservationStatusReleased,
		stale.ID:     domain.ReservationStatusExpired,
		fresh.ID:     domain.ReservationStatusActive,
	} {
		got, err := reservations.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != want {
			t.Fatalf("reservation %s: got %s want %s", id, got.Status, want)
		}
	}

	level, err := reservations.Stock(ctx, "variant-1")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if level.OnHand != 8 || level.Reserved != 1 {
		t.Fatalf("unexpected stock level: %+v", level)
	}

	owned, err := reservations.ListByOwner(ctx, "order-1")
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(owned) != 4 {
		t.Fatalf("expected 4 reservations, got %d", len(owned))
	}
}
