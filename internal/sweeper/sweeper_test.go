package sweeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/akunstore/go-stock-engine/internal/shop"
	memstore "github.com/akunstore/go-stock-engine/internal/shop/memory"
)

func seedHold(t *testing.T, store *memstore.Store, userID string, qty int, expiresAt time.Time) *shop.Reservation {
	t.Helper()
	ctx := context.Background()
	payloads := make([]string, qty)
	for i := range payloads {
		payloads[i] = fmt.Sprintf("cred-%s-%d", userID, i)
	}
	if _, err := store.AddUnits(ctx, "p1", payloads); err != nil {
		t.Fatal(err)
	}
	res := &shop.Reservation{
		ID:         uuid.NewString(),
		UserID:     userID,
		ProductID:  "p1",
		Quantity:   qty,
		PriceCents: 1000,
		CreatedAt:  expiresAt.Add(-15 * time.Minute),
		ExpiresAt:  expiresAt,
	}
	if err := store.CreateReservation(ctx, res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestSweepReclaimsOnlyLapsedHolds(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	lapsed := seedHold(t, store, "alice", 2, now.Add(-time.Minute))
	live := seedHold(t, store, "bob", 1, now.Add(10*time.Minute))

	s := &Sweeper{Store: store, Batch: 100, Now: func() time.Time { return now }}
	n, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d holds", n)
	}

	if _, err := store.Reservation(ctx, lapsed.ID); err == nil {
		t.Fatal("lapsed hold survived the sweep")
	}
	if _, err := store.Reservation(ctx, live.ID); err != nil {
		t.Fatalf("live hold swept: %v", err)
	}
	if free, _ := store.AvailableCount(ctx, "p1"); free != 2 {
		t.Fatalf("available=%d", free)
	}

	// nothing left to do
	if n, err = s.SweepOnce(ctx); err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
}

func TestSweepBatchLimit(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		seedHold(t, store, fmt.Sprintf("user-%d", i), 1, now.Add(-time.Minute))
	}

	s := &Sweeper{Store: store, Batch: 2, Now: func() time.Time { return now }}
	if n, err := s.SweepOnce(ctx); err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if n, err := s.SweepOnce(ctx); err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if n, err := s.SweepOnce(ctx); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

// A hold consumed by checkout between listing and release stays sold; the
// release is a no-op, never a rollback of the sale.
func TestSweepLosesRaceToCheckout(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	res := seedHold(t, store, "alice", 2, now.Add(-time.Minute))
	if err := store.Credit(ctx, "alice", 2000); err != nil {
		t.Fatal(err)
	}
	// checkout wins the race (its own expiry read happened before the lapse)
	order, err := store.Checkout(ctx, "alice", []string{res.ID}, now.Add(-2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	s := &Sweeper{Store: store, Batch: 100, Now: func() time.Time { return now }}
	if n, err := s.SweepOnce(ctx); err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}

	got, err := store.Order(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Lines) != 2 {
		t.Fatalf("order lines=%d", len(got.Lines))
	}
	if free, _ := store.AvailableCount(ctx, "p1"); free != 0 {
		t.Fatalf("sold units resurrected: available=%d", free)
	}
}
