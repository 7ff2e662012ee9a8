package cart

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/akunstore/go-stock-engine/internal/shop"
	memstore "github.com/akunstore/go-stock-engine/internal/shop/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testManager(t *testing.T) (*Manager, *memstore.Store, *memstore.Catalog, *fakeClock) {
	t.Helper()
	store := memstore.NewStore()
	catalog := memstore.NewCatalog()
	clock := newClock()
	m := &Manager{
		Store:   store,
		Catalog: catalog,
		HoldTTL: 15 * time.Minute,
		Now:     clock.Now,
	}
	return m, store, catalog, clock
}

func seedProfiles(t *testing.T, store *memstore.Store, catalog *memstore.Catalog, n int) *shop.Product {
	t.Helper()
	p := &shop.Product{
		ID:          "netflix-profile",
		SKU:         "NFLX-P1",
		Name:        "Netflix profile slot",
		SaleType:    shop.SaleProfile,
		PriceCents:  15000,
		MaxProfiles: 4,
	}
	catalog.Put(p)
	payloads := make([]string, n)
	for i := range payloads {
		payloads[i] = "profile-slot"
	}
	if _, err := store.AddUnits(context.Background(), p.ID, payloads); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAddToCartCreatesHold(t *testing.T) {
	ctx := context.Background()
	m, store, catalog, clock := testManager(t)
	p := seedProfiles(t, store, catalog, 3)

	res, err := m.AddToCart(ctx, "alice", p.ID, 2)
	if err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if res.Quantity != 2 || res.PriceCents != 15000 {
		t.Fatalf("got qty=%d price=%d", res.Quantity, res.PriceCents)
	}
	if want := clock.Now().Add(15 * time.Minute); !res.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt=%v want %v", res.ExpiresAt, want)
	}
	if n, _ := store.AvailableCount(ctx, p.ID); n != 1 {
		t.Fatalf("available=%d", n)
	}
}

func TestAddToCartRejectsBadQuantity(t *testing.T) {
	ctx := context.Background()
	m, store, catalog, _ := testManager(t)
	p := seedProfiles(t, store, catalog, 6)

	for _, qty := range []int{0, -1, 5} { // 5 exceeds MaxProfiles
		if _, err := m.AddToCart(ctx, "alice", p.ID, qty); !errors.Is(err, shop.ErrInvalidQuantity) {
			t.Fatalf("qty=%d: want ErrInvalidQuantity, got %v", qty, err)
		}
	}
	if _, err := m.AddToCart(ctx, "alice", "no-such-product", 1); !errors.Is(err, shop.ErrNotFound) {
		t.Fatalf("unknown product: want ErrNotFound, got %v", err)
	}
}

// A second add of the same product updates the one existing hold and keeps
// the price snapshot from the first add, even after a catalog price change.
func TestAddToCartMergesSameProduct(t *testing.T) {
	ctx := context.Background()
	m, store, catalog, clock := testManager(t)
	p := seedProfiles(t, store, catalog, 4)

	first, err := m.AddToCart(ctx, "alice", p.ID, 1)
	if err != nil {
		t.Fatal(err)
	}

	bumped := *p
	bumped.PriceCents = 99000
	catalog.Put(&bumped)
	clock.Advance(5 * time.Minute)

	second, err := m.AddToCart(ctx, "alice", p.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("new hold stacked instead of updating: %s vs %s", second.ID, first.ID)
	}
	if second.Quantity != 3 {
		t.Fatalf("qty=%d", second.Quantity)
	}
	if second.PriceCents != 15000 {
		t.Fatalf("price snapshot lost: %d", second.PriceCents)
	}
	// the merge resets the countdown
	if want := clock.Now().Add(15 * time.Minute); !second.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt=%v want %v", second.ExpiresAt, want)
	}

	lines, err := m.ListActive(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("cart lines=%d", len(lines))
	}
}

func TestAddToCartInsufficientStockKeepsPriorHold(t *testing.T) {
	ctx := context.Background()
	m, store, catalog, _ := testManager(t)
	p := seedProfiles(t, store, catalog, 3)

	if _, err := m.AddToCart(ctx, "alice", p.ID, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddToCart(ctx, "alice", p.ID, 4); !errors.Is(err, shop.ErrInsufficientStock) {
		t.Fatalf("want ErrInsufficientStock, got %v", err)
	}

	lines, err := m.ListActive(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0].Reservation.Quantity != 2 {
		t.Fatalf("prior hold damaged: %+v", lines)
	}
	if n, _ := store.AvailableCount(ctx, p.ID); n != 1 {
		t.Fatalf("available=%d", n)
	}
}

// Two buyers contend for three slots: 2 + 2 cannot both hold, 2 + 1 can.
func TestHoldsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	m, store, catalog, _ := testManager(t)
	p := seedProfiles(t, store, catalog, 3)

	if _, err := m.AddToCart(ctx, "alice", p.ID, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddToCart(ctx, "bob", p.ID, 2); !errors.Is(err, shop.ErrInsufficientStock) {
		t.Fatalf("want ErrInsufficientStock, got %v", err)
	}
	if _, err := m.AddToCart(ctx, "bob", p.ID, 1); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.AvailableCount(ctx, p.ID); n != 0 {
		t.Fatalf("available=%d", n)
	}
}

func TestUpdateQuantity(t *testing.T) {
	ctx := context.Background()
	m, store, catalog, clock := testManager(t)
	p := seedProfiles(t, store, catalog, 4)

	res, err := m.AddToCart(ctx, "alice", p.ID, 2)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("grow", func(t *testing.T) {
		got, err := m.UpdateQuantity(ctx, "alice", res.ID, 4)
		if err != nil {
			t.Fatal(err)
		}
		if got.Quantity != 4 {
			t.Fatalf("qty=%d", got.Quantity)
		}
		if n, _ := store.AvailableCount(ctx, p.ID); n != 0 {
			t.Fatalf("available=%d", n)
		}
	})

	t.Run("failed grow keeps binding", func(t *testing.T) {
		if _, err := m.UpdateQuantity(ctx, "alice", res.ID, 9); !errors.Is(err, shop.ErrInvalidQuantity) {
			t.Fatalf("want ErrInvalidQuantity (cap), got %v", err)
		}
		got, err := store.Reservation(ctx, res.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Quantity != 4 {
			t.Fatalf("qty=%d", got.Quantity)
		}
	})

	t.Run("shrink frees the delta", func(t *testing.T) {
		got, err := m.UpdateQuantity(ctx, "alice", res.ID, 1)
		if err != nil {
			t.Fatal(err)
		}
		if got.Quantity != 1 {
			t.Fatalf("qty=%d", got.Quantity)
		}
		if n, _ := store.AvailableCount(ctx, p.ID); n != 3 {
			t.Fatalf("available=%d", n)
		}
	})

	t.Run("same quantity still resets the countdown", func(t *testing.T) {
		clock.Advance(10 * time.Minute)
		got, err := m.UpdateQuantity(ctx, "alice", res.ID, 1)
		if err != nil {
			t.Fatal(err)
		}
		if want := clock.Now().Add(15 * time.Minute); !got.ExpiresAt.Equal(want) {
			t.Fatalf("ExpiresAt=%v want %v", got.ExpiresAt, want)
		}
	})

	t.Run("zero removes the line", func(t *testing.T) {
		got, err := m.UpdateQuantity(ctx, "alice", res.ID, 0)
		if err != nil || got != nil {
			t.Fatalf("got %+v err=%v", got, err)
		}
		if n, _ := store.AvailableCount(ctx, p.ID); n != 4 {
			t.Fatalf("available=%d", n)
		}
	})

	t.Run("gone hold reads as expired", func(t *testing.T) {
		if _, err := m.UpdateQuantity(ctx, "alice", res.ID, 2); !errors.Is(err, shop.ErrReservationExpired) {
			t.Fatalf("want ErrReservationExpired, got %v", err)
		}
	})
}

func TestUpdateQuantityChecksOwner(t *testing.T) {
	ctx := context.Background()
	m, store, catalog, _ := testManager(t)
	p := seedProfiles(t, store, catalog, 2)

	res, err := m.AddToCart(ctx, "alice", p.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpdateQuantity(ctx, "mallory", res.ID, 2); !errors.Is(err, shop.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRemoveFromCartIdempotent(t *testing.T) {
	ctx := context.Background()
	m, store, catalog, _ := testManager(t)
	p := seedProfiles(t, store, catalog, 2)

	res, err := m.AddToCart(ctx, "alice", p.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := m.RemoveFromCart(ctx, "alice", res.ID); err != nil {
			t.Fatalf("remove #%d: %v", i, err)
		}
	}
	if n, _ := store.AvailableCount(ctx, p.ID); n != 2 {
		t.Fatalf("available=%d", n)
	}
}

// A hold found past its expiry is reclaimed on touch, not returned.
func TestLazyExpiry(t *testing.T) {
	ctx := context.Background()
	m, store, catalog, clock := testManager(t)
	p := seedProfiles(t, store, catalog, 2)

	res, err := m.AddToCart(ctx, "alice", p.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(16 * time.Minute)

	lines, err := m.ListActive(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 0 {
		t.Fatalf("lapsed hold listed: %+v", lines)
	}
	if n, _ := store.AvailableCount(ctx, p.ID); n != 2 {
		t.Fatalf("available=%d", n)
	}
	if _, err := m.UpdateQuantity(ctx, "alice", res.ID, 1); !errors.Is(err, shop.ErrReservationExpired) {
		t.Fatalf("want ErrReservationExpired, got %v", err)
	}
}

// After expiry the same product can be added again from scratch.
func TestAddAfterExpiryStartsFresh(t *testing.T) {
	ctx := context.Background()
	m, store, catalog, clock := testManager(t)
	p := seedProfiles(t, store, catalog, 2)

	old, err := m.AddToCart(ctx, "alice", p.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(20 * time.Minute)

	fresh, err := m.AddToCart(ctx, "alice", p.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == old.ID {
		t.Fatal("lapsed hold resurrected")
	}
	if fresh.Quantity != 1 {
		t.Fatalf("qty=%d", fresh.Quantity)
	}
	if n, _ := store.AvailableCount(ctx, p.ID); n != 1 {
		t.Fatalf("available=%d", n)
	}
}

// gapStore stalls the first two cart listings until both callers have
// read, forcing the widest possible window between the duplicate check
// and the hold insert.
type gapStore struct {
	shop.Store
	reads   int32
	arrived chan struct{}
	release chan struct{}
}

func (g *gapStore) UserReservations(ctx context.Context, userID string) ([]*shop.Reservation, error) {
	out, err := g.Store.UserReservations(ctx, userID)
	if atomic.AddInt32(&g.reads, 1) <= 2 {
		g.arrived <- struct{}{}
		<-g.release
	}
	return out, err
}

// Two simultaneous adds of the same product must end as one hold, never
// two stacked ones.
func TestConcurrentDuplicateAddsMerge(t *testing.T) {
	ctx := context.Background()
	m, store, catalog, _ := testManager(t)
	p := seedProfiles(t, store, catalog, 4)

	gap := &gapStore{
		Store:   store,
		arrived: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	m.Store = gap

	var wg sync.WaitGroup
	results := make([]*shop.Reservation, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.AddToCart(ctx, "alice", p.ID, 2)
		}(i)
	}
	<-gap.arrived
	<-gap.arrived
	close(gap.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("add #%d: %v", i, err)
		}
	}
	if results[0].ID != results[1].ID {
		t.Fatalf("adds stacked two holds: %s and %s", results[0].ID, results[1].ID)
	}

	lines, err := m.ListActive(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0].Reservation.Quantity != 2 {
		t.Fatalf("want one hold of 2, got %+v", lines)
	}
	if n, _ := store.AvailableCount(ctx, p.ID); n != 2 {
		t.Fatalf("available=%d, buyer charged for stacked holds", n)
	}
}

func TestListActiveRemaining(t *testing.T) {
	ctx := context.Background()
	m, store, catalog, clock := testManager(t)
	p := seedProfiles(t, store, catalog, 1)

	if _, err := m.AddToCart(ctx, "alice", p.ID, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Minute)

	lines, err := m.ListActive(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("lines=%d", len(lines))
	}
	if lines[0].Remaining != 10*time.Minute {
		t.Fatalf("remaining=%v", lines[0].Remaining)
	}
}
