package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/akunstore/go-stock-engine/internal/cart"
	"github.com/akunstore/go-stock-engine/internal/shop"
	memstore "github.com/akunstore/go-stock-engine/internal/shop/memory"
)

func testRig(t *testing.T, stock int) (*cart.Manager, *Coordinator, *memstore.Store, *shop.Product) {
	t.Helper()
	store := memstore.NewStore()
	catalog := memstore.NewCatalog()
	p := &shop.Product{
		ID:         "spotify-family",
		SKU:        "SPOT-F1",
		Name:       "Spotify family slot",
		SaleType:   shop.SaleProfile,
		PriceCents: 15000,
	}
	catalog.Put(p)
	payloads := make([]string, stock)
	for i := range payloads {
		payloads[i] = "user:pass"
	}
	if _, err := store.AddUnits(context.Background(), p.ID, payloads); err != nil {
		t.Fatal(err)
	}
	mgr := &cart.Manager{Store: store, Catalog: catalog, HoldTTL: 15 * time.Minute}
	coord := &Coordinator{Store: store}
	return mgr, coord, store, p
}

func TestCheckoutHappyPath(t *testing.T) {
	ctx := context.Background()
	mgr, coord, store, p := testRig(t, 3)

	if err := store.Credit(ctx, "alice", 100000); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.AddToCart(ctx, "alice", p.ID, 2); err != nil {
		t.Fatal(err)
	}

	order, err := coord.Checkout(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if order.TotalCents != 30000 || len(order.Lines) != 2 {
		t.Fatalf("total=%d lines=%d", order.TotalCents, len(order.Lines))
	}
	for _, line := range order.Lines {
		if line.Payload == "" {
			t.Fatal("buyer must receive the credential payload")
		}
	}

	balance, _ := store.Balance(ctx, "alice")
	if balance != 70000 {
		t.Fatalf("balance=%d", balance)
	}
	if n, _ := store.AvailableCount(ctx, p.ID); n != 1 {
		t.Fatalf("available=%d", n)
	}
	lines, _ := mgr.ListActive(ctx, "alice")
	if len(lines) != 0 {
		t.Fatalf("cart not drained: %+v", lines)
	}

	// the holds are consumed, so a blind retry cannot charge twice
	if _, err := coord.Checkout(ctx, "alice", ""); !errors.Is(err, shop.ErrEmptyCart) {
		t.Fatalf("retry: want ErrEmptyCart, got %v", err)
	}
	if balance, _ = store.Balance(ctx, "alice"); balance != 70000 {
		t.Fatalf("retry debited again: balance=%d", balance)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	_, coord, _, _ := testRig(t, 1)
	if _, err := coord.Checkout(context.Background(), "alice", ""); !errors.Is(err, shop.ErrEmptyCart) {
		t.Fatalf("want ErrEmptyCart, got %v", err)
	}
}

func TestCheckoutInsufficientCreditKeepsEverything(t *testing.T) {
	ctx := context.Background()
	mgr, coord, store, p := testRig(t, 2)

	if err := store.Credit(ctx, "alice", 29999); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.AddToCart(ctx, "alice", p.ID, 2); err != nil {
		t.Fatal(err)
	}

	if _, err := coord.Checkout(ctx, "alice", ""); !errors.Is(err, shop.ErrInsufficientCredit) {
		t.Fatalf("want ErrInsufficientCredit, got %v", err)
	}

	balance, _ := store.Balance(ctx, "alice")
	if balance != 29999 {
		t.Fatalf("balance=%d", balance)
	}
	lines, _ := mgr.ListActive(ctx, "alice")
	if len(lines) != 1 || lines[0].Reservation.Quantity != 2 {
		t.Fatalf("hold lost on failed checkout: %+v", lines)
	}

	// top up and the same cart goes through
	if err := store.Credit(ctx, "alice", 1); err != nil {
		t.Fatal(err)
	}
	order, err := coord.Checkout(ctx, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if order.TotalCents != 30000 {
		t.Fatalf("total=%d", order.TotalCents)
	}
}

func TestCheckoutExpiredHold(t *testing.T) {
	ctx := context.Background()
	mgr, coord, store, p := testRig(t, 2)

	clockNow := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clockNow
	}
	mgr.Now = now
	coord.Now = now

	if err := store.Credit(ctx, "alice", 100000); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.AddToCart(ctx, "alice", p.ID, 2); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	clockNow = clockNow.Add(16 * time.Minute)
	mu.Unlock()

	if _, err := coord.Checkout(ctx, "alice", ""); !errors.Is(err, shop.ErrEmptyCart) {
		t.Fatalf("want ErrEmptyCart, got %v", err)
	}
	balance, _ := store.Balance(ctx, "alice")
	if balance != 100000 {
		t.Fatalf("balance=%d", balance)
	}
	if n, _ := store.AvailableCount(ctx, p.ID); n != 2 {
		t.Fatalf("lapsed units not reclaimed: available=%d", n)
	}
}

// 50 buyers race for 5 units; exactly 5 orders close, nothing is sold
// twice, and only the winners pay.
func TestCheckoutStress(t *testing.T) {
	ctx := context.Background()
	mgr, coord, store, p := testRig(t, 5)

	const buyers = 50
	users := make([]string, buyers)
	for i := range users {
		users[i] = "user-" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		if err := store.Credit(ctx, users[i], p.PriceCents); err != nil {
			t.Fatal(err)
		}
	}

	type outcome struct {
		order *shop.Order
		err   error
	}
	results := make([]outcome, buyers)
	var wg sync.WaitGroup
	for i, user := range users {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			if _, err := mgr.AddToCart(ctx, user, p.ID, 1); err != nil {
				results[i] = outcome{err: err}
				return
			}
			order, err := coord.Checkout(ctx, user, "")
			results[i] = outcome{order: order, err: err}
		}(i, user)
	}
	wg.Wait()

	won, lost := 0, 0
	seenUnits := map[string]bool{}
	for _, r := range results {
		switch {
		case r.err == nil:
			won++
			for _, line := range r.order.Lines {
				if seenUnits[line.UnitID] {
					t.Fatalf("unit %s sold twice", line.UnitID)
				}
				seenUnits[line.UnitID] = true
			}
		case errors.Is(r.err, shop.ErrInsufficientStock):
			lost++
		default:
			t.Fatalf("unexpected outcome: %v", r.err)
		}
	}
	if won != 5 || lost != buyers-5 {
		t.Fatalf("won=%d lost=%d", won, lost)
	}
	if n, _ := store.AvailableCount(ctx, p.ID); n != 0 {
		t.Fatalf("available=%d", n)
	}

	// only winners were debited
	var debited int64
	for _, user := range users {
		balance, _ := store.Balance(ctx, user)
		debited += p.PriceCents - balance
	}
	if debited != 5*p.PriceCents {
		t.Fatalf("debited=%d", debited)
	}
}

// Ten concurrent submits of the same cart close exactly one order.
func TestCheckoutDuplicateSubmits(t *testing.T) {
	ctx := context.Background()
	mgr, coord, store, p := testRig(t, 2)

	if err := store.Credit(ctx, "alice", 30000); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.AddToCart(ctx, "alice", p.ID, 2); err != nil {
		t.Fatal(err)
	}

	const submits = 10
	errs := make([]error, submits)
	var wg sync.WaitGroup
	for i := 0; i < submits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Checkout(ctx, "alice", "")
		}(i)
	}
	wg.Wait()

	won, empty := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, shop.ErrEmptyCart):
			empty++
		default:
			t.Fatalf("unexpected outcome: %v", err)
		}
	}
	if won != 1 || empty != submits-1 {
		t.Fatalf("won=%d empty=%d", won, empty)
	}
	balance, _ := store.Balance(ctx, "alice")
	if balance != 0 {
		t.Fatalf("balance=%d, charged %d times", balance, (30000-balance)/30000)
	}
}
