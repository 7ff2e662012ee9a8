// Package cart turns add-to-cart actions into time-boxed holds on stock
// units. Every successful mutation resets the hold to a full TTL: the
// hold tracks active shopping intent, not the first click.
package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akunstore/go-stock-engine/internal/metrics"
	"github.com/akunstore/go-stock-engine/internal/redisx"
	"github.com/akunstore/go-stock-engine/internal/shop"
)

// Line is one live cart entry plus its countdown for the UI.
type Line struct {
	Reservation *shop.Reservation `json:"reservation"`
	Remaining   time.Duration     `json:"-"`
}

type Manager struct {
	Store   shop.Store
	Catalog shop.Catalog
	HoldTTL time.Duration
	Redis   *redis.Client // optional countdown mirror
	Log     *zap.Logger
	Now     func() time.Time // defaults to time.Now
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) log() *zap.Logger {
	if m.Log != nil {
		return m.Log
	}
	return zap.NewNop()
}

// AddToCart claims qty units for the user. A second add for the same
// product updates the existing hold's quantity instead of stacking a new
// one; the store's one-hold-per-(user, product) guard makes that true even
// for two adds racing each other. The price snapshot from the first add is
// kept. On ErrInsufficientStock any existing hold is left untouched.
func (m *Manager) AddToCart(ctx context.Context, userID, productID string, qty int) (*shop.Reservation, error) {
	if qty < 1 {
		return nil, shop.ErrInvalidQuantity
	}
	product, err := m.Catalog.Product(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup %s: %w", productID, err)
	}
	if err := checkCap(product, qty); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := m.activeFor(ctx, userID, productID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return m.applyQuantity(ctx, existing, qty)
		}

		now := m.now()
		res := &shop.Reservation{
			ID:         uuid.NewString(),
			UserID:     userID,
			ProductID:  productID,
			Quantity:   qty,
			PriceCents: product.PriceCents,
			CreatedAt:  now,
			ExpiresAt:  now.Add(m.HoldTTL),
		}
		err = m.Store.CreateReservation(ctx, res)
		if errors.Is(err, shop.ErrConflict) {
			// a concurrent add created the hold first; merge into it
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.ReservationsCreated.Inc()
		m.log().Info("hold created",
			zap.String("reservation_id", res.ID),
			zap.String("user_id", userID),
			zap.String("product_id", productID),
			zap.Int("quantity", qty))
		m.mirror(ctx, res)
		return res, nil
	}
	return nil, shop.ErrConflict
}

// UpdateQuantity re-binds the hold to exactly qty units by claiming or
// releasing the delta, so a failed grow cannot lose the units already
// held. qty 0 removes the line.
func (m *Manager) UpdateQuantity(ctx context.Context, userID, reservationID string, qty int) (*shop.Reservation, error) {
	if qty < 0 {
		return nil, shop.ErrInvalidQuantity
	}
	res, err := m.Store.Reservation(ctx, reservationID)
	if errors.Is(err, shop.ErrNotFound) {
		return nil, shop.ErrReservationExpired
	}
	if err != nil {
		return nil, err
	}
	if res.UserID != userID {
		return nil, shop.ErrNotFound
	}
	if m.expireIfLapsed(ctx, res) {
		return nil, shop.ErrReservationExpired
	}
	if qty == 0 {
		return nil, m.RemoveFromCart(ctx, userID, reservationID)
	}

	product, err := m.Catalog.Product(ctx, res.ProductID)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup %s: %w", res.ProductID, err)
	}
	if err := checkCap(product, qty); err != nil {
		return nil, err
	}
	return m.applyQuantity(ctx, res, qty)
}

func (m *Manager) applyQuantity(ctx context.Context, res *shop.Reservation, qty int) (*shop.Reservation, error) {
	expiresAt := m.now().Add(m.HoldTTL)

	var err error
	switch delta := qty - res.Quantity; {
	case delta > 0:
		err = m.Store.GrowReservation(ctx, res.ID, delta, expiresAt)
	case delta < 0:
		err = m.Store.ShrinkReservation(ctx, res.ID, -delta, expiresAt)
	default:
		err = m.Store.GrowReservation(ctx, res.ID, 0, expiresAt)
	}
	if errors.Is(err, shop.ErrNotFound) {
		// hold vanished between read and update, same as a lapsed one
		return nil, shop.ErrReservationExpired
	}
	if err != nil {
		return nil, err
	}

	res, err = m.Store.Reservation(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	m.log().Info("hold updated",
		zap.String("reservation_id", res.ID),
		zap.Int("quantity", res.Quantity))
	m.mirror(ctx, res)
	return res, nil
}

// RemoveFromCart drops the hold and frees its units. Removing a hold that
// is already gone is fine.
func (m *Manager) RemoveFromCart(ctx context.Context, userID, reservationID string) error {
	res, err := m.Store.Reservation(ctx, reservationID)
	if errors.Is(err, shop.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.UserID != userID {
		return shop.ErrNotFound
	}
	if err := m.Store.ReleaseReservation(ctx, reservationID); err != nil {
		return err
	}
	m.log().Info("hold removed", zap.String("reservation_id", reservationID))
	m.dropMirror(ctx, reservationID)
	return nil
}

// ListActive returns the user's live holds with their remaining time.
// Holds found past their expiry are reclaimed on the spot rather than
// returned, so correctness never waits on the background sweep.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]Line, error) {
	resList, err := m.Store.UserReservations(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	lines := make([]Line, 0, len(resList))
	for _, res := range resList {
		if m.expireIfLapsed(ctx, res) {
			continue
		}
		lines = append(lines, Line{Reservation: res, Remaining: res.Remaining(now)})
		m.mirror(ctx, res)
	}
	return lines, nil
}

func (m *Manager) activeFor(ctx context.Context, userID, productID string) (*shop.Reservation, error) {
	resList, err := m.Store.UserReservations(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, res := range resList {
		if m.expireIfLapsed(ctx, res) {
			continue
		}
		if res.ProductID == productID {
			return res, nil
		}
	}
	return nil, nil
}

// expireIfLapsed performs the lazy half of expiry: any operation that
// touches a lapsed hold reclaims it before proceeding.
func (m *Manager) expireIfLapsed(ctx context.Context, res *shop.Reservation) bool {
	if !res.Expired(m.now()) {
		return false
	}
	if err := m.Store.ReleaseReservation(ctx, res.ID); err != nil {
		m.log().Warn("lazy expiry failed", zap.String("reservation_id", res.ID), zap.Error(err))
		return true
	}
	metrics.ReservationsExpired.Inc()
	m.log().Info("hold lapsed", zap.String("reservation_id", res.ID))
	m.dropMirror(ctx, res.ID)
	return true
}

func checkCap(p *shop.Product, qty int) error {
	if p.SaleType == shop.SaleProfile && p.MaxProfiles > 0 && qty > p.MaxProfiles {
		return shop.ErrInvalidQuantity
	}
	return nil
}

// Countdown mirror writes are best-effort; a missed key only costs the UI
// a fallback read.

func (m *Manager) mirror(ctx context.Context, res *shop.Reservation) {
	if m.Redis == nil {
		return
	}
	remaining := res.Remaining(m.now())
	if remaining <= 0 {
		return
	}
	key := fmt.Sprintf(redisx.KeyCartCountdown, res.ID)
	_ = m.Redis.Set(ctx, key, res.ExpiresAt.UTC().Format(time.RFC3339), remaining).Err()
}

func (m *Manager) dropMirror(ctx context.Context, reservationID string) {
	if m.Redis == nil {
		return
	}
	_ = m.Redis.Del(ctx, fmt.Sprintf(redisx.KeyCartCountdown, reservationID)).Err()
}
