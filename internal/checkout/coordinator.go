// Package checkout converts a user's live holds into a paid order. The
// debit, the unit sale, the order write and the hold deletion happen in
// one store transaction; the coordinator's job is sequencing, retries and
// the side channels (events, caches) around it.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/akunstore/go-stock-engine/internal/kafka"
	"github.com/akunstore/go-stock-engine/internal/metrics"
	"github.com/akunstore/go-stock-engine/internal/redisx"
	"github.com/akunstore/go-stock-engine/internal/shop"
)

// maxAttempts bounds transparent retries when an atomic claim races a
// sweep or a duplicate request and loses.
const maxAttempts = 3

type Coordinator struct {
	Store    shop.Store
	Producer *kafkax.Producer // order.completed, optional
	Redis    *redis.Client    // idempotency + status cache, optional
	Service  string
	Log      *zap.Logger
	Now      func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Coordinator) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// Checkout pays for every live hold the user has. idemKey is an optional
// client token: a retry carrying the same token returns the order already
// created. A retry without a token is still harmless; the consumed holds
// are gone, so it reports an empty cart instead of charging twice.
func (c *Coordinator) Checkout(ctx context.Context, userID, idemKey string) (*shop.Order, error) {
	if order, ok := c.replayIdempotent(ctx, userID, idemKey); ok {
		return order, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		order, err := c.attempt(ctx, userID)
		switch {
		case err == nil:
			c.finish(ctx, order, idemKey)
			return order, nil
		case errors.Is(err, shop.ErrConflict), errors.Is(err, shop.ErrReservationExpired):
			// somebody moved a hold under us; re-read and try again
			lastErr = err
			continue
		case errors.Is(err, shop.ErrEmptyCart):
			metrics.Checkouts.WithLabelValues(metrics.OutcomeEmptyCart).Inc()
			return nil, err
		case errors.Is(err, shop.ErrInsufficientCredit):
			metrics.Checkouts.WithLabelValues(metrics.OutcomeInsufficientCredit).Inc()
			return nil, err
		default:
			metrics.Checkouts.WithLabelValues(metrics.OutcomeError).Inc()
			return nil, err
		}
	}

	// Retries exhausted: to the buyer a lost race is the same as stock
	// running out under them.
	c.log().Warn("checkout lost claim races", zap.String("user_id", userID), zap.Error(lastErr))
	metrics.Checkouts.WithLabelValues(metrics.OutcomeInsufficientStock).Inc()
	return nil, shop.ErrInsufficientStock
}

func (c *Coordinator) attempt(ctx context.Context, userID string) (*shop.Order, error) {
	now := c.now()

	resList, err := c.Store.UserReservations(ctx, userID)
	if err != nil {
		return nil, err
	}

	var (
		ids   []string
		total int64
	)
	for _, res := range resList {
		if res.Expired(now) {
			// lazy expiry, same reclaim the sweeper would do
			if err := c.Store.ReleaseReservation(ctx, res.ID); err != nil {
				return nil, err
			}
			metrics.ReservationsExpired.Inc()
			continue
		}
		ids = append(ids, res.ID)
		total += res.TotalCents()
	}
	if len(ids) == 0 {
		return nil, shop.ErrEmptyCart
	}

	// Cheap pre-check so an obviously broke buyer fails before taking any
	// locks. The transaction re-checks under its own guard.
	balance, err := c.Store.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < total {
		return nil, shop.ErrInsufficientCredit
	}

	return c.Store.Checkout(ctx, userID, ids, now)
}

func (c *Coordinator) finish(ctx context.Context, order *shop.Order, idemKey string) {
	metrics.Checkouts.WithLabelValues(metrics.OutcomeCompleted).Inc()
	metrics.UnitsSold.Add(float64(len(order.Lines)))
	c.log().Info("checkout completed",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.Int64("total_cents", order.TotalCents),
		zap.Int("units", len(order.Lines)))

	if c.Redis != nil {
		if idemKey != "" {
			key := fmt.Sprintf(redisx.KeyIdemCheckout, order.UserID, idemKey)
			_ = c.Redis.Set(ctx, key, order.ID, redisx.TTLIdempotency).Err()
		}
		statusKey := fmt.Sprintf(redisx.KeyOrderStatus, order.ID)
		_ = c.Redis.Set(ctx, statusKey, `{"status":"COMPLETED"}`, redisx.TTLStatusCache).Err()
	}

	c.publish(order)
}

func (c *Coordinator) replayIdempotent(ctx context.Context, userID, idemKey string) (*shop.Order, bool) {
	if c.Redis == nil || idemKey == "" {
		return nil, false
	}
	key := fmt.Sprintf(redisx.KeyIdemCheckout, userID, idemKey)
	orderID, err := c.Redis.Get(ctx, key).Result()
	if err != nil || orderID == "" {
		return nil, false
	}
	order, err := c.Store.Order(ctx, orderID)
	if err != nil {
		return nil, false
	}
	return order, true
}

func (c *Coordinator) publish(order *shop.Order) {
	if c.Producer == nil {
		return
	}
	payload := shop.OrderCompletedPayload{
		OrderID:    order.ID,
		UserID:     order.UserID,
		TotalCents: order.TotalCents,
	}
	for _, line := range order.Lines {
		payload.Lines = append(payload.Lines, shop.OrderLineEvent{
			UnitID:     line.UnitID,
			ProductID:  line.ProductID,
			PriceCents: line.PriceCents,
		})
	}
	ev := shop.Envelope{
		EventID:       uuid.NewString(),
		EventType:     shop.EventOrderCompleted,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      c.Service,
		CorrelationID: order.ID,
		Payload:       kafkax.MustMarshal(payload),
	}
	c.Producer.Publish(shop.PartitionKey(order.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(shop.EventOrderCompleted)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
