// Package sweeper is the timer-driven half of hold expiry. The lazy
// checks in cart and checkout keep correctness independent of this loop;
// the sweep exists so abandoned carts give their units back promptly even
// when nobody touches them again.
package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/akunstore/go-stock-engine/internal/kafka"
	"github.com/akunstore/go-stock-engine/internal/metrics"
	"github.com/akunstore/go-stock-engine/internal/shop"
)

type Sweeper struct {
	Store    shop.Store
	Interval time.Duration
	Batch    int
	Producer *kafkax.Producer // reservation.expired, optional
	Service  string
	Log      *zap.Logger
	Now      func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Sweeper) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.log().Warn("sweep failed", zap.Error(err))
			} else if n > 0 {
				s.log().Info("swept lapsed holds", zap.Int("count", n))
			}
		}
	}
}

// SweepOnce reclaims one batch of lapsed holds. Racing a concurrent
// checkout is fine: a hold the checkout consumed first is already gone
// and its release is a no-op.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	batch := s.Batch
	if batch <= 0 {
		batch = 100
	}
	now := s.now()
	expired, err := s.Store.ExpiredReservations(ctx, now, batch)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, res := range expired {
		if err := s.Store.ReleaseReservation(ctx, res.ID); err != nil {
			s.log().Warn("release failed", zap.String("reservation_id", res.ID), zap.Error(err))
			continue
		}
		metrics.ReservationsExpired.Inc()
		s.publish(res, now)
		n++
	}
	return n, nil
}

func (s *Sweeper) publish(res *shop.Reservation, at time.Time) {
	if s.Producer == nil {
		return
	}
	ev := shop.Envelope{
		EventID:       uuid.NewString(),
		EventType:     shop.EventReservationExpired,
		EventVersion:  1,
		OccurredAt:    at,
		Producer:      s.Service,
		CorrelationID: res.ID,
		Payload: kafkax.MustMarshal(shop.ReservationExpiredPayload{
			ReservationID: res.ID,
			UserID:        res.UserID,
			ProductID:     res.ProductID,
			Quantity:      res.Quantity,
			ExpiredAt:     res.ExpiresAt,
		}),
	}
	s.Producer.Publish(shop.PartitionKey(res.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(shop.EventReservationExpired)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
