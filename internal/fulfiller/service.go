// Package fulfiller hands sold credentials to their buyer. It consumes
// order.completed, stamps the delivery and announces order.delivered;
// the storefront then shows the unit payloads on the order page.
package fulfiller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/akunstore/go-stock-engine/internal/kafka"
	"github.com/akunstore/go-stock-engine/internal/redisx"
	"github.com/akunstore/go-stock-engine/internal/shop"
)

type Service struct {
	Store       shop.Store
	Redis       *redis.Client
	Producer    *kafkax.Producer // order.delivered
	ServiceName string
	Log         *zap.Logger
}

func (s *Service) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// HandleOrderCompleted runs as a consumer handler. Consumption is
// at-least-once, so everything here has to tolerate duplicates: redis
// dedup catches most, MarkDelivered catches the rest.
func (s *Service) HandleOrderCompleted(ctx context.Context, m kafkago.Message) error {
	var env shop.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != shop.EventOrderCompleted {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, "fulfiller", env.EventID)
	if s.Redis != nil {
		if seen, _ := redisx.Exists(ctx, s.Redis, dkey); seen {
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[shop.OrderCompletedPayload](env.Payload)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	first, err := s.Store.MarkDelivered(ctx, p.OrderID, now)
	if errors.Is(err, shop.ErrNotFound) {
		// order not visible yet (replica lag or replay of a purged order);
		// let the consumer retry
		return err
	}
	if err != nil {
		return err
	}

	// mark the event processed only now; a dedup key written before a
	// failed MarkDelivered would swallow the retry that fixes it
	if s.Redis != nil {
		_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	}
	if !first {
		return nil
	}

	s.log().Info("order delivered",
		zap.String("order_id", p.OrderID),
		zap.String("user_id", p.UserID))
	s.publishDelivered(p, now, env.TraceID)
	return nil
}

func (s *Service) publishDelivered(p shop.OrderCompletedPayload, at time.Time, trace string) {
	if s.Producer == nil {
		return
	}
	ev := shop.Envelope{
		EventID:       uuid.NewString(),
		EventType:     shop.EventOrderDelivered,
		EventVersion:  1,
		OccurredAt:    at,
		Producer:      s.ServiceName,
		TraceID:       trace,
		CorrelationID: p.OrderID,
		Payload: kafkax.MustMarshal(shop.OrderDeliveredPayload{
			OrderID:     p.OrderID,
			UserID:      p.UserID,
			DeliveredAt: at,
		}),
	}
	s.Producer.Publish(shop.PartitionKey(p.OrderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(shop.EventOrderDelivered)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
