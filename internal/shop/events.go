package shop

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCompleted     = "OrderCompleted"
	EventOrderDelivered     = "OrderDelivered"
	EventReservationExpired = "ReservationExpired"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually order_id or reservation_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads per event ----
// Unit payloads (the secrets) never ride on events; consumers that need
// them read the store.

type OrderLineEvent struct {
	UnitID     string `json:"unit_id"`
	ProductID  string `json:"product_id"`
	PriceCents int64  `json:"price_cents"`
}

type OrderCompletedPayload struct {
	OrderID    string           `json:"order_id"`
	UserID     string           `json:"user_id"`
	TotalCents int64            `json:"total_cents"`
	Lines      []OrderLineEvent `json:"lines"`
}

type OrderDeliveredPayload struct {
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

type ReservationExpiredPayload struct {
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	ProductID     string    `json:"product_id"`
	Quantity      int       `json:"quantity"`
	ExpiredAt     time.Time `json:"expired_at"`
}
