package redisx

import "time"

const (
	// Checkout idempotency: idem:checkout:{user_id}:{client_key} -> order_id
	KeyIdemCheckout = "idem:checkout:%s:%s"

	// Cache order status: order_status:{order_id} -> {"status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Countdown mirror: cart:countdown:{reservation_id}. The key's own TTL
	// mirrors the hold's remaining time so the UI can poll cheaply; the
	// reservation row stays the source of truth.
	KeyCartCountdown = "cart:countdown:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
