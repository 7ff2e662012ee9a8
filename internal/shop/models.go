package shop

import "time"

type SaleType string

const (
	SaleFullAccount SaleType = "FULL_ACCOUNT"
	SaleProfile     SaleType = "PROFILE"
)

// Product comes from the catalog, which this engine only reads.
type Product struct {
	ID          string   `json:"id"`
	SKU         string   `json:"sku"`
	Name        string   `json:"name"`
	SaleType    SaleType `json:"sale_type"`
	PriceCents  int64    `json:"price_cents"`
	MaxProfiles int      `json:"max_profiles,omitempty"` // cap per cart line for PROFILE products
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StockUnit is one sellable credential or profile slot. Payload is the
// secret handed to the buyer after purchase; it never goes into logs or
// events.
type StockUnit struct {
	ID                 string `json:"id"`
	ProductID          string `json:"product_id"`
	Payload            string `json:"-"`
	State              UnitState
	BoundReservationID string // empty when unbound
	SoldToUserID       string
	SoldAt             *time.Time
	CreatedAt          time.Time
}

// Reservation is a time-boxed claim binding specific stock units to one
// user's cart line. PriceCents snapshots the catalog price at add-to-cart
// time so later catalog edits cannot change what the buyer pays.
type Reservation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ProductID  string    `json:"product_id"`
	Quantity   int       `json:"quantity"`
	PriceCents int64     `json:"price_cents"`
	UnitIDs    []string  `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (r *Reservation) Expired(now time.Time) bool { return now.After(r.ExpiresAt) }

func (r *Reservation) Remaining(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (r *Reservation) TotalCents() int64 { return r.PriceCents * int64(r.Quantity) }

type Order struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	TotalCents  int64       `json:"total_cents"`
	CreatedAt   time.Time   `json:"created_at"`
	DeliveredAt *time.Time  `json:"delivered_at,omitempty"`
	Lines       []OrderLine `json:"lines,omitempty"`
}

type OrderLine struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	UnitID     string `json:"unit_id"`
	ProductID  string `json:"product_id"`
	PriceCents int64  `json:"price_cents"`
	// Payload is filled in only when the order is loaded for its owner.
	Payload string `json:"payload,omitempty"`
}

type CreditAccount struct {
	UserID       string `json:"user_id"`
	BalanceCents int64  `json:"balance_cents"`
	UpdatedAt    time.Time
}
