package shop

import (
	"context"
	"time"
)

// Catalog is the read-only product source. Editing products is someone
// else's job; this engine only snapshots prices and capacity from it.
type Catalog interface {
	Product(ctx context.Context, productID string) (*Product, error)
}

// Store owns every sellable unit, hold, balance and order. Each method is
// a single atomic step: it either applies its whole effect or none of it.
// Implementations serialize claims per product and debits per user; they
// never take one big lock across unrelated products or users.
type Store interface {
	// ---- stock ledger ----

	// AddUnits stocks len(payloads) new AVAILABLE units and returns their ids.
	AddUnits(ctx context.Context, productID string, payloads []string) ([]string, error)
	// RemoveUnit destroys an AVAILABLE unit. Removing a reserved or sold
	// unit fails with ErrUnitConflict.
	RemoveUnit(ctx context.Context, unitID string) error
	AvailableCount(ctx context.Context, productID string) (int, error)

	// ReserveUnits claims exactly qty AVAILABLE units of the product and
	// binds them to reservationID. Claims nothing on ErrInsufficientStock.
	// Calling again with the same reservationID binds qty more units.
	ReserveUnits(ctx context.Context, productID string, qty int, reservationID string) error
	// ReleaseUnits returns every unit bound to reservationID to AVAILABLE.
	// Idempotent: unknown or already-released ids are a no-op.
	ReleaseUnits(ctx context.Context, reservationID string) error
	// CommitUnits moves the reservation's bound units RESERVED -> SOLD.
	// A retry that finds them already sold under this same reservation to
	// this user succeeds as a no-op; anything else is ErrUnitConflict.
	CommitUnits(ctx context.Context, reservationID, userID string) error

	// ---- reservations ----

	// CreateReservation claims res.Quantity units and records the hold in
	// one step. On ErrInsufficientStock nothing is written.
	CreateReservation(ctx context.Context, res *Reservation) error
	// GrowReservation claims add more units under the hold and refreshes
	// its expiry. A failed grow leaves the existing binding untouched.
	GrowReservation(ctx context.Context, reservationID string, add int, expiresAt time.Time) error
	// ShrinkReservation unbinds remove units back to AVAILABLE and
	// refreshes the hold's expiry.
	ShrinkReservation(ctx context.Context, reservationID string, remove int, expiresAt time.Time) error
	// ReleaseReservation frees all bound units and deletes the hold.
	// Idempotent, safe to race with checkout and the sweeper.
	ReleaseReservation(ctx context.Context, reservationID string) error

	Reservation(ctx context.Context, reservationID string) (*Reservation, error)
	UserReservations(ctx context.Context, userID string) ([]*Reservation, error)
	// ExpiredReservations lists holds with ExpiresAt < cutoff, up to limit.
	ExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]*Reservation, error)

	// ---- credit ledger ----

	Balance(ctx context.Context, userID string) (int64, error)
	// Credit adds to the user's balance (admin recharge).
	Credit(ctx context.Context, userID string, amountCents int64) error
	// Debit is an atomic check-and-subtract; on ErrInsufficientCredit the
	// balance is unchanged.
	Debit(ctx context.Context, userID string, amountCents int64) error

	// ---- checkout & orders ----

	// Checkout converts the listed live reservations into one order in a
	// single transaction: debit the user, sell the bound units, write the
	// order and its lines, delete the holds. Either all of that is
	// observable afterwards or none of it. Races with expiry or a
	// concurrent checkout surface as ErrConflict or ErrReservationExpired
	// with no state change.
	Checkout(ctx context.Context, userID string, reservationIDs []string, now time.Time) (*Order, error)

	Order(ctx context.Context, orderID string) (*Order, error)
	// MarkDelivered stamps DeliveredAt once; reports whether this call was
	// the first delivery.
	MarkDelivered(ctx context.Context, orderID string, at time.Time) (bool, error)
}
