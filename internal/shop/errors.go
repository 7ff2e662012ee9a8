package shop

import "errors"

var (
	// ErrInsufficientStock: fewer units available than requested at claim
	// time. Recoverable, the buyer can lower the quantity.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInsufficientCredit: checkout total exceeds the account balance.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrReservationExpired: the targeted hold has lapsed and was (or will
	// be) reclaimed. Treated as "already removed", not a hard failure.
	ErrReservationExpired = errors.New("reservation expired")

	// ErrEmptyCart: checkout with no live reservations.
	ErrEmptyCart = errors.New("empty cart")

	// ErrConflict: an atomic claim raced and lost. Callers retry with a
	// fresh read or surface ErrInsufficientStock, never crash.
	ErrConflict = errors.New("concurrent claim conflict")

	// ErrUnitConflict: a unit was found in a state the caller's binding
	// does not allow. Guards against corruption, not expected in normal
	// operation.
	ErrUnitConflict = errors.New("stock unit state conflict")

	ErrNotFound        = errors.New("not found")
	ErrInvalidQuantity = errors.New("invalid quantity")
)
