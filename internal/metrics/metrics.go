package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shop",
		Name:      "reservations_created_total",
		Help:      "Cart holds created.",
	})

	ReservationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shop",
		Name:      "reservations_expired_total",
		Help:      "Cart holds reclaimed after their TTL lapsed.",
	})

	Checkouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shop",
		Name:      "checkouts_total",
		Help:      "Checkout attempts by outcome.",
	}, []string{"outcome"})

	UnitsSold = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shop",
		Name:      "units_sold_total",
		Help:      "Stock units sold.",
	})
)

const (
	OutcomeCompleted          = "completed"
	OutcomeEmptyCart          = "empty_cart"
	OutcomeInsufficientStock  = "insufficient_stock"
	OutcomeInsufficientCredit = "insufficient_credit"
	OutcomeError              = "error"
)
