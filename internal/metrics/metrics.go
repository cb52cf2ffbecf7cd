package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_submitted_total",
			Help: "Total number of orders submitted (by market and side).",
		},
		[]string{"market", "side"},
	)

	OrdersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_filled_total",
			Help: "Total number of orders with a nonzero fill (by market and side).",
		},
		[]string{"market", "side"},
	)

	RiskVetoes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_risk_vetoes_total",
			Help: "Total number of orders vetoed by the risk gate (by reason).",
		},
		[]string{"reason"},
	)

	CircuitTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_circuit_trips_total",
			Help: "Total number of circuit breaker trips (by reason).",
		},
		[]string{"reason"},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_positions_open",
			Help: "Current number of open positions.",
		},
	)

	SlippagePercent = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trader_slippage_percent",
			Help:    "Slippage of finalized fills against the mid at submit, in percent.",
			Buckets: []float64{-1, -0.5, -0.2, 0, 0.2, 0.5, 1, 2, 5},
		},
		[]string{"market"},
	)

	APIErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_exchange_api_errors_total",
			Help: "Total number of failed exchange calls.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted,
		OrdersFilled,
		RiskVetoes,
		CircuitTrips,
		PositionsOpen,
		SlippagePercent,
		APIErrors,
	)
}
