// Package metrics holds the Prometheus instrumentation for the execution
// core. Everything is registered through promauto and served by the admin
// HTTP server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersPlaced counts entry orders that reached the exchange.
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_placed_total",
			Help: "Entry orders placed, by symbol and side",
		},
		[]string{"symbol", "side"},
	)

	// EntriesSkipped counts entry attempts rejected by a gate.
	EntriesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_entries_skipped_total",
			Help: "Entry signals skipped, by gate reason",
		},
		[]string{"reason"},
	)

	// PositionsClosed counts exits split by reason.
	PositionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_positions_closed_total",
			Help: "Positions closed, by reason (trailing_stop, take_profit, max_hold, flatten)",
		},
		[]string{"reason", "side"},
	)

	// OpenPositions is the current number of open positions.
	OpenPositions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Currently open positions",
		},
	)

	// RealizedPnL accumulates realized profit and loss in quote currency.
	// A gauge because losses make it go down.
	RealizedPnL = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_realized_pnl_quote",
			Help: "Cumulative realized PnL in quote currency since process start",
		},
	)

	// BreakerPaused is 1 while the circuit breaker holds trading paused.
	BreakerPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_circuit_breaker_paused",
			Help: "1 when the circuit breaker has trading paused",
		},
	)

	// PriceUpdates counts ticks written into the price cache.
	PriceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_price_updates_total",
			Help: "Price ticks received, by symbol",
		},
		[]string{"symbol"},
	)

	// SignalsReceived counts actionable signals from closed bars.
	SignalsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_signals_total",
			Help: "Actionable signals received, by symbol",
		},
		[]string{"symbol"},
	)

	// StreamReconnects counts websocket reconnect attempts per stream.
	StreamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_stream_reconnects_total",
			Help: "WebSocket reconnects, by stream (price, signal)",
		},
		[]string{"stream"},
	)

	// ExchangeRequests counts REST calls by endpoint and outcome.
	ExchangeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exchange_requests_total",
			Help: "Exchange REST requests, by endpoint and outcome (ok, retried, failed)",
		},
		[]string{"endpoint", "outcome"},
	)
)
