// Package metrics exposes prometheus instrumentation for the execution engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CandidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "candidates_total", Help: "Trade candidates processed by outcome"},
		[]string{"side", "outcome"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Limit orders submitted by broker status"},
		[]string{"side", "status"},
	)
	LimitOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "limit_orders_total", Help: "Limit order lifecycle stages"},
		[]string{"stage"},
	)
	LimiterEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "limiter_events_total", Help: "Daily limiter events recorded"},
		[]string{"kind"},
	)
	ControlBlocked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "control_blocked", Help: "1 when the operator block is active"},
		[]string{"scope"},
	)
	LedgerUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ledger_updates_total", Help: "Ledger updates emitted after fills"},
	)
)

func init() {
	prometheus.MustRegister(CandidatesTotal, OrdersTotal, LimitOrders, LimiterEvents, ControlBlocked, LedgerUpdates)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
