// Package metrics holds the Prometheus collectors of the exchange daemon.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the matching engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	OrdersTotal     *prometheus.CounterVec // labels: side, type
	RejectionsTotal *prometheus.CounterVec // labels: kind
	TradesTotal     *prometheus.CounterVec // labels: asset
	TradedQuantity  *prometheus.CounterVec // labels: asset
	SettleConflicts *prometheus.CounterVec // labels: op
	MatchDuration   prometheus.Histogram
	RestingOrders   *prometheus.GaugeVec   // labels: asset, side
	DroppedEvents   *prometheus.CounterVec // labels: subscriber
	RecoveredOrders prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_total",
			Help: "Orders accepted by the engine",
		}, []string{"side", "type"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_rejections_total",
			Help: "Submissions and cancels rejected, by error kind",
		}, []string{"kind"}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_trades_total",
			Help: "Trades settled",
		}, []string{"asset"}),
		TradedQuantity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_traded_quantity_total",
			Help: "Asset quantity exchanged in settled trades",
		}, []string{"asset"}),
		SettleConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_settlement_conflicts_total",
			Help: "Ledger units that hit a write conflict",
		}, []string{"op"}),
		MatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exchange_match_duration_seconds",
			Help:    "Time from submission to the end of its matching pass",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		RestingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exchange_resting_orders",
			Help: "Orders currently resting in the book",
		}, []string{"asset", "side"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_dropped_events_total",
			Help: "Notifications dropped because a subscriber was full",
		}, []string{"subscriber"}),
		RecoveredOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_recovered_orders",
			Help: "Orders rested by the last startup recovery",
		}),
	}

	reg.MustRegister(
		m.OrdersTotal,
		m.RejectionsTotal,
		m.TradesTotal,
		m.TradedQuantity,
		m.SettleConflicts,
		m.MatchDuration,
		m.RestingOrders,
		m.DroppedEvents,
		m.RecoveredOrders,
	)
	return m
}

func (m *Metrics) OrderAccepted(side, typ string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(side, typ).Inc()
}

func (m *Metrics) Rejected(kind string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) TradeSettled(asset string, qty float64) {
	if m == nil {
		return
	}
	m.TradesTotal.WithLabelValues(asset).Inc()
	m.TradedQuantity.WithLabelValues(asset).Add(qty)
}

func (m *Metrics) SettlementConflict(op string) {
	if m == nil {
		return
	}
	m.SettleConflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveMatch(d time.Duration) {
	if m == nil {
		return
	}
	m.MatchDuration.Observe(d.Seconds())
}

func (m *Metrics) SetResting(asset string, bids, asks int) {
	if m == nil {
		return
	}
	m.RestingOrders.WithLabelValues(asset, "BUY").Set(float64(bids))
	m.RestingOrders.WithLabelValues(asset, "SELL").Set(float64(asks))
}

func (m *Metrics) EventDropped(subscriber string) {
	if m == nil {
		return
	}
	m.DroppedEvents.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) SetRecovered(n int) {
	if m == nil {
		return
	}
	m.RecoveredOrders.Set(float64(n))
}

// Server exposes /metrics for a Prometheus scraper
type Server struct {
	srv *http.Server
}

// NewServer serves the collectors of gatherer on addr
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in the background; errors other than a clean shutdown go to errc
func (s *Server) Start(errc chan<- error) {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
