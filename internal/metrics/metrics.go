package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "exchsim"

// Metrics holds every instrument the venue and router export. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	OrdersMatched   *prometheus.CounterVec // outcome: filled, rejected, credit_failed
	QuoteLookups    prometheus.Counter
	MatchDuration   prometheus.Histogram
	PoolQueued      prometheus.Gauge
	PoolInFlight    prometheus.Gauge
	CreditConnsIdle prometheus.Gauge
	CreditConnsUsed prometheus.Gauge
	ReportsReceived *prometheus.CounterVec // status
	OrdersSent      prometheus.Counter
	QuotesIngested  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "orders_matched_total",
			Help:      "Orders that reached a terminal outcome in the matching engine.",
		}, []string{"outcome"}),
		QuoteLookups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "quote_lookups_total",
			Help:      "Quote cache reads performed while matching.",
		}),
		MatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "match_duration_seconds",
			Help:      "Time from acknowledgement to terminal report.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		PoolQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queued_tasks",
			Help:      "Tasks waiting for a free worker.",
		}),
		PoolInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "in_flight_tasks",
			Help:      "Tasks currently running on a worker.",
		}),
		CreditConnsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "credit",
			Name:      "idle_connections",
			Help:      "Idle credit store connections.",
		}),
		CreditConnsUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "credit",
			Name:      "in_use_connections",
			Help:      "Credit store connections checked out by matches.",
		}),
		ReportsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "reports_received_total",
			Help:      "Execution reports received by the submitting gateway.",
		}, []string{"status"}),
		OrdersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "orders_sent_total",
			Help:      "New order messages sent to the venue.",
		}),
		QuotesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marketdata",
			Name:      "quotes_ingested_total",
			Help:      "Quotes written into the quote cache.",
		}),
	}
	m.registry.MustRegister(
		m.OrdersMatched,
		m.QuoteLookups,
		m.MatchDuration,
		m.PoolQueued,
		m.PoolInFlight,
		m.CreditConnsIdle,
		m.CreditConnsUsed,
		m.ReportsReceived,
		m.OrdersSent,
		m.QuotesIngested,
	)
	return m
}

func (m *Metrics) Matched(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.OrdersMatched.WithLabelValues(outcome).Inc()
	m.MatchDuration.Observe(took.Seconds())
}

func (m *Metrics) QuoteLookup() {
	if m == nil {
		return
	}
	m.QuoteLookups.Inc()
}

func (m *Metrics) PoolDepth(queued, inFlight int) {
	if m == nil {
		return
	}
	m.PoolQueued.Set(float64(queued))
	m.PoolInFlight.Set(float64(inFlight))
}

func (m *Metrics) CreditConns(idle, inUse int) {
	if m == nil {
		return
	}
	m.CreditConnsIdle.Set(float64(idle))
	m.CreditConnsUsed.Set(float64(inUse))
}

func (m *Metrics) ReportReceived(status string) {
	if m == nil {
		return
	}
	m.ReportsReceived.WithLabelValues(status).Inc()
}

func (m *Metrics) OrderSent() {
	if m == nil {
		return
	}
	m.OrdersSent.Inc()
}

func (m *Metrics) QuotesIngestedAdd(n int) {
	if m == nil {
		return
	}
	m.QuotesIngested.Add(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on address until the context is done.
func (m *Metrics) Serve(ctx context.Context, address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("unable to shut down metrics listener")
		}
	}()

	log.Info().Str("address", address).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics listener failed")
	}
}
