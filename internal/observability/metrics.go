package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchRunsTotal counts finished runs by how they ended:
	// matched, exhausted, no_candidates, error, canceled.
	DispatchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "runs_total", Help: "Dispatch runs by outcome"},
		[]string{"outcome"},
	)
	DispatchRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a dispatch run",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})
	DispatchActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "active_runs", Help: "Dispatch runs currently in flight"})

	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_total", Help: "Driver offers by outcome"},
		[]string{"outcome"},
	)
	OfferWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "offer_wait_seconds",
		Help:      "Time between an offer and the driver's decision or timeout",
		Buckets:   prometheus.LinearBuckets(1, 2, 10),
	})
	ReservationConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "reservation_conflicts_total", Help: "Candidates skipped because another run holds them"})
	EligibleDrivers      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "eligible_drivers", Help: "Eligible drivers seen at the last ranking"})

	NotifyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notify_errors_total", Help: "Failed offer notifications by channel"},
		[]string{"channel"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
