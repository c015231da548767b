// Package metrics holds the Prometheus collectors of the comet manager.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "comet_manager"

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Evaluated positions by cycle outcome.",
	}, []string{"outcome"})

	HealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "health_score",
		Help:      "Latest health score of each managed position.",
	}, []string{"position"})

	PoolPriceDeviation = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_price_deviation_ratio",
		Help:      "Pool price divided by oracle price, minus one.",
	}, []string{"pool"})

	RecenterCost = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "recenter_ild_paid_onusd",
		Help:      "ILD paid per submitted recentering, valued in onUSD.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})

	CalculationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calculation_errors_total",
		Help:      "Cycles skipped because of a recoverable calculation or data error.",
	}, []string{"kind"})

	Triggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "triggers_total",
		Help:      "Cycle triggers by source and what the guard did with them.",
	}, []string{"source", "result"}) // result: started, dropped, coalesced

	SubmissionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "submission_duration_seconds",
		Help:      "Time from handing a plan to the submitter until it returns.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
	}, []string{"result"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Status API requests.",
	}, []string{"route", "method", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Status API latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency per mux route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}
