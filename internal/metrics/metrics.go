// Package metrics provides Prometheus instrumentation for the arbitrage
// engine.
package metrics

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

var (
	// QuoteUpdates counts quote updates received from the stream.
	QuoteUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triarb_quote_updates_total",
		Help: "Quote updates received from the stream",
	})

	// QuotesDropped counts updates evicted from the bounded quote queue.
	QuotesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triarb_quotes_dropped_total",
		Help: "Quote updates evicted from the publish queue",
	})

	// ScanRejections counts templates excluded from a scan, by reason.
	ScanRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triarb_scan_rejections_total",
		Help: "Templates excluded from a scan by reason",
	}, []string{"reason"})

	// ScanDuration tracks how long one scan over the catalog takes.
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triarb_scan_duration_seconds",
		Help:    "Duration of one catalog scan",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	// BestDeviation is the absolute deviation of the top-ranked candidate.
	BestDeviation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triarb_best_deviation_points",
		Help: "Absolute deviation in points of the best candidate in the last scan",
	})

	// CatalogSize is the number of triangle templates.
	CatalogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triarb_catalog_triangles",
		Help: "Number of triangle templates in the catalog",
	})

	// ActiveSlots tracks occupied registry slots.
	ActiveSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triarb_active_slots",
		Help: "Number of occupied triangle slots",
	})

	// TrianglesOpened counts successful opens, partitioned by combinator.
	TrianglesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triarb_triangles_opened_total",
		Help: "Triangles opened",
	}, []string{"combinator", "compensation"})

	// TrianglesFailed counts opens that were rolled back.
	TrianglesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triarb_triangles_failed_total",
		Help: "Triangle opens rolled back",
	}, []string{"leg"})

	// TrianglesClosed counts closes by reason.
	TrianglesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triarb_triangles_closed_total",
		Help: "Triangles closed by reason",
	}, []string{"reason"})

	// ReconciliationAnomalies counts cancels that failed after all retries.
	ReconciliationAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triarb_reconciliation_anomalies_total",
		Help: "Cancels that failed after exhausting retries",
	})

	// LegLatency tracks broker call latency by operation.
	LegLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "triarb_broker_latency_seconds",
		Help:    "Broker call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// RealizedPnL accumulates closed-triangle P&L.
	RealizedPnL = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triarb_realized_pnl_sum",
		Help: "Sum of positive realized P&L of closed triangles",
	})

	// RealizedLoss accumulates the magnitude of closed-triangle losses.
	RealizedLoss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triarb_realized_loss_sum",
		Help: "Sum of absolute realized losses of closed triangles",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triarb_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "triarb_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveLatency records the time elapsed since start for a broker op.
func ObserveLatency(op string, start time.Time) {
	LegLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObservePnL adds a closed triangle's P&L to the realized counters.
func ObservePnL(pnl float64) {
	if pnl >= 0 {
		RealizedPnL.Add(pnl)
	} else {
		RealizedLoss.Add(-pnl)
	}
}

// QuoteObserver records drained quote batches.
type QuoteObserver struct{}

// ObserveQuotes implements quotes.Observer.
func (QuoteObserver) ObserveQuotes(_ context.Context, batch []domain.QuoteUpdate) {
	QuoteUpdates.Add(float64(len(batch)))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
