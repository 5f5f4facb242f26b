// Package metrics exports payment lifecycle events and HTTP traffic as
// Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/soulmarket/soul-x402"
)

const namespace = "soul_x402"

// Recorder holds the marketplace collectors.
type Recorder struct {
	registry prometheus.Gatherer

	payments       *prometheus.CounterVec
	paymentLatency *prometheus.HistogramVec
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimited    prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	return NewWith(reg, reg)
}

// NewWith registers the collectors on reg and serves them from gatherer.
func NewWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		registry: gatherer,
		payments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_total",
			Help:      "Payment lifecycle events by product, event type and error code.",
		}, []string{"product", "method", "event", "code"}),
		paymentLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_duration_seconds",
			Help:      "Time from a paid request arriving to settlement or failure.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"product", "event"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "method", "status"}),
		requestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-agent rate limiter.",
		}),
	}
}

// Observe is an x402.PaymentCallback.
func (r *Recorder) Observe(event x402.PaymentEvent) {
	code := ""
	if event.Error != nil {
		code = string(x402.CodeOf(event.Error))
	}
	product := event.Product
	if product == "" {
		product = "unknown"
	}
	r.payments.WithLabelValues(product, event.Method, string(event.Type), code).Inc()

	if event.Duration > 0 {
		r.paymentLatency.WithLabelValues(product, string(event.Type)).Observe(event.Duration.Seconds())
	}
}

// ObserveRequest records one served HTTP request.
func (r *Recorder) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	r.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.requestLatency.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// RateLimited counts one rejected request.
func (r *Recorder) RateLimited() {
	r.rateLimited.Inc()
}

// Handler serves the metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
