package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by all handlers.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Matching engine metrics.
var (
	assignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "help_assignments_total",
			Help: "Assignment attempts by outcome.",
		},
		[]string{"outcome"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "help_candidate_rejections_total",
			Help: "Candidate rejections during matching, by reason.",
		},
		[]string{"reason"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "help_status_transitions_total",
			Help: "Assignment status transitions applied.",
		},
		[]string{"status"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		assignmentsTotal, rejectionsTotal, transitionsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveAssignment records one assignment attempt outcome
// (created, replayed, no_eligible_receiver, sender_active, error).
func ObserveAssignment(outcome string) {
	assignmentsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRejection records one candidate rejection reason.
func ObserveRejection(reason string) {
	rejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveTransition records one applied status transition.
func ObserveTransition(status string) {
	transitionsTotal.WithLabelValues(status).Inc()
}

// Instrument measures RPS, latency and in-flight count for the wrapped handler.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "assignments", "users":
			actions := map[string]bool{
				"request-payment": true, "payment": true, "confirm": true,
				"dispute": true, "cancel": true, "eligibility": true,
				"receive-override": true, "force-activate": true,
			}
			switch {
			case len(parts) == 3:
				return "/v1/" + parts[1] + "/:id"
			case len(parts) == 4 && actions[parts[3]]:
				return "/v1/" + parts[1] + "/:id/" + parts[3]
			}
		}
	}
	return path
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
