package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

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

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	riskDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_risk_decisions_total",
			Help: "Risk assessments by resulting action.",
		},
		[]string{"action"},
	)

	riskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "auth_risk_score",
		Help:    "Distribution of login risk scores.",
		Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 150},
	})

	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_session_events_total",
			Help: "Session lifecycle events by kind and result.",
		},
		[]string{"event", "result"},
	)

	ceremonyEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_webauthn_ceremonies_total",
			Help: "WebAuthn ceremonies by kind and result.",
		},
		[]string{"kind", "result"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when every backend answered the last readiness check.",
	})
)

// Init registers all collectors in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginAttempts, riskDecisions, riskScore, sessionEvents, ceremonyEvents,
			ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt. method is password, passkey or step_up.
func ObserveLogin(method, outcome string) {
	loginAttempts.WithLabelValues(method, outcome).Inc()
}

// ObserveRisk records one risk assessment.
func ObserveRisk(action string, score int) {
	riskDecisions.WithLabelValues(action).Inc()
	riskScore.Observe(float64(score))
}

// ObserveSession counts issue, rotate and revoke events.
func ObserveSession(event, result string) {
	sessionEvents.WithLabelValues(event, result).Inc()
}

// ObserveCeremony counts WebAuthn registration and authentication ceremonies.
func ObserveCeremony(kind, result string) {
	ceremonyEvents.WithLabelValues(kind, result).Inc()
}

// SetReady records the outcome of the latest readiness check.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// CanonicalPath collapses path parameters so metric labels stay bounded.
func CanonicalPath(raw string) string {
	path := raw
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "me" && parts[2] == "sessions" {
		return "/v1/me/sessions/:id"
	}
	return path
}

// Instrument records request count, latency and in-flight gauge.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
