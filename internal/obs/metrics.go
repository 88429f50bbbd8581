package obs

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	sessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hisadmin_sessions_opened_total",
		Help: "Sessions opened after successful login.",
	})

	sessionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hisadmin_sessions_terminated_total",
			Help: "Sessions moved to TERMINATED, by reason.",
		},
		[]string{"reason"},
	)

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hisadmin_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	auditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hisadmin_audit_events_total",
			Help: "Audit events appended, by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hisadmin_ready",
		Help: "1 when the service passed its last readiness check.",
	})

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hisadmin_build_info",
			Help: "Constant 1, labelled with the running binary's identity.",
		},
		[]string{"service", "version", "commit", "go_version"},
	)

	initOnce sync.Once
)

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			sessionsOpened, sessionsTerminated, loginAttempts, auditEvents, ready, buildInfo,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight gauge.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		if i < 2 || part == "" {
			continue
		}
		if isIdentifier(parts[i-1], part) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isIdentifier(parent, part string) bool {
	if _, err := strconv.ParseInt(part, 10, 64); err == nil {
		return true
	}
	switch parent {
	case "sessions", "user":
		return part != "online" && part != "user"
	}
	return false
}

// ObserveSessionOpened counts a new session.
func ObserveSessionOpened() { sessionsOpened.Inc() }

// ObserveSessionTerminated counts sessions ended for reason ("admin", "logout", "idle", "expired", "account_deleted").
func ObserveSessionTerminated(reason string, n int) {
	if n <= 0 {
		return
	}
	sessionsTerminated.WithLabelValues(reason).Add(float64(n))
}

// ObserveLogin counts a login attempt.
func ObserveLogin(outcome string) { loginAttempts.WithLabelValues(outcome).Inc() }

// ObserveAuditEvent counts an appended audit event.
func ObserveAuditEvent(action, outcome string) { auditEvents.WithLabelValues(action, outcome).Inc() }

// SetBuildInfo publishes the identity of the running binary. A later call
// replaces the earlier series.
func SetBuildInfo(service, version, commit string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(service, version, commit, runtime.Version()).Set(1)
}

// SetReady publishes the readiness state.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
