package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "smoothfeed",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smoothfeed",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smoothfeed",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	smoothingQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smoothfeed",
			Subsystem: "smoothing",
			Name:      "queries_total",
			Help:      "Total number of smoothed answer queries.",
		},
		[]string{"feed", "result"},
	)

	smoothingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smoothfeed",
			Subsystem: "smoothing",
			Name:      "query_duration_seconds",
			Help:      "Duration of smoothed answer queries, accessor reads included.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"feed"},
	)

	smoothingRoundsRead = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smoothfeed",
			Subsystem: "smoothing",
			Name:      "rounds_read",
			Help:      "Rounds fetched per smoothed answer query.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8), // 1 to 128
		},
		[]string{"feed"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smoothfeed",
			Subsystem: "cache",
			Name:      "round_lookups_total",
			Help:      "Round cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	streamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "smoothfeed",
			Subsystem: "stream",
			Name:      "clients",
			Help:      "Connected websocket stream clients.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		smoothingQueries,
		smoothingDuration,
		smoothingRoundsRead,
		cacheLookups,
		streamClients,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSmoothingQuery records the outcome of one smoothed answer query.
// roundsRead is ignored for failed queries.
func RecordSmoothingQuery(feedID, result string, roundsRead int, duration time.Duration) {
	if feedID == "" {
		feedID = "unknown"
	}
	if duration <= 0 {
		duration = time.Microsecond
	}
	smoothingQueries.WithLabelValues(feedID, result).Inc()
	smoothingDuration.WithLabelValues(feedID).Observe(duration.Seconds())
	if result == "ok" {
		smoothingRoundsRead.WithLabelValues(feedID).Observe(float64(roundsRead))
	}
}

// RecordCacheLookup records a round cache hit or miss.
func RecordCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookups.WithLabelValues(outcome).Inc()
}

// StreamOpened and StreamClosed track websocket subscribers.
func StreamOpened() { streamClients.Inc() }

func StreamClosed() { streamClients.Dec() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack passes through to the wrapped writer so websocket upgrades survive
// instrumentation.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// otherPath labels requests outside the routed API.
const otherPath = "/other"

// canonicalPath maps a request path onto a fixed set of route labels.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "feeds" {
		if len(parts) == 1 && (parts[0] == "health" || parts[0] == "metrics") {
			return "/" + parts[0]
		}
		return otherPath
	}

	switch len(parts) {
	case 1:
		return "/feeds"
	case 2:
		return "/feeds/:feed"
	}
	switch {
	case parts[2] == "rounds":
		return "/feeds/:feed/rounds"
	case parts[2] == "smoothed" && len(parts) == 3:
		return "/feeds/:feed/smoothed"
	case parts[2] == "smoothed" && len(parts) == 4 && parts[3] == "stream":
		return "/feeds/:feed/smoothed/stream"
	}
	return "/feeds/:feed/other"
}
