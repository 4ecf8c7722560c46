// Package metrics exposes Prometheus counters/gauges for the speed-daemon
// process plus a small /metrics + /ready HTTP server, mirroring the
// instrumentation style used across the rest of the corpus.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/protohackers/speed-daemon/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ObservationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observations_total",
		Help: "Total plate observations recorded from cameras.",
	})
	TicketsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_issued_total",
		Help: "Total tickets issued by the violation detector.",
	})
	TicketsDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_delivered_total",
		Help: "Total tickets handed to a dispatcher's outbound queue.",
	})
	TicketsDeferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_deferred_total",
		Help: "Total tickets queued because no dispatcher served the road at issuance time.",
	})
	TicketsSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_suppressed_total",
		Help: "Total candidate violations discarded due to the per-plate per-day uniqueness rule.",
	})
	CamerasActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cameras_active",
		Help: "Current number of connections identified as cameras.",
	})
	DispatchersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatchers_active",
		Help: "Current number of connections identified as dispatchers.",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connections_total",
		Help: "Total TCP connections accepted.",
	})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connections_active",
		Help: "Current number of live TCP connections.",
	})
	HeartbeatsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartbeats_sent_total",
		Help: "Total Heartbeat frames sent.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total frames rejected by the codec as malformed.",
	})
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rate_limited_disconnects_total",
		Help: "Total connections closed for exceeding the inbound frame rate limit.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrProtocol  = "protocol"
	ErrConnRead  = "conn_read"
	ErrConnWrite = "conn_write"
	ErrListen    = "listen"
	ErrAccept    = "accept"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters so code paths that don't scrape Prometheus (e.g.
// periodic slog summaries, tests) can cheaply read current totals.
var (
	localObservations uint64
	localTickets      uint64
	localDelivered    uint64
	localDeferred     uint64
	localSuppressed   uint64
	localMalformed    uint64
	localErrors       uint64
	localRateLimited  uint64
)

type Snapshot struct {
	Observations uint64
	Tickets      uint64
	Delivered    uint64
	Deferred     uint64
	Suppressed   uint64
	Malformed    uint64
	Errors       uint64
	RateLimited  uint64
}

func Snap() Snapshot {
	return Snapshot{
		Observations: atomic.LoadUint64(&localObservations),
		Tickets:      atomic.LoadUint64(&localTickets),
		Delivered:    atomic.LoadUint64(&localDelivered),
		Deferred:     atomic.LoadUint64(&localDeferred),
		Suppressed:   atomic.LoadUint64(&localSuppressed),
		Malformed:    atomic.LoadUint64(&localMalformed),
		Errors:       atomic.LoadUint64(&localErrors),
		RateLimited:  atomic.LoadUint64(&localRateLimited),
	}
}

func IncObservation() {
	ObservationsTotal.Inc()
	atomic.AddUint64(&localObservations, 1)
}

func IncTicketIssued() {
	TicketsIssuedTotal.Inc()
	atomic.AddUint64(&localTickets, 1)
}

func IncTicketDelivered() {
	TicketsDeliveredTotal.Inc()
	atomic.AddUint64(&localDelivered, 1)
}

func IncTicketDeferred() {
	TicketsDeferredTotal.Inc()
	atomic.AddUint64(&localDeferred, 1)
}

func IncTicketSuppressed() {
	TicketsSuppressedTotal.Inc()
	atomic.AddUint64(&localSuppressed, 1)
}

func SetCamerasActive(n int)     { CamerasActive.Set(float64(n)) }
func SetDispatchersActive(n int) { DispatchersActive.Set(float64(n)) }

func IncConnection()             { ConnectionsTotal.Inc() }
func SetConnectionsActive(n int) { ConnectionsActive.Set(float64(n)) }

func IncHeartbeat() { HeartbeatsSentTotal.Inc() }

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncRateLimited() {
	RateLimitedTotal.Inc()
	atomic.AddUint64(&localRateLimited, 1)
}

func IncError(where string) {
	Errors.WithLabelValues(where).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first error of a kind doesn't pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrProtocol, ErrConnRead, ErrConnWrite, ErrListen, ErrAccept} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
