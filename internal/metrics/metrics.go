// Package metrics exposes the chat server's prometheus counters/gauges and
// a /metrics + /ready HTTP endpoint, mirroring the teacher's
// internal/metrics package shape (promauto registration, local atomic
// mirrors for cheap periodic logging, a registered readiness function).
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/go-bcp-chatd/internal/logging"
)

var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_connections_accepted_total",
		Help: "Total TCP connections accepted.",
	})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_connections_active",
		Help: "Current number of registered connections (non-PreRegister, non-Error, non-Closing).",
	})
	Registrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_registrations_total",
		Help: "Total successful username registrations.",
	})
	BroadcastMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_broadcast_messages_total",
		Help: "Total Send frames accepted and broadcast.",
	})
	BroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_broadcast_fanout",
		Help: "Number of recipients targeted in the most recent broadcast.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_pool_queue_depth",
		Help: "Worker pool queue depth sampled after each dispatch.",
	})
	FramingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_framing_errors_total",
		Help: "Total frames rejected for malformed opcode, oversize length, or truncation.",
	})
	IOErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_io_errors_total",
		Help: "Total socket write failures (Status or Deliver); read failures are not counted.",
	})
	RegistrationConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_registration_conflicts_total",
		Help: "Total Register attempts rejected for a duplicate or empty username.",
	})
	InactivityTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_inactivity_timeouts_total",
		Help: "Total connections closed by the idle auditor.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatd_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Local mirrored counters for cheap periodic logging without scraping
// Prometheus in-process.
var (
	localAccepted   uint64
	localRegistered uint64
	localBroadcasts uint64
	localFramingErr uint64
	localIOErr      uint64
	localConflicts  uint64
	localTimeouts   uint64
)

// Snapshot is a cheap copy of the local counters, suitable for logging.
type Snapshot struct {
	Accepted   uint64
	Registered uint64
	Broadcasts uint64
	FramingErr uint64
	IOErr      uint64
	Conflicts  uint64
	Timeouts   uint64
}

func Snap() Snapshot {
	return Snapshot{
		Accepted:   atomic.LoadUint64(&localAccepted),
		Registered: atomic.LoadUint64(&localRegistered),
		Broadcasts: atomic.LoadUint64(&localBroadcasts),
		FramingErr: atomic.LoadUint64(&localFramingErr),
		IOErr:      atomic.LoadUint64(&localIOErr),
		Conflicts:  atomic.LoadUint64(&localConflicts),
		Timeouts:   atomic.LoadUint64(&localTimeouts),
	}
}

func IncAccepted() {
	ConnectionsAccepted.Inc()
	atomic.AddUint64(&localAccepted, 1)
}

func IncRegistrations() {
	Registrations.Inc()
	atomic.AddUint64(&localRegistered, 1)
}

func IncBroadcastMessages() {
	BroadcastMessages.Inc()
	atomic.AddUint64(&localBroadcasts, 1)
}

func SetBroadcastFanout(n int) { BroadcastFanout.Set(float64(n)) }

func SetActiveConnections(n int) { ConnectionsActive.Set(float64(n)) }

func SetQueueDepth(n int) { QueueDepth.Set(float64(n)) }

func IncFramingError() {
	FramingErrors.Inc()
	atomic.AddUint64(&localFramingErr, 1)
}

func IncIOError() {
	IOErrors.Inc()
	atomic.AddUint64(&localIOErr, 1)
}

func IncRegistrationConflict() {
	RegistrationConflicts.Inc()
	atomic.AddUint64(&localConflicts, 1)
}

func IncInactivityTimeout() {
	InactivityTimeouts.Inc()
	atomic.AddUint64(&localTimeouts, 1)
}

// InitBuildInfo sets the build info gauge once at startup.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// SetReadinessFunc registers the function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

// IsReady invokes the registered readiness function, defaulting to true if
// none has been registered yet.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

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
