package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "bridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	framesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_frames_routed_total",
			Help: "Frames routed through the bridge by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_frames_dropped_total",
			Help: "Frames dropped instead of delivered",
		},
		[]string{"reason"},
	)

	dispatchErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_dispatch_errors_total",
			Help: "Backend-initiated requests that could not reach any extension connection",
		},
	)

	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_backend_reconnects_total",
			Help: "Connection attempts to the backend hub after the first",
		},
	)

	clientConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_backend_connected",
			Help: "Whether the backend stream is currently up (0 or 1)",
		},
	)

	extensionConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_extension_connections",
			Help: "Open extension-side connections",
		},
	)

	pendingEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_pending_requests",
			Help: "In-flight requests awaiting a matching reply, per table",
		},
		[]string{"table"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, framesRouted, framesDropped, dispatchErrors,
		reconnects, clientConnected, extensionConns, pendingEntries)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordFrame counts a routed frame. Direction is "extension_to_backend" or
// "backend_to_extension".
func RecordFrame(direction, kind string) {
	framesRouted.WithLabelValues(direction, kind).Inc()
}

// RecordDrop counts a dropped frame with the given reason.
func RecordDrop(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// RecordDispatchError counts a failed push toward the extension side.
func RecordDispatchError() {
	dispatchErrors.Inc()
}

// RecordReconnect counts a backend connection attempt after the first.
func RecordReconnect() {
	reconnects.Inc()
}

// SetBackendConnected flips the backend connectivity gauge.
func SetBackendConnected(up bool) {
	if up {
		clientConnected.Set(1)
	} else {
		clientConnected.Set(0)
	}
}

// SetExtensionConnections records the number of open extension connections.
func SetExtensionConnections(n int) {
	extensionConns.Set(float64(n))
}

// SetPending records the size of a pending table ("extension" or "server").
func SetPending(table string, n int) {
	pendingEntries.WithLabelValues(table).Set(float64(n))
}
