package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_sessions_total",
			Help: "Total number of CWMP sessions by outcome",
		},
		[]string{"outcome"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acs_sessions_active",
			Help: "Number of sessions currently open in this process",
		},
	)

	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "acs_session_duration_seconds",
			Help:    "Wall time from Inform to session end in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	OverloadRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acs_overload_rejected_total",
			Help: "Total number of new sessions rejected with 503",
		},
	)

	// RPC metrics
	RPCsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_rpcs_total",
			Help: "Total number of ACS to CPE RPCs by method",
		},
		[]string{"method"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acs_request_duration_seconds",
			Help:    "CWMP HTTP request processing time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Fault metrics
	FaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_faults_total",
			Help: "Total number of recorded channel faults by code",
		},
		[]string{"code"},
	)

	// Lock metrics
	LockAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_lock_acquire_total",
			Help: "Lock acquisition attempts by result",
		},
		[]string{"result"},
	)

	// Extension metrics
	ExtensionCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_extension_calls_total",
			Help: "Extension invocations by extension and result",
		},
		[]string{"extension", "result"},
	)

	ExtensionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acs_extension_duration_seconds",
			Help:    "Extension run time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"extension"},
	)

	// Snapshot metrics
	SnapshotRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_snapshot_refresh_total",
			Help: "Snapshot cache refreshes by result",
		},
		[]string{"result"},
	)

	SnapshotRevisions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acs_snapshot_revisions",
			Help: "Number of snapshot revisions held in memory",
		},
	)

	ConfigObjects = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acs_config_objects",
			Help: "Number of configuration objects in the current snapshot by kind",
		},
		[]string{"kind"},
	)

	LocalSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acs_local_sessions",
			Help: "Number of sessions tracked by this process for the reaper",
		},
	)

	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acs_events_dropped",
			Help: "Lifecycle events not delivered to a subscriber since start",
		},
	)

	// Reaper metrics
	ReaperCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acs_reaper_cycles_total",
			Help: "Total number of session reaper cycles",
		},
	)

	ReaperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "acs_reaper_duration_seconds",
			Help:    "Session reaper cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionDuration)
	prometheus.MustRegister(OverloadRejectedTotal)
	prometheus.MustRegister(RPCsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(FaultsTotal)
	prometheus.MustRegister(LockAcquireTotal)
	prometheus.MustRegister(ExtensionCallsTotal)
	prometheus.MustRegister(ExtensionDuration)
	prometheus.MustRegister(SnapshotRefreshTotal)
	prometheus.MustRegister(SnapshotRevisions)
	prometheus.MustRegister(ConfigObjects)
	prometheus.MustRegister(LocalSessions)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(ReaperCyclesTotal)
	prometheus.MustRegister(ReaperDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
