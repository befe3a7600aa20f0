package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resume",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "resume",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.3, 1, 5},
	}, []string{"method", "path"})

	TrackedTorrents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resume",
		Name:      "tracked_torrents",
		Help:      "Number of torrents in the scheduler's active set.",
	})

	SavesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resume",
		Name:      "saves_in_flight",
		Help:      "Save requests issued to the engine and not yet answered.",
	})

	SaveRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resume",
		Name:      "save_requests_total",
		Help:      "Save requests issued to the engine by trigger.",
	}, []string{"reason"})

	SaveResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resume",
		Name:      "save_results_total",
		Help:      "Save request outcomes reported by the engine.",
	}, []string{"result"})

	StoreErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resume",
		Name:      "store_errors_total",
		Help:      "Resume store failures by operation.",
	}, []string{"op"})

	StoreOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "resume",
		Name:      "store_op_duration_seconds",
		Help:      "Resume store operation latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"op"})

	WriteQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resume",
		Name:      "write_queue_depth",
		Help:      "Pending jobs in the resume writer queue.",
	})

	WritesSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resume",
		Name:      "writes_skipped_total",
		Help:      "Resume writes not performed, by reason.",
	}, []string{"reason"})

	LoadedRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resume",
		Name:      "loaded_records_total",
		Help:      "Resume records processed at startup by result.",
	}, []string{"result"})

	InvariantViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resume",
		Name:      "invariant_violations_total",
		Help:      "Internal invariant violations that were ignored.",
	}, []string{"check"})

	EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resume",
		Name:      "events_published_total",
		Help:      "Engine events published on the bus by kind.",
	}, []string{"kind"})

	EventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resume",
		Name:      "events_dropped_total",
		Help:      "Best-effort events dropped because a subscriber was full.",
	}, []string{"kind"})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resume",
		Name:      "ws_clients",
		Help:      "Connected status websocket clients.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TrackedTorrents,
		SavesInFlight,
		SaveRequestsTotal,
		SaveResultsTotal,
		StoreErrorsTotal,
		StoreOpDuration,
		WriteQueueDepth,
		WritesSkippedTotal,
		LoadedRecordsTotal,
		InvariantViolationsTotal,
		EventsPublishedTotal,
		EventsDroppedTotal,
		WSClients,
	)
}
