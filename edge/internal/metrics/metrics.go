package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Capture metrics
	EventsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_edge_events_enqueued_total",
			Help: "Total number of enqueue calls by result",
		},
		[]string{"result"},
	)

	// Queue metrics
	PendingEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_edge_pending_events",
			Help: "Number of events awaiting upload",
		},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_edge_dead_letters_total",
			Help: "Total number of events moved to dead letter",
		},
		[]string{"reason"},
	)

	// Upload metrics
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_edge_uploads_total",
			Help: "Total number of batch uploads by outcome",
		},
		[]string{"outcome"},
	)

	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_edge_upload_duration_seconds",
			Help:    "Duration of batch upload requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	UploadedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_edge_uploaded_events_total",
			Help: "Total number of events accepted by the backend",
		},
	)

	// Scheduler metrics
	SchedulerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telhawk_edge_scheduler_state",
			Help: "Current scheduler state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	FlushBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_edge_flush_batches_total",
			Help: "Total number of batches attempted by flush cycles",
		},
	)

	FlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_edge_flushes_total",
			Help: "Total number of flush cycles by trigger",
		},
		[]string{"trigger"},
	)
)

// SetSchedulerState marks state as the active scheduler state.
func SetSchedulerState(state string, all []string) {
	for _, s := range all {
		if s == state {
			SchedulerState.WithLabelValues(s).Set(1)
		} else {
			SchedulerState.WithLabelValues(s).Set(0)
		}
	}
}
