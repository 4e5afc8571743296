package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the engine core metrics shared by the job coordinator and
// the persistence manager
type Metrics struct {
	// Job metrics
	JobState      *prometheus.GaugeVec
	RecordsRead   *prometheus.CounterVec
	ParseErrors   *prometheus.CounterVec
	EventsWritten *prometheus.CounterVec

	// Persistence metrics
	PersistOperations *prometheus.CounterVec
	PersistDuration   prometheus.Histogram
	PersistInFlight   prometheus.Gauge
	RestoreDuration   prometheus.Histogram
}

// NewMetrics creates a new Metrics instance with all engine core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		JobState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mlstreams",
				Subsystem: "job",
				Name:      "state",
				Help:      "Job state (0=restoring, 1=processing, 2=flushing, 3=finalizing, 4=closed, 5=failed)",
			},
			[]string{"job"},
		),

		RecordsRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mlstreams",
				Subsystem: "input",
				Name:      "records_read_total",
				Help:      "Total number of records read from the input stream",
			},
			[]string{"job", "format"},
		),

		ParseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mlstreams",
				Subsystem: "input",
				Name:      "parse_errors_total",
				Help:      "Total number of malformed records skipped",
			},
			[]string{"job", "format"},
		),

		EventsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mlstreams",
				Subsystem: "output",
				Name:      "events_written_total",
				Help:      "Total number of result events written to the sink chain",
			},
			[]string{"job", "kind"},
		),

		PersistOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mlstreams",
				Subsystem: "persistence",
				Name:      "operations_total",
				Help:      "Persistence operations by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),

		PersistDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mlstreams",
				Subsystem: "persistence",
				Name:      "duration_seconds",
				Help:      "Duration of background checkpoint writes",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),

		PersistInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mlstreams",
				Subsystem: "persistence",
				Name:      "in_flight",
				Help:      "Whether a persistence operation is currently in flight (0 or 1)",
			},
		),

		RestoreDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mlstreams",
				Subsystem: "persistence",
				Name:      "restore_duration_seconds",
				Help:      "Duration of checkpoint restores",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
	}
}

// RecordJobState records the numeric job state for a job. Nil-safe.
func (m *Metrics) RecordJobState(job string, state int) {
	if m == nil {
		return
	}
	m.JobState.WithLabelValues(job).Set(float64(state))
}

// RecordRecordRead counts one consumed input record. Nil-safe.
func (m *Metrics) RecordRecordRead(job, format string) {
	if m == nil {
		return
	}
	m.RecordsRead.WithLabelValues(job, format).Inc()
}

// RecordParseError counts one skipped malformed record. Nil-safe.
func (m *Metrics) RecordParseError(job, format string) {
	if m == nil {
		return
	}
	m.ParseErrors.WithLabelValues(job, format).Inc()
}

// RecordEventWritten counts one result event forwarded to the sink chain.
// Nil-safe.
func (m *Metrics) RecordEventWritten(job, kind string) {
	if m == nil {
		return
	}
	m.EventsWritten.WithLabelValues(job, kind).Inc()
}

// RecordPersistOperation records one persistence operation outcome. Nil-safe.
func (m *Metrics) RecordPersistOperation(trigger, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PersistOperations.WithLabelValues(trigger, outcome).Inc()
	if outcome != "rejected" {
		m.PersistDuration.Observe(duration.Seconds())
	}
}

// SetPersistInFlight flags whether a background persistence task exists.
// Nil-safe.
func (m *Metrics) SetPersistInFlight(inFlight bool) {
	if m == nil {
		return
	}
	if inFlight {
		m.PersistInFlight.Set(1)
	} else {
		m.PersistInFlight.Set(0)
	}
}

// RecordRestore records one restore duration. Nil-safe.
func (m *Metrics) RecordRestore(duration time.Duration) {
	if m == nil {
		return
	}
	m.RestoreDuration.Observe(duration.Seconds())
}
