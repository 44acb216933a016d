package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ingestion counters. All methods are safe on a nil
// receiver so callers that do not care about metrics can leave the
// Service field unset.
type Metrics struct {
	filesParsed          *prometheus.CounterVec
	measurementsInserted prometheus.Counter
	measurementsSkipped  prometheus.Counter
	parseDuration        prometheus.Histogram
}

// NewMetrics builds and registers the ingestion metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		filesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metaloader",
			Subsystem: "ingest",
			Name:      "files_parsed_total",
			Help:      "Files parsed, by variant and outcome.",
		}, []string{"variant", "outcome"}),
		measurementsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metaloader",
			Subsystem: "ingest",
			Name:      "measurements_inserted_total",
			Help:      "Measurement rows inserted.",
		}),
		measurementsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metaloader",
			Subsystem: "ingest",
			Name:      "measurements_skipped_total",
			Help:      "Measurement rows skipped as duplicates.",
		}),
		parseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metaloader",
			Subsystem: "ingest",
			Name:      "parse_duration_seconds",
			Help:      "Wall time spent parsing one file.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	reg.MustRegister(m.filesParsed, m.measurementsInserted, m.measurementsSkipped, m.parseDuration)
	return m
}

func (m *Metrics) observeParse(variant string, err error, start time.Time) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.filesParsed.WithLabelValues(variant, outcome).Inc()
	m.parseDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) addMeasurements(inserted, skipped int) {
	if m == nil {
		return
	}
	m.measurementsInserted.Add(float64(inserted))
	m.measurementsSkipped.Add(float64(skipped))
}
