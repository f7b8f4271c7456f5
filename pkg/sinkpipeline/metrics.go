package sinkpipeline

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "batchsink"

// Metrics holds the coordinator's Prometheus collectors.
type Metrics struct {
	RecordsIngested  prometheus.Counter
	RecordsSkipped   *prometheus.CounterVec
	RecordsWritten   prometheus.Counter
	RecordsRejected  prometheus.Counter
	BatchesFlushed   *prometheus.CounterVec
	WriteAttempts    *prometheus.CounterVec
	BatchSize        prometheus.Histogram
	WriteDuration    prometheus.Histogram
	BufferedRecords  prometheus.Gauge
	CommittedOffsets *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Records appended to the batch buffer.",
		}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Records not buffered, by reason.",
		}, []string{"reason"}),
		RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Records confirmed written to the destination.",
		}),
		RecordsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Records rejected by the destination.",
		}),
		BatchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Batches drained from the buffer, by trigger.",
		}, []string{"trigger"}),
		WriteAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_attempts_total",
			Help:      "Destination write attempts, by outcome.",
		}, []string{"outcome"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Records per flushed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		WriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_duration_seconds",
			Help:      "Time to write a batch, retries included.",
			Buckets:   prometheus.DefBuckets,
		}),
		BufferedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_records",
			Help:      "Records currently waiting in the buffer.",
		}),
		CommittedOffsets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "committed_offset",
			Help:      "Last committed offset per topic/partition.",
		}, []string{"topic", "partition"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RecordsIngested,
			m.RecordsSkipped,
			m.RecordsWritten,
			m.RecordsRejected,
			m.BatchesFlushed,
			m.WriteAttempts,
			m.BatchSize,
			m.WriteDuration,
			m.BufferedRecords,
			m.CommittedOffsets,
		)
	}
	return m
}

func (m *Metrics) observeCommit(offsets Offsets) {
	for tp, off := range offsets {
		m.CommittedOffsets.WithLabelValues(tp.Topic, strconv.Itoa(int(tp.Partition))).Set(float64(off))
	}
}
