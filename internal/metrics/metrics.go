package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus instruments. The registerer is owned
// by the embedding process; the engine never exposes an HTTP endpoint itself.
type Metrics struct {
	Enqueued     *prometheus.CounterVec
	Received     *prometheus.CounterVec
	Completed    *prometheus.CounterVec
	Abandoned    *prometheus.CounterVec
	DeadLettered *prometheus.CounterVec
	LockLost     *prometheus.CounterVec

	storageWrite  prometheus.Histogram
	storageRead   prometheus.Histogram
	storageCommit prometheus.Histogram
}

// New registers the engine's instruments on reg. A nil registerer yields a
// fully functional Metrics that records into unregistered collectors, which
// keeps call sites unconditional.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimicmq", Name: "messages_enqueued_total",
			Help: "Messages accepted into a queue.",
		}, []string{"queue"}),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimicmq", Name: "messages_received_total",
			Help: "Messages handed to receivers, by receive mode.",
		}, []string{"queue", "mode"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimicmq", Name: "messages_completed_total",
			Help: "Messages settled by Complete.",
		}, []string{"queue"}),
		Abandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimicmq", Name: "messages_abandoned_total",
			Help: "Messages returned to the queue by Abandon.",
		}, []string{"queue"}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimicmq", Name: "messages_dead_lettered_total",
			Help: "Messages moved to the dead-letter sub-queue, by reason.",
		}, []string{"queue", "reason"}),
		LockLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimicmq", Name: "lock_lost_total",
			Help: "Settlement attempts rejected because the lock was no longer held.",
		}, []string{"queue"}),
		storageWrite: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mimicmq", Subsystem: "storage", Name: "write_seconds",
			Help:    "Single-key write latency.",
			Buckets: prometheus.ExponentialBuckets(50e-6, 2, 14),
		}),
		storageRead: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mimicmq", Subsystem: "storage", Name: "read_seconds",
			Help:    "Point-read latency.",
			Buckets: prometheus.ExponentialBuckets(50e-6, 2, 14),
		}),
		storageCommit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mimicmq", Subsystem: "storage", Name: "batch_commit_seconds",
			Help:    "Batch commit latency.",
			Buckets: prometheus.ExponentialBuckets(50e-6, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Enqueued, m.Received, m.Completed, m.Abandoned, m.DeadLettered, m.LockLost,
			m.storageWrite, m.storageRead, m.storageCommit,
		)
	}
	return m
}

// ObserveWrite implements the storage metrics hook.
func (m *Metrics) ObserveWrite(elapsed time.Duration, bytes int) {
	m.storageWrite.Observe(elapsed.Seconds())
}

// ObserveRead implements the storage metrics hook.
func (m *Metrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.storageRead.Observe(elapsed.Seconds())
}

// ObserveBatchCommit implements the storage metrics hook.
func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, bytes int) {
	m.storageCommit.Observe(elapsed.Seconds())
}
