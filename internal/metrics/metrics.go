// Package metrics exposes the Prometheus registry the engine publishes
// to: one package-level variable per metric, plus a small Timer /
// ObserveDuration helper pair for wrapping a background pass's duration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BytesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "benji_bytes_read_total",
		Help: "Total bytes read from IO adapters during backup.",
	}, []string{"volume"})

	BytesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "benji_bytes_written_total",
		Help: "Total bytes written to storage adapters during backup.",
	}, []string{"volume", "storage"})

	BytesDeduplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "benji_bytes_deduplicated_total",
		Help: "Total bytes of blocks reused via dedup instead of re-written.",
	}, []string{"volume"})

	BytesSparse = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "benji_bytes_sparse_total",
		Help: "Total bytes of blocks recognized as all-zero and not stored.",
	}, []string{"volume"})

	BackupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "benji_backup_duration_seconds",
		Help:    "Wall-clock duration of a single backup run.",
		Buckets: prometheus.DefBuckets,
	})

	RestoreDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "benji_restore_duration_seconds",
		Help:    "Wall-clock duration of a single restore run.",
		Buckets: prometheus.DefBuckets,
	})

	ScrubCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "benji_scrub_cycles_total",
		Help: "Completed scrub runs, partitioned by light/deep and outcome.",
	}, []string{"mode", "outcome"})

	ScrubDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "benji_scrub_duration_seconds",
		Help:    "Wall-clock duration of a single scrub run.",
		Buckets: prometheus.DefBuckets,
	})

	CleanupCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "benji_cleanup_cycles_total",
		Help: "Completed cleanup runs.",
	})

	CleanupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "benji_cleanup_duration_seconds",
		Help:    "Wall-clock duration of a single cleanup run.",
		Buckets: prometheus.DefBuckets,
	})

	ObjectsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "benji_objects_deleted_total",
		Help: "Stored objects physically removed by cleanup.",
	})

	EnforceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "benji_enforce_duration_seconds",
		Help:    "Wall-clock duration of a single enforce run.",
		Buckets: prometheus.DefBuckets,
	})

	VersionsRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "benji_versions_removed_total",
		Help: "Versions removed by enforce.",
	})

	NBDActiveExports = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "benji_nbd_active_exports",
		Help: "Currently connected NBD clients.",
	})
)

// Collectors returns every collector above so main can register them all
// with a single Registerer, rather than listing them again at the call
// site (and risking one falling out of sync).
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		BytesRead, BytesWritten, BytesDeduplicated, BytesSparse,
		BackupDuration, RestoreDuration,
		ScrubCyclesTotal, ScrubDuration,
		CleanupCyclesTotal, CleanupDuration, ObjectsDeletedTotal,
		EnforceDuration, VersionsRemovedTotal,
		NBDActiveExports,
	}
}

// Timer measures an operation's duration and reports it to a Histogram
// via the usual NewTimer()/ObserveDuration pairing.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
