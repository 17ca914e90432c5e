//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds the metrics of the storage core. All helper
// methods are safe to call on a nil receiver, which disables metrics.
type PrometheusMetrics struct {
	ChunksCount          prometheus.Gauge
	ChunkBytesWritten    prometheus.Counter
	ChunkCorruptions     prometheus.Counter
	ChunksDeleted        prometheus.Counter
	MemtableEntries      prometheus.Gauge
	PTablesByLevel       *prometheus.GaugeVec
	IndexMergeDurations  prometheus.Histogram
	IndexFlushDurations  prometheus.Histogram
	StreamCacheLookups   *prometheus.CounterVec
	ScavengeStageSeconds *prometheus.HistogramVec
	ScavengeDiscarded    prometheus.Counter
	ScavengeReclaimed    prometheus.Counter
	ScavengeChunks       prometheus.Counter
}

func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		ChunksCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eventstore_chunks",
			Help: "Number of physical chunk files in the transaction log",
		}),
		ChunkBytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventstore_chunk_bytes_written_total",
			Help: "Bytes appended to the transaction log",
		}),
		ChunkCorruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventstore_chunk_corruptions_total",
			Help: "Checksum or framing mismatches detected while reading chunks",
		}),
		ChunksDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventstore_chunks_deleted_total",
			Help: "Superseded chunk files removed from disk",
		}),
		MemtableEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eventstore_memtable_entries",
			Help: "Entries held by the live index memtable",
		}),
		PTablesByLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventstore_ptables",
			Help: "Number of on-disk index tables per level",
		}, []string{"level"}),
		IndexMergeDurations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "eventstore_index_merge_duration_seconds",
			Help:    "Duration of index table merges",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		IndexFlushDurations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "eventstore_index_flush_duration_seconds",
			Help:    "Duration of memtable flushes to index tables",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		StreamCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_stream_cache_lookups_total",
			Help: "Read index stream cache lookups by cache and result",
		}, []string{"cache", "result"}),
		ScavengeStageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventstore_scavenge_stage_duration_seconds",
			Help:    "Duration of scavenge pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		ScavengeDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventstore_scavenge_records_discarded_total",
			Help: "Log records physically removed by scavenging",
		}),
		ScavengeReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventstore_scavenge_bytes_reclaimed_total",
			Help: "Chunk bytes reclaimed by scavenging",
		}),
		ScavengeChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventstore_scavenge_chunks_executed_total",
			Help: "Chunks rewritten by scavenging",
		}),
	}
}

// NewNoopPrometheusMetrics builds working collectors that are never exposed.
func NewNoopPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetrics(noop)
}

func (pm *PrometheusMetrics) SetChunks(count int) {
	if pm == nil {
		return
	}
	pm.ChunksCount.Set(float64(count))
}

func (pm *PrometheusMetrics) AddBytesWritten(n int) {
	if pm == nil {
		return
	}
	pm.ChunkBytesWritten.Add(float64(n))
}

func (pm *PrometheusMetrics) ChunkCorrupted() {
	if pm == nil {
		return
	}
	pm.ChunkCorruptions.Inc()
}

func (pm *PrometheusMetrics) ChunkDeleted() {
	if pm == nil {
		return
	}
	pm.ChunksDeleted.Inc()
}

func (pm *PrometheusMetrics) SetMemtableEntries(n int) {
	if pm == nil {
		return
	}
	pm.MemtableEntries.Set(float64(n))
}

func (pm *PrometheusMetrics) SetPTables(level string, n int) {
	if pm == nil {
		return
	}
	pm.PTablesByLevel.WithLabelValues(level).Set(float64(n))
}

func (pm *PrometheusMetrics) ObserveIndexMerge(start time.Time) {
	if pm == nil {
		return
	}
	pm.IndexMergeDurations.Observe(time.Since(start).Seconds())
}

func (pm *PrometheusMetrics) ObserveIndexFlush(start time.Time) {
	if pm == nil {
		return
	}
	pm.IndexFlushDurations.Observe(time.Since(start).Seconds())
}

func (pm *PrometheusMetrics) StreamCacheLookup(cache string, hit bool) {
	if pm == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	pm.StreamCacheLookups.WithLabelValues(cache, result).Inc()
}

func (pm *PrometheusMetrics) ObserveScavengeStage(stage string, start time.Time) {
	if pm == nil {
		return
	}
	pm.ScavengeStageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (pm *PrometheusMetrics) ScavengedChunk(discarded int, reclaimedBytes int64) {
	if pm == nil {
		return
	}
	pm.ScavengeChunks.Inc()
	pm.ScavengeDiscarded.Add(float64(discarded))
	if reclaimedBytes > 0 {
		pm.ScavengeReclaimed.Add(float64(reclaimedBytes))
	}
}
