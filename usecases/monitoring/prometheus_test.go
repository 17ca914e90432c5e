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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMetrics(t *testing.T) {
	t.Run("nil metrics are a no-op", func(t *testing.T) {
		var pm *PrometheusMetrics
		assert.NotPanics(t, func() {
			pm.SetChunks(3)
			pm.AddBytesWritten(10)
			pm.ScavengedChunk(1, 100)
			pm.ObserveScavengeStage("accumulating", time.Now())
		})
	})

	t.Run("values are recorded", func(t *testing.T) {
		pm := NewPrometheusMetrics(prometheus.NewRegistry())

		pm.SetChunks(3)
		pm.AddBytesWritten(10)
		pm.AddBytesWritten(5)
		pm.ScavengedChunk(4, 100)
		pm.ScavengedChunk(1, -20)
		pm.StreamCacheLookup("last_event_number", true)

		assert.Equal(t, float64(3), testutil.ToFloat64(pm.ChunksCount))
		assert.Equal(t, float64(15), testutil.ToFloat64(pm.ChunkBytesWritten))
		assert.Equal(t, float64(5), testutil.ToFloat64(pm.ScavengeDiscarded))
		assert.Equal(t, float64(100), testutil.ToFloat64(pm.ScavengeReclaimed))
		assert.Equal(t, float64(2), testutil.ToFloat64(pm.ScavengeChunks))
		assert.Equal(t, float64(1), testutil.ToFloat64(
			pm.StreamCacheLookups.WithLabelValues("last_event_number", "hit")))
	})

	t.Run("noop registry accepts duplicate registrations", func(t *testing.T) {
		assert.NotPanics(t, func() {
			NewNoopPrometheusMetrics()
			NewNoopPrometheusMetrics()
		})
	})
}
