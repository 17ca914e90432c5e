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

package readindex

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/weaviate/eventstore/usecases/monitoring"
)

const (
	lastEventNumberCache = "last_event_number"
	metadataCache        = "metadata"
)

// streamCache holds the last event number and metadata per stream. Every
// commit bumps the generation; a value computed while a commit happened is
// not cached since it may already be stale.
type streamCache struct {
	sync.Mutex
	generation uint64

	lastEventNumbers *lru.Cache
	metadata         *lru.Cache
	metrics          *monitoring.PrometheusMetrics
}

func newStreamCache(size int, metrics *monitoring.PrometheusMetrics) (*streamCache, error) {
	last, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "create last event number cache")
	}
	meta, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "create metadata cache")
	}
	return &streamCache{lastEventNumbers: last, metadata: meta, metrics: metrics}, nil
}

func (c *streamCache) currentGeneration() uint64 {
	c.Lock()
	defer c.Unlock()

	return c.generation
}

func (c *streamCache) getLastEventNumber(stream string) (int64, bool) {
	v, ok := c.lastEventNumbers.Get(stream)
	c.metrics.StreamCacheLookup(lastEventNumberCache, ok)
	if !ok {
		return 0, false
	}
	return v.(int64), true
}

func (c *streamCache) putLastEventNumber(stream string, n int64, generation uint64) {
	c.Lock()
	defer c.Unlock()

	if generation == c.generation {
		c.lastEventNumbers.Add(stream, n)
	}
}

func (c *streamCache) getMetadata(stream string) (StreamMetadata, bool) {
	v, ok := c.metadata.Get(stream)
	c.metrics.StreamCacheLookup(metadataCache, ok)
	if !ok {
		return StreamMetadata{}, false
	}
	return v.(StreamMetadata), true
}

func (c *streamCache) putMetadata(stream string, m StreamMetadata, generation uint64) {
	c.Lock()
	defer c.Unlock()

	if generation == c.generation {
		c.metadata.Add(stream, m)
	}
}

// invalidate drops everything cached for streams and starts a new
// generation.
func (c *streamCache) invalidate(streams ...string) {
	c.Lock()
	defer c.Unlock()

	c.generation++
	for _, stream := range streams {
		c.lastEventNumbers.Remove(stream)
		c.metadata.Remove(stream)
	}
}

func (c *streamCache) purge() {
	c.Lock()
	defer c.Unlock()

	c.generation++
	c.lastEventNumbers.Purge()
	c.metadata.Purge()
}
