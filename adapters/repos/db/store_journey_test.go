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

package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/eventstore/adapters/repos/db/readindex"
	"github.com/weaviate/eventstore/adapters/repos/db/scavenge"
	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/storagestate"
)

// Meant to be run with -race.
func TestStoreJourneyScavengeWhileServing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close(ctx)

	_, err := s.SetStreamMetadata(ctx, "capped", readindex.StreamMetadata{MaxCount: 2})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := s.WriteEvents(ctx, "capped", eventlog.ExpectedAny, textEvents(fmt.Sprintf("c%d", i), 1)...)
		require.NoError(t, err)
	}
	require.Greater(t, s.Log().Manager().ChunksCount(), 2)

	t.Run("held chunk survives the switch", func(t *testing.T) {
		held, err := s.Log().Manager().AcquireChunk(0)
		require.NoError(t, err)
		path := held.Path()

		res, err := s.Scavenge(ctx, scavenge.Options{})
		require.NoError(t, err)
		require.Greater(t, res.ChunksRewritten, 0)

		current, err := s.Log().Manager().AcquireChunk(0)
		require.NoError(t, err)
		assert.NotEqual(t, path, current.Path())
		current.Release()

		assert.FileExists(t, path)
		_, err = held.TryReadAt(0)
		assert.NoError(t, err)

		held.Release()
		assert.NoFileExists(t, path)
	})

	t.Run("writes and reads keep going during scavenge", func(t *testing.T) {
		streams := []string{"w0", "w1", "w2"}
		const perStream = 60

		done := make(chan struct{})
		writers := &sync.WaitGroup{}
		readers := &sync.WaitGroup{}

		for _, stream := range streams {
			stream := stream
			writers.Add(1)
			go func() {
				defer writers.Done()
				for i := 0; i < perStream; i++ {
					_, err := s.WriteEvents(ctx, stream, int64(i-1), textEvents(fmt.Sprintf("%s-%d", stream, i), 1)...)
					if !assert.NoError(t, err) {
						return
					}
					// keep the capped stream growing so every pass finds garbage
					if i%10 == 0 {
						_, err := s.WriteEvents(ctx, "capped", eventlog.ExpectedAny, textEvents(stream, 1)...)
						assert.NoError(t, err)
					}
				}
			}()
		}

		readers.Add(2)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for _, stream := range streams {
					res, err := s.ReadIndex().ReadStreamForward(ctx, stream, 0, 1000)
					if !assert.NoError(t, err) {
						return
					}
					for i, ev := range res.Events {
						assert.Equal(t, int64(i), ev.EventNumber)
					}
				}
			}
		}()
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				pos := eventlog.TFPos{}
				for {
					res, err := s.ReadIndex().ReadAllForward(ctx, pos, 50)
					if !assert.NoError(t, err) {
						return
					}
					if res.IsEnd {
						break
					}
					pos = res.NextPos
				}
			}
		}()

		passes := 0
		writing := make(chan struct{})
		go func() {
			writers.Wait()
			close(writing)
		}()
	scavenging:
		for {
			_, err := s.Scavenge(ctx, scavenge.Options{MergeChunks: true})
			if !assert.NoError(t, err) {
				break
			}
			passes++
			select {
			case <-writing:
				break scavenging
			case <-time.After(5 * time.Millisecond):
			}
		}
		close(done)
		readers.Wait()

		assert.Greater(t, passes, 0)
		for _, stream := range streams {
			got := readAll(t, s, stream)
			require.Len(t, got, perStream)
			for i, data := range got {
				assert.Equal(t, fmt.Sprintf("%s-%d-0", stream, i), data)
			}
		}
		assert.Len(t, readAll(t, s, "capped"), 2)
		assert.Equal(t, storagestate.StatusReady, s.Status())
		require.NoError(t, s.Verify(ctx))
	})
}
