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

package tableindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/eventstore/entities/eventlog"
)

func TestMemTable(t *testing.T) {
	const h1, h2 = uint64(0x11), uint64(0x22)

	newTable := func() *MemTable {
		mt := NewMemTable()
		mt.Add(h1, 0, 100)
		mt.Add(h1, 1, 200)
		mt.Add(h1, 1, 250)
		mt.Add(h1, 3, 400)
		mt.Add(h2, 0, 150)
		return mt
	}

	t.Run("count ignores exact duplicates", func(t *testing.T) {
		mt := newTable()
		mt.Add(h1, 0, 100)
		assert.Equal(t, 5, mt.Count())
	})

	t.Run("one value returns the newest position of a version", func(t *testing.T) {
		mt := newTable()

		pos, ok := mt.TryGetOneValue(h1, 1)
		require.True(t, ok)
		assert.Equal(t, int64(250), pos)

		_, ok = mt.TryGetOneValue(h1, 2)
		assert.False(t, ok)
		_, ok = mt.TryGetOneValue(0x33, 0)
		assert.False(t, ok)
	})

	t.Run("latest and oldest", func(t *testing.T) {
		mt := newTable()

		latest, ok := mt.TryGetLatestEntry(h1)
		require.True(t, ok)
		assert.Equal(t, IndexEntry{Stream: h1, Version: 3, Position: 400}, latest)

		oldest, ok := mt.TryGetOldestEntry(h1)
		require.True(t, ok)
		assert.Equal(t, IndexEntry{Stream: h1, Version: 0, Position: 100}, oldest)

		_, ok = mt.TryGetLatestEntry(0x33)
		assert.False(t, ok)
	})

	t.Run("next and previous step over versions", func(t *testing.T) {
		mt := newTable()

		next, ok := mt.TryGetNextEntry(h1, 1)
		require.True(t, ok)
		assert.Equal(t, int64(3), next.Version)

		_, ok = mt.TryGetNextEntry(h1, 3)
		assert.False(t, ok)

		prev, ok := mt.TryGetPreviousEntry(h1, 3)
		require.True(t, ok)
		assert.Equal(t, IndexEntry{Stream: h1, Version: 1, Position: 250}, prev)

		_, ok = mt.TryGetPreviousEntry(h1, 0)
		assert.False(t, ok)
	})

	t.Run("range is newest first and limited", func(t *testing.T) {
		mt := newTable()

		all := mt.GetRange(h1, 0, 10, 0)
		assert.Equal(t, []IndexEntry{
			{Stream: h1, Version: 3, Position: 400},
			{Stream: h1, Version: 1, Position: 250},
			{Stream: h1, Version: 1, Position: 200},
			{Stream: h1, Version: 0, Position: 100},
		}, all)

		limited := mt.GetRange(h1, 1, 3, 2)
		assert.Equal(t, []IndexEntry{
			{Stream: h1, Version: 3, Position: 400},
			{Stream: h1, Version: 1, Position: 250},
		}, limited)

		assert.Empty(t, mt.GetRange(h2, 1, 10, 0))
	})

	t.Run("iteration is sorted", func(t *testing.T) {
		mt := newTable()
		mt.Add(h1, eventlog.DeletedStream, 500)

		entries := mt.IterateAllInOrder()
		require.Len(t, entries, 6)
		for i := 1; i < len(entries); i++ {
			assert.Negative(t, entries[i-1].compare(entries[i]))
		}
		assert.Equal(t, eventlog.DeletedStream, entries[4].Version)
	})

	t.Run("checkpoints track the latest commit", func(t *testing.T) {
		mt := NewMemTable()
		prepare, commit := mt.checkpoints()
		assert.Equal(t, int64(-1), prepare)
		assert.Equal(t, int64(-1), commit)

		mt.setCommitCheckpoint(300)
		mt.setCommitCheckpoint(200)
		_, commit = mt.checkpoints()
		assert.Equal(t, int64(300), commit)
	})
}
