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
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/eventstore/usecases/monitoring"
)

func testConfig(dir string) Config {
	return Config{
		Dir:               dir,
		Version:           Version4,
		MaxMemTableSize:   4,
		MaxTablesPerLevel: 2,
	}
}

func openTestIndex(t *testing.T, config Config) *TableIndex {
	t.Helper()

	logger, _ := test.NewNullLogger()
	ti, err := Open(context.Background(), config, logger, monitoring.NewNoopPrometheusMetrics())
	require.NoError(t, err)
	return ti
}

func noAbort() bool { return false }

func ptableFiles(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), PTableExtension) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestTableIndex(t *testing.T) {
	t.Run("lookups span memtables and ptables", func(t *testing.T) {
		ti := openTestIndex(t, testConfig(t.TempDir()))
		defer ti.Close()

		for v := int64(0); v < 10; v++ {
			require.NoError(t, ti.Add(v*100, "orders", v, v*100))
		}
		ti.WaitForBackgroundTasks()

		stats := ti.Stats()
		assert.NotEmpty(t, stats.Tables)
		assert.Equal(t, int64(900), ti.CommitCheckpoint())

		for v := int64(0); v < 10; v++ {
			pos, ok := ti.TryGetOneValue("orders", v)
			require.True(t, ok)
			assert.Equal(t, v*100, pos)
		}

		latest, ok := ti.TryGetLatestEntry("orders")
		require.True(t, ok)
		assert.Equal(t, int64(9), latest.Version)

		oldest, ok := ti.TryGetOldestEntry("orders")
		require.True(t, ok)
		assert.Equal(t, int64(0), oldest.Version)

		next, ok := ti.TryGetNextEntry("orders", 3)
		require.True(t, ok)
		assert.Equal(t, int64(4), next.Version)

		prev, ok := ti.TryGetPreviousEntry("orders", 3)
		require.True(t, ok)
		assert.Equal(t, int64(2), prev.Version)

		entries := ti.GetRange("orders", 2, 7, 3)
		require.Len(t, entries, 3)
		assert.Equal(t, []int64{7, 6, 5},
			[]int64{entries[0].Version, entries[1].Version, entries[2].Version})

		_, ok = ti.TryGetLatestEntry("unknown")
		assert.False(t, ok)
	})

	t.Run("next entry is stable across a flush", func(t *testing.T) {
		config := testConfig(t.TempDir())
		config.MaxMemTableSize = 100
		ti := openTestIndex(t, config)
		defer ti.Close()

		require.NoError(t, ti.AddEntries(30, []IndexKey{
			{Stream: "h1", Version: 0, Position: 10},
			{Stream: "h1", Version: 1, Position: 20},
			{Stream: "h2", Version: 0, Position: 30},
		}))

		before, ok := ti.TryGetNextEntry("h1", 0)
		require.True(t, ok)
		require.NoError(t, ti.FlushMemTable())
		after, ok := ti.TryGetNextEntry("h1", 0)
		require.True(t, ok)

		assert.Equal(t, before, after)
		assert.Equal(t, int64(20), after.Position)
	})

	t.Run("reopen restores tables and checkpoint", func(t *testing.T) {
		dir := t.TempDir()
		ti := openTestIndex(t, testConfig(dir))
		for v := int64(0); v < 8; v++ {
			require.NoError(t, ti.Add(v, "s", v, v))
		}
		require.NoError(t, ti.FlushMemTable())
		require.NoError(t, ti.Close())

		reopened := openTestIndex(t, testConfig(dir))
		defer reopened.Close()

		assert.Equal(t, int64(7), reopened.PersistedCommitCheckpoint())
		assert.Equal(t, int64(7), reopened.CommitCheckpoint())
		latest, ok := reopened.TryGetLatestEntry("s")
		require.True(t, ok)
		assert.Equal(t, int64(7), latest.Version)
	})

	t.Run("unflushed entries are not persisted", func(t *testing.T) {
		dir := t.TempDir()
		config := testConfig(dir)
		config.MaxMemTableSize = 100
		ti := openTestIndex(t, config)
		require.NoError(t, ti.Add(5, "s", 0, 5))
		require.NoError(t, ti.Close())

		reopened := openTestIndex(t, config)
		defer reopened.Close()
		assert.Equal(t, int64(-1), reopened.CommitCheckpoint())
		_, ok := reopened.TryGetLatestEntry("s")
		assert.False(t, ok)
	})

	t.Run("version mismatch", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, openTestIndex(t, testConfig(dir)).Close())

		config := testConfig(dir)
		config.Version = Version1
		logger, _ := test.NewNullLogger()
		_, err := Open(context.Background(), config, logger, monitoring.NewNoopPrometheusMetrics())
		assert.ErrorContains(t, err, "version")
	})

	t.Run("orphaned tables are removed", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, openTestIndex(t, testConfig(dir)).Close())

		orphan := buildPTable(t, dir, "orphan", Version4, IndexEntry{Stream: 1, Version: 0, Position: 1})
		require.NoError(t, orphan.Close())
		require.NoError(t, os.WriteFile(filepath.Join(dir, "x.ptable.tmp"), []byte("partial"), 0o666))

		ti := openTestIndex(t, testConfig(dir))
		defer ti.Close()

		assert.Empty(t, ptableFiles(t, dir))
		assert.NoFileExists(t, filepath.Join(dir, "orphan.bloom"))
		assert.NoFileExists(t, filepath.Join(dir, "x.ptable.tmp"))
	})
}

func TestTableIndexMerge(t *testing.T) {
	dir := t.TempDir()
	ti := openTestIndex(t, testConfig(dir))
	defer ti.Close()

	for v := int64(0); v < 8; v++ {
		require.NoError(t, ti.Add(v, "s", v, v*10))
		if v%4 == 3 {
			require.NoError(t, ti.FlushMemTable())
		}
	}
	require.Len(t, ti.Stats().Tables, 2)

	assert.True(t, ti.MergeIfNeeded(noAbort))
	assert.False(t, ti.MergeIfNeeded(noAbort))

	stats := ti.Stats()
	require.Len(t, stats.Tables, 1)
	assert.Equal(t, 1, stats.Tables[0].Level)
	assert.Equal(t, int64(8), stats.Tables[0].Entries)
	assert.Len(t, ptableFiles(t, dir), 1)

	for v := int64(0); v < 8; v++ {
		pos, ok := ti.TryGetOneValue("s", v)
		require.True(t, ok)
		assert.Equal(t, v*10, pos)
	}

	t.Run("aborted merge does nothing", func(t *testing.T) {
		for v := int64(8); v < 16; v++ {
			require.NoError(t, ti.Add(v, "s", v, v*10))
			if v%4 == 3 {
				require.NoError(t, ti.FlushMemTable())
			}
		}
		assert.False(t, ti.MergeIfNeeded(func() bool { return true }))
		assert.Len(t, ti.Stats().Tables, 3)
	})

	t.Run("merged layout survives reopen", func(t *testing.T) {
		require.NoError(t, ti.Close())
		reopened := openTestIndex(t, testConfig(dir))
		defer reopened.Close()

		assert.Len(t, reopened.Stats().Tables, 3)
		latest, ok := reopened.TryGetLatestEntry("s")
		require.True(t, ok)
		assert.Equal(t, int64(15), latest.Version)
	})
}

func TestTableIndexFlushWhileAdding(t *testing.T) {
	const count = 400

	dir := t.TempDir()
	config := testConfig(dir)
	config.MaxMemTableSize = 16
	ti := openTestIndex(t, config)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			assert.NoError(t, ti.FlushMemTable())
		}
	}()

	for v := int64(0); v < count; v++ {
		require.NoError(t, ti.Add(v*10, "s", v, v*10))
	}
	close(done)
	wg.Wait()
	ti.WaitForBackgroundTasks()

	for v := int64(0); v < count; v++ {
		pos, ok := ti.TryGetOneValue("s", v)
		require.True(t, ok, "version %d", v)
		assert.Equal(t, v*10, pos)
	}

	t.Run("persisted checkpoint is covered by the tables", func(t *testing.T) {
		persisted := ti.PersistedCommitCheckpoint()
		require.NoError(t, ti.Close())

		reopened := openTestIndex(t, config)
		defer reopened.Close()

		for v := int64(0); v*10 <= persisted; v++ {
			pos, ok := reopened.TryGetOneValue("s", v)
			require.True(t, ok, "version %d below checkpoint %d", v, persisted)
			assert.Equal(t, v*10, pos)
		}
	})
}

func TestTableIndexMergeSkipsDestroyedTables(t *testing.T) {
	config := testConfig(t.TempDir())
	config.MaxMemTableSize = 100
	ti := openTestIndex(t, config)
	defer ti.Close()

	for v := int64(0); v < 4; v++ {
		require.NoError(t, ti.Add(v, "s", v, v*10))
		if v%2 == 1 {
			require.NoError(t, ti.FlushMemTable())
		}
	}
	require.Len(t, ti.Stats().Tables, 2)

	ti.lock.RLock()
	first, second := ti.levels[0][0], ti.levels[0][1]
	ti.lock.RUnlock()
	second.MarkForDestruction()

	assert.False(t, ti.MergeIfNeeded(noAbort))
	assert.Len(t, ti.Stats().Tables, 2)

	first.refLock.Lock()
	refs := first.refs
	first.refLock.Unlock()
	assert.Equal(t, 0, refs, "the table acquired before the failure is released")
}

func TestTableIndexScavenge(t *testing.T) {
	dir := t.TempDir()
	ti := openTestIndex(t, testConfig(dir))
	defer ti.Close()

	for v := int64(0); v < 8; v++ {
		require.NoError(t, ti.Add(v, "s", v, v*10))
	}
	require.NoError(t, ti.FlushMemTable())
	require.NoError(t, ti.Add(100, "other", 0, 100))
	require.NoError(t, ti.FlushMemTable())

	removed, err := ti.Scavenge(context.Background(), func(e IndexEntry) bool {
		return e.Position >= 50
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), removed)

	oldest, ok := ti.TryGetOldestEntry("s")
	require.True(t, ok)
	assert.Equal(t, int64(5), oldest.Version)

	_, ok = ti.TryGetOneValue("other", 0)
	assert.True(t, ok)

	t.Run("nothing left to remove", func(t *testing.T) {
		before := ptableFiles(t, dir)
		removed, err := ti.Scavenge(context.Background(), func(IndexEntry) bool { return true })
		require.NoError(t, err)
		assert.Zero(t, removed)
		assert.ElementsMatch(t, before, ptableFiles(t, dir))
	})

	t.Run("emptied tables are dropped", func(t *testing.T) {
		_, err := ti.Scavenge(context.Background(), func(e IndexEntry) bool {
			return e.Position != 100
		})
		require.NoError(t, err)
		assert.Len(t, ti.Stats().Tables, 1)
		assert.Len(t, ptableFiles(t, dir), 1)
	})
}

func TestTableIndexVerifyTables(t *testing.T) {
	ti := openTestIndex(t, testConfig(t.TempDir()))
	defer ti.Close()

	for v := int64(0); v < 4; v++ {
		require.NoError(t, ti.Add(v, "s", v, v))
	}
	ti.WaitForBackgroundTasks()
	assert.NoError(t, ti.VerifyTables())
}
