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
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/eventstore/entities/eventlog"
)

func testPTableOptions(t *testing.T) PTableOptions {
	logger, _ := test.NewNullLogger()
	return PTableOptions{Logger: logger}
}

func buildPTable(t *testing.T, dir, name string, version Version, entries ...IndexEntry) *PTable {
	t.Helper()

	mt := NewMemTable()
	mt.AddEntries(entries)
	table, err := FromMemTable(mt, filepath.Join(dir, name+PTableExtension), version, testPTableOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { table.Close() })
	return table
}

func TestPTableMatchesMemTable(t *testing.T) {
	const h1, h2 = uint64(0x0100), uint64(0x0200)
	posA, posB, posC := int64(10), int64(20), int64(30)
	entries := []IndexEntry{
		{Stream: h1, Version: 0, Position: posA},
		{Stream: h1, Version: 1, Position: posB},
		{Stream: h2, Version: 0, Position: posC},
	}

	for _, version := range []Version{Version1, Version4} {
		t.Run(version.String(), func(t *testing.T) {
			mt := NewMemTable()
			mt.AddEntries(entries)
			table := buildPTable(t, t.TempDir(), "table", version, entries...)

			for name, tbl := range map[string]SearchableTable{"memtable": mt, "ptable": table} {
				t.Run(name, func(t *testing.T) {
					next, ok := tbl.TryGetNextEntry(h1, 0)
					require.True(t, ok)
					assert.Equal(t, IndexEntry{Stream: h1, Version: 1, Position: posB}, next)

					prev, ok := tbl.TryGetPreviousEntry(h1, 1)
					require.True(t, ok)
					assert.Equal(t, IndexEntry{Stream: h1, Version: 0, Position: posA}, prev)

					_, ok = tbl.TryGetNextEntry(h1, 1)
					assert.False(t, ok)

					pos, ok := tbl.TryGetOneValue(h2, 0)
					require.True(t, ok)
					assert.Equal(t, posC, pos)

					latest, ok := tbl.TryGetLatestEntry(h1)
					require.True(t, ok)
					assert.Equal(t, posB, latest.Position)

					oldest, ok := tbl.TryGetOldestEntry(h2)
					require.True(t, ok)
					assert.Equal(t, posC, oldest.Position)

					assert.Equal(t, []IndexEntry{entries[1], entries[0]}, tbl.GetRange(h1, 0, 5, 0))
				})
			}
		})
	}
}

func TestPTableLarge(t *testing.T) {
	// enough entries for several midpoints
	var entries []IndexEntry
	for hash := uint64(1); hash <= 40; hash++ {
		for v := int64(0); v < 50; v++ {
			entries = append(entries, IndexEntry{Stream: hash * 7919, Version: v, Position: int64(hash)*1000 + v})
		}
	}

	for _, version := range []Version{Version1, Version4} {
		t.Run(version.String(), func(t *testing.T) {
			table := buildPTable(t, t.TempDir(), "large", version, entries...)
			require.Equal(t, int64(len(entries)), table.Count())

			for _, e := range entries {
				pos, ok := table.TryGetOneValue(e.Stream, e.Version)
				require.True(t, ok, "entry %s", e)
				require.Equal(t, e.Position, pos)
			}

			latest, ok := table.TryGetLatestEntry(20 * 7919)
			require.True(t, ok)
			assert.Equal(t, int64(49), latest.Version)

			got := table.GetRange(33*7919, 10, 19, 5)
			require.Len(t, got, 5)
			assert.Equal(t, int64(19), got[0].Version)
			assert.Equal(t, int64(15), got[4].Version)

			_, ok = table.TryGetOneValue(41*7919, 0)
			assert.False(t, ok)
		})
	}
}

func TestPTableVersion1(t *testing.T) {
	dir := t.TempDir()

	t.Run("deleted stream marker round trips", func(t *testing.T) {
		table := buildPTable(t, dir, "deleted", Version1,
			IndexEntry{Stream: 5, Version: 0, Position: 1},
			IndexEntry{Stream: 5, Version: eventlog.DeletedStream, Position: 2})

		latest, ok := table.TryGetLatestEntry(5)
		require.True(t, ok)
		assert.Equal(t, eventlog.DeletedStream, latest.Version)
	})

	t.Run("wide hashes are rejected", func(t *testing.T) {
		mt := NewMemTable()
		mt.Add(1<<40, 0, 1)
		_, err := FromMemTable(mt, filepath.Join(dir, "wide"+PTableExtension), Version1, testPTableOptions(t))
		assert.Error(t, err)
	})
}

func TestPTableCorruption(t *testing.T) {
	dir := t.TempDir()
	table := buildPTable(t, dir, "corrupt", Version4,
		IndexEntry{Stream: 1, Version: 0, Position: 1},
		IndexEntry{Stream: 2, Version: 0, Position: 2})
	path := table.Path()
	require.NoError(t, table.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[ptableHeaderSize+3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o666))

	_, err = OpenPTable(path, testPTableOptions(t))
	assert.ErrorIs(t, err, eventlog.ErrCorrupt)

	opts := testPTableOptions(t)
	opts.SkipVerify = true
	skipped, err := OpenPTable(path, opts)
	require.NoError(t, err)
	defer skipped.Close()
	assert.ErrorIs(t, skipped.VerifyChecksum(), eventlog.ErrCorrupt)
}

func TestPTableBloomFilter(t *testing.T) {
	entries := []IndexEntry{
		{Stream: 10, Version: 0, Position: 1},
		{Stream: 20, Version: 0, Position: 2},
	}

	t.Run("sidecar is written", func(t *testing.T) {
		table := buildPTable(t, t.TempDir(), "bloom", Version4, entries...)
		assert.FileExists(t, bloomPath(table.Path()))
	})

	t.Run("missing sidecar is recreated", func(t *testing.T) {
		table := buildPTable(t, t.TempDir(), "missing", Version4, entries...)
		path := table.Path()
		require.NoError(t, table.Close())
		require.NoError(t, os.Remove(bloomPath(path)))

		reopened, err := OpenPTable(path, testPTableOptions(t))
		require.NoError(t, err)
		defer reopened.Close()

		assert.FileExists(t, bloomPath(path))
		_, ok := reopened.TryGetOneValue(20, 0)
		assert.True(t, ok)
	})

	t.Run("corrupt sidecar is recreated", func(t *testing.T) {
		table := buildPTable(t, t.TempDir(), "damaged", Version4, entries...)
		path := table.Path()
		require.NoError(t, table.Close())
		require.NoError(t, os.WriteFile(bloomPath(path), []byte("not a bloom filter"), 0o666))

		reopened, err := OpenPTable(path, testPTableOptions(t))
		require.NoError(t, err)
		defer reopened.Close()

		_, ok := reopened.TryGetOneValue(10, 0)
		assert.True(t, ok)

		filter, err := readBloom(bloomPath(path))
		require.NoError(t, err)
		assert.True(t, filter.Test(bloomKey(10)))
	})
}

func TestMergeTo(t *testing.T) {
	dir := t.TempDir()
	a := buildPTable(t, dir, "a", Version4,
		IndexEntry{Stream: 1, Version: 0, Position: 10},
		IndexEntry{Stream: 1, Version: 1, Position: 20},
		IndexEntry{Stream: 3, Version: 0, Position: 30})
	b := buildPTable(t, dir, "b", Version4,
		IndexEntry{Stream: 1, Version: 1, Position: 20},
		IndexEntry{Stream: 2, Version: 0, Position: 25},
		IndexEntry{Stream: 3, Version: 1, Position: 40})

	t.Run("duplicates are written once", func(t *testing.T) {
		merged, err := MergeTo(context.Background(), []*PTable{a, b},
			filepath.Join(dir, "merged"+PTableExtension), Version4, nil, testPTableOptions(t))
		require.NoError(t, err)
		defer merged.Close()

		var got []IndexEntry
		merged.Iterate(func(e IndexEntry) bool {
			got = append(got, e)
			return true
		})
		assert.Equal(t, []IndexEntry{
			{Stream: 1, Version: 0, Position: 10},
			{Stream: 1, Version: 1, Position: 20},
			{Stream: 2, Version: 0, Position: 25},
			{Stream: 3, Version: 0, Position: 30},
			{Stream: 3, Version: 1, Position: 40},
		}, got)
	})

	t.Run("filtered", func(t *testing.T) {
		merged, err := MergeTo(context.Background(), []*PTable{a, b},
			filepath.Join(dir, "filtered"+PTableExtension), Version4,
			func(e IndexEntry) bool { return e.Stream != 3 }, testPTableOptions(t))
		require.NoError(t, err)
		defer merged.Close()

		assert.Equal(t, int64(3), merged.Count())
		_, ok := merged.TryGetLatestEntry(3)
		assert.False(t, ok)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		path := filepath.Join(dir, "cancelled"+PTableExtension)
		_, err := MergeTo(ctx, []*PTable{a, b}, path, Version4, nil, testPTableOptions(t))
		assert.ErrorIs(t, err, context.Canceled)
		assert.NoFileExists(t, path)
		assert.NoFileExists(t, path+".tmp")
	})

	t.Run("scavenged reports removed entries", func(t *testing.T) {
		out, removed, err := a.Scavenged(context.Background(), filepath.Join(dir, "scavenged"+PTableExtension),
			func(e IndexEntry) bool { return e.Position != 10 }, testPTableOptions(t))
		require.NoError(t, err)
		defer out.Close()

		assert.Equal(t, int64(1), removed)
		_, ok := out.TryGetOneValue(1, 0)
		assert.False(t, ok)
	})
}

func TestPTableDestruction(t *testing.T) {
	table := buildPTable(t, t.TempDir(), "destroy", Version4,
		IndexEntry{Stream: 1, Version: 0, Position: 1})
	path := table.Path()

	require.True(t, table.acquire())
	table.MarkForDestruction()
	assert.FileExists(t, path)
	assert.False(t, table.acquire())

	table.release()
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, bloomPath(path))
}

func TestPTableWriterFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken"+PTableExtension)

	// a non-empty directory in place of the sidecar makes writing it fail
	require.NoError(t, os.MkdirAll(filepath.Join(bloomPath(path), "blocker"), 0o777))

	mt := NewMemTable()
	mt.AddEntries([]IndexEntry{{Stream: 1, Version: 0, Position: 1}})
	_, err := FromMemTable(mt, path, Version4, testPTableOptions(t))
	require.Error(t, err)

	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".tmp")
}
