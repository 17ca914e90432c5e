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

package transactionlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/eventstore/adapters/repos/db/checkpoint"
	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
)

func TestDbChunkRollover(t *testing.T) {
	const chunkSize = 4096
	dir := t.TempDir()
	set := checkpoint.NewInMemorySet()
	db := openTestDb(t, dir, chunkSize, set)
	defer db.Close()

	written := appendRecords(t, db, "stream-a", 40, 200)

	t.Run("log rolled over to several chunks", func(t *testing.T) {
		assert.Greater(t, db.Manager().ChunksCount(), 2)
		assert.Len(t, db.Manager().CompletedChunks(), db.Manager().ChunksCount()-1)
	})

	t.Run("every record is readable at its position", func(t *testing.T) {
		for _, rec := range written {
			got, err := db.ReadAt(rec.Position())
			require.Nil(t, err)
			assert.Equal(t, rec, got)
		}
	})

	t.Run("records never straddle a chunk boundary", func(t *testing.T) {
		rolled := 0
		for i := 1; i < len(written); i++ {
			prev, cur := written[i-1].Position(), written[i].Position()
			if prev/chunkSize != cur/chunkSize {
				rolled++
				assert.Zero(t, cur%chunkSize, "record after a roll starts the chunk")
			}
		}
		assert.Equal(t, db.Manager().ChunksCount()-1, rolled)
	})

	t.Run("getChunkFor attributes positions around the boundary", func(t *testing.T) {
		first, err := db.Manager().GetChunkFor(chunkSize - 1)
		require.Nil(t, err)
		second, err := db.Manager().GetChunkFor(chunkSize)
		require.Nil(t, err)

		assert.Equal(t, int32(0), first.Header().ChunkStartNumber)
		assert.Equal(t, int32(1), second.Header().ChunkStartNumber)
		assert.Equal(t, int64(chunkSize), second.Header().StartPosition())

		_, err = db.Manager().GetChunkFor(int64(db.Manager().ChunksCount()) * chunkSize)
		assert.ErrorIs(t, err, eventlog.ErrNotFound)
	})

	t.Run("sequential reader crosses chunk boundaries", func(t *testing.T) {
		ctx := context.Background()
		reader := db.NewSequentialReader(0, nil)

		var forward []logrecord.Record
		for {
			rec, ok, err := reader.TryReadNext(ctx)
			require.Nil(t, err)
			if !ok {
				break
			}
			forward = append(forward, rec)
		}
		assert.Equal(t, written, forward)

		var backward []logrecord.Record
		for {
			rec, ok, err := reader.TryReadPrev(ctx)
			require.Nil(t, err)
			if !ok {
				break
			}
			backward = append(backward, rec)
		}
		require.Len(t, backward, len(written))
		for i := range backward {
			assert.Equal(t, written[len(written)-1-i], backward[i])
		}
	})

	t.Run("reader stops at the chaser checkpoint", func(t *testing.T) {
		set.Chaser.Write(written[10].Position())
		defer set.Chaser.Write(db.Writer().Position())

		reader := db.NewSequentialReader(0, nil)
		count := 0
		for {
			_, ok, err := reader.TryReadNext(context.Background())
			require.Nil(t, err)
			if !ok {
				break
			}
			count++
		}
		assert.Equal(t, 10, count)
	})

	t.Run("cancelled read", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, _, err := db.NewSequentialReader(0, nil).TryReadNext(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDbRecovery(t *testing.T) {
	const chunkSize = 4096

	t.Run("reopen continues after the last record", func(t *testing.T) {
		dir := t.TempDir()
		set := checkpoint.NewInMemorySet()
		db := openTestDb(t, dir, chunkSize, set)
		written := appendRecords(t, db, "s", 30, 200)
		position := db.Writer().Position()
		require.Nil(t, db.Close())

		db = openTestDb(t, dir, chunkSize, set)
		defer db.Close()

		assert.Equal(t, position, db.Writer().Position())
		for _, rec := range written {
			got, err := db.ReadAt(rec.Position())
			require.Nil(t, err)
			assert.Equal(t, rec, got)
		}

		more := appendRecords(t, db, "s", 5, 200)
		assert.Equal(t, position, more[0].Position())
	})

	t.Run("bytes past the writer checkpoint are truncated", func(t *testing.T) {
		dir := t.TempDir()
		set := checkpoint.NewInMemorySet()
		db := openTestDb(t, dir, chunkSize, set)
		written := appendRecords(t, db, "s", 3, 100)
		require.Nil(t, db.Close())

		// the last write never reached the checkpoint
		set.Writer.Write(written[2].Position())
		set.Chaser.Write(written[2].Position())

		db = openTestDb(t, dir, chunkSize, set)
		defer db.Close()

		_, err := db.ReadAt(written[2].Position())
		assert.ErrorIs(t, err, eventlog.ErrNotFound)
		assert.Equal(t, written[2].Position(), db.Writer().Position())

		got, err := db.ReadAt(written[1].Position())
		require.Nil(t, err)
		assert.Equal(t, written[1], got)
	})

	t.Run("completion that did not reach the checkpoint is reverted", func(t *testing.T) {
		dir := t.TempDir()
		set := checkpoint.NewInMemorySet()
		db := openTestDb(t, dir, chunkSize, set)
		written := appendRecords(t, db, "s", 2, 100)
		position := db.Writer().Position()
		require.Nil(t, db.Writer().CompleteChunk())
		require.Nil(t, db.Close())

		// crash between writing the footer and moving the checkpoint
		set.Writer.Write(position)
		require.Nil(t, os.Remove(filepath.Join(dir, ChunkFileName(1, 0))))

		db = openTestDb(t, dir, chunkSize, set)
		defer db.Close()

		assert.Equal(t, 1, db.Manager().ChunksCount())
		assert.Empty(t, db.Manager().CompletedChunks())
		more := appendRecords(t, db, "s", 1, 100)
		assert.Equal(t, position, more[0].Position())

		got, err := db.ReadAt(written[1].Position())
		require.Nil(t, err)
		assert.Equal(t, written[1], got)
	})

	t.Run("chaser ahead of writer is a divergence", func(t *testing.T) {
		set := checkpoint.NewInMemorySet()
		set.Chaser.Write(100)

		logger, _ := test.NewNullLogger()
		_, err := Open(context.Background(), Config{Dir: t.TempDir(), ChunkSize: chunkSize},
			set, logger, nil)
		assert.ErrorIs(t, err, eventlog.ErrCheckpointDivergence)
	})

	t.Run("missing chunk in the middle", func(t *testing.T) {
		dir := t.TempDir()
		set := checkpoint.NewInMemorySet()
		db := openTestDb(t, dir, chunkSize, set)
		appendRecords(t, db, "s", 60, 200)
		require.Nil(t, db.Close())

		require.Nil(t, os.Remove(filepath.Join(dir, ChunkFileName(1, 0))))

		logger, _ := test.NewNullLogger()
		_, err := Open(context.Background(), Config{Dir: dir, ChunkSize: chunkSize},
			set, logger, nil)
		assert.ErrorIs(t, err, eventlog.ErrCorrupt)
	})

	t.Run("temporary scavenge output is removed", func(t *testing.T) {
		dir := t.TempDir()
		set := checkpoint.NewInMemorySet()
		tmp := filepath.Join(dir, "abc"+ScavengeTempSuffix)
		require.Nil(t, os.WriteFile(tmp, []byte("partial"), 0o666))

		db := openTestDb(t, dir, chunkSize, set)
		defer db.Close()

		_, err := os.Stat(tmp)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestDbDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	set := checkpoint.NewInMemorySet()
	db := openTestDb(t, dir, 4096, set)
	defer db.Close()

	logger, _ := test.NewNullLogger()
	_, err := Open(context.Background(), Config{Dir: dir, ChunkSize: 4096},
		checkpoint.NewInMemorySet(), logger, nil)
	assert.ErrorIs(t, err, eventlog.ErrCheckpointDivergence)
}

func TestSwitchChunk(t *testing.T) {
	const chunkSize = 4096
	dir := t.TempDir()
	set := checkpoint.NewInMemorySet()
	db := openTestDb(t, dir, chunkSize, set)

	written := appendRecords(t, db, "s", 40, 200)
	require.Greater(t, db.Manager().ChunksCount(), 2)

	// merge chunks 0 and 1, keeping every third record
	var kept, dropped []logrecord.Record
	for i, rec := range written {
		if rec.Position() >= 2*chunkSize {
			break
		}
		if i%3 == 0 {
			kept = append(kept, rec)
		} else {
			dropped = append(dropped, rec)
		}
	}

	old0, err := db.Manager().GetChunk(0)
	require.Nil(t, err)
	old1, err := db.Manager().GetChunk(1)
	require.Nil(t, err)

	tmp := filepath.Join(dir, "merge"+ScavengeTempSuffix)
	merged, err := CreateScavengedChunk(tmp, chunkSize, 0, 1, TransformIdentity,
		db.ChunkOptions())
	require.Nil(t, err)
	for _, rec := range kept {
		_, err := merged.TryAppend(rec)
		require.Nil(t, err)
	}
	require.Nil(t, merged.CompleteScavenge())

	switched, err := db.Manager().SwitchChunk(merged)
	require.Nil(t, err)

	t.Run("new version replaces both slots", func(t *testing.T) {
		assert.Equal(t, filepath.Join(dir, ChunkFileName(0, 1)), switched.Path())
		c0, _ := db.Manager().GetChunk(0)
		c1, _ := db.Manager().GetChunk(1)
		assert.Same(t, switched, c0)
		assert.Same(t, switched, c1)
	})

	t.Run("replaced files are gone", func(t *testing.T) {
		for _, path := range []string{old0.Path(), old1.Path(), tmp} {
			_, err := os.Stat(path)
			assert.True(t, os.IsNotExist(err), path)
		}
	})

	t.Run("reads see the merged chunk", func(t *testing.T) {
		for _, rec := range kept {
			got, err := db.ReadAt(rec.Position())
			require.Nil(t, err)
			assert.Equal(t, rec, got)
		}
		for _, rec := range dropped {
			_, err := db.ReadAt(rec.Position())
			assert.ErrorIs(t, err, eventlog.ErrNotFound)
		}
	})

	t.Run("sequential reader skips the gaps", func(t *testing.T) {
		reader := db.NewSequentialReader(0, nil)
		var got []logrecord.Record
		for {
			rec, ok, err := reader.TryReadNext(context.Background())
			require.Nil(t, err)
			if !ok {
				break
			}
			got = append(got, rec)
		}
		assert.Len(t, got, len(written)-len(dropped))
		assert.Equal(t, kept, got[:len(kept)])
	})

	t.Run("reopen keeps the merged chunk", func(t *testing.T) {
		require.Nil(t, db.Close())
		db = openTestDb(t, dir, chunkSize, set)
		defer db.Close()

		c1, err := db.Manager().GetChunk(1)
		require.Nil(t, err)
		assert.Equal(t, filepath.Join(dir, ChunkFileName(0, 1)), c1.Path())
		for _, rec := range kept {
			got, err := db.ReadAt(rec.Position())
			require.Nil(t, err)
			assert.Equal(t, rec, got)
		}
	})
}
