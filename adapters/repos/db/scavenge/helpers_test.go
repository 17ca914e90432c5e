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

package scavenge

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/eventstore/adapters/repos/db/checkpoint"
	"github.com/weaviate/eventstore/adapters/repos/db/readindex"
	"github.com/weaviate/eventstore/adapters/repos/db/tableindex"
	"github.com/weaviate/eventstore/adapters/repos/db/transactionlog"
	"github.com/weaviate/eventstore/entities/logrecord"
	"github.com/weaviate/eventstore/usecases/monitoring"
)

var testTime = time.Unix(1700000000, 0).UTC()

type testEnv struct {
	t        *testing.T
	db       *transactionlog.Db
	index    *tableindex.TableIndex
	ri       *readindex.ReadIndex
	stateDir string
}

func newTestEnv(t *testing.T, version tableindex.Version) *testEnv {
	t.Helper()

	logger, _ := test.NewNullLogger()
	metrics := monitoring.NewNoopPrometheusMetrics()

	db, err := transactionlog.Open(context.Background(), transactionlog.Config{
		Dir:       t.TempDir(),
		ChunkSize: 4096,
	}, checkpoint.NewInMemorySet(), logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	index, err := tableindex.Open(context.Background(), tableindex.Config{
		Dir:               t.TempDir(),
		Version:           version,
		MaxMemTableSize:   16,
		MaxTablesPerLevel: 4,
	}, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	ri, err := readindex.New(db, index, readindex.Config{}, logger, metrics)
	require.NoError(t, err)

	return &testEnv{t: t, db: db, index: index, ri: ri, stateDir: t.TempDir()}
}

// scavenger opens a scavenger on the env's state directory. It is closed
// when the test ends.
func (e *testEnv) scavenger() *Scavenger {
	e.t.Helper()

	logger, _ := test.NewNullLogger()
	s, err := New(e.db, e.index, e.stateDir, logger, monitoring.NewNoopPrometheusMetrics())
	require.NoError(e.t, err)
	s.now = func() time.Time { return testTime.Add(2 * time.Hour) }
	e.t.Cleanup(func() { s.Close() })
	return s
}

func (e *testEnv) write(records ...logrecord.Record) []logrecord.Record {
	e.t.Helper()

	var written []logrecord.Record
	for _, rec := range records {
		rec = logrecord.Reposition(rec, e.db.Writer().Position())
		out, _, err := e.db.Writer().Write(rec)
		require.NoError(e.t, err)
		written = append(written, out)
	}
	require.NoError(e.t, e.db.Writer().Flush())
	e.db.Checkpoints().Chaser.Write(e.db.Writer().Position())
	require.NoError(e.t, e.ri.Committer().Commit(context.Background(), written))
	return written
}

// appendEvents writes count events and returns their positions by event
// number.
func (e *testEnv) appendEvents(stream string, from int64, count int, ts time.Time) map[int64]int64 {
	e.t.Helper()

	positions := map[int64]int64{}
	for n := from; n < from+int64(count); n++ {
		rec := e.write(eventAt(stream, n, ts))[0]
		positions[n] = rec.Position()
	}
	return positions
}

// seal completes the ongoing chunk so that everything written so far lies
// below the next scavenge point.
func (e *testEnv) seal() {
	e.t.Helper()
	require.NoError(e.t, e.db.Writer().CompleteChunk())
	e.db.Checkpoints().Chaser.Write(e.db.Writer().Position())
}

func eventAt(stream string, eventNumber int64, ts time.Time) *logrecord.PrepareRecord {
	return logrecord.NewSingleWrite(0, uuid.New(), uuid.New(), stream, eventNumber-1,
		"test-event", []byte(fmt.Sprintf("%s-%d", stream, eventNumber)), nil, ts)
}

func metadataEvent(stream string, eventNumber int64, m readindex.StreamMetadata) *logrecord.PrepareRecord {
	p := logrecord.NewSingleWrite(0, uuid.New(), uuid.New(), "$$"+stream, eventNumber-1,
		"$metadata", m.JSON(), nil, testTime)
	p.Flags |= logrecord.FlagIsJSON
	return p
}

func tombstone(stream string, expected int64) *logrecord.PrepareRecord {
	return logrecord.NewDeleteTombstone(0, uuid.New(), stream, expected, testTime)
}

type survivor struct {
	Position int64
	Stream   string
	Number   int64
	Data     string
}

// survivors lists every prepare still present in the log.
func (e *testEnv) survivors() []survivor {
	e.t.Helper()

	reader := e.db.NewSequentialReader(0, func() int64 { return math.MaxInt64 })
	var out []survivor
	for {
		rec, ok, err := reader.TryReadNext(context.Background())
		require.NoError(e.t, err)
		if !ok {
			return out
		}
		if p, isPrepare := rec.(*logrecord.PrepareRecord); isPrepare {
			out = append(out, survivor{
				Position: p.LogPosition,
				Stream:   p.EventStreamID,
				Number:   p.EventNumber,
				Data:     string(p.Data),
			})
		}
	}
}

// indexed lists the event numbers of stream the table index still knows.
func (e *testEnv) indexed(stream string) []int64 {
	var out []int64
	for _, entry := range e.index.GetRange(stream, 0, math.MaxInt64, 0) {
		out = append(out, entry.Version)
	}
	return out
}

func (e *testEnv) exists(pos int64) bool {
	_, err := e.db.ReadAt(pos)
	return err == nil
}

// collidingStreams returns two distinct stream names with the same hash.
func collidingStreams(t *testing.T, hasher tableindex.Hasher) (string, string) {
	t.Helper()

	seen := map[uint64]string{}
	for i := 0; i < 1<<21; i++ {
		name := fmt.Sprintf("stream-%d", i)
		h := hasher.Hash(name)
		if other, ok := seen[h]; ok {
			return other, name
		}
		seen[h] = name
	}
	t.Fatal("no hash collision found")
	return "", ""
}
