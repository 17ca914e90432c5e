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
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/eventstore/adapters/repos/db/checkpoint"
	"github.com/weaviate/eventstore/adapters/repos/db/tableindex"
	"github.com/weaviate/eventstore/adapters/repos/db/transactionlog"
	"github.com/weaviate/eventstore/entities/logrecord"
	"github.com/weaviate/eventstore/usecases/monitoring"
)

var testTime = time.Unix(1700000000, 0).UTC()

type testEnv struct {
	t     *testing.T
	db    *transactionlog.Db
	index *tableindex.TableIndex
	ri    *ReadIndex
}

func newTestEnv(t *testing.T, version tableindex.Version) *testEnv {
	t.Helper()

	logger, _ := test.NewNullLogger()
	metrics := monitoring.NewNoopPrometheusMetrics()
	dir := t.TempDir()

	db, err := transactionlog.Open(context.Background(), transactionlog.Config{
		Dir:       dir,
		ChunkSize: 4096,
	}, checkpoint.NewInMemorySet(), logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	index, err := tableindex.Open(context.Background(), tableindex.Config{
		Dir:               t.TempDir(),
		Version:           version,
		MaxMemTableSize:   8,
		MaxTablesPerLevel: 4,
	}, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	ri, err := New(db, index, Config{}, logger, metrics)
	require.NoError(t, err)
	ri.now = func() time.Time { return testTime.Add(time.Hour) }

	return &testEnv{t: t, db: db, index: index, ri: ri}
}

// write appends records, makes them readable and indexes them. The records
// as written are returned.
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

func (e *testEnv) appendEvents(stream string, from int64, count int) {
	e.t.Helper()
	for i := int64(0); i < int64(count); i++ {
		e.write(event(stream, from+i, fmt.Sprintf("%s-%d", stream, from+i)))
	}
}

func event(stream string, eventNumber int64, data string) *logrecord.PrepareRecord {
	return logrecord.NewSingleWrite(0, uuid.New(), uuid.New(), stream, eventNumber-1,
		"test-event", []byte(data), nil, testTime)
}

func metadataEvent(stream string, eventNumber int64, m StreamMetadata) *logrecord.PrepareRecord {
	p := logrecord.NewSingleWrite(0, uuid.New(), uuid.New(), "$$"+stream, eventNumber-1,
		"$metadata", m.JSON(), nil, testTime)
	p.Flags |= logrecord.FlagIsJSON
	return p
}

func tombstone(stream string, expected int64) *logrecord.PrepareRecord {
	return logrecord.NewDeleteTombstone(0, uuid.New(), stream, expected, testTime)
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
