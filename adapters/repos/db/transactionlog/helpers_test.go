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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/eventstore/adapters/repos/db/checkpoint"
	"github.com/weaviate/eventstore/entities/logrecord"
)

var testTime = time.Unix(1700000000, 0).UTC()

func testPrepare(pos int64, stream string, eventNumber int64, size int) *logrecord.PrepareRecord {
	return logrecord.NewSingleWrite(pos, uuid.New(), uuid.New(), stream,
		eventNumber-1, "test-event", bytes.Repeat([]byte("x"), size), nil, testTime)
}

func testChunkOptions() ChunkOptions {
	logger, _ := test.NewNullLogger()
	return ChunkOptions{Logger: logger}
}

func openTestDb(t *testing.T, dir string, chunkSize int32, set *checkpoint.Set) *Db {
	t.Helper()

	logger, _ := test.NewNullLogger()
	db, err := Open(context.Background(), Config{
		Dir:       dir,
		ChunkSize: chunkSize,
	}, set, logger, nil)
	require.Nil(t, err)
	return db
}

// appendRecords writes count single-write prepares for stream through the
// writer and returns them as written.
func appendRecords(t *testing.T, db *Db, stream string, count, size int) []logrecord.Record {
	t.Helper()

	var out []logrecord.Record
	for i := 0; i < count; i++ {
		rec := testPrepare(db.Writer().Position(), stream, int64(i), size)
		written, _, err := db.Writer().Write(rec)
		require.Nil(t, err)
		out = append(out, written)
	}
	require.Nil(t, db.Writer().Flush())
	db.Checkpoints().Chaser.Write(db.Writer().Position())
	return out
}
