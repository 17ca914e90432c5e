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
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/adapters/repos/db/tableindex"
	"github.com/weaviate/eventstore/adapters/repos/db/transactionlog"
	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
)

// IndexCommitter is the single writer of the table index. It turns
// committed records of the log into index entries.
type IndexCommitter struct {
	sync.Mutex

	db     *transactionlog.Db
	index  *tableindex.TableIndex
	cache  *streamCache
	logger logrus.FieldLogger
}

func newIndexCommitter(db *transactionlog.Db, index *tableindex.TableIndex,
	cache *streamCache, logger logrus.FieldLogger,
) *IndexCommitter {
	return &IndexCommitter{db: db, index: index, cache: cache, logger: logger}
}

// Init replays the log from the index commit checkpoint up to buildTo, so
// entries that only lived in the memtable before a restart are rebuilt.
func (c *IndexCommitter) Init(ctx context.Context, buildTo int64) error {
	c.Lock()
	defer c.Unlock()

	start := time.Now()
	from := c.index.CommitCheckpoint()
	readFrom := from
	if readFrom < 0 {
		readFrom = 0
	}

	reader := c.db.NewSequentialReader(readFrom, func() int64 { return buildTo })
	var replayed int
	for {
		rec, ok, err := reader.TryReadNext(ctx)
		if err != nil {
			return errors.Wrap(err, "replay log into index")
		}
		if !ok {
			break
		}
		if rec.Position() <= from {
			continue
		}
		if err := c.commit(ctx, rec); err != nil {
			return err
		}
		replayed++
	}
	c.cache.purge()

	c.logger.WithFields(logrus.Fields{
		"action":   "index_replay",
		"from":     from,
		"to":       buildTo,
		"records":  replayed,
		"took":     time.Since(start),
		"position": c.index.CommitCheckpoint(),
	}).Info("index rebuilt from log")
	return nil
}

// Commit indexes records, which must be durably written and in log order.
func (c *IndexCommitter) Commit(ctx context.Context, records []logrecord.Record) error {
	c.Lock()
	defer c.Unlock()

	for _, rec := range records {
		if err := c.commit(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (c *IndexCommitter) commit(ctx context.Context, rec logrecord.Record) error {
	var keys []tableindex.IndexKey
	switch r := rec.(type) {
	case *logrecord.PrepareRecord:
		if !r.IsSelfCommitted() {
			return nil
		}
		keys = append(keys, tableindex.IndexKey{
			Stream:   r.EventStreamID,
			Version:  r.EventNumber,
			Position: r.LogPosition,
		})

	case *logrecord.CommitRecord:
		prepares, err := transactionPrepares(ctx, c.db, r)
		if err != nil {
			return err
		}
		for _, p := range prepares {
			keys = append(keys, tableindex.IndexKey{
				Stream:   p.EventStreamID,
				Version:  r.FirstEventNumber + int64(p.TransactionOffset),
				Position: p.LogPosition,
			})
		}

	default:
		return nil
	}

	if len(keys) > 0 {
		if err := c.index.AddEntries(rec.Position(), keys); err != nil {
			return errors.Wrapf(err, "index record at %d", rec.Position())
		}
	}
	c.db.Checkpoints().Index.Write(rec.Position())

	streams := make([]string, 0, len(keys))
	for _, key := range keys {
		streams = append(streams, key.Stream)
		if eventlog.IsMetaStream(key.Stream) {
			streams = append(streams, eventlog.OriginalStreamOf(key.Stream))
		}
	}
	c.cache.invalidate(streams...)
	return nil
}

// transactionPrepares reads the data prepares committed by commit. They lie
// between the transaction start and the commit record.
func transactionPrepares(ctx context.Context, db *transactionlog.Db,
	commit *logrecord.CommitRecord,
) ([]*logrecord.PrepareRecord, error) {
	reader := db.NewSequentialReader(commit.TransactionPosition,
		func() int64 { return commit.LogPosition })

	var out []*logrecord.PrepareRecord
	for {
		rec, ok, err := reader.TryReadNext(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "read transaction of commit at %d", commit.LogPosition)
		}
		if !ok {
			return out, nil
		}
		p, isPrepare := rec.(*logrecord.PrepareRecord)
		if !isPrepare || p.TransactionPosition != commit.TransactionPosition ||
			!p.Flags.HasAnyOf(logrecord.FlagData) {
			continue
		}
		out = append(out, p)
	}
}
