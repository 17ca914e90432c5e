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

	"github.com/pkg/errors"

	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
)

// SequentialReader iterates the log in either direction, crossing chunk
// boundaries and the gaps left by scavenging. It never returns a record at
// or beyond the position reported by limit.
type SequentialReader struct {
	db    *Db
	limit func() int64
	pos   int64
}

// NewSequentialReader starts at pos. A nil limit reads up to the chaser
// checkpoint.
func (db *Db) NewSequentialReader(pos int64, limit func() int64) *SequentialReader {
	if limit == nil {
		limit = db.checkpoints.Chaser.ReadNonFlushed
	}
	return &SequentialReader{db: db, limit: limit, pos: pos}
}

func (r *SequentialReader) Position() int64 {
	return r.pos
}

func (r *SequentialReader) Reposition(pos int64) {
	r.pos = pos
}

// TryReadNext returns the next record, or false once the limit is reached.
func (r *SequentialReader) TryReadNext(ctx context.Context) (logrecord.Record, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		limit := r.limit()
		if r.pos >= limit {
			return nil, false, nil
		}

		chunk, err := r.db.manager.AcquireChunkFor(r.pos)
		if errors.Is(err, eventlog.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}

		res, err := chunk.TryReadClosestForward(r.pos)
		completed := chunk.IsCompleted()
		end := chunk.Header().EndPosition()
		chunk.Release()

		if errors.Is(err, eventlog.ErrNotFound) {
			if completed {
				r.pos = end
				continue
			}
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}

		if res.Record.Position() >= limit {
			return nil, false, nil
		}
		r.pos = res.NextPosition
		return res.Record, true, nil
	}
}

// TryReadPrev returns the record before the current position, or false at
// the start of the log.
func (r *SequentialReader) TryReadPrev(ctx context.Context) (logrecord.Record, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		pos := r.pos
		if limit := r.limit(); pos > limit {
			pos = limit
		}
		if pos <= 0 {
			return nil, false, nil
		}

		chunk, err := r.db.manager.AcquireChunkFor(pos - 1)
		if err != nil {
			return nil, false, err
		}

		res, err := chunk.TryReadClosestBackward(pos)
		start := chunk.Header().StartPosition()
		chunk.Release()

		if errors.Is(err, eventlog.ErrNotFound) {
			r.pos = start
			continue
		}
		if err != nil {
			return nil, false, err
		}

		r.pos = res.NextPosition
		return res.Record, true, nil
	}
}
