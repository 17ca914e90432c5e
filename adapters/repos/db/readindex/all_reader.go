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

	"github.com/pkg/errors"

	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
)

// CommittedEvent is an event of the whole log together with the position of
// the record that committed it.
type CommittedEvent struct {
	Event          EventRecord
	CommitPosition int64
}

type AllReadResult struct {
	Events     []CommittedEvent
	CurrentPos eventlog.TFPos
	NextPos    eventlog.TFPos
	IsEnd      bool
}

// ReadAllForward reads committed events of all streams in log order starting
// at pos. Transactions are never split; a transaction larger than maxCount
// is returned as a whole when it comes first.
func (ri *ReadIndex) ReadAllForward(ctx context.Context, pos eventlog.TFPos, maxCount int) (AllReadResult, error) {
	if maxCount <= 0 {
		return AllReadResult{}, errors.Errorf("invalid max count %d", maxCount)
	}
	if pos.CommitPosition < 0 {
		return AllReadResult{}, errors.Errorf("invalid start position %s", pos)
	}

	res := AllReadResult{CurrentPos: pos}
	reader := ri.db.NewSequentialReader(pos.CommitPosition, nil)
	for len(res.Events) < maxCount {
		before := reader.Position()
		rec, ok, err := reader.TryReadNext(ctx)
		if err != nil {
			return AllReadResult{}, err
		}
		if !ok {
			res.IsEnd = true
			break
		}

		events, err := ri.committedEvents(ctx, rec)
		if err != nil {
			return AllReadResult{}, err
		}
		if len(res.Events) > 0 && len(res.Events)+len(events) > maxCount {
			reader.Reposition(before)
			break
		}
		res.Events = append(res.Events, events...)
	}

	next := reader.Position()
	res.NextPos = eventlog.TFPos{CommitPosition: next, PreparePosition: next}
	return res, nil
}

// ReadAllBackward reads committed events of all streams in reverse log order
// ending before pos. eventlog.HeadPos starts at the chaser checkpoint.
func (ri *ReadIndex) ReadAllBackward(ctx context.Context, pos eventlog.TFPos, maxCount int) (AllReadResult, error) {
	if maxCount <= 0 {
		return AllReadResult{}, errors.Errorf("invalid max count %d", maxCount)
	}
	if pos == eventlog.HeadPos {
		chaser := ri.chaser()
		pos = eventlog.TFPos{CommitPosition: chaser, PreparePosition: chaser}
	}

	res := AllReadResult{CurrentPos: pos}
	reader := ri.db.NewSequentialReader(pos.CommitPosition, nil)
	for len(res.Events) < maxCount {
		before := reader.Position()
		rec, ok, err := reader.TryReadPrev(ctx)
		if err != nil {
			return AllReadResult{}, err
		}
		if !ok {
			res.IsEnd = true
			break
		}

		events, err := ri.committedEvents(ctx, rec)
		if err != nil {
			return AllReadResult{}, err
		}
		if len(res.Events) > 0 && len(res.Events)+len(events) > maxCount {
			reader.Reposition(before)
			break
		}
		for i := len(events) - 1; i >= 0; i-- {
			res.Events = append(res.Events, events[i])
		}
	}

	next := reader.Position()
	res.NextPos = eventlog.TFPos{CommitPosition: next, PreparePosition: next}
	return res, nil
}

// committedEvents returns the events committed by rec in log order.
// Prepares waiting for a commit record yield nothing on their own.
func (ri *ReadIndex) committedEvents(ctx context.Context, rec logrecord.Record) ([]CommittedEvent, error) {
	switch r := rec.(type) {
	case *logrecord.PrepareRecord:
		if !r.IsSelfCommitted() {
			return nil, nil
		}
		return []CommittedEvent{{
			Event:          newEventRecord(r.EventNumber, r),
			CommitPosition: r.LogPosition,
		}}, nil

	case *logrecord.CommitRecord:
		prepares, err := transactionPrepares(ctx, ri.db, r)
		if err != nil {
			return nil, err
		}
		out := make([]CommittedEvent, len(prepares))
		for i, p := range prepares {
			out[i] = CommittedEvent{
				Event:          newEventRecord(r.FirstEventNumber+int64(p.TransactionOffset), p),
				CommitPosition: r.LogPosition,
			}
		}
		return out, nil

	default:
		return nil, nil
	}
}
