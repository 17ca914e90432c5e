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

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/adapters/repos/db/readindex"
	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
)

const accumulateBatchSize = 1024

// accumulate scans the log from the checkpoint up to the scavenge point.
// Every batch is applied in one state transaction together with the
// position to resume from, so a restarted pass never reads a record twice.
func (s *Scavenger) accumulate(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	point := cp.Point
	chunkSize := int64(s.db.Config().ChunkSize)
	reader := s.db.NewSequentialReader(cp.AccumulateFrom,
		func() int64 { return point.Position })

	logger := s.logger.WithFields(logrus.Fields{
		"action": "scavenge_accumulate",
		"stage":  StageAccumulating.String(),
		"from":   cp.AccumulateFrom,
		"to":     point.Position,
	})
	logger.Debug("accumulating log")

	records := 0
	for {
		batch := make([]logrecord.Record, 0, accumulateBatchSize)
		for len(batch) < accumulateBatchSize {
			rec, ok, err := reader.TryReadNext(ctx)
			if err != nil {
				return cp, errors.Wrapf(err, "read log at %d", reader.Position())
			}
			if !ok {
				break
			}
			batch = append(batch, rec)
		}

		next := cp
		next.AccumulateFrom = reader.Position()
		err := s.state.Update(func(tx *StateTx) error {
			for _, rec := range batch {
				if err := s.accumulateRecord(tx, rec, chunkSize); err != nil {
					return errors.Wrapf(err, "accumulate record at %d", rec.Position())
				}
			}
			return tx.SetCheckpoint(next)
		})
		if err != nil {
			return cp, err
		}
		cp = next
		records += len(batch)

		if len(batch) < accumulateBatchSize {
			break
		}
	}

	logger.WithField("records", records).Debug("accumulated log")
	return cp, nil
}

func (s *Scavenger) accumulateRecord(tx *StateTx, rec logrecord.Record, chunkSize int64) error {
	switch r := rec.(type) {
	case *logrecord.CommitRecord:
		return tx.SetTransaction(r.TransactionPosition, TransactionData{
			FirstEventNumber: r.FirstEventNumber,
			CommitPosition:   r.LogPosition,
		})

	case *logrecord.PrepareRecord:
		if !r.Flags.HasAnyOf(logrecord.FlagData | logrecord.FlagStreamDelete) {
			return nil
		}
		if err := tx.NoteStream(s.index.Hash(r.EventStreamID), r.EventStreamID); err != nil {
			return err
		}
		if err := tx.ExtendChunkTimeRange(int32(r.LogPosition/chunkSize), r.TimeStamp); err != nil {
			return err
		}

		// metadata and tombstones only count when they do not depend on a
		// commit record
		if !r.IsSelfCommitted() {
			return nil
		}
		switch {
		case r.IsTombstone():
			return s.accumulateTombstone(tx, r.EventStreamID)
		case eventlog.IsMetaStream(r.EventStreamID):
			return s.accumulateMetadata(tx, r)
		}
	}
	return nil
}

func (s *Scavenger) accumulateTombstone(tx *StateTx, stream string) error {
	if eventlog.IsMetaStream(stream) {
		return nil
	}

	original, _, err := tx.OriginalStream(stream)
	if err != nil {
		return err
	}
	original.IsTombstoned = true
	if err := tx.SetOriginalStream(stream, original); err != nil {
		return err
	}

	meta, _, err := tx.Metastream(stream)
	if err != nil {
		return err
	}
	meta.IsTombstoned = true
	meta.DiscardPoint = eventlog.DeletedStream
	return tx.SetMetastream(stream, meta)
}

func (s *Scavenger) accumulateMetadata(tx *StateTx, p *logrecord.PrepareRecord) error {
	stream := eventlog.OriginalStreamOf(p.EventStreamID)

	md, err := readindex.ParseStreamMetadata(p.Data)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"action":   "scavenge_accumulate",
			"stream":   stream,
			"position": p.LogPosition,
		}).WithError(err).Warn("ignoring invalid stream metadata")
		md = readindex.StreamMetadata{}
	}

	original, _, err := tx.OriginalStream(stream)
	if err != nil {
		return err
	}
	original.setMetadata(md)
	if err := tx.SetOriginalStream(stream, original); err != nil {
		return err
	}

	meta, _, err := tx.Metastream(stream)
	if err != nil {
		return err
	}
	if p.EventNumber > meta.LatestEventNumber {
		meta.LatestEventNumber = p.EventNumber
	}
	if !meta.IsTombstoned {
		meta.DiscardPoint = meta.LatestEventNumber
	}
	return tx.SetMetastream(stream, meta)
}
