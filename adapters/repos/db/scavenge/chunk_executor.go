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
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/adapters/repos/db/transactionlog"
	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
)

type rewriteStats struct {
	kept      int
	discarded int
	reclaimed int64
}

// executeChunks rewrites every completed chunk below the scavenge point
// whose weight reaches the threshold. The checkpoint advances past each
// chunk once its replacement is switched in, or once it is skipped.
func (s *Scavenger) executeChunks(ctx context.Context, cp Checkpoint, result *Result) (Checkpoint, error) {
	point := cp.Point

	for _, chunk := range s.db.Manager().Chunks() {
		if err := ctx.Err(); err != nil {
			return cp, err
		}

		header := chunk.Header()
		if !chunk.IsCompleted() || header.EndPosition() > point.Position {
			break
		}
		if header.StartPosition() < cp.ExecuteFrom {
			continue
		}

		var weight int64
		err := s.state.View(func(tx *StateTx) error {
			for n := header.ChunkStartNumber; n <= header.ChunkEndNumber; n++ {
				weight += tx.ChunkWeight(n)
			}
			return nil
		})
		if err != nil {
			return cp, err
		}

		logger := s.logger.WithFields(logrus.Fields{
			"action": "scavenge_chunk",
			"stage":  StageExecutingChunks.String(),
			"chunk":  chunk.Path(),
			"weight": weight,
		})

		if weight > 0 && weight >= point.Threshold {
			stats, err := s.rewriteChunk(ctx, header.ChunkStartNumber, func(tx *StateTx, rec logrecord.Record) (bool, error) {
				return s.shouldKeep(tx, point, rec)
			})
			if err != nil {
				return cp, errors.Wrapf(err, "scavenge chunk %s", chunk)
			}
			if stats.discarded > 0 {
				result.ChunksRewritten++
				result.RecordsRemoved += int64(stats.discarded)
				result.BytesReclaimed += stats.reclaimed
				s.metrics.ScavengedChunk(stats.discarded, stats.reclaimed)
			}
			logger.WithFields(logrus.Fields{
				"kept":      stats.kept,
				"discarded": stats.discarded,
				"reclaimed": stats.reclaimed,
			}).Debug("scavenged chunk")
		} else {
			logger.Trace("skipping chunk below threshold")
		}

		next := cp
		next.ExecuteFrom = header.EndPosition()
		if err := s.state.Update(func(tx *StateTx) error {
			return tx.SetCheckpoint(next)
		}); err != nil {
			return cp, err
		}
		cp = next
	}

	return cp, nil
}

// shouldKeep decides a record's fate from the discard points of the
// current pass. Anything the state does not know about survives.
func (s *Scavenger) shouldKeep(tx *StateTx, point ScavengePoint, rec logrecord.Record) (bool, error) {
	p, ok := rec.(*logrecord.PrepareRecord)
	if !ok || rec.Position() >= point.Position {
		return true, nil
	}
	if p.IsTombstone() || !p.Flags.HasAnyOf(logrecord.FlagData) {
		return true, nil
	}

	number := p.EventNumber
	if !p.IsSelfCommitted() {
		tr, ok, err := tx.Transaction(p.TransactionPosition)
		if err != nil || !ok {
			return true, err
		}
		number = tr.FirstEventNumber + int64(p.TransactionOffset)
	}

	var dp int64
	if eventlog.IsMetaStream(p.EventStreamID) {
		meta, ok, err := tx.Metastream(eventlog.OriginalStreamOf(p.EventStreamID))
		if err != nil || !ok {
			return true, err
		}
		dp = meta.DiscardPoint
	} else {
		original, ok, err := tx.OriginalStream(p.EventStreamID)
		if err != nil || !ok {
			return true, err
		}
		dp = original.DiscardPoint
	}
	return number >= dp, nil
}

// rewriteChunk copies the records of the physical chunk starting at the
// logical chunk number into a scavenged chunk, leaving out those keep
// rejects. The replacement is switched in only if something was dropped.
func (s *Scavenger) rewriteChunk(ctx context.Context, number int32,
	keep func(*StateTx, logrecord.Record) (bool, error),
) (rewriteStats, error) {
	var stats rewriteStats

	old, err := s.db.Manager().AcquireChunk(number)
	if err != nil {
		return stats, err
	}
	defer old.Release()

	header := old.Header()
	out, err := s.createScavengedChunk(header.ChunkStartNumber, header.ChunkEndNumber, header.Transform)
	if err != nil {
		return stats, err
	}

	err = s.state.View(func(tx *StateTx) error {
		return copyRecords(ctx, old, out, func(rec logrecord.Record) (bool, error) {
			ok, err := keep(tx, rec)
			if err != nil {
				return false, err
			}
			if ok {
				stats.kept++
			} else {
				stats.discarded++
			}
			return ok, nil
		})
	})
	if err != nil {
		out.MarkForDeletion()
		return stats, err
	}

	if stats.discarded == 0 {
		out.MarkForDeletion()
		return stats, nil
	}

	if err := out.CompleteScavenge(); err != nil {
		out.MarkForDeletion()
		return stats, err
	}
	stats.reclaimed = old.PhysicalDataSize() - out.PhysicalDataSize()

	if _, err := s.db.Manager().SwitchChunk(out); err != nil {
		out.MarkForDeletion()
		return stats, err
	}
	return stats, nil
}

func (s *Scavenger) createScavengedChunk(start, end int32,
	transform transactionlog.TransformType,
) (*transactionlog.Chunk, error) {
	path := filepath.Join(s.db.Config().Dir, uuid.NewString()+transactionlog.ScavengeTempSuffix)
	return transactionlog.CreateScavengedChunk(path, s.db.Config().ChunkSize,
		start, end, transform, s.db.ChunkOptions())
}

// copyRecords appends every record of src for which keep holds to dst.
func copyRecords(ctx context.Context, src, dst *transactionlog.Chunk,
	keep func(logrecord.Record) (bool, error),
) error {
	header := src.Header()
	pos := header.StartPosition()

	for i := 0; pos < header.EndPosition(); i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		res, err := src.TryReadClosestForward(pos)
		if errors.Is(err, eventlog.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		pos = res.NextPosition

		ok, err := keep(res.Record)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := dst.TryAppend(res.Record); err != nil {
			return errors.Wrapf(err, "copy record at %d", res.Record.Position())
		}
	}
	return nil
}
