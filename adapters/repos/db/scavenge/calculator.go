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
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/adapters/repos/db/readindex"
	"github.com/weaviate/eventstore/adapters/repos/db/tableindex"
	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
)

const calculateBatchSize = 256

// calculate sets the discard point of every stream with metadata or a
// tombstone and weighs chunks by the number of index entries they would
// lose. Streams are visited in key order so that the last finished stream
// is enough to resume.
func (s *Scavenger) calculate(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"action": "scavenge_calculate",
		"stage":  StageCalculating.String(),
	})

	if cp.CalculateBucket == "" {
		cp.CalculateBucket = string(originalsBucket)
	}

	streams := 0
	for {
		if err := ctx.Err(); err != nil {
			return cp, err
		}

		next := cp
		done := 0
		err := s.state.Update(func(tx *StateTx) error {
			bucket := []byte(cp.CalculateBucket)
			names := tx.streamsAfter(bucket, cp.CalculateAfter, calculateBatchSize)

			weights := map[int32]int64{}
			for _, name := range names {
				var err error
				if cp.CalculateBucket == string(originalsBucket) {
					err = s.calculateOriginal(tx, cp.Point, name, weights)
				} else {
					err = s.calculateMetastream(tx, cp.Point, name, weights)
				}
				if err != nil {
					return errors.Wrapf(err, "calculate stream %q", name)
				}
			}
			for chunk, w := range weights {
				if err := tx.AddChunkWeight(chunk, w); err != nil {
					return err
				}
			}

			done = len(names)
			switch {
			case len(names) == calculateBatchSize:
				next.CalculateAfter = names[len(names)-1]
			case cp.CalculateBucket == string(originalsBucket):
				next.CalculateBucket = string(metastreamBucket)
				next.CalculateAfter = ""
			default:
				next.CalculateAfter = ""
				next.CalculateBucket = ""
			}
			return tx.SetCheckpoint(next)
		})
		if err != nil {
			return cp, err
		}
		cp = next
		streams += done

		if cp.CalculateBucket == "" {
			break
		}
	}

	logger.WithField("streams", streams).Debug("calculated discard points")
	return cp, nil
}

func (s *Scavenger) calculateOriginal(tx *StateTx, point ScavengePoint,
	stream string, weights map[int32]int64,
) error {
	data, ok, err := tx.OriginalStream(stream)
	if err != nil || !ok {
		return err
	}

	entries, err := s.streamEntries(tx, point, stream)
	if err != nil {
		return err
	}

	dp, err := s.discardPoint(tx, point, data, entries)
	if err != nil {
		return err
	}
	data.DiscardPoint = dp
	if err := tx.SetOriginalStream(stream, data); err != nil {
		return err
	}

	s.weigh(entries, dp, weights)
	return nil
}

func (s *Scavenger) calculateMetastream(tx *StateTx, point ScavengePoint,
	original string, weights map[int32]int64,
) error {
	data, ok, err := tx.Metastream(original)
	if err != nil || !ok {
		return err
	}

	entries, err := s.streamEntries(tx, point, eventlog.MetaStreamOf(original))
	if err != nil {
		return err
	}
	s.weigh(entries, data.DiscardPoint, weights)
	return nil
}

// discardPoint derives the first event number of a stream that survives.
// The last event is always kept so the stream keeps its version.
func (s *Scavenger) discardPoint(tx *StateTx, point ScavengePoint,
	data OriginalStreamData, entries []tableindex.IndexEntry,
) (int64, error) {
	if data.IsTombstoned {
		return eventlog.DeletedStream, nil
	}
	if len(entries) == 0 {
		return 0, nil
	}

	md := data.metadata()
	last := entries[len(entries)-1].Version
	dp := md.FirstVisible(last)

	if md.MaxAge > 0 {
		for _, e := range entries {
			if e.Version < dp {
				continue
			}
			expired, err := s.entryExpired(tx, point, md, e)
			if err != nil {
				return 0, err
			}
			if !expired {
				break
			}
			dp = e.Version + 1
		}
	}

	if dp > last {
		dp = last
	}
	return dp, nil
}

// entryExpired consults the time range of the entry's chunk first and only
// reads the record when the range straddles the cutoff.
func (s *Scavenger) entryExpired(tx *StateTx, point ScavengePoint,
	md readindex.StreamMetadata, e tableindex.IndexEntry,
) (bool, error) {
	r, ok, err := tx.ChunkTimeRange(s.chunkOf(e.Position))
	if err != nil {
		return false, err
	}
	if ok {
		if md.Expired(r.Max, point.EffectiveNow) {
			return true, nil
		}
		if !md.Expired(r.Min, point.EffectiveNow) {
			return false, nil
		}
	}

	rec, err := s.db.ReadAt(e.Position)
	if errors.Is(err, eventlog.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read event at %d", e.Position)
	}
	p, ok := rec.(*logrecord.PrepareRecord)
	if !ok {
		return false, errors.Wrapf(eventlog.ErrCorrupt,
			"index entry %s points at a %s record", e, rec.Type())
	}
	return md.Expired(p.TimeStamp, point.EffectiveNow), nil
}

// streamEntries returns the index entries of stream below the scavenge
// point, oldest first. Only streams known to collide are checked against
// the log.
func (s *Scavenger) streamEntries(tx *StateTx, point ScavengePoint,
	stream string,
) ([]tableindex.IndexEntry, error) {
	all := s.index.GetRange(stream, 0, math.MaxInt64, 0)
	collides := tx.IsCollision(stream)

	out := make([]tableindex.IndexEntry, 0, len(all))
	for _, e := range all {
		if e.Position >= point.Position {
			continue
		}
		if collides {
			rec, err := s.db.ReadAt(e.Position)
			if errors.Is(err, eventlog.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, errors.Wrapf(err, "read event at %d", e.Position)
			}
			p, ok := rec.(*logrecord.PrepareRecord)
			if !ok || p.EventStreamID != stream {
				continue
			}
		}
		out = append(out, e)
	}

	sort.Slice(out, func(a, b int) bool {
		return out[a].Version < out[b].Version
	})
	return out, nil
}

func (s *Scavenger) weigh(entries []tableindex.IndexEntry, dp int64, weights map[int32]int64) {
	for _, e := range entries {
		if e.Version >= dp {
			break
		}
		weights[s.chunkOf(e.Position)]++
	}
}

func (s *Scavenger) chunkOf(pos int64) int32 {
	return int32(pos / int64(s.db.Config().ChunkSize))
}
