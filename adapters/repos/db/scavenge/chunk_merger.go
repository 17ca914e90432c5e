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

	"github.com/weaviate/eventstore/adapters/repos/db/transactionlog"
	"github.com/weaviate/eventstore/entities/logrecord"
)

// mergeChunks joins runs of adjacent scavenged chunks whose data fits into
// a single chunk. A crash between switches leaves every chunk readable; the
// next pass simply finds fewer candidates.
func (s *Scavenger) mergeChunks(ctx context.Context, cp Checkpoint, result *Result) (Checkpoint, error) {
	for _, group := range s.mergeGroups(cp.Point) {
		if err := ctx.Err(); err != nil {
			return cp, err
		}
		if err := s.mergeGroup(ctx, group); err != nil {
			return cp, err
		}
		result.ChunksMerged += len(group)
	}
	return cp, nil
}

func (s *Scavenger) mergeGroups(point ScavengePoint) [][]*transactionlog.Chunk {
	limit := int64(s.db.Config().ChunkSize)

	var groups [][]*transactionlog.Chunk
	var current []*transactionlog.Chunk
	var size int64

	flush := func() {
		if len(current) > 1 {
			groups = append(groups, current)
		}
		current, size = nil, 0
	}

	for _, chunk := range s.db.Manager().Chunks() {
		header := chunk.Header()
		if !chunk.IsCompleted() || header.EndPosition() > point.Position {
			break
		}
		if !header.IsScavenged {
			flush()
			continue
		}

		data := chunk.PhysicalDataSize()
		if len(current) > 0 &&
			(size+data > limit || current[0].Header().Transform != header.Transform) {
			flush()
		}
		current = append(current, chunk)
		size += data
	}
	flush()

	return groups
}

func (s *Scavenger) mergeGroup(ctx context.Context, group []*transactionlog.Chunk) error {
	first, last := group[0].Header(), group[len(group)-1].Header()
	logger := s.logger.WithFields(logrus.Fields{
		"action": "scavenge_merge",
		"stage":  StageMergingChunks.String(),
		"start":  first.ChunkStartNumber,
		"end":    last.ChunkEndNumber,
	})

	var acquired []*transactionlog.Chunk
	defer func() {
		for _, chunk := range acquired {
			chunk.Release()
		}
	}()
	for _, chunk := range group {
		pinned, err := s.db.Manager().AcquireChunk(chunk.Header().ChunkStartNumber)
		if err != nil {
			return err
		}
		acquired = append(acquired, pinned)
		if pinned != chunk {
			logger.Debug("chunk switched since planning, skipping merge")
			return nil
		}
	}

	out, err := s.createScavengedChunk(first.ChunkStartNumber, last.ChunkEndNumber, first.Transform)
	if err != nil {
		return err
	}
	keepAll := func(logrecord.Record) (bool, error) { return true, nil }
	for _, chunk := range acquired {
		if err := copyRecords(ctx, chunk, out, keepAll); err != nil {
			out.MarkForDeletion()
			return errors.Wrapf(err, "merge chunk %s", chunk)
		}
	}
	if err := out.CompleteScavenge(); err != nil {
		out.MarkForDeletion()
		return err
	}
	if _, err := s.db.Manager().SwitchChunk(out); err != nil {
		out.MarkForDeletion()
		return err
	}

	logger.WithField("chunks", len(group)).Info("merged scavenged chunks")
	return nil
}
