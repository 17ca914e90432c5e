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

	"github.com/weaviate/eventstore/adapters/repos/db/tableindex"
)

// executeIndex drops index entries whose records no longer exist below the
// scavenge point. The memtable is flushed first so that every such entry
// lives in a PTable.
func (s *Scavenger) executeIndex(ctx context.Context, cp Checkpoint, result *Result) (Checkpoint, error) {
	point := cp.Point

	if err := s.index.FlushMemTable(); err != nil {
		return cp, errors.Wrap(err, "flush memtable before index scavenge")
	}

	removed, err := s.index.Scavenge(ctx, func(e tableindex.IndexEntry) bool {
		return e.Position >= point.Position || s.db.ExistsAt(e.Position)
	})
	if err != nil {
		return cp, errors.Wrap(err, "scavenge table index")
	}
	result.IndexEntries += removed

	s.logger.WithFields(logrus.Fields{
		"action":  "scavenge_index",
		"stage":   StageExecutingIndex.String(),
		"removed": removed,
	}).Debug("scavenged table index")
	return cp, nil
}
