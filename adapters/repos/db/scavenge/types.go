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
	"fmt"
	"time"

	"github.com/weaviate/eventstore/adapters/repos/db/readindex"
)

type Stage uint8

const (
	StageIdle Stage = iota
	StageAccumulating
	StageCalculating
	StageExecutingChunks
	StageMergingChunks
	StageExecutingIndex
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageAccumulating:
		return "accumulating"
	case StageCalculating:
		return "calculating"
	case StageExecutingChunks:
		return "executing_chunks"
	case StageMergingChunks:
		return "merging_chunks"
	case StageExecutingIndex:
		return "executing_index"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// ScavengePoint is the consistency boundary of one pass. Nothing at or
// beyond Position is read or rewritten.
type ScavengePoint struct {
	Number       int64     `msgpack:"number"`
	Position     int64     `msgpack:"position"`
	EffectiveNow time.Time `msgpack:"effective_now"`
	// Threshold is the minimum weight a chunk needs to be rewritten.
	Threshold int64 `msgpack:"threshold"`
}

// Checkpoint records the stage of the current pass and how far the stage
// got. It is written in the same transaction as the data it covers.
type Checkpoint struct {
	Stage Stage         `msgpack:"stage"`
	Point ScavengePoint `msgpack:"point"`

	AccumulateFrom  int64  `msgpack:"accumulate_from"`
	CalculateBucket string `msgpack:"calculate_bucket"`
	CalculateAfter  string `msgpack:"calculate_after"`
	ExecuteFrom     int64  `msgpack:"execute_from"`
	MergeChunks     bool   `msgpack:"merge_chunks"`

	// Error is the failure of the last attempt of Stage, if any.
	Error string `msgpack:"error,omitempty"`
}

// OriginalStreamData is what the accumulator learned about a stream that
// has metadata or a tombstone.
type OriginalStreamData struct {
	MaxCount       int64         `msgpack:"max_count"`
	MaxAge         time.Duration `msgpack:"max_age"`
	TruncateBefore int64         `msgpack:"truncate_before"`
	IsTombstoned   bool          `msgpack:"is_tombstoned"`

	// DiscardPoint is set by the calculator: events with lower numbers
	// are discarded.
	DiscardPoint int64 `msgpack:"discard_point"`
}

func (d OriginalStreamData) metadata() readindex.StreamMetadata {
	return readindex.StreamMetadata{
		MaxCount:       d.MaxCount,
		MaxAge:         d.MaxAge,
		TruncateBefore: d.TruncateBefore,
	}
}

func (d *OriginalStreamData) setMetadata(m readindex.StreamMetadata) {
	d.MaxCount = m.MaxCount
	d.MaxAge = m.MaxAge
	d.TruncateBefore = m.TruncateBefore
}

// MetastreamData is keyed by the original stream name. Only the latest
// metadata record survives, none once the original stream is tombstoned.
type MetastreamData struct {
	LatestEventNumber int64 `msgpack:"latest_event_number"`
	IsTombstoned      bool  `msgpack:"is_tombstoned"`
	DiscardPoint      int64 `msgpack:"discard_point"`
}

type TransactionData struct {
	FirstEventNumber int64 `msgpack:"first_event_number"`
	CommitPosition   int64 `msgpack:"commit_position"`
}

type TimeRange struct {
	Min time.Time `msgpack:"min"`
	Max time.Time `msgpack:"max"`
}

type Options struct {
	// Threshold is the minimum weight of a chunk to be rewritten. Zero
	// rewrites every chunk with anything to discard.
	Threshold   int64
	MergeChunks bool
}

type Result struct {
	Point           ScavengePoint
	Resumed         bool
	ChunksRewritten int
	ChunksMerged    int
	RecordsRemoved  int64
	BytesReclaimed  int64
	IndexEntries    int64
}
