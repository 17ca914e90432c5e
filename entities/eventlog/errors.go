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

package eventlog

import "errors"

var (
	// ErrNotFound is returned when no record or index entry exists at the
	// requested location. It is an expected outcome, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt indicates a checksum or framing mismatch. It is always fatal
	// for the read that encountered it and must never be silently skipped.
	ErrCorrupt = errors.New("corrupt data")

	ErrChunkFull      = errors.New("chunk is full")
	ErrChunkCompleted = errors.New("chunk is already completed")
	ErrRecordTooLarge = errors.New("record does not fit into an empty chunk")
	ErrReadOnly       = errors.New("store is read-only")

	ErrWrongExpectedVersion = errors.New("wrong expected version")
	ErrStreamDeleted        = errors.New("stream is deleted")

	// ErrCheckpointDivergence signals that on-disk checkpoints contradict each
	// other or that another process owns the same directory. The affected
	// subsystem halts and requires operator intervention.
	ErrCheckpointDivergence = errors.New("checkpoint divergence")
)
