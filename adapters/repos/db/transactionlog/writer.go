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
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/adapters/repos/db/checkpoint"
	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
)

// Writer appends records to the ongoing chunk and advances the writer
// checkpoint. The checkpoint is only made durable by Flush.
type Writer struct {
	db         *Db
	checkpoint checkpoint.Checkpoint
	logger     logrus.FieldLogger

	lock  sync.Mutex
	chunk *Chunk
}

func newWriter(db *Db) *Writer {
	chunks := db.manager.Chunks()
	return &Writer{
		db:         db,
		checkpoint: db.checkpoints.Writer,
		logger:     db.logger,
		chunk:      chunks[len(chunks)-1],
	}
}

// Position is the log position the next record has to be written at.
func (w *Writer) Position() int64 {
	return w.checkpoint.ReadNonFlushed()
}

// Write appends rec, which must be positioned at Position. If the ongoing
// chunk is full it is completed and rec is moved to the start of the next
// chunk. The record as written and the position after it are returned.
func (w *Writer) Write(rec logrecord.Record) (logrecord.Record, int64, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if pos := w.checkpoint.ReadNonFlushed(); rec.Position() != pos {
		return nil, 0, errors.Errorf("record is positioned at %d, writer is at %d",
			rec.Position(), pos)
	}

	res, err := w.chunk.TryAppend(rec)
	if err != nil {
		return nil, 0, w.writeError(err, rec)
	}

	if !res.Success {
		if err := w.completeChunk(); err != nil {
			return nil, 0, err
		}

		rec = logrecord.Reposition(rec, w.checkpoint.ReadNonFlushed())
		res, err = w.chunk.TryAppend(rec)
		if err != nil {
			return nil, 0, w.writeError(err, rec)
		}
		if !res.Success {
			return nil, 0, errors.Wrapf(eventlog.ErrRecordTooLarge,
				"record at %d does not fit into an empty chunk", rec.Position())
		}
	}

	w.checkpoint.Write(res.NewPosition)
	return rec, res.NewPosition, nil
}

func (w *Writer) writeError(err error, rec logrecord.Record) error {
	w.logger.WithFields(logrus.Fields{
		"action":   "log_write",
		"chunk":    w.chunk.Path(),
		"position": rec.Position(),
	}).WithError(err).Error("appending record failed")
	return err
}

// Flush makes the written records durable, then the writer checkpoint.
func (w *Writer) Flush() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.flush()
}

func (w *Writer) flush() error {
	if err := w.chunk.Flush(); err != nil {
		return err
	}
	return w.checkpoint.Flush()
}

// CompleteChunk seals the ongoing chunk, moves the writer to the start of
// the next logical chunk and creates it.
func (w *Writer) CompleteChunk() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.completeChunk()
}

func (w *Writer) completeChunk() error {
	if err := w.chunk.Complete(); err != nil {
		return err
	}
	w.checkpoint.Write(w.chunk.Header().EndPosition())
	if err := w.checkpoint.Flush(); err != nil {
		return err
	}

	w.logger.WithFields(logrus.Fields{
		"action": "chunk_complete",
		"chunk":  w.chunk.Path(),
		"size":   w.chunk.PhysicalDataSize(),
	}).Info("completed chunk")

	return w.newChunk()
}

func (w *Writer) newChunk() error {
	chunk, err := w.db.manager.AddNewChunk()
	if err != nil {
		return err
	}
	w.chunk = chunk
	return nil
}
