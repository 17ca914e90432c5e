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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/adapters/repos/db"
	"github.com/weaviate/eventstore/adapters/repos/db/scavenge"
	"github.com/weaviate/eventstore/adapters/repos/db/transactionlog"
	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
	"github.com/weaviate/eventstore/usecases/config"
)

type verifyCommand struct{}

func (c *verifyCommand) Execute(args []string) error {
	verifyHashes := func(cfg *config.Config) {
		cfg.VerifyChunkHashes = true
		cfg.SkipIndexVerify = false
	}
	return withStore(verifyHashes, func(ctx context.Context, store *db.Store,
		_ config.Config, logger logrus.FieldLogger,
	) error {
		if err := store.Verify(ctx); err != nil {
			logger.WithError(err).WithField("action", "verify").Error("verification failed")
			return err
		}
		logger.WithField("action", "verify").Info("all chunks and tables verified")
		return nil
	})
}

type scavengeCommand struct {
	Threshold   *int64 `long:"threshold" description:"overrides scavenge.threshold of the config"`
	MergeChunks *bool  `long:"merge-chunks" description:"merge small scavenged chunks after rewriting"`
}

func (c *scavengeCommand) Execute(args []string) error {
	return withStore(nil, func(ctx context.Context, store *db.Store,
		cfg config.Config, logger logrus.FieldLogger,
	) error {
		scavengeOpts := scavenge.Options{
			Threshold:   cfg.Scavenge.Threshold,
			MergeChunks: cfg.Scavenge.MergeChunks,
		}
		if c.Threshold != nil {
			scavengeOpts.Threshold = *c.Threshold
		}
		if c.MergeChunks != nil {
			scavengeOpts.MergeChunks = *c.MergeChunks
		}

		result, err := store.Scavenge(ctx, scavengeOpts)
		if err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{
			"action":           "scavenge",
			"scavenge_point":   result.Point.Number,
			"position":         result.Point.Position,
			"resumed":          result.Resumed,
			"chunks_rewritten": result.ChunksRewritten,
			"chunks_merged":    result.ChunksMerged,
			"records_removed":  result.RecordsRemoved,
			"bytes_reclaimed":  result.BytesReclaimed,
			"index_entries":    result.IndexEntries,
		}).Info("scavenge completed")
		return nil
	})
}

type statsCommand struct{}

func (c *statsCommand) Execute(args []string) error {
	return withStore(nil, func(ctx context.Context, store *db.Store,
		_ config.Config, _ logrus.FieldLogger,
	) error {
		return writeStats(os.Stdout, store.Stats())
	})
}

func writeStats(w io.Writer, stats db.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

type dumpCommand struct {
	Chunk int32 `long:"chunk" required:"yes" description:"number of a chunk covered by the file to dump"`
}

func (c *dumpCommand) Execute(args []string) error {
	return withStore(nil, func(ctx context.Context, store *db.Store,
		_ config.Config, _ logrus.FieldLogger,
	) error {
		chunk, err := store.Log().Manager().AcquireChunk(c.Chunk)
		if err != nil {
			return err
		}
		defer chunk.Release()

		_, err = dumpChunk(ctx, os.Stdout, chunk)
		return err
	})
}

// dumpChunk writes one line per record of chunk to w and returns the number
// of records written.
func dumpChunk(ctx context.Context, w io.Writer, chunk *transactionlog.Chunk) (int, error) {
	header := chunk.Header()
	fmt.Fprintf(w, "# %s start=%d end=%d scavenged=%t completed=%t\n",
		chunk.Path(), header.ChunkStartNumber, header.ChunkEndNumber,
		header.IsScavenged, chunk.IsCompleted())

	count := 0
	pos := header.StartPosition()
	for pos < header.EndPosition() {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		res, err := chunk.TryReadClosestForward(pos)
		if errors.Is(err, eventlog.ErrNotFound) {
			break
		}
		if err != nil {
			return count, errors.Wrapf(err, "read record at %d", pos)
		}
		pos = res.NextPosition

		if _, err := fmt.Fprintln(w, formatRecord(res.Record)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func formatRecord(rec logrecord.Record) string {
	switch r := rec.(type) {
	case *logrecord.PrepareRecord:
		return fmt.Sprintf("%d\tprepare\tstream=%s\tevent=%d\ttype=%s\tflags=%#04x\ttx=%d\tdata=%d",
			r.LogPosition, r.EventStreamID, r.EventNumber, r.EventType, uint16(r.Flags),
			r.TransactionPosition, len(r.Data))
	case *logrecord.CommitRecord:
		return fmt.Sprintf("%d\tcommit\ttx=%d\tfirst_event=%d",
			r.LogPosition, r.TransactionPosition, r.FirstEventNumber)
	case *logrecord.SystemRecord:
		return fmt.Sprintf("%d\tsystem\ttype=%d\tdata=%d",
			r.LogPosition, r.SystemRecordType, len(r.Data))
	default:
		return fmt.Sprintf("%d\t%s", rec.Position(), rec.Type())
	}
}
