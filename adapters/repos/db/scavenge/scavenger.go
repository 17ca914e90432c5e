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
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/adapters/repos/db/tableindex"
	"github.com/weaviate/eventstore/adapters/repos/db/transactionlog"
	"github.com/weaviate/eventstore/usecases/monitoring"
)

var ErrAlreadyRunning = errors.New("scavenge is already running")

// errStopped is returned when a pass reaches stopBefore.
var errStopped = errors.New("scavenge stopped")

// Scavenger runs scavenge passes over a transaction log and its table
// index. A pass moves through its stages in order and persists its progress
// after every unit of work, so an interrupted pass is continued by the next
// call to Run instead of starting over.
type Scavenger struct {
	db      *transactionlog.Db
	index   *tableindex.TableIndex
	state   *State
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics
	now     func() time.Time

	running sync.Mutex

	// stopBefore interrupts a pass before the given stage runs.
	stopBefore Stage
}

// New opens the scavenge state in dir. The Scavenger must be closed.
func New(db *transactionlog.Db, index *tableindex.TableIndex, dir string,
	logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) (*Scavenger, error) {
	state, err := OpenState(filepath.Join(dir, StateFileName))
	if err != nil {
		return nil, err
	}

	return &Scavenger{
		db:      db,
		index:   index,
		state:   state,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}, nil
}

func (s *Scavenger) Close() error {
	return s.state.Close()
}

// Checkpoint returns the progress of the current or last pass.
func (s *Scavenger) Checkpoint() (Checkpoint, bool, error) {
	return s.state.Checkpoint()
}

// Run continues an unfinished pass or starts a new one bounded by the chaser
// checkpoint. Options only apply to new passes.
func (s *Scavenger) Run(ctx context.Context, opts Options) (Result, error) {
	if !s.running.TryLock() {
		return Result{}, ErrAlreadyRunning
	}
	defer s.running.Unlock()

	cp, found, err := s.state.Checkpoint()
	if err != nil {
		return Result{}, errors.Wrap(err, "read scavenge checkpoint")
	}

	resumed := found && cp.Stage != StageDone
	if !resumed {
		cp, err = s.startPass(cp, found, opts)
		if err != nil {
			return Result{}, err
		}
	}

	logger := s.logger.WithFields(logrus.Fields{
		"action":         "scavenge",
		"scavenge_point": cp.Point.Number,
		"position":       cp.Point.Position,
	})
	if resumed {
		logger.WithField("stage", cp.Stage.String()).Info("resuming scavenge")
	} else {
		logger.Info("starting scavenge")
	}

	result := Result{Point: cp.Point, Resumed: resumed}
	for cp.Stage != StageDone {
		if s.stopBefore != StageIdle && cp.Stage == s.stopBefore {
			return result, errStopped
		}

		stage := cp.Stage
		start := time.Now()
		cp, err = s.runStage(ctx, cp, &result)
		s.metrics.ObserveScavengeStage(stage.String(), start)
		if err != nil {
			s.recordError(stage, err)
			logger.WithField("stage", stage.String()).WithError(err).Error("scavenge stage failed")
			return result, errors.Wrapf(err, "scavenge stage %s", stage)
		}

		cp, err = s.advance(cp, s.nextStage(cp))
		if err != nil {
			return result, err
		}
	}

	logger.WithFields(logrus.Fields{
		"chunks_rewritten": result.ChunksRewritten,
		"chunks_merged":    result.ChunksMerged,
		"records_removed":  result.RecordsRemoved,
		"bytes_reclaimed":  result.BytesReclaimed,
		"index_entries":    result.IndexEntries,
	}).Info("scavenge completed")
	return result, nil
}

func (s *Scavenger) startPass(prev Checkpoint, found bool, opts Options) (Checkpoint, error) {
	cp := Checkpoint{
		Stage: StageAccumulating,
		Point: ScavengePoint{
			Position:     s.db.Checkpoints().Chaser.Read(),
			EffectiveNow: s.now().UTC(),
			Threshold:    opts.Threshold,
		},
		MergeChunks: opts.MergeChunks,
	}
	if found {
		cp.Point.Number = prev.Point.Number + 1
		cp.AccumulateFrom = prev.Point.Position
	}

	err := s.state.Update(func(tx *StateTx) error {
		return tx.SetCheckpoint(cp)
	})
	return cp, errors.Wrap(err, "start scavenge pass")
}

func (s *Scavenger) runStage(ctx context.Context, cp Checkpoint, result *Result) (Checkpoint, error) {
	switch cp.Stage {
	case StageAccumulating:
		return s.accumulate(ctx, cp)
	case StageCalculating:
		return s.calculate(ctx, cp)
	case StageExecutingChunks:
		return s.executeChunks(ctx, cp, result)
	case StageMergingChunks:
		return s.mergeChunks(ctx, cp, result)
	case StageExecutingIndex:
		return s.executeIndex(ctx, cp, result)
	default:
		return cp, errors.Errorf("unexpected scavenge stage %s", cp.Stage)
	}
}

func (s *Scavenger) nextStage(cp Checkpoint) Stage {
	switch cp.Stage {
	case StageExecutingChunks:
		if cp.MergeChunks {
			return StageMergingChunks
		}
		return StageExecutingIndex
	case StageExecutingIndex:
		return StageDone
	default:
		return cp.Stage + 1
	}
}

// advance persists the move to the next stage and resets the progress
// markers of the stage that starts.
func (s *Scavenger) advance(cp Checkpoint, stage Stage) (Checkpoint, error) {
	next := cp
	next.Stage = stage
	next.Error = ""
	next.CalculateBucket = ""
	next.CalculateAfter = ""
	next.ExecuteFrom = 0

	err := s.state.Update(func(tx *StateTx) error {
		if stage == StageCalculating {
			if err := tx.ResetChunkWeights(); err != nil {
				return err
			}
		}
		return tx.SetCheckpoint(next)
	})
	if err != nil {
		return cp, errors.Wrapf(err, "advance scavenge to %s", stage)
	}
	return next, nil
}

func (s *Scavenger) recordError(stage Stage, cause error) {
	err := s.state.Update(func(tx *StateTx) error {
		cp, ok, err := tx.Checkpoint()
		if err != nil || !ok || cp.Stage != stage {
			return err
		}
		cp.Error = cause.Error()
		return tx.SetCheckpoint(cp)
	})
	if err != nil {
		s.logger.WithField("action", "scavenge").WithError(err).
			Error("recording scavenge failure")
	}
}
