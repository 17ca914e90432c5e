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

package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/adapters/repos/db/checkpoint"
	"github.com/weaviate/eventstore/adapters/repos/db/readindex"
	"github.com/weaviate/eventstore/adapters/repos/db/scavenge"
	"github.com/weaviate/eventstore/adapters/repos/db/tableindex"
	"github.com/weaviate/eventstore/adapters/repos/db/transactionlog"
	"github.com/weaviate/eventstore/entities/cyclemanager"
	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
	"github.com/weaviate/eventstore/entities/storagestate"
	"github.com/weaviate/eventstore/usecases/monitoring"
)

const (
	indexDirName    = "index"
	scavengeDirName = "scavenge"

	metadataEventType = "$metadata"
)

type Config struct {
	RootPath string

	ChunkSize         int32
	ChunkTransform    transactionlog.TransformType
	VerifyChunkHashes bool

	IndexVersion      tableindex.Version
	MaxMemTableSize   int
	MaxTablesPerLevel int
	SkipIndexVerify   bool

	HashCollisionReadLimit int
	StreamCacheSize        int

	// Zero intervals disable the background cycles.
	MergeInterval           time.Duration
	CheckpointFlushInterval time.Duration
}

// Store is a single-node event store: the transaction log, the table index
// on top of it and the read index answering queries. Appends are serialized,
// reads and the background cycles run concurrently.
type Store struct {
	config  Config
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics

	checkpoints *checkpoint.Set
	log         *transactionlog.Db
	index       *tableindex.TableIndex
	readIndex   *readindex.ReadIndex
	scavenger   *scavenge.Scavenger

	writeLock sync.Mutex

	statusLock sync.RWMutex
	status     storagestate.Status

	cycleCallbacks *cyclemanager.CycleCallbackGroup
	cycle          cyclemanager.CycleManager
}

// Open recovers the store in config.RootPath and rebuilds the part of the
// index that was lost with the memtable.
func Open(ctx context.Context, config Config, logger logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) (*Store, error) {
	if err := os.MkdirAll(config.RootPath, 0o777); err != nil {
		return nil, errors.Wrapf(err, "create root path %s", config.RootPath)
	}
	logger = logger.WithField("root_path", config.RootPath)

	s := &Store{
		config:  config,
		logger:  logger,
		metrics: metrics,
		status:  storagestate.StatusReady,
	}
	if err := s.init(ctx); err != nil {
		s.closeComponents()
		return nil, err
	}

	s.initCycle()
	s.cycle.Start()

	logger.WithFields(logrus.Fields{
		"action":   "store_open",
		"writer":   s.checkpoints.Writer.Read(),
		"chaser":   s.checkpoints.Chaser.Read(),
		"chunks":   s.log.Manager().ChunksCount(),
		"position": s.index.CommitCheckpoint(),
	}).Info("store opened")
	return s, nil
}

// initCycle registers the maintenance callbacks in one group. The group is
// driven by a single cycle ticking at the shortest configured interval, each
// callback skips the ticks that come before its own interval has passed.
func (s *Store) initCycle() {
	s.cycleCallbacks = cyclemanager.NewCycleCallbackGroup("store_maintenance", s.logger, 2)

	var interval time.Duration
	register := func(id string, every time.Duration, callback cyclemanager.CycleCallback) {
		if every <= 0 {
			return
		}
		s.cycleCallbacks.Register(id, throttled(every, callback))
		if interval == 0 || every < interval {
			interval = every
		}
	}
	register("index_merge", s.config.MergeInterval, s.mergeIndex)
	register("checkpoint_flush", s.config.CheckpointFlushInterval, s.flushCheckpoints)

	s.cycle = cyclemanager.NewManager(ticker(interval), s.cycleCallbacks.CycleCallback)
}

// throttled runs callback at most once per interval. Cycles of a manager
// never overlap, so last needs no lock.
func throttled(interval time.Duration, callback cyclemanager.CycleCallback) cyclemanager.CycleCallback {
	var last time.Time
	return func(shouldAbort cyclemanager.ShouldAbortCallback) bool {
		if now := time.Now(); now.Sub(last) >= interval {
			last = now
			return callback(shouldAbort)
		}
		return false
	}
}

func ticker(interval time.Duration) cyclemanager.CycleTicker {
	if interval <= 0 {
		return cyclemanager.NewNoopTicker()
	}
	return cyclemanager.NewFixedTicker(interval)
}

func (s *Store) init(ctx context.Context) error {
	var err error

	s.checkpoints, err = checkpoint.OpenFileSet(s.config.RootPath)
	if err != nil {
		return errors.Wrap(err, "open checkpoints")
	}

	s.log, err = transactionlog.Open(ctx, transactionlog.Config{
		Dir:          s.config.RootPath,
		ChunkSize:    s.config.ChunkSize,
		Transform:    s.config.ChunkTransform,
		VerifyHashes: s.config.VerifyChunkHashes,
	}, s.checkpoints, s.logger, s.metrics)
	if err != nil {
		return errors.Wrap(err, "open transaction log")
	}

	// a single node confirms everything it has durably written
	writer, chaser := s.checkpoints.Writer.Read(), s.checkpoints.Chaser.Read()
	if chaser > writer {
		return errors.Wrapf(eventlog.ErrCheckpointDivergence,
			"chaser checkpoint %d is ahead of writer checkpoint %d", chaser, writer)
	}
	s.checkpoints.Chaser.Write(writer)
	if err := s.checkpoints.Chaser.Flush(); err != nil {
		return errors.Wrap(err, "flush chaser checkpoint")
	}

	s.index, err = tableindex.Open(ctx, tableindex.Config{
		Dir:               filepath.Join(s.config.RootPath, indexDirName),
		Version:           s.config.IndexVersion,
		MaxMemTableSize:   s.config.MaxMemTableSize,
		MaxTablesPerLevel: s.config.MaxTablesPerLevel,
		SkipIndexVerify:   s.config.SkipIndexVerify,
	}, s.logger, s.metrics)
	if err != nil {
		return errors.Wrap(err, "open table index")
	}

	s.readIndex, err = readindex.New(s.log, s.index, readindex.Config{
		HashCollisionReadLimit: s.config.HashCollisionReadLimit,
		StreamCacheSize:        s.config.StreamCacheSize,
	}, s.logger, s.metrics)
	if err != nil {
		return errors.Wrap(err, "init read index")
	}
	if err := s.readIndex.Committer().Init(ctx, writer); err != nil {
		return errors.Wrap(err, "rebuild index")
	}

	scavengeDir := filepath.Join(s.config.RootPath, scavengeDirName)
	if err := os.MkdirAll(scavengeDir, 0o777); err != nil {
		return errors.Wrapf(err, "create scavenge directory %s", scavengeDir)
	}
	s.scavenger, err = scavenge.New(s.log, s.index, scavengeDir, s.logger, s.metrics)
	if err != nil {
		return errors.Wrap(err, "open scavenger")
	}

	s.metrics.SetChunks(s.log.Manager().ChunksCount())
	return nil
}

func (s *Store) Log() *transactionlog.Db         { return s.log }
func (s *Store) Index() *tableindex.TableIndex   { return s.index }
func (s *Store) ReadIndex() *readindex.ReadIndex { return s.readIndex }
func (s *Store) Checkpoints() *checkpoint.Set    { return s.checkpoints }
func (s *Store) Scavenger() *scavenge.Scavenger  { return s.scavenger }

func (s *Store) Status() storagestate.Status {
	s.statusLock.RLock()
	defer s.statusLock.RUnlock()
	return s.status
}

// SetReadOnly switches between READY and READONLY. A halted store stays
// halted.
func (s *Store) SetReadOnly(readOnly bool) error {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()

	if s.status == storagestate.StatusHalted {
		return storagestate.ErrStatusHalted
	}
	if readOnly {
		s.status = storagestate.StatusReadOnly
	} else {
		s.status = storagestate.StatusReady
	}
	return nil
}

func (s *Store) halt(cause error) {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()

	if s.status == storagestate.StatusHalted {
		return
	}
	s.status = storagestate.StatusHalted
	s.logger.WithField("action", "store_halt").WithError(cause).
		Error("store halted, operator intervention required")
}

func (s *Store) checkWritable() error {
	status := s.Status()
	if err := status.Err(); err != nil {
		return errors.Wrapf(eventlog.ErrReadOnly, "store is %s", status)
	}
	return nil
}

// Append writes raw records at the end of the log, makes them readable and
// indexes them. Records are repositioned to where they land and the written
// versions are returned. Records that reference a transaction must already
// carry its final position; use WriteEvents to build transactions.
func (s *Store) Append(ctx context.Context, records ...logrecord.Record) ([]logrecord.Record, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	written := make([]logrecord.Record, 0, len(records))
	for _, rec := range records {
		out, err := s.write(rec)
		if err != nil {
			return nil, err
		}
		written = append(written, out)
	}
	return written, s.commit(ctx, written)
}

type EventData struct {
	EventID   uuid.UUID
	EventType string
	Data      []byte
	Metadata  []byte
	IsJSON    bool
}

type WriteResult struct {
	FirstEventNumber int64
	LastEventNumber  int64
	Position         eventlog.TFPos
}

// WriteEvents appends events to stream if its last event number matches
// expectedVersion. A single event is written as a self-committed prepare,
// several as one transaction that becomes visible with its commit record.
func (s *Store) WriteEvents(ctx context.Context, stream string, expectedVersion int64,
	events ...EventData,
) (WriteResult, error) {
	if len(events) == 0 {
		return WriteResult{}, errors.New("no events to write")
	}
	if err := s.checkWritable(); err != nil {
		return WriteResult{}, err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	last, err := s.checkExpectedVersion(ctx, stream, expectedVersion)
	if err != nil {
		return WriteResult{}, err
	}

	correlationID := uuid.New()
	now := time.Now().UTC()
	result := WriteResult{
		FirstEventNumber: last + 1,
		LastEventNumber:  last + int64(len(events)),
	}

	if len(events) == 1 {
		ev := events[0]
		p := logrecord.NewSingleWrite(0, correlationID, eventID(ev), stream, last,
			ev.EventType, ev.Data, ev.Metadata, now)
		if ev.IsJSON {
			p.Flags |= logrecord.FlagIsJSON
		}
		out, err := s.write(p)
		if err != nil {
			return WriteResult{}, err
		}
		result.Position = eventlog.TFPos{CommitPosition: out.Position(), PreparePosition: out.Position()}
		return result, s.commit(ctx, []logrecord.Record{out})
	}

	var written []logrecord.Record
	txPos := int64(-1)
	for i, ev := range events {
		flags := logrecord.FlagData
		if i == 0 {
			flags |= logrecord.FlagTransactionBegin
		}
		if i == len(events)-1 {
			flags |= logrecord.FlagTransactionEnd
		}
		if ev.IsJSON {
			flags |= logrecord.FlagIsJSON
		}

		pos := s.log.Writer().Position()
		p := &logrecord.PrepareRecord{
			LogPosition:         pos,
			TransactionPosition: txPos,
			TransactionOffset:   int32(i),
			Flags:               flags,
			ExpectedVersion:     expectedVersion,
			EventNumber:         eventlog.Invalid,
			EventStreamID:       stream,
			EventID:             eventID(ev),
			CorrelationID:       correlationID,
			TimeStamp:           now,
			EventType:           ev.EventType,
			Data:                ev.Data,
			Metadata:            ev.Metadata,
		}
		if i == 0 {
			// the transaction starts wherever its first prepare lands
			p.TransactionPosition = pos
		}
		out, err := s.write(p)
		if err != nil {
			return WriteResult{}, err
		}
		if i == 0 {
			txPos = out.Position()
		}
		written = append(written, out)
	}

	commit, err := s.write(&logrecord.CommitRecord{
		TransactionPosition: txPos,
		FirstEventNumber:    result.FirstEventNumber,
		SortKey:             result.FirstEventNumber,
		CorrelationID:       correlationID,
		TimeStamp:           now,
	})
	if err != nil {
		return WriteResult{}, err
	}
	written = append(written, commit)
	result.Position = eventlog.TFPos{CommitPosition: commit.Position(), PreparePosition: txPos}
	return result, s.commit(ctx, written)
}

// DeleteStream hard deletes stream by writing its tombstone.
func (s *Store) DeleteStream(ctx context.Context, stream string, expectedVersion int64) (eventlog.TFPos, error) {
	if eventlog.IsMetaStream(stream) {
		return eventlog.TFPos{}, errors.Errorf("metastream %q cannot be deleted", stream)
	}
	if err := s.checkWritable(); err != nil {
		return eventlog.TFPos{}, err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if _, err := s.checkExpectedVersion(ctx, stream, expectedVersion); err != nil {
		return eventlog.TFPos{}, err
	}

	out, err := s.write(logrecord.NewDeleteTombstone(0, uuid.New(), stream,
		expectedVersion, time.Now().UTC()))
	if err != nil {
		return eventlog.TFPos{}, err
	}
	pos := eventlog.TFPos{CommitPosition: out.Position(), PreparePosition: out.Position()}
	return pos, s.commit(ctx, []logrecord.Record{out})
}

// SetStreamMetadata appends metadata to the metastream of stream. Reads
// apply it immediately, the scavenger on its next pass.
func (s *Store) SetStreamMetadata(ctx context.Context, stream string,
	metadata readindex.StreamMetadata,
) (WriteResult, error) {
	return s.WriteEvents(ctx, eventlog.MetaStreamOf(stream), eventlog.ExpectedAny, EventData{
		EventType: metadataEventType,
		Data:      metadata.JSON(),
		IsJSON:    true,
	})
}

func eventID(ev EventData) uuid.UUID {
	if ev.EventID == uuid.Nil {
		return uuid.New()
	}
	return ev.EventID
}

// checkExpectedVersion returns the last event number of stream, NoStream
// for a new stream.
func (s *Store) checkExpectedVersion(ctx context.Context, stream string, expected int64) (int64, error) {
	last, err := s.readIndex.GetStreamLastEventNumber(ctx, stream)
	if err != nil {
		return 0, err
	}
	if last == eventlog.DeletedStream {
		return 0, errors.Wrapf(eventlog.ErrStreamDeleted, "stream %q", stream)
	}

	switch expected {
	case eventlog.ExpectedAny:
		return last, nil
	case eventlog.ExpectedStreamExists:
		if last == eventlog.NoStream {
			return 0, errors.Wrapf(eventlog.ErrWrongExpectedVersion,
				"stream %q does not exist", stream)
		}
		return last, nil
	default:
		if expected != last {
			return 0, errors.Wrapf(eventlog.ErrWrongExpectedVersion,
				"stream %q is at %d, expected %d", stream, last, expected)
		}
		return last, nil
	}
}

// write appends one record at the writer position. Callers hold the write
// lock.
func (s *Store) write(rec logrecord.Record) (logrecord.Record, error) {
	writer := s.log.Writer()
	out, _, err := writer.Write(logrecord.Reposition(rec, writer.Position()))
	if err != nil {
		return nil, s.writeFailed(err)
	}
	return out, nil
}

// commit makes written records durable and readable, then indexes them.
func (s *Store) commit(ctx context.Context, written []logrecord.Record) error {
	writer := s.log.Writer()
	if err := writer.Flush(); err != nil {
		return s.writeFailed(err)
	}
	if err := s.readIndex.Committer().Commit(ctx, written); err != nil {
		// the log holds records the index lacks, only a rebuild on open
		// brings them back in line
		err = errors.Wrap(err, "index written records")
		s.halt(err)
		return err
	}
	s.checkpoints.Chaser.Write(writer.Position())
	s.metrics.SetChunks(s.log.Manager().ChunksCount())
	return nil
}

func (s *Store) writeFailed(err error) error {
	if errors.Is(err, eventlog.ErrCheckpointDivergence) || errors.Is(err, eventlog.ErrCorrupt) {
		s.halt(err)
	}
	return err
}

// Scavenge runs or resumes a scavenge pass.
func (s *Store) Scavenge(ctx context.Context, opts scavenge.Options) (scavenge.Result, error) {
	if s.Status() == storagestate.StatusHalted {
		return scavenge.Result{}, storagestate.ErrStatusHalted
	}
	// a new pass is bounded by the durable chaser checkpoint
	if err := s.checkpoints.Flush(); err != nil {
		return scavenge.Result{}, errors.Wrap(err, "flush checkpoints")
	}
	return s.scavenger.Run(ctx, opts)
}

// mergeIndex is the maintenance callback merging index tables.
func (s *Store) mergeIndex(shouldAbort cyclemanager.ShouldAbortCallback) bool {
	return s.index.MergeIfNeeded(shouldAbort)
}

// flushCheckpoints makes the checkpoints durable and halts the store if
// they contradict each other.
func (s *Store) flushCheckpoints(shouldAbort cyclemanager.ShouldAbortCallback) bool {
	writer, chaser := s.checkpoints.Writer.ReadNonFlushed(), s.checkpoints.Chaser.ReadNonFlushed()
	if chaser > writer {
		s.halt(errors.Wrapf(eventlog.ErrCheckpointDivergence,
			"chaser checkpoint %d is ahead of writer checkpoint %d", chaser, writer))
		return false
	}

	if err := s.checkpoints.Flush(); err != nil {
		s.logger.WithField("action", "checkpoint_flush").WithError(err).
			Error("flushing checkpoints")
		return false
	}
	return true
}

type Stats struct {
	Status      storagestate.Status
	Chunks      []ChunkStats
	Index       tableindex.Stats
	Checkpoints map[string]int64
}

type ChunkStats struct {
	Path         string
	Start        int32
	End          int32
	Completed    bool
	Scavenged    bool
	PhysicalSize int64
}

func (s *Store) Stats() Stats {
	stats := Stats{
		Status: s.Status(),
		Index:  s.index.Stats(),
		Checkpoints: map[string]int64{
			checkpoint.WriterName:      s.checkpoints.Writer.ReadNonFlushed(),
			checkpoint.ChaserName:      s.checkpoints.Chaser.ReadNonFlushed(),
			checkpoint.ReplicationName: s.checkpoints.Replication.ReadNonFlushed(),
			checkpoint.IndexName:       s.checkpoints.Index.ReadNonFlushed(),
			checkpoint.EpochName:       s.checkpoints.Epoch.ReadNonFlushed(),
		},
	}
	for _, chunk := range s.log.Manager().Chunks() {
		header := chunk.Header()
		stats.Chunks = append(stats.Chunks, ChunkStats{
			Path:         chunk.Path(),
			Start:        header.ChunkStartNumber,
			End:          header.ChunkEndNumber,
			Completed:    chunk.IsCompleted(),
			Scavenged:    header.IsScavenged,
			PhysicalSize: chunk.PhysicalDataSize(),
		})
	}
	return stats
}

// Verify checks the file hashes of all completed chunks and all PTables.
func (s *Store) Verify(ctx context.Context) error {
	var result *multierror.Error
	if err := s.log.VerifyChunkHashes(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "verify chunks"))
	}
	if err := s.index.VerifyTables(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "verify index"))
	}
	return result.ErrorOrNil()
}

// Close stops the background cycles and closes every component. The
// memtable is not persisted; it is rebuilt from the log on the next Open.
func (s *Store) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := s.cycle.StopAndWait(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "stop maintenance cycle"))
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if err := s.closeComponents(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Store) closeComponents() error {
	var result *multierror.Error
	if s.scavenger != nil {
		if err := s.scavenger.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close scavenger"))
		}
	}
	if s.index != nil {
		s.index.WaitForBackgroundTasks()
		if err := s.index.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close table index"))
		}
	}
	if s.log != nil {
		if err := s.log.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close transaction log"))
		}
	}
	if s.checkpoints != nil {
		if err := s.checkpoints.Flush(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "flush checkpoints"))
		}
		if err := s.checkpoints.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close checkpoints"))
		}
	}
	return result.ErrorOrNil()
}
