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

// Package readindex answers stream and log reads on top of the transaction
// log and the table index. Index entries only carry a stream hash, so every
// candidate is read back from the log and checked against the requested
// stream name before it is returned.
package readindex

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/adapters/repos/db/tableindex"
	"github.com/weaviate/eventstore/adapters/repos/db/transactionlog"
	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
	"github.com/weaviate/eventstore/usecases/monitoring"
)

const (
	DefaultHashCollisionReadLimit = 100
	DefaultStreamCacheSize        = 10000
)

type Config struct {
	// HashCollisionReadLimit bounds how many records of other streams a
	// single lookup reads before it gives up and reports the event missing.
	HashCollisionReadLimit int
	StreamCacheSize        int
}

func (c Config) withDefaults() Config {
	if c.HashCollisionReadLimit <= 0 {
		c.HashCollisionReadLimit = DefaultHashCollisionReadLimit
	}
	if c.StreamCacheSize <= 0 {
		c.StreamCacheSize = DefaultStreamCacheSize
	}
	return c
}

// EventRecord is a committed event as seen by readers.
type EventRecord struct {
	EventNumber         int64
	LogPosition         int64
	TransactionPosition int64
	EventStreamID       string
	EventID             uuid.UUID
	CorrelationID       uuid.UUID
	TimeStamp           time.Time
	EventType           string
	Flags               logrecord.PrepareFlags
	Data                []byte
	Metadata            []byte
}

func newEventRecord(eventNumber int64, p *logrecord.PrepareRecord) EventRecord {
	return EventRecord{
		EventNumber:         eventNumber,
		LogPosition:         p.LogPosition,
		TransactionPosition: p.TransactionPosition,
		EventStreamID:       p.EventStreamID,
		EventID:             p.EventID,
		CorrelationID:       p.CorrelationID,
		TimeStamp:           p.TimeStamp,
		EventType:           p.EventType,
		Flags:               p.Flags,
		Data:                p.Data,
		Metadata:            p.Metadata,
	}
}

type StreamReadResult struct {
	Result          eventlog.ReadStreamResult
	Events          []EventRecord
	NextEventNumber int64
	LastEventNumber int64
	IsEndOfStream   bool
}

type ReadIndex struct {
	db        *transactionlog.Db
	index     *tableindex.TableIndex
	config    Config
	cache     *streamCache
	committer *IndexCommitter
	logger    logrus.FieldLogger
	now       func() time.Time
}

func New(db *transactionlog.Db, index *tableindex.TableIndex, config Config,
	logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) (*ReadIndex, error) {
	config = config.withDefaults()
	cache, err := newStreamCache(config.StreamCacheSize, metrics)
	if err != nil {
		return nil, err
	}

	ri := &ReadIndex{
		db:     db,
		index:  index,
		config: config,
		cache:  cache,
		logger: logger.WithField("component", "readindex"),
		now:    time.Now,
	}
	ri.committer = newIndexCommitter(db, index, cache, ri.logger)
	return ri, nil
}

func (ri *ReadIndex) Committer() *IndexCommitter {
	return ri.committer
}

// chaser is the exclusive upper bound of what readers may observe.
func (ri *ReadIndex) chaser() int64 {
	return ri.db.Checkpoints().Chaser.ReadNonFlushed()
}

// readPrepare reads the candidate at entry and reports whether it is an
// event of stream. Candidates that were scavenged away do not match.
func (ri *ReadIndex) readPrepare(entry tableindex.IndexEntry, stream string) (*logrecord.PrepareRecord, bool, error) {
	if entry.Position >= ri.chaser() {
		return nil, false, nil
	}

	rec, err := ri.db.ReadAt(entry.Position)
	if errors.Is(err, eventlog.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read index candidate at %d", entry.Position)
	}

	prepare, ok := rec.(*logrecord.PrepareRecord)
	if !ok || prepare.EventStreamID != stream {
		return nil, false, nil
	}
	return prepare, true, nil
}

func (ri *ReadIndex) collisionLimitReached(stream string, version int64) {
	ri.logger.WithFields(logrus.Fields{
		"action":  "read_index_lookup",
		"stream":  stream,
		"version": version,
		"limit":   ri.config.HashCollisionReadLimit,
	}).Warn("hash collision read limit reached")
}

// readEventRaw finds event number version of stream, ignoring metadata and
// deletion.
func (ri *ReadIndex) readEventRaw(ctx context.Context, stream string, version int64) (EventRecord, bool, error) {
	candidates := ri.index.GetRange(stream, version, version, ri.config.HashCollisionReadLimit+1)
	for i, entry := range candidates {
		if err := ctx.Err(); err != nil {
			return EventRecord{}, false, err
		}
		if i == ri.config.HashCollisionReadLimit {
			ri.collisionLimitReached(stream, version)
			break
		}

		prepare, ok, err := ri.readPrepare(entry, stream)
		if err != nil {
			return EventRecord{}, false, err
		}
		if ok {
			return newEventRecord(entry.Version, prepare), true, nil
		}
	}
	return EventRecord{}, false, nil
}

// GetStreamLastEventNumber returns the number of the last event of stream,
// eventlog.NoStream if it has none, or eventlog.DeletedStream once it is
// hard deleted.
func (ri *ReadIndex) GetStreamLastEventNumber(ctx context.Context, stream string) (int64, error) {
	if n, ok := ri.cache.getLastEventNumber(stream); ok {
		return n, nil
	}

	generation := ri.cache.currentGeneration()
	n, err := ri.lastEventNumber(ctx, stream)
	if err != nil {
		return 0, err
	}
	ri.cache.putLastEventNumber(stream, n, generation)
	return n, nil
}

func (ri *ReadIndex) lastEventNumber(ctx context.Context, stream string) (int64, error) {
	latest, ok := ri.index.TryGetLatestEntry(stream)
	if !ok {
		return eventlog.NoStream, nil
	}
	if _, match, err := ri.readPrepare(latest, stream); err != nil {
		return 0, err
	} else if match {
		return latest.Version, nil
	}

	// the newest entry belongs to a colliding stream
	limit := ri.config.HashCollisionReadLimit
	candidates := ri.index.GetRange(stream, 0, math.MaxInt64, limit+1)
	for i, entry := range candidates {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if i == limit {
			ri.collisionLimitReached(stream, -1)
			break
		}
		if entry == latest {
			continue
		}
		_, match, err := ri.readPrepare(entry, stream)
		if err != nil {
			return 0, err
		}
		if match {
			return entry.Version, nil
		}
	}
	return eventlog.NoStream, nil
}

// IsStreamDeleted reports whether stream was hard deleted. The metastream
// of a deleted stream counts as deleted too.
func (ri *ReadIndex) IsStreamDeleted(ctx context.Context, stream string) (bool, error) {
	if eventlog.IsMetaStream(stream) {
		stream = eventlog.OriginalStreamOf(stream)
	}
	last, err := ri.GetStreamLastEventNumber(ctx, stream)
	if err != nil {
		return false, err
	}
	return last == eventlog.DeletedStream, nil
}

// GetStreamMetadata returns the retention rules of stream from the latest
// event of its metastream.
func (ri *ReadIndex) GetStreamMetadata(ctx context.Context, stream string) (StreamMetadata, error) {
	if eventlog.IsMetaStream(stream) {
		return metaStreamMetadata, nil
	}
	if m, ok := ri.cache.getMetadata(stream); ok {
		return m, nil
	}

	generation := ri.cache.currentGeneration()
	m, err := ri.readMetadata(ctx, stream)
	if err != nil {
		return StreamMetadata{}, err
	}
	ri.cache.putMetadata(stream, m, generation)
	return m, nil
}

func (ri *ReadIndex) readMetadata(ctx context.Context, stream string) (StreamMetadata, error) {
	metaStream := eventlog.MetaStreamOf(stream)
	last, err := ri.GetStreamLastEventNumber(ctx, metaStream)
	if err != nil || last == eventlog.NoStream || last == eventlog.DeletedStream {
		return StreamMetadata{}, err
	}

	ev, ok, err := ri.readEventRaw(ctx, metaStream, last)
	if err != nil || !ok {
		return StreamMetadata{}, err
	}

	m, err := ParseStreamMetadata(ev.Data)
	if err != nil {
		ri.logger.WithFields(logrus.Fields{
			"action":   "read_stream_metadata",
			"stream":   stream,
			"position": ev.LogPosition,
		}).WithError(err).Warn("ignoring invalid stream metadata")
		return StreamMetadata{}, nil
	}
	return m, nil
}

// ReadEvent reads event number eventNumber of stream. -1 reads the last
// event.
func (ri *ReadIndex) ReadEvent(ctx context.Context, stream string, eventNumber int64) (eventlog.ReadEventResult, EventRecord, error) {
	last, err := ri.GetStreamLastEventNumber(ctx, stream)
	if err != nil {
		return 0, EventRecord{}, err
	}
	switch last {
	case eventlog.DeletedStream:
		return eventlog.ReadEventStreamDeleted, EventRecord{}, nil
	case eventlog.NoStream:
		return eventlog.ReadEventNoStream, EventRecord{}, nil
	}
	if eventNumber < 0 {
		eventNumber = last
	}

	meta, err := ri.GetStreamMetadata(ctx, stream)
	if err != nil {
		return 0, EventRecord{}, err
	}
	if eventNumber < meta.FirstVisible(last) {
		return eventlog.ReadEventNotFound, EventRecord{}, nil
	}

	ev, ok, err := ri.readEventRaw(ctx, stream, eventNumber)
	if err != nil {
		return 0, EventRecord{}, err
	}
	if !ok || meta.Expired(ev.TimeStamp, ri.now()) {
		return eventlog.ReadEventNotFound, EventRecord{}, nil
	}
	return eventlog.ReadEventSuccess, ev, nil
}

// ReadStreamForward reads up to maxCount events of stream starting at
// fromEventNumber, in increasing event number order.
func (ri *ReadIndex) ReadStreamForward(ctx context.Context, stream string,
	fromEventNumber int64, maxCount int,
) (StreamReadResult, error) {
	if maxCount <= 0 {
		return StreamReadResult{}, errors.Errorf("invalid max count %d", maxCount)
	}
	if fromEventNumber < 0 {
		return StreamReadResult{}, errors.Errorf("invalid start event number %d", fromEventNumber)
	}

	res, last, meta, done, err := ri.prepareStreamRead(ctx, stream)
	if err != nil || done {
		return res, err
	}

	start := fromEventNumber
	if first := meta.FirstVisible(last); start < first {
		start = first
	}
	end := start + int64(maxCount) - 1
	if end > last || end < start {
		end = last
	}

	res.NextEventNumber = end + 1
	res.IsEndOfStream = end >= last
	if start > last {
		res.NextEventNumber = last + 1
		return res, nil
	}

	events, err := ri.readRange(ctx, stream, start, end, meta)
	if err != nil {
		return StreamReadResult{}, err
	}
	res.Events = events
	return res, nil
}

// ReadStreamBackward reads up to maxCount events of stream starting at
// fromEventNumber, -1 meaning the last event, in decreasing order.
func (ri *ReadIndex) ReadStreamBackward(ctx context.Context, stream string,
	fromEventNumber int64, maxCount int,
) (StreamReadResult, error) {
	if maxCount <= 0 {
		return StreamReadResult{}, errors.Errorf("invalid max count %d", maxCount)
	}

	res, last, meta, done, err := ri.prepareStreamRead(ctx, stream)
	if err != nil || done {
		return res, err
	}

	end := fromEventNumber
	if end < 0 || end > last {
		end = last
	}
	first := meta.FirstVisible(last)
	start := end - int64(maxCount) + 1
	if start < first {
		start = first
	}

	res.NextEventNumber = start - 1
	res.IsEndOfStream = start <= first
	if end < first {
		res.NextEventNumber = -1
		res.IsEndOfStream = true
		return res, nil
	}

	events, err := ri.readRange(ctx, stream, start, end, meta)
	if err != nil {
		return StreamReadResult{}, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	res.Events = events
	return res, nil
}

// prepareStreamRead resolves the last event number and metadata of stream.
// done is set when the result is final without reading events.
func (ri *ReadIndex) prepareStreamRead(ctx context.Context, stream string,
) (res StreamReadResult, last int64, meta StreamMetadata, done bool, err error) {
	last, err = ri.GetStreamLastEventNumber(ctx, stream)
	if err != nil {
		return res, 0, meta, true, err
	}
	res.LastEventNumber = last
	switch last {
	case eventlog.NoStream:
		res.Result = eventlog.ReadStreamNoStream
		res.NextEventNumber = -1
		res.IsEndOfStream = true
		return res, last, meta, true, nil
	case eventlog.DeletedStream:
		res.Result = eventlog.ReadStreamDeleted
		res.NextEventNumber = -1
		res.IsEndOfStream = true
		return res, last, meta, true, nil
	}

	meta, err = ri.GetStreamMetadata(ctx, stream)
	if err != nil {
		return res, 0, meta, true, err
	}
	res.Result = eventlog.ReadStreamSuccess
	return res, last, meta, false, nil
}

// readRange returns the visible events of stream between start and end,
// ascending. Entries of colliding streams are skipped; at most
// HashCollisionReadLimit of them are read.
func (ri *ReadIndex) readRange(ctx context.Context, stream string, start, end int64,
	meta StreamMetadata,
) ([]EventRecord, error) {
	entries := ri.index.GetRange(stream, start, end, 0)
	now := ri.now()

	var (
		events     []EventRecord
		mismatches int
		lastFound  = end + 1
	)
	// entries are newest first; the first match per version wins
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.Version >= lastFound {
			continue
		}

		prepare, ok, err := ri.readPrepare(entry, stream)
		if err != nil {
			return nil, err
		}
		if !ok {
			mismatches++
			if mismatches > ri.config.HashCollisionReadLimit {
				ri.collisionLimitReached(stream, entry.Version)
				break
			}
			continue
		}

		lastFound = entry.Version
		ev := newEventRecord(entry.Version, prepare)
		if !meta.Expired(ev.TimeStamp, now) {
			events = append(events, ev)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].EventNumber < events[j].EventNumber
	})
	return events, nil
}
