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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
	"github.com/weaviate/eventstore/usecases/monitoring"
)

// A record frame is: int32 length | payload | uint64 xxhash(payload) |
// int32 length. The trailing length allows reading backwards.
const frameOverhead = 4 + 8 + 4

const writeBufferSize = 64 * 1024

type AppendResult struct {
	OldPosition int64
	NewPosition int64
	Success     bool
}

// RecordResult is a record together with the position to continue reading
// from in the same direction.
type RecordResult struct {
	Record       logrecord.Record
	NextPosition int64
}

type ChunkOptions struct {
	Transforms Transforms
	Logger     logrus.FieldLogger
	Metrics    *monitoring.PrometheusMetrics
}

func (o ChunkOptions) withDefaults() ChunkOptions {
	if o.Transforms == nil {
		o.Transforms = DefaultTransforms()
	}
	if o.Logger == nil {
		logger := logrus.New()
		logger.Out = io.Discard
		o.Logger = logger
	}
	return o
}

// Chunk is one physical file of the transaction log. It is either ongoing,
// appended to by a single writer and read through positional file reads, or
// completed, in which case it is immutable and memory-mapped.
//
// Readers pin a chunk with acquire and unpin it with Release. A chunk that
// has been superseded by a scavenged replacement is removed from disk once
// the last reader released it.
type Chunk struct {
	path      string
	header    ChunkHeader
	transform Transform
	logger    logrus.FieldLogger
	metrics   *monitoring.PrometheusMetrics

	// dataLock guards the switch from file reads to the mapped contents
	dataLock sync.RWMutex
	file     *os.File
	contents mmap.MMap
	footer   *ChunkFooter
	posMap   []posMapEntry

	// only touched by the single writer
	writer     *bufio.Writer
	digest     *xxhash.Digest
	writePos   int64
	pendingMap []posMapEntry

	// physical data bytes visible to readers
	readable atomic.Int64

	refLock           sync.Mutex
	refs              int
	markedForDeletion bool
	closed            bool
}

func CreateNewChunk(path string, chunkSize, chunkNumber int32,
	transform TransformType, opts ChunkOptions,
) (*Chunk, error) {
	header := newChunkHeader(chunkSize, chunkNumber, chunkNumber, false, transform)
	return createChunk(path, header, opts)
}

// CreateScavengedChunk creates the output file of a chunk rewrite covering
// the logical chunks start to end. Records keep their original positions;
// the position map translates them on read.
func CreateScavengedChunk(path string, chunkSize, start, end int32,
	transform TransformType, opts ChunkOptions,
) (*Chunk, error) {
	header := newChunkHeader(chunkSize, start, end, true, transform)
	return createChunk(path, header, opts)
}

func createChunk(path string, header ChunkHeader, opts ChunkOptions) (*Chunk, error) {
	opts = opts.withDefaults()
	transform, err := opts.Transforms.Get(header.Transform)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "create chunk %s", path)
	}

	c := &Chunk{
		path:      path,
		header:    header,
		transform: transform,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		file:      f,
		writer:    bufio.NewWriterSize(f, writeBufferSize),
		digest:    xxhash.New(),
	}

	if err := c.write(header.Marshal()); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "write header of chunk %s", path)
	}
	if err := c.Flush(); err != nil {
		f.Close()
		return nil, err
	}

	return c, nil
}

// OpenCompletedChunk maps a sealed chunk file. With verifyHash the whole file
// is checked against the digest stored in its footer.
func OpenCompletedChunk(path string, verifyHash bool, opts ChunkOptions) (*Chunk, error) {
	opts = opts.withDefaults()

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open chunk %s", path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat chunk %s", path)
	}
	if info.Size() < ChunkHeaderSize+ChunkFooterSize {
		f.Close()
		return nil, errors.Wrapf(eventlog.ErrCorrupt,
			"chunk %s is too small to be completed: %d bytes", path, info.Size())
	}

	contents, err := mmap.MapRegion(f, int(info.Size()), mmap.RDONLY, 0, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mmap chunk %s", path)
	}

	c, err := newCompletedChunk(path, f, contents, opts)
	if err != nil {
		contents.Unmap()
		f.Close()
		return nil, err
	}

	if verifyHash {
		if err := c.VerifyFileHash(); err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

func newCompletedChunk(path string, f *os.File, contents mmap.MMap,
	opts ChunkOptions,
) (*Chunk, error) {
	header, err := ParseChunkHeader(contents[:ChunkHeaderSize])
	if err != nil {
		return nil, errors.Wrapf(err, "chunk %s", path)
	}
	footer, err := ParseChunkFooter(contents[len(contents)-ChunkFooterSize:])
	if err != nil {
		return nil, errors.Wrapf(err, "chunk %s", path)
	}
	if !footer.Completed {
		return nil, errors.Wrapf(eventlog.ErrCorrupt, "chunk %s is not completed", path)
	}

	expected := int64(ChunkHeaderSize) + int64(footer.PhysicalDataSize) +
		int64(footer.MapSize) + ChunkFooterSize
	if expected != int64(len(contents)) {
		return nil, errors.Wrapf(eventlog.ErrCorrupt,
			"chunk %s has %d bytes, footer describes %d", path, len(contents), expected)
	}

	transform, err := opts.Transforms.Get(header.Transform)
	if err != nil {
		return nil, err
	}

	c := &Chunk{
		path:      path,
		header:    header,
		transform: transform,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		file:      f,
		contents:  contents,
		footer:    &footer,
		writePos:  int64(footer.PhysicalDataSize),
	}
	if header.IsScavenged {
		mapStart := ChunkHeaderSize + int(footer.PhysicalDataSize)
		c.posMap = parsePosMap(contents[mapStart : mapStart+int(footer.MapSize)])
	}
	c.readable.Store(int64(footer.PhysicalDataSize))

	return c, nil
}

// OpenOngoingChunk reopens the chunk the writer checkpoint points into.
// Everything past the checkpoint, including a footer written by a completion
// that never reached the checkpoint, is truncated away.
func OpenOngoingChunk(path string, writerPosition int64, opts ChunkOptions) (*Chunk, error) {
	opts = opts.withDefaults()

	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "open chunk %s", path)
	}

	c, err := newOngoingChunk(path, f, writerPosition, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func newOngoingChunk(path string, f *os.File, writerPosition int64,
	opts ChunkOptions,
) (*Chunk, error) {
	headerBytes := make([]byte, ChunkHeaderSize)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		return nil, errors.Wrapf(eventlog.ErrCorrupt, "read header of chunk %s: %v", path, err)
	}
	header, err := ParseChunkHeader(headerBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "chunk %s", path)
	}
	if header.IsScavenged {
		return nil, errors.Wrapf(eventlog.ErrCheckpointDivergence,
			"writer checkpoint %d points into scavenged chunk %s", writerPosition, path)
	}

	dataSize := writerPosition - header.StartPosition()
	if dataSize < 0 || dataSize > int64(header.ChunkSize) {
		return nil, errors.Wrapf(eventlog.ErrCheckpointDivergence,
			"writer checkpoint %d is outside of chunk %s", writerPosition, path)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat chunk %s", path)
	}
	fileSize := ChunkHeaderSize + dataSize
	if info.Size() < fileSize {
		return nil, errors.Wrapf(eventlog.ErrCheckpointDivergence,
			"chunk %s holds %d bytes, writer checkpoint %d requires %d",
			path, info.Size(), writerPosition, fileSize)
	}
	if info.Size() > fileSize {
		opts.Logger.WithFields(logrus.Fields{
			"action":   "chunk_truncate",
			"chunk":    path,
			"position": writerPosition,
			"bytes":    info.Size() - fileSize,
		}).Warn("truncating chunk to writer checkpoint")
		if err := f.Truncate(fileSize); err != nil {
			return nil, errors.Wrapf(err, "truncate chunk %s", path)
		}
		if err := f.Sync(); err != nil {
			return nil, errors.Wrapf(err, "fsync chunk %s", path)
		}
	}

	digest := xxhash.New()
	if _, err := io.Copy(digest, io.NewSectionReader(f, 0, fileSize)); err != nil {
		return nil, errors.Wrapf(err, "hash chunk %s", path)
	}
	if _, err := f.Seek(fileSize, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "seek chunk %s", path)
	}

	transform, err := opts.Transforms.Get(header.Transform)
	if err != nil {
		return nil, err
	}

	c := &Chunk{
		path:      path,
		header:    header,
		transform: transform,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		file:      f,
		writer:    bufio.NewWriterSize(f, writeBufferSize),
		digest:    digest,
		writePos:  dataSize,
	}
	c.readable.Store(dataSize)

	return c, nil
}

func (c *Chunk) Path() string {
	return c.path
}

func (c *Chunk) Header() ChunkHeader {
	return c.header
}

func (c *Chunk) Footer() (ChunkFooter, bool) {
	c.dataLock.RLock()
	defer c.dataLock.RUnlock()

	if c.footer == nil {
		return ChunkFooter{}, false
	}
	return *c.footer, true
}

func (c *Chunk) IsCompleted() bool {
	c.dataLock.RLock()
	defer c.dataLock.RUnlock()

	return c.footer != nil
}

// PhysicalDataSize is the number of data bytes readers can see.
func (c *Chunk) PhysicalDataSize() int64 {
	return c.readable.Load()
}

func (c *Chunk) LogicalDataSize() int64 {
	if footer, ok := c.Footer(); ok {
		return footer.LogicalDataSize
	}
	return c.readable.Load()
}

func (c *Chunk) String() string {
	return fmt.Sprintf("#%d-%d (%s)", c.header.ChunkStartNumber,
		c.header.ChunkEndNumber, c.path)
}

// TryAppend appends rec to an ongoing chunk. Success is false if the record
// does not fit into the remaining space, in which case nothing is written.
func (c *Chunk) TryAppend(rec logrecord.Record) (AppendResult, error) {
	if c.writer == nil {
		return AppendResult{}, eventlog.ErrChunkCompleted
	}

	start := c.header.StartPosition()
	oldPos := start + c.writePos

	frame, err := c.frame(rec)
	if err != nil {
		return AppendResult{}, err
	}
	size := int64(len(frame))

	if c.header.IsScavenged {
		if c.writePos+size > math.MaxInt32 {
			return AppendResult{}, errors.Wrapf(eventlog.ErrChunkFull,
				"scavenged chunk %s exceeds the addressable size", c.path)
		}
		c.pendingMap = append(c.pendingMap, posMapEntry{
			Logical:  rec.Position() - start,
			Physical: int32(c.writePos),
		})
	} else {
		if rec.Position() != oldPos {
			return AppendResult{}, errors.Errorf(
				"record position %d does not match chunk write position %d",
				rec.Position(), oldPos)
		}
		if size > int64(c.header.ChunkSize) {
			return AppendResult{}, errors.Wrapf(eventlog.ErrRecordTooLarge,
				"record of %d bytes at %d, chunk size %d", size, oldPos, c.header.ChunkSize)
		}
		if c.writePos+size > int64(c.header.ChunkSize) {
			return AppendResult{OldPosition: oldPos, NewPosition: oldPos}, nil
		}
	}

	if err := c.write(frame); err != nil {
		return AppendResult{}, errors.Wrapf(err, "append to chunk %s", c.path)
	}
	c.writePos += size
	c.metrics.AddBytesWritten(len(frame))

	return AppendResult{
		OldPosition: oldPos,
		NewPosition: start + c.writePos,
		Success:     true,
	}, nil
}

func (c *Chunk) frame(rec logrecord.Record) ([]byte, error) {
	raw, err := logrecord.Encode(rec)
	if err != nil {
		return nil, err
	}
	payload := c.transform.Encode(raw)

	buf := make([]byte, 0, len(payload)+frameOverhead)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(payload))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	return buf, nil
}

func (c *Chunk) write(b []byte) error {
	if _, err := c.writer.Write(b); err != nil {
		return err
	}
	c.digest.Write(b)
	return nil
}

// Flush makes all appended records durable and visible to readers.
func (c *Chunk) Flush() error {
	if c.writer == nil {
		return nil
	}
	if err := c.writer.Flush(); err != nil {
		return errors.Wrapf(err, "flush chunk %s", c.path)
	}
	if err := c.file.Sync(); err != nil {
		return errors.Wrapf(err, "fsync chunk %s", c.path)
	}
	c.readable.Store(c.writePos)
	return nil
}

// Complete seals an ongoing chunk with its footer and switches readers to
// the memory-mapped file.
func (c *Chunk) Complete() error {
	if c.header.IsScavenged {
		return errors.Errorf("scavenged chunk %s must be completed with CompleteScavenge", c.path)
	}
	return c.complete(nil, c.writePos)
}

// CompleteScavenge seals a scavenged chunk. Its logical size always spans
// all logical chunks it replaces.
func (c *Chunk) CompleteScavenge() error {
	if !c.header.IsScavenged {
		return errors.Errorf("chunk %s is not a scavenged chunk", c.path)
	}
	return c.complete(c.pendingMap, c.header.EndPosition()-c.header.StartPosition())
}

func (c *Chunk) complete(posMap []posMapEntry, logicalSize int64) error {
	if c.writer == nil {
		return errors.Wrapf(eventlog.ErrChunkCompleted, "chunk %s", c.path)
	}

	mapBytes := make([]byte, 0, len(posMap)*posMapEntrySize)
	for _, entry := range posMap {
		mapBytes = entry.appendTo(mapBytes)
	}
	if err := c.write(mapBytes); err != nil {
		return errors.Wrapf(err, "write position map of chunk %s", c.path)
	}

	footer := ChunkFooter{
		Completed:        true,
		MapIsTwelveBytes: true,
		PhysicalDataSize: int32(c.writePos),
		LogicalDataSize:  logicalSize,
		MapSize:          int32(len(mapBytes)),
		Hash:             c.digest.Sum64(),
	}
	if _, err := c.writer.Write(footer.Marshal()); err != nil {
		return errors.Wrapf(err, "write footer of chunk %s", c.path)
	}
	if err := c.writer.Flush(); err != nil {
		return errors.Wrapf(err, "flush chunk %s", c.path)
	}
	if err := c.file.Sync(); err != nil {
		return errors.Wrapf(err, "fsync chunk %s", c.path)
	}

	contents, err := mmap.Map(c.file, mmap.RDONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "mmap chunk %s", c.path)
	}

	c.dataLock.Lock()
	c.contents = contents
	c.footer = &footer
	c.posMap = posMap
	c.dataLock.Unlock()

	c.writer = nil
	c.digest = nil
	c.pendingMap = nil
	c.readable.Store(c.writePos)

	return nil
}

// VerifyFileHash recomputes the digest of a completed chunk and compares it
// with the footer.
func (c *Chunk) VerifyFileHash() error {
	c.dataLock.RLock()
	defer c.dataLock.RUnlock()

	if c.footer == nil {
		return errors.Errorf("chunk %s is not completed", c.path)
	}
	end := ChunkHeaderSize + int(c.footer.PhysicalDataSize) + int(c.footer.MapSize)
	if actual := xxhash.Sum64(c.contents[:end]); actual != c.footer.Hash {
		return c.corrupt(-1, "chunk hash %x does not match footer %x", actual, c.footer.Hash)
	}
	return nil
}

// TryReadAt reads the record starting exactly at the global log position pos.
// ErrNotFound means no record starts there, for example because it has been
// scavenged away.
func (c *Chunk) TryReadAt(pos int64) (logrecord.Record, error) {
	phys, ok := c.physicalOffset(pos)
	if !ok {
		return nil, eventlog.ErrNotFound
	}

	rec, _, err := c.readFrameAt(phys, pos)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Chunk) TryReadFirst() (RecordResult, error) {
	return c.TryReadClosestForward(c.header.StartPosition())
}

// TryReadClosestForward reads the first record at or after pos.
func (c *Chunk) TryReadClosestForward(pos int64) (RecordResult, error) {
	start := c.header.StartPosition()
	rel := pos - start
	if rel < 0 {
		rel = 0
	}

	if !c.header.IsScavenged {
		rec, n, err := c.readFrameAt(rel, start+rel)
		if err != nil {
			return RecordResult{}, err
		}
		return RecordResult{Record: rec, NextPosition: start + rel + n}, nil
	}

	i := sort.Search(len(c.posMap), func(i int) bool {
		return c.posMap[i].Logical >= rel
	})
	if i == len(c.posMap) {
		return RecordResult{}, eventlog.ErrNotFound
	}

	entry := c.posMap[i]
	rec, _, err := c.readFrameAt(int64(entry.Physical), start+entry.Logical)
	if err != nil {
		return RecordResult{}, err
	}

	next := c.header.EndPosition()
	if i+1 < len(c.posMap) {
		next = start + c.posMap[i+1].Logical
	}
	return RecordResult{Record: rec, NextPosition: next}, nil
}

// TryReadClosestBackward reads the last record that starts before pos. The
// returned NextPosition is the position of that record.
func (c *Chunk) TryReadClosestBackward(pos int64) (RecordResult, error) {
	start := c.header.StartPosition()
	rel := pos - start

	if !c.header.IsScavenged {
		if limit := c.readable.Load(); rel > limit {
			rel = limit
		}
		if rel < frameOverhead {
			return RecordResult{}, eventlog.ErrNotFound
		}

		var suffix [4]byte
		if err := c.readData(suffix[:], rel-4); err != nil {
			return RecordResult{}, err
		}
		frameStart := rel - int64(binary.LittleEndian.Uint32(suffix[:])) - frameOverhead
		if frameStart < 0 {
			return RecordResult{}, c.corrupt(rel, "record suffix points before chunk start")
		}

		rec, _, err := c.readFrameAt(frameStart, start+frameStart)
		if err != nil {
			return RecordResult{}, err
		}
		return RecordResult{Record: rec, NextPosition: start + frameStart}, nil
	}

	i := sort.Search(len(c.posMap), func(i int) bool {
		return c.posMap[i].Logical >= rel
	}) - 1
	if i < 0 {
		return RecordResult{}, eventlog.ErrNotFound
	}

	entry := c.posMap[i]
	rec, _, err := c.readFrameAt(int64(entry.Physical), start+entry.Logical)
	if err != nil {
		return RecordResult{}, err
	}
	return RecordResult{Record: rec, NextPosition: start + entry.Logical}, nil
}

func (c *Chunk) TryReadLast() (RecordResult, error) {
	return c.TryReadClosestBackward(math.MaxInt64)
}

// ExistsAt reports whether a record may start at pos. For scavenged chunks
// this is exact.
func (c *Chunk) ExistsAt(pos int64) bool {
	phys, ok := c.physicalOffset(pos)
	if !ok {
		return false
	}
	return c.header.IsScavenged || phys < c.readable.Load()
}

// ReadRawBytes copies file bytes starting at offset, header included. It
// never returns bytes that are not yet flushed.
func (c *Chunk) ReadRawBytes(offset int64, buf []byte) (int, error) {
	c.dataLock.RLock()
	defer c.dataLock.RUnlock()

	if c.contents != nil {
		if offset >= int64(len(c.contents)) {
			return 0, io.EOF
		}
		return copy(buf, c.contents[offset:]), nil
	}
	if c.file == nil {
		return 0, errors.Errorf("chunk %s is closed", c.path)
	}

	limit := ChunkHeaderSize + c.readable.Load()
	if offset >= limit {
		return 0, io.EOF
	}
	if remaining := limit - offset; int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	return c.file.ReadAt(buf, offset)
}

func (c *Chunk) physicalOffset(pos int64) (int64, bool) {
	rel := pos - c.header.StartPosition()
	if rel < 0 || pos >= c.header.EndPosition() {
		return 0, false
	}
	if !c.header.IsScavenged {
		return rel, true
	}

	i := sort.Search(len(c.posMap), func(i int) bool {
		return c.posMap[i].Logical >= rel
	})
	if i < len(c.posMap) && c.posMap[i].Logical == rel {
		return int64(c.posMap[i].Physical), true
	}
	return 0, false
}

// readFrameAt decodes the frame at the physical data offset phys and checks
// that the record claims the expected global position.
func (c *Chunk) readFrameAt(phys, expectedPos int64) (logrecord.Record, int64, error) {
	limit := c.readable.Load()
	if phys < 0 || phys+frameOverhead > limit {
		return nil, 0, eventlog.ErrNotFound
	}

	var prefix [4]byte
	if err := c.readData(prefix[:], phys); err != nil {
		return nil, 0, err
	}
	length := int64(binary.LittleEndian.Uint32(prefix[:]))
	if length == 0 || phys+length+frameOverhead > limit {
		return nil, 0, c.corrupt(phys, "record length %d exceeds chunk data", length)
	}

	rest := make([]byte, length+12)
	if err := c.readData(rest, phys+4); err != nil {
		return nil, 0, err
	}
	payload := rest[:length]
	checksum := binary.LittleEndian.Uint64(rest[length : length+8])
	suffix := int64(binary.LittleEndian.Uint32(rest[length+8:]))

	if suffix != length {
		return nil, 0, c.corrupt(phys, "record length prefix %d and suffix %d differ", length, suffix)
	}
	if xxhash.Sum64(payload) != checksum {
		return nil, 0, c.corrupt(phys, "record checksum mismatch")
	}

	raw, err := c.transform.Decode(payload)
	if err != nil {
		return nil, 0, c.corrupt(phys, "decode %s transform: %v", c.transform.Type(), err)
	}
	rec, err := logrecord.Decode(raw)
	if err != nil {
		return nil, 0, c.corrupt(phys, "%v", err)
	}
	if rec.Position() != expectedPos {
		return nil, 0, c.corrupt(phys, "record claims position %d, expected %d",
			rec.Position(), expectedPos)
	}

	return rec, length + frameOverhead, nil
}

func (c *Chunk) readData(buf []byte, offset int64) error {
	c.dataLock.RLock()
	defer c.dataLock.RUnlock()

	if c.contents != nil {
		if copy(buf, c.contents[ChunkHeaderSize+offset:]) != len(buf) {
			return c.corrupt(offset, "unexpected end of chunk data")
		}
		return nil
	}
	if c.file == nil {
		return errors.Errorf("chunk %s is closed", c.path)
	}
	if _, err := c.file.ReadAt(buf, ChunkHeaderSize+offset); err != nil {
		return errors.Wrapf(err, "read chunk %s at %d", c.path, offset)
	}
	return nil
}

func (c *Chunk) corrupt(phys int64, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	c.logger.WithFields(logrus.Fields{
		"action":   "chunk_read",
		"chunk":    c.path,
		"position": c.header.StartPosition() + phys,
	}).Error(msg)
	c.metrics.ChunkCorrupted()

	return errors.Wrapf(eventlog.ErrCorrupt, "chunk %s at offset %d: %s", c.path, phys, msg)
}

func (c *Chunk) acquire() bool {
	c.refLock.Lock()
	defer c.refLock.Unlock()

	if c.markedForDeletion || c.closed {
		return false
	}
	c.refs++
	return true
}

// Release unpins a chunk returned by one of the acquiring lookups of the
// ChunkManager.
func (c *Chunk) Release() {
	c.refLock.Lock()
	c.refs--
	destroy := c.refs == 0 && c.markedForDeletion
	c.refLock.Unlock()

	if destroy {
		c.destroy()
	}
}

// MarkForDeletion rejects new readers and removes the file as soon as the
// last current reader released the chunk.
func (c *Chunk) MarkForDeletion() {
	c.refLock.Lock()
	if c.markedForDeletion {
		c.refLock.Unlock()
		return
	}
	c.markedForDeletion = true
	destroy := c.refs == 0
	c.refLock.Unlock()

	if destroy {
		c.destroy()
	}
}

func (c *Chunk) destroy() {
	logger := c.logger.WithFields(logrus.Fields{
		"action": "chunk_delete",
		"chunk":  c.path,
	})

	if err := c.close(); err != nil {
		logger.WithError(err).Warn("closing superseded chunk")
	}

	remove := func() error {
		err := os.Remove(c.path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(remove, policy); err != nil {
		logger.WithError(err).Error("removing superseded chunk")
		return
	}

	c.metrics.ChunkDeleted()
	logger.Debug("removed superseded chunk")
}

// Close releases the file handle and mapping without deleting the file.
func (c *Chunk) Close() error {
	c.refLock.Lock()
	c.closed = true
	c.refLock.Unlock()

	return c.close()
}

func (c *Chunk) close() error {
	c.dataLock.Lock()
	defer c.dataLock.Unlock()

	var err error
	if c.writer != nil {
		if ferr := c.writer.Flush(); ferr != nil {
			err = errors.Wrapf(ferr, "flush chunk %s", c.path)
		}
	}
	if c.contents != nil {
		if uerr := c.contents.Unmap(); uerr != nil && err == nil {
			err = errors.Wrapf(uerr, "unmap chunk %s", c.path)
		}
		c.contents = nil
	}
	if c.file != nil {
		if cerr := c.file.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "close chunk %s", c.path)
		}
		c.file = nil
	}
	return err
}
