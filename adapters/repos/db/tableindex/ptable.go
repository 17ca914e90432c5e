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

package tableindex

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/willf/bloom"

	"github.com/weaviate/eventstore/entities/eventlog"
)

const (
	PTableExtension = ".ptable"

	ptableHeaderSize = 128
	ptableFooterSize = 16
	ptableFileType   = 0x02
	midpointSize     = 24
	// every midpointSpacing-th entry and the last entry become midpoints
	midpointSpacing = 256
)

type midpoint struct {
	hash    uint64
	version int64
	index   int64
}

type PTableOptions struct {
	SkipVerify bool
	Logger     logrus.FieldLogger
}

// PTable is an immutable, memory-mapped, sorted index file. Entries are
// ascending by hash, version and position. Readers pin a table with acquire;
// a table marked for destruction is deleted when the last reader releases it.
type PTable struct {
	path     string
	version  Version
	count    int64
	contents mmap.MMap
	file     *os.File
	logger   logrus.FieldLogger

	midpoints []midpoint
	bloom     *bloom.BloomFilter

	refLock              sync.Mutex
	refs                 int
	markedForDestruction bool
	closed               bool
}

// OpenPTable maps the table at path. Unless opts.SkipVerify is set the whole
// file is checked against its checksum first.
func OpenPTable(path string, opts PTableOptions) (*PTable, error) {
	if opts.Logger == nil {
		logger := logrus.New()
		logger.Out = io.Discard
		opts.Logger = logger
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open ptable %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat ptable %s", path)
	}
	if info.Size() < ptableHeaderSize+ptableFooterSize {
		f.Close()
		return nil, errors.Wrapf(eventlog.ErrCorrupt, "ptable %s has %d bytes", path, info.Size())
	}

	contents, err := mmap.MapRegion(f, int(info.Size()), mmap.RDONLY, 0, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mmap ptable %s", path)
	}

	p := &PTable{
		path:     path,
		contents: contents,
		file:     f,
		logger:   opts.Logger,
	}
	if err := p.init(opts.SkipVerify); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *PTable) init(skipVerify bool) error {
	c := p.contents
	if c[0] != ptableFileType {
		return errors.Wrapf(eventlog.ErrCorrupt, "ptable %s has file type %#x", p.path, c[0])
	}
	p.version = Version(c[1])
	if err := p.version.Validate(); err != nil {
		return errors.Wrapf(err, "ptable %s", p.path)
	}
	p.count = int64(binary.LittleEndian.Uint64(c[2:10]))

	footer := c[len(c)-ptableFooterSize:]
	midpointCount := int64(binary.LittleEndian.Uint32(footer[0:4]))
	checksum := binary.LittleEndian.Uint64(footer[8:16])

	expected := ptableHeaderSize + p.count*int64(p.version.entrySize()) +
		midpointCount*midpointSize + ptableFooterSize
	if p.count < 0 || expected != int64(len(c)) {
		return errors.Wrapf(eventlog.ErrCorrupt,
			"ptable %s has %d bytes, header describes %d", p.path, len(c), expected)
	}

	if !skipVerify {
		if actual := xxhash.Sum64(c[:len(c)-8]); actual != checksum {
			return errors.Wrapf(eventlog.ErrCorrupt,
				"ptable %s checksum %x does not match %x", p.path, actual, checksum)
		}
	}

	if p.version == Version4 {
		p.midpoints = make([]midpoint, midpointCount)
		offset := ptableHeaderSize + p.count*int64(p.version.entrySize())
		for i := range p.midpoints {
			b := c[offset+int64(i)*midpointSize:]
			p.midpoints[i] = midpoint{
				hash:    binary.LittleEndian.Uint64(b[0:8]),
				version: int64(binary.LittleEndian.Uint64(b[8:16])),
				index:   int64(binary.LittleEndian.Uint64(b[16:24])),
			}
		}
	} else {
		p.midpoints = computeMidpoints(p.count, p.entryAt)
	}

	filter, err := loadOrCreateBloom(bloomPath(p.path), p.count, p.entryAt, p.logger)
	if err != nil {
		return err
	}
	p.bloom = filter
	return nil
}

func computeMidpoints(count int64, entryAt func(int64) IndexEntry) []midpoint {
	if count == 0 {
		return nil
	}
	var out []midpoint
	for i := int64(0); i < count; i += midpointSpacing {
		e := entryAt(i)
		out = append(out, midpoint{hash: e.Stream, version: e.Version, index: i})
	}
	if last := count - 1; out[len(out)-1].index != last {
		e := entryAt(last)
		out = append(out, midpoint{hash: e.Stream, version: e.Version, index: last})
	}
	return out
}

func (p *PTable) Path() string {
	return p.path
}

// ID is the file name without extension.
func (p *PTable) ID() string {
	return strings.TrimSuffix(filepath.Base(p.path), PTableExtension)
}

func (p *PTable) Version() Version {
	return p.version
}

func (p *PTable) Count() int64 {
	return p.count
}

func (p *PTable) entryAt(i int64) IndexEntry {
	offset := ptableHeaderSize + i*int64(p.version.entrySize())
	b := p.contents[offset:]

	if p.version == Version1 {
		version := int64(int32(binary.LittleEndian.Uint32(b[4:8])))
		if version == math.MaxInt32 {
			version = eventlog.DeletedStream
		}
		return IndexEntry{
			Stream:   uint64(binary.LittleEndian.Uint32(b[0:4])),
			Version:  version,
			Position: int64(binary.LittleEndian.Uint64(b[8:16])),
		}
	}

	return IndexEntry{
		Stream:   binary.LittleEndian.Uint64(b[0:8]),
		Version:  int64(binary.LittleEndian.Uint64(b[8:16])),
		Position: int64(binary.LittleEndian.Uint64(b[16:24])),
	}
}

// search returns the first index for which pred holds. pred must be
// monotonic in the table order; midpoints narrow the range before the binary
// search touches the mapped entries.
func (p *PTable) search(pred func(hash uint64, version int64) bool) int64 {
	lo, hi := int64(0), p.count
	if len(p.midpoints) > 1 {
		mp := p.midpoints
		i := sort.Search(len(mp), func(i int) bool {
			return pred(mp[i].hash, mp[i].version)
		})
		if i > 0 {
			lo = mp[i-1].index + 1
		}
		if i < len(mp) {
			hi = mp[i].index
		}
	}

	n := sort.Search(int(hi-lo), func(i int) bool {
		e := p.entryAt(lo + int64(i))
		return pred(e.Stream, e.Version)
	})
	return lo + int64(n)
}

func (p *PTable) mayContain(hash uint64) bool {
	if p.count == 0 {
		return false
	}
	return p.bloom.Test(bloomKey(hash))
}

func (p *PTable) TryGetOneValue(hash uint64, version int64) (int64, bool) {
	if !p.mayContain(hash) {
		return 0, false
	}
	i := p.search(func(h uint64, v int64) bool {
		return keyCompare(h, v, hash, version) > 0
	}) - 1
	if i < 0 {
		return 0, false
	}
	if e := p.entryAt(i); e.Stream == hash && e.Version == version {
		return e.Position, true
	}
	return 0, false
}

func (p *PTable) TryGetLatestEntry(hash uint64) (IndexEntry, bool) {
	if !p.mayContain(hash) {
		return IndexEntry{}, false
	}
	i := p.search(func(h uint64, v int64) bool { return h > hash }) - 1
	if i < 0 {
		return IndexEntry{}, false
	}
	if e := p.entryAt(i); e.Stream == hash {
		return e, true
	}
	return IndexEntry{}, false
}

func (p *PTable) TryGetOldestEntry(hash uint64) (IndexEntry, bool) {
	if !p.mayContain(hash) {
		return IndexEntry{}, false
	}
	i := p.search(func(h uint64, v int64) bool { return h >= hash })
	if i >= p.count {
		return IndexEntry{}, false
	}
	if e := p.entryAt(i); e.Stream == hash {
		return e, true
	}
	return IndexEntry{}, false
}

func (p *PTable) TryGetNextEntry(hash uint64, afterVersion int64) (IndexEntry, bool) {
	if !p.mayContain(hash) {
		return IndexEntry{}, false
	}
	i := p.search(func(h uint64, v int64) bool {
		return keyCompare(h, v, hash, afterVersion) > 0
	})
	if i >= p.count {
		return IndexEntry{}, false
	}
	if e := p.entryAt(i); e.Stream == hash {
		return e, true
	}
	return IndexEntry{}, false
}

func (p *PTable) TryGetPreviousEntry(hash uint64, beforeVersion int64) (IndexEntry, bool) {
	if !p.mayContain(hash) {
		return IndexEntry{}, false
	}
	i := p.search(func(h uint64, v int64) bool {
		return keyCompare(h, v, hash, beforeVersion) >= 0
	}) - 1
	if i < 0 {
		return IndexEntry{}, false
	}
	if e := p.entryAt(i); e.Stream == hash {
		return e, true
	}
	return IndexEntry{}, false
}

func (p *PTable) GetRange(hash uint64, startVersion, endVersion int64, limit int) []IndexEntry {
	if !p.mayContain(hash) || startVersion > endVersion {
		return nil
	}
	lo := p.search(func(h uint64, v int64) bool {
		return keyCompare(h, v, hash, startVersion) >= 0
	})
	hi := p.search(func(h uint64, v int64) bool {
		return keyCompare(h, v, hash, endVersion) > 0
	})
	if limit <= 0 {
		limit = math.MaxInt
	}

	var out []IndexEntry
	for i := hi - 1; i >= lo && len(out) < limit; i-- {
		out = append(out, p.entryAt(i))
	}
	return out
}

// Iterate calls fn for every entry in table order until fn returns false.
func (p *PTable) Iterate(fn func(IndexEntry) bool) {
	for i := int64(0); i < p.count; i++ {
		if !fn(p.entryAt(i)) {
			return
		}
	}
}

// VerifyChecksum recomputes the file checksum.
func (p *PTable) VerifyChecksum() error {
	c := p.contents
	expected := binary.LittleEndian.Uint64(c[len(c)-8:])
	if actual := xxhash.Sum64(c[:len(c)-8]); actual != expected {
		return errors.Wrapf(eventlog.ErrCorrupt,
			"ptable %s checksum %x does not match %x", p.path, actual, expected)
	}
	return nil
}

func (p *PTable) acquire() bool {
	p.refLock.Lock()
	defer p.refLock.Unlock()

	if p.markedForDestruction || p.closed {
		return false
	}
	p.refs++
	return true
}

func (p *PTable) release() {
	p.refLock.Lock()
	p.refs--
	destroy := p.refs == 0 && p.markedForDestruction
	p.refLock.Unlock()

	if destroy {
		p.destroy()
	}
}

// MarkForDestruction deletes the table and its bloom sidecar once no reader
// pins it anymore.
func (p *PTable) MarkForDestruction() {
	p.refLock.Lock()
	if p.markedForDestruction {
		p.refLock.Unlock()
		return
	}
	p.markedForDestruction = true
	destroy := p.refs == 0
	p.refLock.Unlock()

	if destroy {
		p.destroy()
	}
}

func (p *PTable) destroy() {
	logger := p.logger.WithFields(logrus.Fields{
		"action": "ptable_delete",
		"ptable": p.path,
	})
	if err := p.close(); err != nil {
		logger.WithError(err).Warn("closing superseded ptable")
	}

	for _, path := range []string{p.path, bloomPath(p.path)} {
		path := path
		remove := func() error {
			err := os.Remove(path)
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
		if err := backoff.Retry(remove, policy); err != nil {
			logger.WithError(err).Error("removing superseded ptable")
		}
	}
}

func (p *PTable) Close() error {
	p.refLock.Lock()
	p.closed = true
	p.refLock.Unlock()

	return p.close()
}

func (p *PTable) close() error {
	var err error
	if p.contents != nil {
		err = p.contents.Unmap()
		p.contents = nil
	}
	if p.file != nil {
		if cerr := p.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		p.file = nil
	}
	return errors.Wrapf(err, "close ptable %s", p.path)
}
