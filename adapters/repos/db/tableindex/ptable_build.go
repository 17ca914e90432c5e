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
	"bufio"
	"container/heap"
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/willf/bloom"

	"github.com/weaviate/eventstore/entities/diskio"
	"github.com/weaviate/eventstore/entities/eventlog"
)

// ptableWriter streams sorted entries into <path>.tmp and renames the file
// into place once the checksum is written.
type ptableWriter struct {
	path    string
	tmpPath string
	version Version

	f         *os.File
	w         *bufio.Writer
	count     int64
	last      IndexEntry
	midpoints []midpoint
	filter    *bloom.BloomFilter
	buf       []byte

	closed  bool
	renamed bool
}

func newPTableWriter(path string, version Version, expected int64) (*ptableWriter, error) {
	if err := version.Validate(); err != nil {
		return nil, err
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, errors.Wrapf(err, "create ptable %s", tmpPath)
	}

	w := &ptableWriter{
		path:    path,
		tmpPath: tmpPath,
		version: version,
		f:       f,
		w:       bufio.NewWriterSize(f, 256*1024),
		filter:  newBloom(expected),
		buf:     make([]byte, 0, 24),
	}
	// the header is rewritten with the final count in finish
	if _, err := w.w.Write(make([]byte, ptableHeaderSize)); err != nil {
		w.abort()
		return nil, errors.Wrapf(err, "write ptable %s", tmpPath)
	}
	return w, nil
}

// add appends e, which must not sort before the previous entry. Exact
// duplicates are dropped.
func (w *ptableWriter) add(e IndexEntry) error {
	if w.count > 0 {
		switch c := e.compare(w.last); {
		case c == 0:
			return nil
		case c < 0:
			return errors.Errorf("ptable entry %s sorts before %s", e, w.last)
		}
	}

	buf := w.buf[:0]
	if w.version == Version1 {
		if e.Stream > math.MaxUint32 {
			return errors.Errorf("hash %x does not fit a version 1 index", e.Stream)
		}
		version := e.Version
		if version == eventlog.DeletedStream {
			version = math.MaxInt32
		} else if version >= math.MaxInt32 || version < math.MinInt32 {
			return errors.Errorf("event number %d does not fit a version 1 index", version)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Stream))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(version)))
	} else {
		buf = binary.LittleEndian.AppendUint64(buf, e.Stream)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Version))
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Position))

	if _, err := w.w.Write(buf); err != nil {
		return errors.Wrapf(err, "write ptable %s", w.tmpPath)
	}

	if w.count%midpointSpacing == 0 {
		w.midpoints = append(w.midpoints, midpoint{hash: e.Stream, version: e.Version, index: w.count})
	}
	w.filter.Add(bloomKey(e.Stream))
	w.last = e
	w.count++
	return nil
}

func (w *ptableWriter) finish() error {
	if w.count > 0 && w.midpoints[len(w.midpoints)-1].index != w.count-1 {
		w.midpoints = append(w.midpoints, midpoint{
			hash: w.last.Stream, version: w.last.Version, index: w.count - 1,
		})
	}

	// version 1 tables compute their midpoints when they are opened
	var midpointCount uint32
	if w.version == Version4 {
		midpointCount = uint32(len(w.midpoints))
		for _, m := range w.midpoints {
			buf := w.buf[:0]
			buf = binary.LittleEndian.AppendUint64(buf, m.hash)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(m.version))
			buf = binary.LittleEndian.AppendUint64(buf, uint64(m.index))
			if _, err := w.w.Write(buf); err != nil {
				return errors.Wrapf(err, "write ptable %s", w.tmpPath)
			}
		}
	}

	footer := make([]byte, ptableFooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], midpointCount)
	if _, err := w.w.Write(footer); err != nil {
		return errors.Wrapf(err, "write ptable %s", w.tmpPath)
	}
	if err := w.w.Flush(); err != nil {
		return errors.Wrapf(err, "flush ptable %s", w.tmpPath)
	}

	header := make([]byte, ptableHeaderSize)
	header[0] = ptableFileType
	header[1] = byte(w.version)
	binary.LittleEndian.PutUint64(header[2:10], uint64(w.count))
	if _, err := w.f.WriteAt(header, 0); err != nil {
		return errors.Wrapf(err, "write ptable header %s", w.tmpPath)
	}

	size := ptableHeaderSize + w.count*int64(w.version.entrySize()) +
		int64(midpointCount)*midpointSize + ptableFooterSize
	digest := xxhash.New()
	if _, err := io.Copy(digest, io.NewSectionReader(w.f, 0, size-8)); err != nil {
		return errors.Wrapf(err, "checksum ptable %s", w.tmpPath)
	}
	checksum := binary.LittleEndian.AppendUint64(nil, digest.Sum64())
	if _, err := w.f.WriteAt(checksum, size-8); err != nil {
		return errors.Wrapf(err, "write ptable checksum %s", w.tmpPath)
	}

	if err := w.f.Sync(); err != nil {
		return errors.Wrapf(err, "fsync ptable %s", w.tmpPath)
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		return errors.Wrapf(err, "close ptable %s", w.tmpPath)
	}
	// the sidecar exists before the table becomes visible under its name
	if err := writeBloom(bloomPath(w.path), w.filter); err != nil {
		return err
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return errors.Wrapf(err, "rename ptable %s", w.tmpPath)
	}
	w.renamed = true
	if err := diskio.Fsync(filepath.Dir(w.path)); err != nil {
		return errors.Wrap(err, "fsync index directory")
	}
	return nil
}

// abort removes whatever finish left behind, the renamed table included.
func (w *ptableWriter) abort() {
	if !w.closed {
		w.f.Close()
		w.closed = true
	}
	if w.renamed {
		os.Remove(w.path)
	} else {
		os.Remove(w.tmpPath)
	}
	os.Remove(bloomPath(w.path))
}

// FromMemTable writes the entries of mt to a new table at path.
func FromMemTable(mt *MemTable, path string, version Version, opts PTableOptions) (*PTable, error) {
	entries := mt.IterateAllInOrder()

	w, err := newPTableWriter(path, version, int64(len(entries)))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := w.add(e); err != nil {
			w.abort()
			return nil, err
		}
	}
	if err := w.finish(); err != nil {
		w.abort()
		return nil, err
	}

	return OpenPTable(path, opts)
}

type ptableCursor struct {
	table *PTable
	pos   int64
	cur   IndexEntry
}

type cursorHeap []*ptableCursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	return h[i].cur.compare(h[j].cur) < 0
}

func (h cursorHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *cursorHeap) Push(x any) {
	*h = append(*h, x.(*ptableCursor))
}

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// MergeTo k-way merges tables into a new table at path. Entries present in
// several inputs are written once. Entries for which shouldKeep returns false
// are dropped; a nil shouldKeep keeps everything.
func MergeTo(ctx context.Context, tables []*PTable, path string, version Version,
	shouldKeep func(IndexEntry) bool, opts PTableOptions,
) (*PTable, error) {
	var expected int64
	h := &cursorHeap{}
	for _, t := range tables {
		expected += t.count
		if t.count > 0 {
			heap.Push(h, &ptableCursor{table: t, cur: t.entryAt(0)})
		}
	}

	w, err := newPTableWriter(path, version, expected)
	if err != nil {
		return nil, err
	}

	for n := 0; h.Len() > 0; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				w.abort()
				return nil, err
			}
		}

		c := (*h)[0]
		if shouldKeep == nil || shouldKeep(c.cur) {
			if err := w.add(c.cur); err != nil {
				w.abort()
				return nil, err
			}
		}

		c.pos++
		if c.pos < c.table.count {
			c.cur = c.table.entryAt(c.pos)
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}
	}

	if err := w.finish(); err != nil {
		w.abort()
		return nil, err
	}
	return OpenPTable(path, opts)
}

// Scavenged rewrites the table to path without the entries for which
// shouldKeep returns false. It reports how many entries were dropped.
func (p *PTable) Scavenged(ctx context.Context, path string,
	shouldKeep func(IndexEntry) bool, opts PTableOptions,
) (*PTable, int64, error) {
	out, err := MergeTo(ctx, []*PTable{p}, path, p.version, shouldKeep, opts)
	if err != nil {
		return nil, 0, err
	}
	return out, p.count - out.count, nil
}
