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

// Package checkpoint provides durable 64-bit cursors into the transaction
// log. A checkpoint has an in-memory value and a flushed value; only the
// flushed value survives a crash.
package checkpoint

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type Checkpoint interface {
	Name() string
	Write(value int64)
	Flush() error
	// Read returns the last flushed value.
	Read() int64
	ReadNonFlushed() int64
	Close() error
}

const fileSize = 8

type FileCheckpoint struct {
	name string
	path string

	flushLock   sync.Mutex
	file        *os.File
	last        atomic.Int64
	lastFlushed atomic.Int64
}

// OpenFileCheckpoint opens the checkpoint stored at path, creating it with
// initValue if it does not exist yet.
func OpenFileCheckpoint(path, name string, initValue int64) (*FileCheckpoint, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "open checkpoint %s", name)
	}

	c := &FileCheckpoint{name: name, path: path, file: f}

	buf := make([]byte, fileSize)
	n, err := f.ReadAt(buf, 0)
	switch {
	case err == nil && n == fileSize:
		value := int64(binary.LittleEndian.Uint64(buf))
		c.last.Store(value)
		c.lastFlushed.Store(value)
	case errors.Is(err, io.EOF) && n == 0:
		c.last.Store(initValue)
		if err := c.Flush(); err != nil {
			f.Close()
			return nil, err
		}
	case errors.Is(err, io.EOF):
		f.Close()
		return nil, errors.Errorf("checkpoint %s is truncated: %d bytes", name, n)
	default:
		f.Close()
		return nil, errors.Wrapf(err, "read checkpoint %s", name)
	}

	return c, nil
}

func (c *FileCheckpoint) Name() string {
	return c.name
}

func (c *FileCheckpoint) Write(value int64) {
	c.last.Store(value)
}

func (c *FileCheckpoint) Flush() error {
	c.flushLock.Lock()
	defer c.flushLock.Unlock()

	value := c.last.Load()
	if value == c.lastFlushed.Load() && c.file != nil {
		if info, err := c.file.Stat(); err == nil && info.Size() == fileSize {
			return nil
		}
	}

	buf := make([]byte, fileSize)
	binary.LittleEndian.PutUint64(buf, uint64(value))
	if _, err := c.file.WriteAt(buf, 0); err != nil {
		return errors.Wrapf(err, "write checkpoint %s", c.name)
	}
	if err := c.file.Sync(); err != nil {
		return errors.Wrapf(err, "fsync checkpoint %s", c.name)
	}

	c.lastFlushed.Store(value)
	return nil
}

func (c *FileCheckpoint) Read() int64 {
	return c.lastFlushed.Load()
}

func (c *FileCheckpoint) ReadNonFlushed() int64 {
	return c.last.Load()
}

func (c *FileCheckpoint) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}

	c.flushLock.Lock()
	defer c.flushLock.Unlock()
	return c.file.Close()
}

type InMemoryCheckpoint struct {
	name  string
	value atomic.Int64
}

func NewInMemoryCheckpoint(name string, initValue int64) *InMemoryCheckpoint {
	c := &InMemoryCheckpoint{name: name}
	c.value.Store(initValue)
	return c
}

func (c *InMemoryCheckpoint) Name() string          { return c.name }
func (c *InMemoryCheckpoint) Write(value int64)     { c.value.Store(value) }
func (c *InMemoryCheckpoint) Flush() error          { return nil }
func (c *InMemoryCheckpoint) Read() int64           { return c.value.Load() }
func (c *InMemoryCheckpoint) ReadNonFlushed() int64 { return c.value.Load() }
func (c *InMemoryCheckpoint) Close() error          { return nil }

const (
	WriterName      = "writer"
	ChaserName      = "chaser"
	ReplicationName = "replication"
	IndexName       = "index"
	EpochName       = "epoch"
)

// Set holds the checkpoints of one database directory.
type Set struct {
	// last byte written to the log
	Writer Checkpoint
	// last byte that is safe to read
	Chaser      Checkpoint
	Replication Checkpoint
	Index       Checkpoint
	Epoch       Checkpoint
}

func OpenFileSet(dir string) (*Set, error) {
	type checkpointFile struct {
		name string
		init int64
		dst  *Checkpoint
	}

	set := &Set{}
	files := []checkpointFile{
		{WriterName, 0, &set.Writer},
		{ChaserName, 0, &set.Chaser},
		{ReplicationName, -1, &set.Replication},
		{IndexName, -1, &set.Index},
		{EpochName, -1, &set.Epoch},
	}

	for _, s := range files {
		c, err := OpenFileCheckpoint(filepath.Join(dir, s.name+".chk"), s.name, s.init)
		if err != nil {
			set.Close()
			return nil, err
		}
		*s.dst = c
	}

	return set, nil
}

func NewInMemorySet() *Set {
	return &Set{
		Writer:      NewInMemoryCheckpoint(WriterName, 0),
		Chaser:      NewInMemoryCheckpoint(ChaserName, 0),
		Replication: NewInMemoryCheckpoint(ReplicationName, -1),
		Index:       NewInMemoryCheckpoint(IndexName, -1),
		Epoch:       NewInMemoryCheckpoint(EpochName, -1),
	}
}

func (s *Set) all() []Checkpoint {
	return []Checkpoint{s.Writer, s.Chaser, s.Replication, s.Index, s.Epoch}
}

func (s *Set) Flush() error {
	var result *multierror.Error
	for _, c := range s.all() {
		if c == nil {
			continue
		}
		if err := c.Flush(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *Set) Close() error {
	var result *multierror.Error
	for _, c := range s.all() {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
