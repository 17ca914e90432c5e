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
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/entities/diskio"
	"github.com/weaviate/eventstore/entities/eventlog"
)

const maxAcquireAttempts = 16

// ChunkManager owns the chunks of one log. Slots are indexed by logical
// chunk number; a merged chunk occupies all slots it covers.
type ChunkManager struct {
	dir       string
	chunkSize int32
	transform TransformType
	opts      ChunkOptions
	logger    logrus.FieldLogger

	lock   sync.RWMutex
	chunks []*Chunk
}

func newChunkManager(dir string, chunkSize int32, transform TransformType,
	opts ChunkOptions,
) *ChunkManager {
	return &ChunkManager{
		dir:       dir,
		chunkSize: chunkSize,
		transform: transform,
		opts:      opts,
		logger:    opts.Logger,
	}
}

func (m *ChunkManager) ChunkSize() int32 {
	return m.chunkSize
}

// AddNewChunk creates the next ongoing chunk right after the last one.
func (m *ChunkManager) AddNewChunk() (*Chunk, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	number := int32(len(m.chunks))
	path := filepath.Join(m.dir, ChunkFileName(int(number), 0))
	chunk, err := CreateNewChunk(path, m.chunkSize, number, m.transform, m.opts)
	if err != nil {
		return nil, err
	}
	if err := diskio.Fsync(m.dir); err != nil {
		chunk.Close()
		return nil, errors.Wrap(err, "fsync log directory")
	}

	m.chunks = append(m.chunks, chunk)
	m.opts.Metrics.SetChunks(len(m.chunks))

	m.logger.WithFields(logrus.Fields{
		"action": "chunk_create",
		"chunk":  path,
	}).Debug("created new chunk")

	return chunk, nil
}

func (m *ChunkManager) addChunk(chunk *Chunk) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	header := chunk.Header()
	if int(header.ChunkStartNumber) != len(m.chunks) {
		return errors.Errorf("chunk %s does not follow chunk %d", chunk, len(m.chunks)-1)
	}
	for i := header.ChunkStartNumber; i <= header.ChunkEndNumber; i++ {
		m.chunks = append(m.chunks, chunk)
	}
	m.opts.Metrics.SetChunks(len(m.chunks))
	return nil
}

func (m *ChunkManager) GetChunk(number int32) (*Chunk, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if number < 0 || int(number) >= len(m.chunks) {
		return nil, errors.Wrapf(eventlog.ErrNotFound, "chunk #%d", number)
	}
	return m.chunks[number], nil
}

// GetChunkFor resolves the chunk backing a global log position. The chunk is
// not pinned; use AcquireChunkFor to read from it.
func (m *ChunkManager) GetChunkFor(pos int64) (*Chunk, error) {
	if pos < 0 {
		return nil, errors.Wrapf(eventlog.ErrNotFound, "position %d", pos)
	}
	return m.GetChunk(int32(pos / int64(m.chunkSize)))
}

// AcquireChunkFor returns the pinned chunk backing pos. Callers must Release
// it. A lookup racing with a chunk switch retries against the new chunk.
func (m *ChunkManager) AcquireChunkFor(pos int64) (*Chunk, error) {
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		chunk, err := m.GetChunkFor(pos)
		if err != nil {
			return nil, err
		}
		if chunk.acquire() {
			return chunk, nil
		}
	}
	return nil, errors.Errorf("chunk for position %d keeps being replaced", pos)
}

func (m *ChunkManager) AcquireChunk(number int32) (*Chunk, error) {
	return m.AcquireChunkFor(int64(number) * int64(m.chunkSize))
}

// ChunksCount is the number of logical chunks, including the ongoing one.
func (m *ChunkManager) ChunksCount() int {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return len(m.chunks)
}

// Chunks lists every physical chunk once, in log order.
func (m *ChunkManager) Chunks() []*Chunk {
	m.lock.RLock()
	defer m.lock.RUnlock()

	out := make([]*Chunk, 0, len(m.chunks))
	for i, chunk := range m.chunks {
		if i > 0 && m.chunks[i-1] == chunk {
			continue
		}
		out = append(out, chunk)
	}
	return out
}

func (m *ChunkManager) CompletedChunks() []*Chunk {
	all := m.Chunks()
	out := all[:0]
	for _, chunk := range all {
		if chunk.IsCompleted() {
			out = append(out, chunk)
		}
	}
	return out
}

// SwitchChunk publishes a completed scavenged chunk in place of every chunk
// in its range. The replacement is renamed to the next version of the first
// chunk's file, and the replaced chunks are deleted once unpinned.
func (m *ChunkManager) SwitchChunk(replacement *Chunk) (*Chunk, error) {
	header := replacement.Header()
	if !header.IsScavenged || !replacement.IsCompleted() {
		return nil, errors.Errorf("chunk %s is not a completed scavenged chunk", replacement)
	}

	m.lock.Lock()

	start, end := int(header.ChunkStartNumber), int(header.ChunkEndNumber)
	if end >= len(m.chunks) {
		m.lock.Unlock()
		return nil, errors.Errorf("replacement %s exceeds the log", replacement)
	}

	var replaced []*Chunk
	for i := start; i <= end; i++ {
		old := m.chunks[i]
		oldHeader := old.Header()
		if int(oldHeader.ChunkStartNumber) < start || int(oldHeader.ChunkEndNumber) > end {
			m.lock.Unlock()
			return nil, errors.Errorf("replacement %s splits chunk %s", replacement, old)
		}
		if !old.IsCompleted() {
			m.lock.Unlock()
			return nil, errors.Errorf("chunk %s is still ongoing", old)
		}
		if len(replaced) == 0 || replaced[len(replaced)-1] != old {
			replaced = append(replaced, old)
		}
	}

	_, version, ok := parseChunkFileName(replaced[0].Path())
	if !ok {
		version = 0
	}
	newPath := filepath.Join(m.dir, ChunkFileName(start, version+1))
	if err := os.Rename(replacement.path, newPath); err != nil {
		m.lock.Unlock()
		return nil, errors.Wrapf(err, "rename %s", replacement.path)
	}
	if err := diskio.Fsync(m.dir); err != nil {
		m.lock.Unlock()
		return nil, errors.Wrap(err, "fsync log directory")
	}
	replacement.path = newPath

	for i := start; i <= end; i++ {
		m.chunks[i] = replacement
	}
	m.lock.Unlock()

	for _, old := range replaced {
		old.MarkForDeletion()
	}

	m.logger.WithFields(logrus.Fields{
		"action":   "chunk_switch",
		"chunk":    newPath,
		"replaced": len(replaced),
	}).Info("switched in scavenged chunk")

	return replacement, nil
}

func (m *ChunkManager) Close() error {
	var result *multierror.Error
	for _, chunk := range m.Chunks() {
		if err := chunk.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
