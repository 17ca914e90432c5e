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
	"cmp"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type versionPos struct {
	version  int64
	position int64
}

func (v versionPos) compare(o versionPos) int {
	if c := cmp.Compare(v.version, o.version); c != 0 {
		return c
	}
	return cmp.Compare(v.position, o.position)
}

// MemTable is the mutable part of the index. Entries of a hash are kept
// sorted by version and position, so colliding streams interleave.
type MemTable struct {
	id string

	sync.RWMutex
	hashes map[uint64][]versionPos
	count  int

	// highest prepare and commit positions added so far
	prepareCheckpoint int64
	commitCheckpoint  int64
}

func NewMemTable() *MemTable {
	return &MemTable{
		id:                uuid.NewString(),
		hashes:            map[uint64][]versionPos{},
		prepareCheckpoint: -1,
		commitCheckpoint:  -1,
	}
}

func (m *MemTable) ID() string {
	return m.id
}

func (m *MemTable) Count() int {
	m.RLock()
	defer m.RUnlock()

	return m.count
}

// Add inserts an entry. Exact duplicates of an existing entry are ignored,
// entries that only share hash and version are kept.
func (m *MemTable) Add(hash uint64, version, position int64) {
	m.Lock()
	defer m.Unlock()

	m.add(hash, version, position)
}

func (m *MemTable) AddEntries(entries []IndexEntry) {
	m.Lock()
	defer m.Unlock()

	for _, e := range entries {
		m.add(e.Stream, e.Version, e.Position)
	}
}

func (m *MemTable) add(hash uint64, version, position int64) {
	vp := versionPos{version: version, position: position}
	list := m.hashes[hash]

	i := sort.Search(len(list), func(i int) bool {
		return list[i].compare(vp) >= 0
	})
	if i < len(list) && list[i] == vp {
		return
	}

	m.hashes[hash] = slices.Insert(list, i, vp)
	m.count++

	if position > m.prepareCheckpoint {
		m.prepareCheckpoint = position
	}
}

func (m *MemTable) setCommitCheckpoint(pos int64) {
	m.Lock()
	defer m.Unlock()

	if pos > m.commitCheckpoint {
		m.commitCheckpoint = pos
	}
}

func (m *MemTable) checkpoints() (prepare, commit int64) {
	m.RLock()
	defer m.RUnlock()

	return m.prepareCheckpoint, m.commitCheckpoint
}

func (m *MemTable) TryGetOneValue(hash uint64, version int64) (int64, bool) {
	m.RLock()
	defer m.RUnlock()

	list := m.hashes[hash]
	// first entry of the next version, the one before is the newest match
	i := sort.Search(len(list), func(i int) bool {
		return list[i].version > version
	})
	if i == 0 || list[i-1].version != version {
		return 0, false
	}
	return list[i-1].position, true
}

func (m *MemTable) TryGetLatestEntry(hash uint64) (IndexEntry, bool) {
	m.RLock()
	defer m.RUnlock()

	list := m.hashes[hash]
	if len(list) == 0 {
		return IndexEntry{}, false
	}
	return toEntry(hash, list[len(list)-1]), true
}

func (m *MemTable) TryGetOldestEntry(hash uint64) (IndexEntry, bool) {
	m.RLock()
	defer m.RUnlock()

	list := m.hashes[hash]
	if len(list) == 0 {
		return IndexEntry{}, false
	}
	return toEntry(hash, list[0]), true
}

func (m *MemTable) TryGetNextEntry(hash uint64, afterVersion int64) (IndexEntry, bool) {
	m.RLock()
	defer m.RUnlock()

	list := m.hashes[hash]
	i := sort.Search(len(list), func(i int) bool {
		return list[i].version > afterVersion
	})
	if i == len(list) {
		return IndexEntry{}, false
	}
	return toEntry(hash, list[i]), true
}

func (m *MemTable) TryGetPreviousEntry(hash uint64, beforeVersion int64) (IndexEntry, bool) {
	m.RLock()
	defer m.RUnlock()

	list := m.hashes[hash]
	i := sort.Search(len(list), func(i int) bool {
		return list[i].version >= beforeVersion
	})
	if i == 0 {
		return IndexEntry{}, false
	}
	return toEntry(hash, list[i-1]), true
}

func (m *MemTable) GetRange(hash uint64, startVersion, endVersion int64, limit int) []IndexEntry {
	m.RLock()
	defer m.RUnlock()

	list := m.hashes[hash]
	lo := sort.Search(len(list), func(i int) bool {
		return list[i].version >= startVersion
	})
	hi := sort.Search(len(list), func(i int) bool {
		return list[i].version > endVersion
	})
	if limit <= 0 {
		limit = math.MaxInt
	}

	var out []IndexEntry
	for i := hi - 1; i >= lo && len(out) < limit; i-- {
		out = append(out, toEntry(hash, list[i]))
	}
	return out
}

// IterateAllInOrder returns a snapshot of all entries ascending by hash,
// version and position, the order they are written to a ptable in.
func (m *MemTable) IterateAllInOrder() []IndexEntry {
	m.RLock()
	defer m.RUnlock()

	hashes := make([]uint64, 0, len(m.hashes))
	for hash := range m.hashes {
		hashes = append(hashes, hash)
	}
	slices.Sort(hashes)

	out := make([]IndexEntry, 0, m.count)
	for _, hash := range hashes {
		for _, vp := range m.hashes[hash] {
			out = append(out, toEntry(hash, vp))
		}
	}
	return out
}

func toEntry(hash uint64, vp versionPos) IndexEntry {
	return IndexEntry{Stream: hash, Version: vp.version, Position: vp.position}
}
