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
	"fmt"
)

// IndexEntry maps a version of the stream(s) with hash Stream to the log
// position of its record.
type IndexEntry struct {
	Stream   uint64
	Version  int64
	Position int64
}

func (e IndexEntry) String() string {
	return fmt.Sprintf("(%x, %d, %d)", e.Stream, e.Version, e.Position)
}

// compare orders entries ascending by hash, version and position.
func (e IndexEntry) compare(o IndexEntry) int {
	switch {
	case e.Stream != o.Stream:
		return cmp.Compare(e.Stream, o.Stream)
	case e.Version != o.Version:
		return cmp.Compare(e.Version, o.Version)
	default:
		return cmp.Compare(e.Position, o.Position)
	}
}

// keyCompare ignores the position.
func keyCompare(hashA uint64, versionA int64, hashB uint64, versionB int64) int {
	if hashA != hashB {
		return cmp.Compare(hashA, hashB)
	}
	return cmp.Compare(versionA, versionB)
}

// IndexKey is an entry before hashing, as handed in by the index committer.
type IndexKey struct {
	Stream   string
	Version  int64
	Position int64
}

// SearchableTable is the lookup surface shared by memtables and ptables.
type SearchableTable interface {
	TryGetOneValue(hash uint64, version int64) (int64, bool)
	TryGetLatestEntry(hash uint64) (IndexEntry, bool)
	TryGetOldestEntry(hash uint64) (IndexEntry, bool)
	TryGetNextEntry(hash uint64, afterVersion int64) (IndexEntry, bool)
	TryGetPreviousEntry(hash uint64, beforeVersion int64) (IndexEntry, bool)
	// GetRange returns entries with startVersion <= version <= endVersion,
	// newest first. A limit <= 0 means no limit.
	GetRange(hash uint64, startVersion, endVersion int64, limit int) []IndexEntry
}
