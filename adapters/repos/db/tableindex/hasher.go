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
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// Version is the on-disk format of the index. It decides the hash width and
// is fixed when the index is created.
type Version byte

const (
	// Version1 stores 32-bit hashes and 32-bit versions.
	Version1 Version = 1
	// Version4 stores 64-bit hashes and versions and persists midpoints.
	Version4 Version = 4
)

func (v Version) Validate() error {
	switch v {
	case Version1, Version4:
		return nil
	default:
		return errors.Errorf("unsupported index version %d", v)
	}
}

func (v Version) String() string {
	return "v" + strconv.Itoa(int(v))
}

func (v Version) entrySize() int {
	if v == Version1 {
		return 16
	}
	return 24
}

// Hasher maps stream names to index hashes. Distinct streams may collide.
type Hasher interface {
	Hash(stream string) uint64
}

func HasherFor(version Version) Hasher {
	if version == Version1 {
		return murmurHasher{}
	}
	return wideHasher{}
}

type murmurHasher struct{}

func (murmurHasher) Hash(stream string) uint64 {
	return uint64(murmur3.Sum32([]byte(stream)))
}

// wideHasher combines the upper half of xxhash with murmur3 in the lower
// half, so two streams only collide if both functions collide.
type wideHasher struct{}

func (wideHasher) Hash(stream string) uint64 {
	return (xxhash.Sum64String(stream)>>32)<<32 | uint64(murmur3.Sum32([]byte(stream)))
}
