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
	"bytes"
	"encoding/binary"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/willf/bloom"

	"github.com/weaviate/eventstore/entities/diskio"
)

const (
	bloomExtension         = ".bloom"
	bloomFalsePositiveRate = 0.001
)

func bloomPath(ptablePath string) string {
	return strings.TrimSuffix(ptablePath, PTableExtension) + bloomExtension
}

func bloomKey(hash uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], hash)
	return b[:]
}

func newBloom(expected int64) *bloom.BloomFilter {
	if expected < 1 {
		expected = 1
	}
	return bloom.NewWithEstimates(uint(expected), bloomFalsePositiveRate)
}

// writeBloom stores the filter prefixed with an xxhash64 of its bytes.
func writeBloom(path string, filter *bloom.BloomFilter) error {
	var buf bytes.Buffer
	buf.Write(make([]byte, 8))
	if _, err := filter.WriteTo(&buf); err != nil {
		return errors.Wrapf(err, "serialize bloom filter %s", path)
	}
	data := buf.Bytes()
	binary.LittleEndian.PutUint64(data[:8], xxhash.Sum64(data[8:]))

	return diskio.WriteFileAtomic(path, data)
}

func readBloom(path string) (*bloom.BloomFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, errors.Errorf("bloom filter %s is truncated", path)
	}
	if xxhash.Sum64(data[8:]) != binary.LittleEndian.Uint64(data[:8]) {
		return nil, errors.Errorf("bloom filter %s has an invalid checksum", path)
	}

	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(data[8:])); err != nil {
		return nil, errors.Wrapf(err, "read bloom filter %s", path)
	}
	return filter, nil
}

// loadOrCreateBloom reads the sidecar of a ptable. A missing or damaged
// sidecar is rebuilt from the table entries.
func loadOrCreateBloom(path string, count int64, entryAt func(int64) IndexEntry,
	logger logrus.FieldLogger,
) (*bloom.BloomFilter, error) {
	filter, err := readBloom(path)
	if err == nil {
		return filter, nil
	}
	if !os.IsNotExist(err) {
		logger.WithFields(logrus.Fields{
			"action": "ptable_bloom_load",
			"path":   path,
		}).WithError(err).Warn("recreating damaged bloom filter")
	}

	filter = newBloom(count)
	for i := int64(0); i < count; i++ {
		filter.Add(bloomKey(entryAt(i).Stream))
	}
	if err := writeBloom(path, filter); err != nil {
		return nil, err
	}
	return filter, nil
}
