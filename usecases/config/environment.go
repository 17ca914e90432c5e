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

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// FromEnv takes a *Config as it will respect initial config that has been
// provided by other means (e.g. a config file) and will only extend those
// that are set
func FromEnv(config *Config) error {
	if v := os.Getenv("EVENTSTORE_DATA_PATH"); v != "" {
		config.DataPath = v
	}

	if v := os.Getenv("EVENTSTORE_CHUNK_SIZE"); v != "" {
		asInt, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "parse EVENTSTORE_CHUNK_SIZE as int32")
		}
		config.ChunkSize = int32(asInt)
	}

	if v := os.Getenv("EVENTSTORE_CHUNK_TRANSFORM"); v != "" {
		config.ChunkTransform = v
	}

	if enabled(os.Getenv("EVENTSTORE_VERIFY_CHUNK_HASHES")) {
		config.VerifyChunkHashes = true
	}

	if enabled(os.Getenv("EVENTSTORE_SKIP_INDEX_VERIFY")) {
		config.SkipIndexVerify = true
	}

	ints := []struct {
		name   string
		target *int
	}{
		{"EVENTSTORE_INDEX_VERSION", &config.IndexVersion},
		{"EVENTSTORE_MAX_MEMTABLE_SIZE", &config.MaxMemTableSize},
		{"EVENTSTORE_MAX_TABLES_PER_LEVEL", &config.MaxTablesPerLevel},
		{"EVENTSTORE_HASH_COLLISION_READ_LIMIT", &config.HashCollisionReadLimit},
		{"EVENTSTORE_STREAM_CACHE_SIZE", &config.StreamCacheSize},
	}
	for _, i := range ints {
		if v := os.Getenv(i.name); v != "" {
			asInt, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "parse %s as int", i.name)
			}
			*i.target = asInt
		}
	}

	durations := []struct {
		name   string
		target *time.Duration
	}{
		{"EVENTSTORE_MERGE_INTERVAL", &config.MergeInterval},
		{"EVENTSTORE_CHECKPOINT_FLUSH_INTERVAL", &config.CheckpointFlushInterval},
	}
	for _, d := range durations {
		if v := os.Getenv(d.name); v != "" {
			asDuration, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "parse %s as duration", d.name)
			}
			*d.target = asDuration
		}
	}

	if v := os.Getenv("EVENTSTORE_SCAVENGE_THRESHOLD"); v != "" {
		asInt, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "parse EVENTSTORE_SCAVENGE_THRESHOLD as int")
		}
		config.Scavenge.Threshold = asInt
	}

	if v := os.Getenv("EVENTSTORE_SCAVENGE_MERGE_CHUNKS"); v != "" {
		config.Scavenge.MergeChunks = enabled(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}

	return nil
}

func enabled(value string) bool {
	if value == "" {
		return false
	}

	if value == "on" ||
		value == "enabled" ||
		value == "1" ||
		value == "true" {
		return true
	}

	return false
}
