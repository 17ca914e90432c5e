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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvironment(t *testing.T) {
	t.Run("all variables", func(t *testing.T) {
		t.Setenv("EVENTSTORE_DATA_PATH", "/data")
		t.Setenv("EVENTSTORE_CHUNK_SIZE", "8192")
		t.Setenv("EVENTSTORE_CHUNK_TRANSFORM", "snappy")
		t.Setenv("EVENTSTORE_VERIFY_CHUNK_HASHES", "on")
		t.Setenv("EVENTSTORE_SKIP_INDEX_VERIFY", "true")
		t.Setenv("EVENTSTORE_INDEX_VERSION", "1")
		t.Setenv("EVENTSTORE_MAX_MEMTABLE_SIZE", "128")
		t.Setenv("EVENTSTORE_MAX_TABLES_PER_LEVEL", "8")
		t.Setenv("EVENTSTORE_HASH_COLLISION_READ_LIMIT", "5")
		t.Setenv("EVENTSTORE_STREAM_CACHE_SIZE", "0")
		t.Setenv("EVENTSTORE_MERGE_INTERVAL", "1m")
		t.Setenv("EVENTSTORE_CHECKPOINT_FLUSH_INTERVAL", "250ms")
		t.Setenv("EVENTSTORE_SCAVENGE_THRESHOLD", "42")
		t.Setenv("EVENTSTORE_SCAVENGE_MERGE_CHUNKS", "false")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("LOG_FORMAT", "text")

		config := Defaults()
		require.Nil(t, FromEnv(&config))

		assert.Equal(t, Config{
			DataPath:                "/data",
			ChunkSize:               8192,
			ChunkTransform:          TransformSnappy,
			VerifyChunkHashes:       true,
			IndexVersion:            1,
			MaxMemTableSize:         128,
			MaxTablesPerLevel:       8,
			SkipIndexVerify:         true,
			HashCollisionReadLimit:  5,
			StreamCacheSize:         0,
			MergeInterval:           time.Minute,
			CheckpointFlushInterval: 250 * time.Millisecond,
			Scavenge: Scavenge{
				Threshold:   42,
				MergeChunks: false,
			},
			Logging: Logging{
				Level:  "debug",
				Format: LogFormatText,
			},
		}, config)
	})

	t.Run("unset variables keep existing values", func(t *testing.T) {
		config := Defaults()
		require.Nil(t, FromEnv(&config))
		assert.Equal(t, Defaults(), config)
	})

	t.Run("not parsable", func(t *testing.T) {
		tests := []struct {
			name  string
			value string
		}{
			{"EVENTSTORE_CHUNK_SIZE", "huge"},
			{"EVENTSTORE_CHUNK_SIZE", "4294967296"},
			{"EVENTSTORE_MAX_MEMTABLE_SIZE", "1.5"},
			{"EVENTSTORE_MERGE_INTERVAL", "10"},
			{"EVENTSTORE_SCAVENGE_THRESHOLD", "many"},
		}
		for _, test := range tests {
			t.Run(test.name+"="+test.value, func(t *testing.T) {
				t.Setenv(test.name, test.value)
				config := Defaults()
				assert.NotNil(t, FromEnv(&config))
			})
		}
	})
}

func TestEnabled(t *testing.T) {
	for _, value := range []string{"on", "enabled", "1", "true"} {
		assert.True(t, enabled(value), value)
	}
	for _, value := range []string{"", "off", "0", "false", "yes"} {
		assert.False(t, enabled(value), value)
	}
}
