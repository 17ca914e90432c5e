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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	TransformIdentity = "identity"
	TransformSnappy   = "snappy"

	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config is the static configuration of an event store. It is read from an
// optional yaml or json file and overridden by EVENTSTORE_* environment
// variables.
type Config struct {
	DataPath string `json:"data_path" yaml:"data_path"`

	ChunkSize         int32  `json:"chunk_size" yaml:"chunk_size"`
	ChunkTransform    string `json:"chunk_transform" yaml:"chunk_transform"`
	VerifyChunkHashes bool   `json:"verify_chunk_hashes" yaml:"verify_chunk_hashes"`

	IndexVersion      int  `json:"index_version" yaml:"index_version"`
	MaxMemTableSize   int  `json:"max_memtable_size" yaml:"max_memtable_size"`
	MaxTablesPerLevel int  `json:"max_tables_per_level" yaml:"max_tables_per_level"`
	SkipIndexVerify   bool `json:"skip_index_verify" yaml:"skip_index_verify"`

	HashCollisionReadLimit int `json:"hash_collision_read_limit" yaml:"hash_collision_read_limit"`
	StreamCacheSize        int `json:"stream_cache_size" yaml:"stream_cache_size"`

	MergeInterval           time.Duration `json:"merge_interval" yaml:"merge_interval"`
	CheckpointFlushInterval time.Duration `json:"checkpoint_flush_interval" yaml:"checkpoint_flush_interval"`

	Scavenge Scavenge `json:"scavenge" yaml:"scavenge"`
	Logging  Logging  `json:"logging" yaml:"logging"`
}

type Scavenge struct {
	// Threshold is the minimum chunk weight for a chunk to be rewritten.
	Threshold   int64 `json:"threshold" yaml:"threshold"`
	MergeChunks bool  `json:"merge_chunks" yaml:"merge_chunks"`
}

type Logging struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

func Defaults() Config {
	return Config{
		DataPath:                "./data",
		ChunkSize:               256 * 1024 * 1024,
		ChunkTransform:          TransformIdentity,
		IndexVersion:            4,
		MaxMemTableSize:         1_000_000,
		MaxTablesPerLevel:       4,
		HashCollisionReadLimit:  100,
		StreamCacheSize:         10_000,
		MergeInterval:           10 * time.Second,
		CheckpointFlushInterval: time.Second,
		Scavenge: Scavenge{
			MergeChunks: true,
		},
		Logging: Logging{
			Level:  "info",
			Format: LogFormatJSON,
		},
	}
}

func (c Config) Validate() error {
	if c.DataPath == "" {
		return errors.New("data_path must be set")
	}
	if c.ChunkSize <= 0 {
		return errors.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	switch c.ChunkTransform {
	case TransformIdentity, TransformSnappy:
	default:
		return errors.Errorf("chunk_transform must be one of [%q, %q], got %q",
			TransformIdentity, TransformSnappy, c.ChunkTransform)
	}
	if c.IndexVersion != 1 && c.IndexVersion != 4 {
		return errors.Errorf("index_version must be 1 or 4, got %d", c.IndexVersion)
	}
	if c.MaxMemTableSize <= 0 {
		return errors.Errorf("max_memtable_size must be positive, got %d", c.MaxMemTableSize)
	}
	if c.MaxTablesPerLevel < 2 {
		return errors.Errorf("max_tables_per_level must be at least 2, got %d", c.MaxTablesPerLevel)
	}
	if c.HashCollisionReadLimit <= 0 {
		return errors.Errorf("hash_collision_read_limit must be positive, got %d",
			c.HashCollisionReadLimit)
	}
	if c.StreamCacheSize < 0 {
		return errors.Errorf("stream_cache_size must not be negative, got %d", c.StreamCacheSize)
	}
	if c.MergeInterval < 0 || c.CheckpointFlushInterval < 0 {
		return errors.New("intervals must not be negative")
	}
	if c.Scavenge.Threshold < 0 {
		return errors.Errorf("scavenge.threshold must not be negative, got %d", c.Scavenge.Threshold)
	}
	switch c.Logging.Format {
	case LogFormatJSON, LogFormatText:
	default:
		return errors.Errorf("logging.format must be %q or %q, got %q",
			LogFormatJSON, LogFormatText, c.Logging.Format)
	}
	return nil
}

// Load builds the configuration from the defaults, the optional file at path
// and the environment, in that order, and validates the result.
func Load(path string) (Config, error) {
	config := Defaults()

	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil {
			return config, errors.Wrapf(err, "read config file %s", path)
		}
		if err := parseConfigFile(file, path, &config); err != nil {
			return config, err
		}
	}

	if err := FromEnv(&config); err != nil {
		return config, err
	}

	if err := config.Validate(); err != nil {
		return config, errors.Wrap(err, "invalid config")
	}
	return config, nil
}

func parseConfigFile(file []byte, name string, config *Config) error {
	switch ext := filepath.Ext(name); ext {
	case ".json":
		if err := json.Unmarshal(file, config); err != nil {
			return fmt.Errorf("error unmarshalling the json config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(file, config); err != nil {
			return fmt.Errorf("error unmarshalling the yaml config file: %w", err)
		}
	case "":
		return fmt.Errorf("config file does not have a file ending, got '%s'", name)
	default:
		return fmt.Errorf("unsupported config file extension '%s', use .yaml or .json", ext)
	}
	return nil
}
