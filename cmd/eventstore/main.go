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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/adapters/repos/db"
	"github.com/weaviate/eventstore/adapters/repos/db/tableindex"
	"github.com/weaviate/eventstore/adapters/repos/db/transactionlog"
	"github.com/weaviate/eventstore/usecases/config"
	"github.com/weaviate/eventstore/usecases/monitoring"
)

const closeTimeout = 30 * time.Second

type Options struct {
	ConfigFile string `long:"config-file" description:"path to a yaml or json config file"`
	DataPath   string `long:"data-path" description:"overrides data_path of the config"`
}

var (
	opts   Options
	parser = flags.NewParser(&opts, flags.Default)
)

func main() {
	parser.AddCommand("verify", "Verify chunk and index checksums",
		"Opens the store with chunk hash verification and checks every completed chunk and PTable.",
		&verifyCommand{})
	parser.AddCommand("scavenge", "Run a scavenge pass",
		"Runs or resumes a scavenge pass up to the current chaser checkpoint.",
		&scavengeCommand{})
	parser.AddCommand("stats", "Print chunk, index and checkpoint statistics",
		"Prints the store statistics as json.",
		&statsCommand{})
	parser.AddCommand("dump", "Print the records of a chunk",
		"Prints one line per record stored in the chunk with the given number.",
		&dumpCommand{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return cfg, err
	}
	if opts.DataPath != "" {
		cfg.DataPath = opts.DataPath
	}
	return cfg, nil
}

// newLogger defaults to log level info and json format
func newLogger(cfg config.Logging) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format != config.LogFormatText {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func storeConfig(cfg config.Config) (db.Config, error) {
	transform, err := transactionlog.ParseTransformType(cfg.ChunkTransform)
	if err != nil {
		return db.Config{}, err
	}

	return db.Config{
		RootPath:                cfg.DataPath,
		ChunkSize:               cfg.ChunkSize,
		ChunkTransform:          transform,
		VerifyChunkHashes:       cfg.VerifyChunkHashes,
		IndexVersion:            tableindex.Version(cfg.IndexVersion),
		MaxMemTableSize:         cfg.MaxMemTableSize,
		MaxTablesPerLevel:       cfg.MaxTablesPerLevel,
		SkipIndexVerify:         cfg.SkipIndexVerify,
		HashCollisionReadLimit:  cfg.HashCollisionReadLimit,
		StreamCacheSize:         cfg.StreamCacheSize,
		MergeInterval:           cfg.MergeInterval,
		CheckpointFlushInterval: cfg.CheckpointFlushInterval,
	}, nil
}

// withStore opens the configured store, runs fn and closes the store again.
// The context passed to fn is cancelled on SIGINT and SIGTERM.
func withStore(modify func(*config.Config),
	fn func(ctx context.Context, store *db.Store, cfg config.Config, logger logrus.FieldLogger) error,
) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if modify != nil {
		modify(&cfg)
	}
	logger := newLogger(cfg.Logging)

	storeCfg, err := storeConfig(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, storeCfg, logger, monitoring.NewNoopPrometheusMetrics())
	if err != nil {
		logger.WithError(err).WithField("action", "open_store").Error("could not open store")
		return err
	}

	runErr := fn(ctx, store, cfg, logger)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		logger.WithError(err).WithField("action", "close_store").Error("could not close store")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
