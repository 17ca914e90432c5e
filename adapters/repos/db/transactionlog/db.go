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
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/adapters/repos/db/checkpoint"
	enterrors "github.com/weaviate/eventstore/entities/errors"
	"github.com/weaviate/eventstore/entities/eventlog"
	"github.com/weaviate/eventstore/entities/logrecord"
	"github.com/weaviate/eventstore/usecases/monitoring"
)

type Config struct {
	Dir       string
	ChunkSize int32
	// Transform is used for chunks created from now on. Existing chunks keep
	// the transform stored in their header.
	Transform    TransformType
	Transforms   Transforms
	VerifyHashes bool
	// VerifyConcurrency bounds the number of chunks hashed in parallel.
	VerifyConcurrency int
}

// Db is the transaction log of one directory: a gap-free sequence of chunks
// plus the writer and chaser checkpoints that delimit it.
type Db struct {
	config      Config
	checkpoints *checkpoint.Set
	manager     *ChunkManager
	writer      *Writer
	lock        *dirLock
	logger      logrus.FieldLogger
	metrics     *monitoring.PrometheusMetrics
}

type chunkFile struct {
	path    string
	start   int
	version int
}

// Open recovers the log in config.Dir. It keeps the newest version of every
// chunk, removes leftovers of interrupted rewrites and truncates the ongoing
// chunk to the writer checkpoint.
func Open(ctx context.Context, config Config, checkpoints *checkpoint.Set,
	logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) (*Db, error) {
	if config.ChunkSize <= 0 {
		return nil, errors.Errorf("invalid chunk size %d", config.ChunkSize)
	}
	if config.VerifyConcurrency <= 0 {
		config.VerifyConcurrency = 4
	}
	opts := ChunkOptions{
		Transforms: config.Transforms,
		Logger:     logger,
		Metrics:    metrics,
	}.withDefaults()
	if _, err := opts.Transforms.Get(config.Transform); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(config.Dir, 0o777); err != nil {
		return nil, errors.Wrapf(err, "create log directory %s", config.Dir)
	}
	lock, err := acquireDirLock(config.Dir)
	if err != nil {
		return nil, err
	}

	db := &Db{
		config:      config,
		checkpoints: checkpoints,
		manager:     newChunkManager(config.Dir, config.ChunkSize, config.Transform, opts),
		lock:        lock,
		logger:      opts.Logger.WithField("component", "transactionlog"),
		metrics:     metrics,
	}

	if err := db.recover(ctx, opts); err != nil {
		db.manager.Close()
		lock.release()
		return nil, err
	}

	db.writer = newWriter(db)
	return db, nil
}

func (db *Db) recover(ctx context.Context, opts ChunkOptions) error {
	writerPos := db.checkpoints.Writer.Read()
	chaserPos := db.checkpoints.Chaser.Read()
	if chaserPos > writerPos {
		return errors.Wrapf(eventlog.ErrCheckpointDivergence,
			"chaser checkpoint %d is ahead of writer checkpoint %d", chaserPos, writerPos)
	}

	files, err := db.listChunkFiles()
	if err != nil {
		return err
	}

	chunkSize := int64(db.config.ChunkSize)
	next := 0
	ongoing := false
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		if file.start < next || ongoing {
			db.removeStale(file.path, "covered by a merged chunk or beyond the writer checkpoint")
			continue
		}
		if file.start > next {
			return errors.Wrapf(eventlog.ErrCorrupt, "chunk #%d is missing", next)
		}

		header, err := readChunkHeader(file.path)
		if err != nil {
			return err
		}
		if header.ChunkSize != db.config.ChunkSize {
			return errors.Errorf("chunk %s has size %d, configured %d",
				file.path, header.ChunkSize, db.config.ChunkSize)
		}

		switch {
		case header.EndPosition() <= writerPos:
			chunk, err := OpenCompletedChunk(file.path, false, opts)
			if err != nil {
				return err
			}
			if err := db.manager.addChunk(chunk); err != nil {
				chunk.Close()
				return err
			}
			next = int(header.ChunkEndNumber) + 1
		case header.StartPosition() <= writerPos:
			chunk, err := OpenOngoingChunk(file.path, writerPos, opts)
			if err != nil {
				return err
			}
			if err := db.manager.addChunk(chunk); err != nil {
				chunk.Close()
				return err
			}
			next = int(header.ChunkEndNumber) + 1
			ongoing = true
		default:
			db.removeStale(file.path, "beyond the writer checkpoint")
		}
	}

	if !ongoing {
		if int64(next)*chunkSize != writerPos {
			return errors.Wrapf(eventlog.ErrCheckpointDivergence,
				"writer checkpoint %d does not match the end of the last chunk %d",
				writerPos, int64(next)*chunkSize)
		}
		if _, err := db.manager.AddNewChunk(); err != nil {
			return err
		}
	}

	if db.config.VerifyHashes {
		if err := db.VerifyChunkHashes(ctx); err != nil {
			return err
		}
	}

	db.logger.WithFields(logrus.Fields{
		"action":   "transactionlog_open",
		"chunks":   db.manager.ChunksCount(),
		"position": writerPos,
	}).Info("opened transaction log")

	return nil
}

// listChunkFiles returns the newest version of every chunk file, ordered by
// start number. Older versions and temporary files are removed.
func (db *Db) listChunkFiles() ([]chunkFile, error) {
	entries, err := os.ReadDir(db.config.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read log directory %s", db.config.Dir)
	}

	newest := map[int]chunkFile{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(db.config.Dir, entry.Name())

		if isTempChunkFile(entry.Name()) {
			db.removeStale(path, "temporary file")
			continue
		}

		start, version, ok := parseChunkFileName(entry.Name())
		if !ok {
			continue
		}
		file := chunkFile{path: path, start: start, version: version}
		if prev, ok := newest[start]; ok {
			if prev.version > version {
				db.removeStale(path, "superseded version")
				continue
			}
			db.removeStale(prev.path, "superseded version")
		}
		newest[start] = file
	}

	files := make([]chunkFile, 0, len(newest))
	for _, file := range newest {
		files = append(files, file)
	}
	sort.Slice(files, func(a, b int) bool {
		return files[a].start < files[b].start
	})
	return files, nil
}

func isTempChunkFile(name string) bool {
	if strings.HasSuffix(name, ScavengeTempSuffix) {
		return true
	}
	return strings.HasPrefix(name, chunkFilePrefix) && strings.HasSuffix(name, tmpSuffix)
}

func (db *Db) removeStale(path, reason string) {
	logger := db.logger.WithFields(logrus.Fields{
		"action": "transactionlog_cleanup",
		"chunk":  path,
		"reason": reason,
	})
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("could not remove stale file")
		return
	}
	logger.Info("removed stale file")
}

func readChunkHeader(path string) (ChunkHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return ChunkHeader{}, errors.Wrapf(err, "open chunk %s", path)
	}
	defer f.Close()

	buf := make([]byte, ChunkHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return ChunkHeader{}, errors.Wrapf(eventlog.ErrCorrupt,
			"read header of chunk %s: %v", path, err)
	}
	header, err := ParseChunkHeader(buf)
	if err != nil {
		return ChunkHeader{}, errors.Wrapf(err, "chunk %s", path)
	}
	return header, nil
}

// VerifyChunkHashes checks every completed chunk against its footer digest.
func (db *Db) VerifyChunkHashes(ctx context.Context) error {
	eg := enterrors.NewErrorGroupWrapper(db.logger)
	eg.SetLimit(db.config.VerifyConcurrency)

	for _, chunk := range db.manager.CompletedChunks() {
		chunk := chunk
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return chunk.VerifyFileHash()
		}, chunk.Path())
	}
	return eg.Wait()
}

func (db *Db) Config() Config {
	return db.config
}

func (db *Db) Checkpoints() *checkpoint.Set {
	return db.checkpoints
}

func (db *Db) Manager() *ChunkManager {
	return db.manager
}

// Writer is the single writer of this log. Callers serialize access.
func (db *Db) Writer() *Writer {
	return db.writer
}

// ChunkOptions are the options new chunks of this log are created with.
func (db *Db) ChunkOptions() ChunkOptions {
	return db.manager.opts
}

// ReadAt reads the record starting at pos regardless of the chaser
// checkpoint.
func (db *Db) ReadAt(pos int64) (logrecord.Record, error) {
	chunk, err := db.manager.AcquireChunkFor(pos)
	if err != nil {
		return nil, err
	}
	defer chunk.Release()

	return chunk.TryReadAt(pos)
}

// ExistsAt reports whether a record still starts at pos.
func (db *Db) ExistsAt(pos int64) bool {
	chunk, err := db.manager.AcquireChunkFor(pos)
	if err != nil {
		return false
	}
	defer chunk.Release()

	return chunk.ExistsAt(pos)
}

func (db *Db) Close() error {
	if err := db.writer.Flush(); err != nil {
		db.logger.WithError(err).Error("flushing writer on close")
	}
	err := db.manager.Close()
	if lerr := db.lock.release(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}
