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
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/eventstore/entities/cyclemanager"
	enterrors "github.com/weaviate/eventstore/entities/errors"
	"github.com/weaviate/eventstore/usecases/monitoring"
)

type Config struct {
	Dir               string
	Version           Version
	MaxMemTableSize   int
	MaxTablesPerLevel int
	// SkipIndexVerify skips the checksum verification of tables on open. It
	// is meant for tests only.
	SkipIndexVerify     bool
	ScavengeConcurrency int
}

func (c Config) validate() error {
	if err := c.Version.Validate(); err != nil {
		return err
	}
	if c.MaxMemTableSize <= 0 {
		return errors.Errorf("invalid memtable size %d", c.MaxMemTableSize)
	}
	if c.MaxTablesPerLevel < 2 {
		return errors.Errorf("max tables per level must be at least 2, got %d", c.MaxTablesPerLevel)
	}
	return nil
}

// TableIndex is the union of the live memtable, memtables waiting to be
// flushed and the ptables of every level. Lookups combine all of them, so the
// result does not depend on which table an entry currently lives in.
type TableIndex struct {
	config  Config
	hasher  Hasher
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics

	// lock guards the table references below. It is only held for pointer
	// swaps, never for I/O.
	lock     sync.RWMutex
	memTable *MemTable
	awaiting []*MemTable
	levels   [][]*PTable

	// mapLock serializes every change of the table set together with the
	// index map write that records it.
	mapLock          sync.Mutex
	persistedPrepare int64
	persistedCommit  int64

	// maintenanceLock serializes merges and scavenges
	maintenanceLock sync.Mutex
	flushLock       sync.Mutex
	flushes         sync.WaitGroup

	commitCheckpoint atomic.Int64
}

func Open(ctx context.Context, config Config, logger logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) (*TableIndex, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.ScavengeConcurrency <= 0 {
		config.ScavengeConcurrency = 2
	}
	if err := os.MkdirAll(config.Dir, 0o777); err != nil {
		return nil, errors.Wrapf(err, "create index directory %s", config.Dir)
	}

	ti := &TableIndex{
		config:   config,
		hasher:   HasherFor(config.Version),
		logger:   logger.WithField("component", "tableindex"),
		metrics:  metrics,
		memTable: NewMemTable(),
	}

	m, ok, err := ReadIndexMap(ti.mapPath())
	if err != nil {
		return nil, err
	}
	if !ok {
		m = IndexMap{Version: config.Version, PrepareCheckpoint: -1, CommitCheckpoint: -1}
		if err := m.Write(ti.mapPath()); err != nil {
			return nil, err
		}
	}
	if m.Version != config.Version {
		return nil, errors.Errorf("index was created with version %d, configured version is %d",
			m.Version, config.Version)
	}

	levels, err := ti.openTables(ctx, m.Levels)
	if err != nil {
		return nil, err
	}
	ti.levels = levels
	ti.persistedPrepare = m.PrepareCheckpoint
	ti.persistedCommit = m.CommitCheckpoint
	ti.commitCheckpoint.Store(m.CommitCheckpoint)

	ti.removeOrphans(m.Levels)
	ti.updateTableMetrics(levels)

	ti.logger.WithFields(logrus.Fields{
		"action":     "tableindex_open",
		"version":    config.Version,
		"checkpoint": m.CommitCheckpoint,
	}).Info("opened table index")

	return ti, nil
}

func (ti *TableIndex) openTables(ctx context.Context, names [][]string) ([][]*PTable, error) {
	levels := make([][]*PTable, len(names))
	eg := enterrors.NewErrorGroupWrapper(ti.logger)
	eg.SetLimit(4)

	for level, files := range names {
		levels[level] = make([]*PTable, len(files))
		for i, file := range files {
			level, i, file := level, i, file
			eg.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				table, err := OpenPTable(filepath.Join(ti.config.Dir, file), ti.ptableOptions())
				if err != nil {
					return err
				}
				levels[level][i] = table
				return nil
			}, file)
		}
	}

	if err := eg.Wait(); err != nil {
		for _, tables := range levels {
			for _, table := range tables {
				if table != nil {
					table.Close()
				}
			}
		}
		return nil, err
	}
	return levels, nil
}

// removeOrphans deletes tables that are not referenced by the index map,
// for example the output of a merge that crashed before it was recorded.
func (ti *TableIndex) removeOrphans(names [][]string) {
	referenced := map[string]struct{}{}
	for _, files := range names {
		for _, file := range files {
			referenced[strings.TrimSuffix(file, PTableExtension)] = struct{}{}
		}
	}

	entries, err := os.ReadDir(ti.config.Dir)
	if err != nil {
		ti.logger.WithError(err).Warn("listing index directory")
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		var orphan bool
		switch {
		case strings.HasSuffix(name, ".tmp"):
			orphan = true
		case strings.HasSuffix(name, PTableExtension), strings.HasSuffix(name, bloomExtension):
			_, ok := referenced[strings.TrimSuffix(strings.TrimSuffix(name, PTableExtension), bloomExtension)]
			orphan = !ok
		}
		if !orphan {
			continue
		}
		if err := os.Remove(filepath.Join(ti.config.Dir, name)); err != nil {
			ti.logger.WithError(err).WithField("file", name).Warn("removing orphaned index file")
			continue
		}
		ti.logger.WithField("file", name).Info("removed orphaned index file")
	}
}

func (ti *TableIndex) ptableOptions() PTableOptions {
	return PTableOptions{SkipVerify: ti.config.SkipIndexVerify, Logger: ti.logger}
}

func (ti *TableIndex) mapPath() string {
	return filepath.Join(ti.config.Dir, IndexMapFileName)
}

func (ti *TableIndex) newTablePath() string {
	return filepath.Join(ti.config.Dir, uuid.NewString()+PTableExtension)
}

func (ti *TableIndex) Version() Version {
	return ti.config.Version
}

func (ti *TableIndex) Hash(stream string) uint64 {
	return ti.hasher.Hash(stream)
}

// CommitCheckpoint is the highest commit position added to the index.
func (ti *TableIndex) CommitCheckpoint() int64 {
	return ti.commitCheckpoint.Load()
}

// PersistedCommitCheckpoint is the commit position covered by the tables on
// disk. Entries after it are rebuilt from the log on startup.
func (ti *TableIndex) PersistedCommitCheckpoint() int64 {
	ti.mapLock.Lock()
	defer ti.mapLock.Unlock()

	return ti.persistedCommit
}

func (ti *TableIndex) Add(commitPos int64, stream string, version, position int64) error {
	return ti.AddEntries(commitPos, []IndexKey{{Stream: stream, Version: version, Position: position}})
}

// AddEntries adds the entries produced by the record at commitPos. Only the
// single index writer calls it.
func (ti *TableIndex) AddEntries(commitPos int64, keys []IndexKey) error {
	entries := make([]IndexEntry, len(keys))
	for i, key := range keys {
		if key.Position < 0 {
			return errors.Errorf("invalid position %d for stream %q", key.Position, key.Stream)
		}
		entries[i] = IndexEntry{
			Stream:   ti.hasher.Hash(key.Stream),
			Version:  key.Version,
			Position: key.Position,
		}
	}

	// The memtable cannot be swapped out between the insert and the
	// checkpoint update, so a flushed table covers exactly its checkpoint.
	ti.lock.RLock()
	mt := ti.memTable
	mt.AddEntries(entries)
	mt.setCommitCheckpoint(commitPos)
	if commitPos > ti.commitCheckpoint.Load() {
		ti.commitCheckpoint.Store(commitPos)
	}
	count := mt.Count()
	ti.lock.RUnlock()

	ti.metrics.SetMemtableEntries(count)
	if count >= ti.config.MaxMemTableSize {
		ti.swapMemTable()
	}
	return nil
}

// swapMemTable moves the live memtable to the awaiting list, where it stays
// queryable until its ptable is published, and flushes it in the background.
func (ti *TableIndex) swapMemTable() bool {
	ti.lock.Lock()
	full := ti.memTable
	if full.Count() == 0 {
		ti.lock.Unlock()
		return false
	}
	ti.awaiting = append(ti.awaiting, full)
	ti.memTable = NewMemTable()
	ti.lock.Unlock()

	ti.flushes.Add(1)
	enterrors.GoWrapper(func() {
		defer ti.flushes.Done()
		if err := ti.flushAwaiting(); err != nil {
			ti.logger.WithField("action", "memtable_flush").WithError(err).
				Error("flushing memtable failed, it stays in memory")
		}
	}, ti.logger)
	return true
}

// FlushMemTable synchronously persists the live memtable.
func (ti *TableIndex) FlushMemTable() error {
	ti.lock.Lock()
	full := ti.memTable
	if full.Count() > 0 {
		ti.awaiting = append(ti.awaiting, full)
		ti.memTable = NewMemTable()
	}
	ti.lock.Unlock()

	return ti.flushAwaiting()
}

// flushAwaiting persists awaiting memtables oldest first, so the persisted
// checkpoint never skips entries.
func (ti *TableIndex) flushAwaiting() error {
	ti.flushLock.Lock()
	defer ti.flushLock.Unlock()

	for {
		ti.lock.RLock()
		if len(ti.awaiting) == 0 {
			ti.lock.RUnlock()
			return nil
		}
		mt := ti.awaiting[0]
		ti.lock.RUnlock()

		if err := ti.flushMemTable(mt); err != nil {
			return err
		}
	}
}

func (ti *TableIndex) flushMemTable(mt *MemTable) error {
	start := time.Now()

	// mt left the live slot under the exclusive lock, nothing writes to it
	prepare, commit := mt.checkpoints()
	table, err := FromMemTable(mt, ti.newTablePath(), ti.config.Version, ti.ptableOptions())
	if err != nil {
		return errors.Wrapf(err, "flush memtable %s", mt.ID())
	}

	ti.mapLock.Lock()
	defer ti.mapLock.Unlock()

	levels := ti.cloneLevels()
	if len(levels) == 0 {
		levels = append(levels, nil)
	}
	levels[0] = append(levels[0], table)

	if prepare < ti.persistedPrepare {
		prepare = ti.persistedPrepare
	}
	if commit < ti.persistedCommit {
		commit = ti.persistedCommit
	}
	if err := ti.writeMap(levels, prepare, commit); err != nil {
		table.MarkForDestruction()
		return err
	}

	ti.lock.Lock()
	ti.levels = levels
	ti.awaiting = ti.awaiting[1:]
	ti.lock.Unlock()
	ti.persistedPrepare = prepare
	ti.persistedCommit = commit

	ti.updateTableMetrics(levels)
	ti.metrics.ObserveIndexFlush(start)
	ti.logger.WithFields(logrus.Fields{
		"action":     "memtable_flush",
		"ptable":     table.ID(),
		"entries":    table.Count(),
		"checkpoint": commit,
		"took":       time.Since(start),
	}).Debug("flushed memtable")

	return nil
}

func (ti *TableIndex) cloneLevels() [][]*PTable {
	ti.lock.RLock()
	defer ti.lock.RUnlock()

	out := make([][]*PTable, len(ti.levels))
	for i, tables := range ti.levels {
		out[i] = append([]*PTable(nil), tables...)
	}
	return out
}

// writeMap records levels in the index map. Callers hold mapLock.
func (ti *TableIndex) writeMap(levels [][]*PTable, prepare, commit int64) error {
	m := IndexMap{
		Version:           ti.config.Version,
		PrepareCheckpoint: prepare,
		CommitCheckpoint:  commit,
		Levels:            make([][]string, len(levels)),
	}
	for level, tables := range levels {
		for _, table := range tables {
			m.Levels[level] = append(m.Levels[level], filepath.Base(table.Path()))
		}
	}
	return errors.Wrap(m.Write(ti.mapPath()), "write index map")
}

func (ti *TableIndex) updateTableMetrics(levels [][]*PTable) {
	for level, tables := range levels {
		ti.metrics.SetPTables(strconv.Itoa(level), len(tables))
	}
}

// MergeIfNeeded merges the oldest MaxTablesPerLevel tables of the first
// level that holds that many into one table of the next level. It is meant
// to run as a cycle callback and reports whether it did any work.
func (ti *TableIndex) MergeIfNeeded(shouldAbort cyclemanager.ShouldAbortCallback) bool {
	ti.maintenanceLock.Lock()
	defer ti.maintenanceLock.Unlock()

	if shouldAbort() {
		return false
	}

	level, candidates := ti.mergeCandidates()
	if candidates == nil {
		return false
	}
	defer func() {
		for _, table := range candidates {
			table.release()
		}
	}()

	if err := ti.merge(level, candidates); err != nil {
		ti.logger.WithFields(logrus.Fields{
			"action": "ptable_merge",
			"level":  level,
		}).WithError(err).Error("merging tables failed")
		return false
	}
	return true
}

func (ti *TableIndex) mergeCandidates() (int, []*PTable) {
	ti.lock.RLock()
	defer ti.lock.RUnlock()

	for level, tables := range ti.levels {
		if len(tables) < ti.config.MaxTablesPerLevel {
			continue
		}
		candidates := make([]*PTable, 0, ti.config.MaxTablesPerLevel)
		for _, table := range tables[:ti.config.MaxTablesPerLevel] {
			if !table.acquire() {
				// destroyed by a concurrent scavenge, retry on the next cycle
				for _, acquired := range candidates {
					acquired.release()
				}
				return 0, nil
			}
			candidates = append(candidates, table)
		}
		return level, candidates
	}
	return 0, nil
}

func (ti *TableIndex) merge(level int, candidates []*PTable) error {
	start := time.Now()

	merged, err := MergeTo(context.Background(), candidates, ti.newTablePath(),
		ti.config.Version, nil, ti.ptableOptions())
	if err != nil {
		return err
	}

	ti.mapLock.Lock()
	levels := ti.cloneLevels()
	levels[level] = removeTables(levels[level], candidates)
	if len(levels) == level+1 {
		levels = append(levels, nil)
	}
	levels[level+1] = append(levels[level+1], merged)

	if err := ti.writeMap(levels, ti.persistedPrepare, ti.persistedCommit); err != nil {
		ti.mapLock.Unlock()
		merged.MarkForDestruction()
		return err
	}
	ti.lock.Lock()
	ti.levels = levels
	ti.lock.Unlock()
	ti.mapLock.Unlock()

	for _, table := range candidates {
		table.MarkForDestruction()
	}

	ti.updateTableMetrics(levels)
	ti.metrics.ObserveIndexMerge(start)
	ti.logger.WithFields(logrus.Fields{
		"action":  "ptable_merge",
		"level":   level,
		"ptable":  merged.ID(),
		"entries": merged.Count(),
		"took":    time.Since(start),
	}).Info("merged tables")

	return nil
}

func removeTables(tables, remove []*PTable) []*PTable {
	out := tables[:0]
	for _, table := range tables {
		keep := true
		for _, r := range remove {
			if r == table {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, table)
		}
	}
	return out
}

// Scavenge rewrites every table without the entries for which shouldKeep
// returns false. shouldKeep is called concurrently. Tables without removed
// entries are left untouched. It returns the number of dropped entries.
func (ti *TableIndex) Scavenge(ctx context.Context, shouldKeep func(IndexEntry) bool) (int64, error) {
	ti.maintenanceLock.Lock()
	defer ti.maintenanceLock.Unlock()

	ti.lock.RLock()
	var tables []*PTable
	for _, level := range ti.levels {
		for _, table := range level {
			table.acquire()
			tables = append(tables, table)
		}
	}
	ti.lock.RUnlock()
	defer func() {
		for _, table := range tables {
			table.release()
		}
	}()

	results := make([]*PTable, len(tables))
	removed := make([]int64, len(tables))
	eg := enterrors.NewErrorGroupWrapper(ti.logger)
	eg.SetLimit(ti.config.ScavengeConcurrency)
	for i, table := range tables {
		i, table := i, table
		eg.Go(func() error {
			out, n, err := table.Scavenged(ctx, ti.newTablePath(), shouldKeep, ti.ptableOptions())
			if err != nil {
				return errors.Wrapf(err, "scavenge ptable %s", table.ID())
			}
			if n == 0 {
				out.MarkForDestruction()
				return nil
			}
			results[i], removed[i] = out, n
			return nil
		}, table.ID())
	}
	if err := eg.Wait(); err != nil {
		for _, out := range results {
			if out != nil {
				out.MarkForDestruction()
			}
		}
		return 0, err
	}

	replacements := map[*PTable]*PTable{}
	var total int64
	for i, out := range results {
		if out != nil {
			replacements[tables[i]] = out
			total += removed[i]
		}
	}
	if len(replacements) == 0 {
		return 0, nil
	}

	ti.mapLock.Lock()
	levels := ti.cloneLevels()
	var empty []*PTable
	for level, ts := range levels {
		out := ts[:0]
		for _, table := range ts {
			replacement, ok := replacements[table]
			switch {
			case !ok:
				out = append(out, table)
			case replacement.Count() == 0:
				empty = append(empty, replacement)
			default:
				out = append(out, replacement)
			}
		}
		levels[level] = out
	}
	if err := ti.writeMap(levels, ti.persistedPrepare, ti.persistedCommit); err != nil {
		ti.mapLock.Unlock()
		for _, out := range replacements {
			out.MarkForDestruction()
		}
		return 0, err
	}
	ti.lock.Lock()
	ti.levels = levels
	ti.lock.Unlock()
	ti.mapLock.Unlock()

	for old := range replacements {
		old.MarkForDestruction()
	}
	for _, table := range empty {
		table.MarkForDestruction()
	}

	ti.updateTableMetrics(levels)
	ti.logger.WithFields(logrus.Fields{
		"action":  "ptable_scavenge",
		"tables":  len(replacements),
		"removed": total,
	}).Info("scavenged index tables")

	return total, nil
}

type snapshot struct {
	tables  []SearchableTable
	ptables []*PTable
}

func (ti *TableIndex) snapshot() snapshot {
	ti.lock.RLock()
	defer ti.lock.RUnlock()

	s := snapshot{tables: []SearchableTable{ti.memTable}}
	for i := len(ti.awaiting) - 1; i >= 0; i-- {
		s.tables = append(s.tables, ti.awaiting[i])
	}
	for _, level := range ti.levels {
		for i := len(level) - 1; i >= 0; i-- {
			if level[i].acquire() {
				s.tables = append(s.tables, level[i])
				s.ptables = append(s.ptables, level[i])
			}
		}
	}
	return s
}

func (s snapshot) release() {
	for _, table := range s.ptables {
		table.release()
	}
}

func (ti *TableIndex) TryGetOneValue(stream string, version int64) (int64, bool) {
	hash := ti.hasher.Hash(stream)
	s := ti.snapshot()
	defer s.release()

	var best int64
	found := false
	for _, table := range s.tables {
		if pos, ok := table.TryGetOneValue(hash, version); ok && (!found || pos > best) {
			best, found = pos, true
		}
	}
	return best, found
}

func (ti *TableIndex) TryGetLatestEntry(stream string) (IndexEntry, bool) {
	return ti.pick(func(t SearchableTable, hash uint64) (IndexEntry, bool) {
		return t.TryGetLatestEntry(hash)
	}, stream, true)
}

func (ti *TableIndex) TryGetOldestEntry(stream string) (IndexEntry, bool) {
	return ti.pick(func(t SearchableTable, hash uint64) (IndexEntry, bool) {
		return t.TryGetOldestEntry(hash)
	}, stream, false)
}

func (ti *TableIndex) TryGetNextEntry(stream string, afterVersion int64) (IndexEntry, bool) {
	return ti.pick(func(t SearchableTable, hash uint64) (IndexEntry, bool) {
		return t.TryGetNextEntry(hash, afterVersion)
	}, stream, false)
}

func (ti *TableIndex) TryGetPreviousEntry(stream string, beforeVersion int64) (IndexEntry, bool) {
	return ti.pick(func(t SearchableTable, hash uint64) (IndexEntry, bool) {
		return t.TryGetPreviousEntry(hash, beforeVersion)
	}, stream, true)
}

// pick asks every table and keeps the greatest or smallest answer.
func (ti *TableIndex) pick(query func(SearchableTable, uint64) (IndexEntry, bool),
	stream string, greatest bool,
) (IndexEntry, bool) {
	hash := ti.hasher.Hash(stream)
	s := ti.snapshot()
	defer s.release()

	var best IndexEntry
	found := false
	for _, table := range s.tables {
		e, ok := query(table, hash)
		if !ok {
			continue
		}
		c := e.compare(best)
		if !found || (greatest && c > 0) || (!greatest && c < 0) {
			best, found = e, true
		}
	}
	return best, found
}

// GetRange returns the entries of stream's hash with versions between
// startVersion and endVersion, newest first, at most limit of them.
func (ti *TableIndex) GetRange(stream string, startVersion, endVersion int64, limit int) []IndexEntry {
	hash := ti.hasher.Hash(stream)
	s := ti.snapshot()
	defer s.release()

	var all []IndexEntry
	for _, table := range s.tables {
		all = append(all, table.GetRange(hash, startVersion, endVersion, limit)...)
	}
	sort.Slice(all, func(a, b int) bool {
		return all[a].compare(all[b]) > 0
	})

	out := all[:0]
	for i, e := range all {
		if i > 0 && e == all[i-1] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

type TableStats struct {
	ID      string
	Level   int
	Entries int64
}

type Stats struct {
	Version          Version
	MemTableEntries  int
	AwaitingFlush    int
	Tables           []TableStats
	CommitCheckpoint int64
}

func (ti *TableIndex) Stats() Stats {
	ti.lock.RLock()
	defer ti.lock.RUnlock()

	stats := Stats{
		Version:          ti.config.Version,
		MemTableEntries:  ti.memTable.Count(),
		AwaitingFlush:    len(ti.awaiting),
		CommitCheckpoint: ti.commitCheckpoint.Load(),
	}
	for level, tables := range ti.levels {
		for _, table := range tables {
			stats.Tables = append(stats.Tables, TableStats{
				ID:      table.ID(),
				Level:   level,
				Entries: table.Count(),
			})
		}
	}
	return stats
}

// VerifyTables checks the checksum of every table.
func (ti *TableIndex) VerifyTables() error {
	s := ti.snapshot()
	defer s.release()

	var result *multierror.Error
	for _, table := range s.ptables {
		if err := table.VerifyChecksum(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// WaitForBackgroundTasks blocks until all triggered memtable flushes are done.
func (ti *TableIndex) WaitForBackgroundTasks() {
	ti.flushes.Wait()
}

// Close waits for background flushes and closes all tables. The live
// memtable is not persisted; it is rebuilt from the log on the next start.
func (ti *TableIndex) Close() error {
	ti.WaitForBackgroundTasks()
	ti.maintenanceLock.Lock()
	defer ti.maintenanceLock.Unlock()

	ti.lock.Lock()
	defer ti.lock.Unlock()

	var result *multierror.Error
	for _, tables := range ti.levels {
		for _, table := range tables {
			if err := table.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	ti.levels = nil
	return result.ErrorOrNil()
}
