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
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/weaviate/eventstore/entities/diskio"
	"github.com/weaviate/eventstore/entities/eventlog"
)

const IndexMapFileName = "indexmap"

// IndexMap is the durable description of the table index: its format
// version, the log positions covered by the persisted tables and the tables
// of every level, oldest first.
//
// File layout, one item per line:
//
//	<xxhash64 of the following lines, hex>
//	version <n>
//	checkpoint <prepare>/<commit>
//	<level>,<index>,<file name>
type IndexMap struct {
	Version           Version
	PrepareCheckpoint int64
	CommitCheckpoint  int64
	Levels            [][]string
}

func (m IndexMap) body() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "version %d\n", m.Version)
	fmt.Fprintf(&sb, "checkpoint %d/%d\n", m.PrepareCheckpoint, m.CommitCheckpoint)
	for level, files := range m.Levels {
		for i, file := range files {
			fmt.Fprintf(&sb, "%d,%d,%s\n", level, i, file)
		}
	}
	return sb.String()
}

func (m IndexMap) Write(path string) error {
	body := m.body()
	content := fmt.Sprintf("%016x\n%s", xxhash.Sum64String(body), body)
	return diskio.WriteFileAtomic(path, []byte(content))
}

// ReadIndexMap returns false if no index map exists yet.
func ReadIndexMap(path string) (IndexMap, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return IndexMap{}, false, nil
	}
	if err != nil {
		return IndexMap{}, false, errors.Wrap(err, "read index map")
	}

	m, err := parseIndexMap(string(data))
	if err != nil {
		return IndexMap{}, false, errors.Wrapf(err, "index map %s", path)
	}
	return m, true, nil
}

func parseIndexMap(content string) (IndexMap, error) {
	checksumLine, body, ok := strings.Cut(content, "\n")
	if !ok {
		return IndexMap{}, errors.Wrap(eventlog.ErrCorrupt, "missing checksum line")
	}
	if fmt.Sprintf("%016x", xxhash.Sum64String(body)) != checksumLine {
		return IndexMap{}, errors.Wrap(eventlog.ErrCorrupt, "checksum mismatch")
	}

	lines := strings.Split(strings.TrimSuffix(body, "\n"), "\n")
	if len(lines) < 2 {
		return IndexMap{}, errors.Wrap(eventlog.ErrCorrupt, "truncated")
	}

	var m IndexMap
	var version int
	if _, err := fmt.Sscanf(lines[0], "version %d", &version); err != nil {
		return IndexMap{}, errors.Wrapf(eventlog.ErrCorrupt, "version line %q", lines[0])
	}
	m.Version = Version(version)
	if _, err := fmt.Sscanf(lines[1], "checkpoint %d/%d",
		&m.PrepareCheckpoint, &m.CommitCheckpoint); err != nil {
		return IndexMap{}, errors.Wrapf(eventlog.ErrCorrupt, "checkpoint line %q", lines[1])
	}

	for _, line := range lines[2:] {
		parts := strings.SplitN(line, ",", 3)
		if len(parts) != 3 {
			return IndexMap{}, errors.Wrapf(eventlog.ErrCorrupt, "table line %q", line)
		}
		level, err := strconv.Atoi(parts[0])
		if err != nil || level < 0 {
			return IndexMap{}, errors.Wrapf(eventlog.ErrCorrupt, "table line %q", line)
		}
		for len(m.Levels) <= level {
			m.Levels = append(m.Levels, nil)
		}
		m.Levels[level] = append(m.Levels[level], parts[2])
	}
	return m, nil
}
