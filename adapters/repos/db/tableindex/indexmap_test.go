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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/eventstore/entities/eventlog"
)

func TestIndexMap(t *testing.T) {
	m := IndexMap{
		Version:           Version4,
		PrepareCheckpoint: 1024,
		CommitCheckpoint:  2048,
		Levels: [][]string{
			{"a.ptable", "b.ptable"},
			{"c.ptable"},
		},
	}

	t.Run("write and read", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), IndexMapFileName)
		require.NoError(t, m.Write(path))

		read, ok, err := ReadIndexMap(path)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, m, read)
	})

	t.Run("missing", func(t *testing.T) {
		_, ok, err := ReadIndexMap(filepath.Join(t.TempDir(), IndexMapFileName))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("tampered content is detected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), IndexMapFileName)
		require.NoError(t, m.Write(path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		tampered := strings.Replace(string(data), "checkpoint 1024/2048", "checkpoint 1024/4096", 1)
		require.NoError(t, os.WriteFile(path, []byte(tampered), 0o666))

		_, _, err = ReadIndexMap(path)
		assert.ErrorIs(t, err, eventlog.ErrCorrupt)
	})

	t.Run("empty levels", func(t *testing.T) {
		empty := IndexMap{Version: Version1, PrepareCheckpoint: -1, CommitCheckpoint: -1}
		read, err := parseIndexMap(func() string {
			path := filepath.Join(t.TempDir(), IndexMapFileName)
			require.NoError(t, empty.Write(path))
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			return string(data)
		}())
		require.NoError(t, err)
		assert.Equal(t, empty, read)
	})
}
