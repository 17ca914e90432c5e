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

package readindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamMetadata(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected StreamMetadata
		err      bool
	}{
		{name: "empty", input: ""},
		{name: "empty object", input: "{}"},
		{
			name:     "all rules",
			input:    `{"$maxCount": 3, "$maxAge": 60, "$tb": 10, "owner": "ops"}`,
			expected: StreamMetadata{MaxCount: 3, MaxAge: time.Minute, TruncateBefore: 10},
		},
		{name: "string value", input: `{"$maxCount": "3"}`, err: true},
		{name: "zero max count", input: `{"$maxCount": 0}`, err: true},
		{name: "negative truncate before", input: `{"$tb": -1}`, err: true},
		{name: "not json", input: `maxCount=3`, err: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m, err := ParseStreamMetadata([]byte(test.input))
			if test.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, m)
		})
	}

	t.Run("encoding round trips", func(t *testing.T) {
		m := StreamMetadata{MaxCount: 5, MaxAge: time.Hour, TruncateBefore: 2}
		parsed, err := ParseStreamMetadata(m.JSON())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	})
}

func TestStreamMetadataVisibility(t *testing.T) {
	t.Run("first visible", func(t *testing.T) {
		assert.Equal(t, int64(0), StreamMetadata{}.FirstVisible(10))
		assert.Equal(t, int64(8), StreamMetadata{MaxCount: 3}.FirstVisible(10))
		assert.Equal(t, int64(9), StreamMetadata{MaxCount: 3, TruncateBefore: 9}.FirstVisible(10))
		assert.Equal(t, int64(0), StreamMetadata{MaxCount: 30}.FirstVisible(10))
	})

	t.Run("expired", func(t *testing.T) {
		now := time.Unix(1000, 0)
		m := StreamMetadata{MaxAge: time.Minute}
		assert.True(t, m.Expired(now.Add(-2*time.Minute), now))
		assert.False(t, m.Expired(now.Add(-30*time.Second), now))
		assert.False(t, StreamMetadata{}.Expired(time.Unix(0, 0), now))
	})
}
