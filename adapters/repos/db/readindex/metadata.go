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
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"
)

const (
	metaMaxCount       = "$maxCount"
	metaMaxAge         = "$maxAge"
	metaTruncateBefore = "$tb"
)

// StreamMetadata is the retention policy of a stream, stored as the latest
// event of its metastream. Zero values mean the rule is not set.
type StreamMetadata struct {
	MaxCount       int64
	MaxAge         time.Duration
	TruncateBefore int64
}

// metaStreamMetadata applies to every metastream: only the latest record
// matters.
var metaStreamMetadata = StreamMetadata{MaxCount: 1}

func (m StreamMetadata) IsEmpty() bool {
	return m == StreamMetadata{}
}

// ParseStreamMetadata reads the retention keys from a metadata event. Other
// keys are ignored.
func ParseStreamMetadata(data []byte) (StreamMetadata, error) {
	var m StreamMetadata
	if len(data) == 0 {
		return m, nil
	}

	err := jsonparser.ObjectEach(data, func(key, value []byte, typ jsonparser.ValueType, _ int) error {
		name := string(key)
		switch name {
		case metaMaxCount, metaMaxAge, metaTruncateBefore:
		default:
			return nil
		}

		if typ != jsonparser.Number {
			return errors.Errorf("%s must be a number, got %s", name, typ)
		}
		n, err := jsonparser.ParseInt(value)
		if err != nil {
			return errors.Wrapf(err, "parse %s", name)
		}
		if n < 0 || (n == 0 && name != metaTruncateBefore) {
			return errors.Errorf("%s must be positive, got %d", name, n)
		}

		switch name {
		case metaMaxCount:
			m.MaxCount = n
		case metaMaxAge:
			m.MaxAge = time.Duration(n) * time.Second
		case metaTruncateBefore:
			m.TruncateBefore = n
		}
		return nil
	})
	if err != nil {
		return StreamMetadata{}, errors.Wrap(err, "invalid stream metadata")
	}
	return m, nil
}

// JSON encodes the rules that are set.
func (m StreamMetadata) JSON() []byte {
	out := []byte("{}")
	set := func(key string, n int64) {
		// setting a top level key on a valid object cannot fail
		out, _ = jsonparser.Set(out, []byte(strconv.FormatInt(n, 10)), key)
	}
	if m.MaxCount > 0 {
		set(metaMaxCount, m.MaxCount)
	}
	if m.MaxAge > 0 {
		set(metaMaxAge, int64(m.MaxAge/time.Second))
	}
	if m.TruncateBefore > 0 {
		set(metaTruncateBefore, m.TruncateBefore)
	}
	return out
}

// FirstVisible is the lowest event number the count based rules leave
// visible in a stream whose last event is last.
func (m StreamMetadata) FirstVisible(last int64) int64 {
	first := int64(0)
	if m.TruncateBefore > first {
		first = m.TruncateBefore
	}
	if m.MaxCount > 0 && last-m.MaxCount+1 > first {
		first = last - m.MaxCount + 1
	}
	return first
}

// Expired reports whether an event written at ts is hidden by MaxAge.
func (m StreamMetadata) Expired(ts, now time.Time) bool {
	return m.MaxAge > 0 && ts.Before(now.Add(-m.MaxAge))
}
