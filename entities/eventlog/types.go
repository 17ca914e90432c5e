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

package eventlog

import (
	"fmt"
	"math"
	"strings"
)

// Reserved event numbers
const (
	// DeletedStream is the event number of a tombstone. A stream whose latest
	// event carries it is hard deleted.
	DeletedStream int64 = math.MaxInt64
	NoStream      int64 = -1
	Invalid       int64 = -2
)

// Expected versions accepted by the write path
const (
	ExpectedAny          int64 = -2
	ExpectedNoStream     int64 = -1
	ExpectedStreamExists int64 = -4
)

const metaStreamPrefix = "$$"

func IsMetaStream(stream string) bool {
	return strings.HasPrefix(stream, metaStreamPrefix)
}

func MetaStreamOf(stream string) string {
	return metaStreamPrefix + stream
}

func OriginalStreamOf(metaStream string) string {
	return strings.TrimPrefix(metaStream, metaStreamPrefix)
}

// TFPos is a position in the "all" stream. Events written as part of an
// explicit transaction become visible at the position of their commit.
type TFPos struct {
	CommitPosition  int64
	PreparePosition int64
}

var (
	FirstPos = TFPos{0, 0}
	HeadPos  = TFPos{-1, -1}
)

func (p TFPos) Less(o TFPos) bool {
	if p.CommitPosition != o.CommitPosition {
		return p.CommitPosition < o.CommitPosition
	}
	return p.PreparePosition < o.PreparePosition
}

func (p TFPos) String() string {
	return fmt.Sprintf("C:%d/P:%d", p.CommitPosition, p.PreparePosition)
}

type ReadEventResult int

const (
	ReadEventSuccess ReadEventResult = iota
	ReadEventNotFound
	ReadEventNoStream
	ReadEventStreamDeleted
)

func (r ReadEventResult) String() string {
	switch r {
	case ReadEventSuccess:
		return "Success"
	case ReadEventNotFound:
		return "NotFound"
	case ReadEventNoStream:
		return "NoStream"
	case ReadEventStreamDeleted:
		return "StreamDeleted"
	default:
		return fmt.Sprintf("ReadEventResult(%d)", int(r))
	}
}

type ReadStreamResult int

const (
	ReadStreamSuccess ReadStreamResult = iota
	ReadStreamNoStream
	ReadStreamDeleted
)

func (r ReadStreamResult) String() string {
	switch r {
	case ReadStreamSuccess:
		return "Success"
	case ReadStreamNoStream:
		return "NoStream"
	case ReadStreamDeleted:
		return "StreamDeleted"
	default:
		return fmt.Sprintf("ReadStreamResult(%d)", int(r))
	}
}
