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

// Package logrecord defines the records stored in the transaction log.
// Records are a closed set of variants (prepare, commit, system); decoding is
// a pure function from raw bytes to one of them.
package logrecord

import (
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/eventstore/entities/eventlog"
)

type RecordType byte

const (
	RecordTypePrepare RecordType = 0
	RecordTypeCommit  RecordType = 1
	RecordTypeSystem  RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case RecordTypePrepare:
		return "prepare"
	case RecordTypeCommit:
		return "commit"
	case RecordTypeSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Record is implemented by *PrepareRecord, *CommitRecord and *SystemRecord
// only.
type Record interface {
	Type() RecordType
	Position() int64
	isRecord()
}

type PrepareFlags uint16

const (
	FlagNone             PrepareFlags = 0
	FlagData             PrepareFlags = 1 << 0
	FlagTransactionBegin PrepareFlags = 1 << 1
	FlagTransactionEnd   PrepareFlags = 1 << 2
	FlagStreamDelete     PrepareFlags = 1 << 3
	FlagIsCommitted      PrepareFlags = 1 << 5
	FlagIsJSON           PrepareFlags = 1 << 8

	FlagSingleWrite = FlagData | FlagTransactionBegin | FlagTransactionEnd
)

func (f PrepareFlags) HasAnyOf(flags PrepareFlags) bool {
	return f&flags != 0
}

func (f PrepareFlags) HasAllOf(flags PrepareFlags) bool {
	return f&flags == flags
}

const StreamDeletedEventType = "$streamDeleted"

type PrepareRecord struct {
	LogPosition         int64
	TransactionPosition int64
	TransactionOffset   int32
	Flags               PrepareFlags

	ExpectedVersion int64
	// EventNumber is known for self-committed prepares. Prepares that are
	// finalized by a later commit carry eventlog.Invalid.
	EventNumber int64

	EventStreamID string
	EventID       uuid.UUID
	CorrelationID uuid.UUID
	TimeStamp     time.Time
	EventType     string
	Data          []byte
	Metadata      []byte
}

func (p *PrepareRecord) Type() RecordType { return RecordTypePrepare }
func (p *PrepareRecord) Position() int64  { return p.LogPosition }
func (p *PrepareRecord) isRecord()        {}

func (p *PrepareRecord) IsSelfCommitted() bool {
	return p.Flags.HasAnyOf(FlagIsCommitted)
}

func (p *PrepareRecord) IsTombstone() bool {
	return p.Flags.HasAnyOf(FlagStreamDelete)
}

// NewSingleWrite builds a self-committed prepare holding one event.
func NewSingleWrite(logPosition int64, correlationID, eventID uuid.UUID,
	stream string, expectedVersion int64, eventType string, data, metadata []byte,
	timeStamp time.Time,
) *PrepareRecord {
	return &PrepareRecord{
		LogPosition:         logPosition,
		TransactionPosition: logPosition,
		TransactionOffset:   0,
		Flags:               FlagSingleWrite | FlagIsCommitted,
		ExpectedVersion:     expectedVersion,
		EventNumber:         expectedVersion + 1,
		EventStreamID:       stream,
		EventID:             eventID,
		CorrelationID:       correlationID,
		TimeStamp:           timeStamp,
		EventType:           eventType,
		Data:                data,
		Metadata:            metadata,
	}
}

// NewDeleteTombstone builds the prepare that hard deletes a stream.
func NewDeleteTombstone(logPosition int64, correlationID uuid.UUID,
	stream string, expectedVersion int64, timeStamp time.Time,
) *PrepareRecord {
	flags := FlagStreamDelete | FlagTransactionBegin | FlagTransactionEnd |
		FlagIsCommitted

	return &PrepareRecord{
		LogPosition:         logPosition,
		TransactionPosition: logPosition,
		Flags:               flags,
		ExpectedVersion:     expectedVersion,
		EventNumber:         eventlog.DeletedStream,
		EventStreamID:       stream,
		EventID:             uuid.New(),
		CorrelationID:       correlationID,
		TimeStamp:           timeStamp,
		EventType:           StreamDeletedEventType,
	}
}

type CommitRecord struct {
	LogPosition         int64
	TransactionPosition int64
	FirstEventNumber    int64
	SortKey             int64
	CorrelationID       uuid.UUID
	TimeStamp           time.Time
}

func (c *CommitRecord) Type() RecordType { return RecordTypeCommit }
func (c *CommitRecord) Position() int64  { return c.LogPosition }
func (c *CommitRecord) isRecord()        {}

type SystemRecordType byte

const (
	SystemRecordInvalid SystemRecordType = 0
	SystemRecordEpoch   SystemRecordType = 1
)

type SystemRecordSerialization byte

const (
	SerializationInvalid SystemRecordSerialization = 0
	SerializationBinary  SystemRecordSerialization = 1
	SerializationJSON    SystemRecordSerialization = 2
)

type SystemRecord struct {
	LogPosition      int64
	TimeStamp        time.Time
	SystemRecordType SystemRecordType
	Serialization    SystemRecordSerialization
	Data             []byte
}

func (s *SystemRecord) Type() RecordType { return RecordTypeSystem }
func (s *SystemRecord) Position() int64  { return s.LogPosition }
func (s *SystemRecord) isRecord()        {}

// Reposition returns a copy of rec moved to pos. A prepare that starts its own
// transaction moves its transaction position along with it.
func Reposition(rec Record, pos int64) Record {
	switch r := rec.(type) {
	case *PrepareRecord:
		cp := *r
		if cp.TransactionPosition == cp.LogPosition {
			cp.TransactionPosition = pos
		}
		cp.LogPosition = pos
		return &cp
	case *CommitRecord:
		cp := *r
		cp.LogPosition = pos
		return &cp
	case *SystemRecord:
		cp := *r
		cp.LogPosition = pos
		return &cp
	default:
		return rec
	}
}
