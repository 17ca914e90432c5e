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

package logrecord

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const formatVersion byte = 1

// ErrInvalidRecord is returned by Decode for unknown record types or format
// versions and for truncated input.
var ErrInvalidRecord = errors.New("invalid log record")

// Encode serializes a record. The first two bytes always hold the record type
// and the format version.
func Encode(rec Record) ([]byte, error) {
	switch r := rec.(type) {
	case *PrepareRecord:
		return encodePrepare(r), nil
	case *CommitRecord:
		return encodeCommit(r), nil
	case *SystemRecord:
		return encodeSystem(r), nil
	default:
		return nil, errors.Errorf("cannot encode record of type %T", rec)
	}
}

func encodePrepare(p *PrepareRecord) []byte {
	size := 2 + 2 + 8 + 8 + 4 + 8 + 8 + 8 + 16 + 16 +
		4 + len(p.EventStreamID) + 4 + len(p.EventType) +
		4 + len(p.Data) + 4 + len(p.Metadata)

	buf := make([]byte, 0, size)
	buf = append(buf, byte(RecordTypePrepare), formatVersion)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(p.Flags))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.LogPosition))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.TransactionPosition))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.TransactionOffset))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.ExpectedVersion))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.EventNumber))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(encodeTime(p.TimeStamp)))
	buf = append(buf, p.EventID[:]...)
	buf = append(buf, p.CorrelationID[:]...)
	buf = appendBytes(buf, []byte(p.EventStreamID))
	buf = appendBytes(buf, []byte(p.EventType))
	buf = appendBytes(buf, p.Data)
	buf = appendBytes(buf, p.Metadata)
	return buf
}

func encodeCommit(c *CommitRecord) []byte {
	buf := make([]byte, 0, 2+8*5+16)
	buf = append(buf, byte(RecordTypeCommit), formatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(c.LogPosition))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(c.TransactionPosition))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(c.FirstEventNumber))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(c.SortKey))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(encodeTime(c.TimeStamp)))
	buf = append(buf, c.CorrelationID[:]...)
	return buf
}

func encodeSystem(s *SystemRecord) []byte {
	buf := make([]byte, 0, 2+8+8+2+4+len(s.Data))
	buf = append(buf, byte(RecordTypeSystem), formatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.LogPosition))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(encodeTime(s.TimeStamp)))
	buf = append(buf, byte(s.SystemRecordType), byte(s.Serialization))
	buf = appendBytes(buf, s.Data)
	return buf
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}

func decodeTime(v int64) time.Time {
	if v == math.MinInt64 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

// Decode parses a record previously produced by Encode. The returned record
// does not alias data.
func Decode(data []byte) (Record, error) {
	if len(data) < 2 {
		return nil, errors.Wrap(ErrInvalidRecord, "record shorter than its preamble")
	}

	if data[1] != formatVersion {
		return nil, errors.Wrapf(ErrInvalidRecord, "unsupported format version %d",
			data[1])
	}

	d := &decoder{data: data, pos: 2}
	var rec Record
	switch RecordType(data[0]) {
	case RecordTypePrepare:
		rec = d.prepare()
	case RecordTypeCommit:
		rec = d.commit()
	case RecordTypeSystem:
		rec = d.system()
	default:
		return nil, errors.Wrapf(ErrInvalidRecord, "unknown record type %d", data[0])
	}

	if d.err != nil {
		return nil, d.err
	}
	return rec, nil
}

// PeekType returns the record type without decoding the whole record.
func PeekType(data []byte) (RecordType, error) {
	if len(data) < 2 {
		return 0, ErrInvalidRecord
	}
	return RecordType(data[0]), nil
}

type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) prepare() *PrepareRecord {
	p := &PrepareRecord{}
	p.Flags = PrepareFlags(d.uint16())
	p.LogPosition = d.int64()
	p.TransactionPosition = d.int64()
	p.TransactionOffset = int32(d.uint32())
	p.ExpectedVersion = d.int64()
	p.EventNumber = d.int64()
	p.TimeStamp = decodeTime(d.int64())
	p.EventID = d.uuid()
	p.CorrelationID = d.uuid()
	p.EventStreamID = string(d.bytes())
	p.EventType = string(d.bytes())
	p.Data = d.bytes()
	p.Metadata = d.bytes()
	return p
}

func (d *decoder) commit() *CommitRecord {
	c := &CommitRecord{}
	c.LogPosition = d.int64()
	c.TransactionPosition = d.int64()
	c.FirstEventNumber = d.int64()
	c.SortKey = d.int64()
	c.TimeStamp = decodeTime(d.int64())
	c.CorrelationID = d.uuid()
	return c
}

func (d *decoder) system() *SystemRecord {
	s := &SystemRecord{}
	s.LogPosition = d.int64()
	s.TimeStamp = decodeTime(d.int64())
	s.SystemRecordType = SystemRecordType(d.byte())
	s.Serialization = SystemRecordSerialization(d.byte())
	s.Data = d.bytes()
	return s
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || d.pos+n > len(d.data) {
		d.err = errors.Wrapf(ErrInvalidRecord, "truncated at offset %d", d.pos)
		return false
	}
	return true
}

func (d *decoder) byte() byte {
	if !d.need(1) {
		return 0
	}
	b := d.data[d.pos]
	d.pos++
	return b
}

func (d *decoder) uint16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.data[d.pos:])
	d.pos += 2
	return v
}

func (d *decoder) uint32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) int64() int64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.pos:])
	d.pos += 8
	return int64(v)
}

func (d *decoder) uuid() uuid.UUID {
	var id uuid.UUID
	if !d.need(16) {
		return id
	}
	copy(id[:], d.data[d.pos:d.pos+16])
	d.pos += 16
	return id
}

func (d *decoder) bytes() []byte {
	n := int(d.uint32())
	if !d.need(n) {
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.data[d.pos:d.pos+n])
	d.pos += n
	return out
}
