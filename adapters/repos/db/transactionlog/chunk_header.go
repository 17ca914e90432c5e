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
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/weaviate/eventstore/entities/eventlog"
)

const (
	ChunkHeaderSize = 128
	ChunkFooterSize = 128

	chunkFileType             byte = 0x01
	chunkVersion              byte = 3
	chunkMinCompatibleVersion byte = 3

	posMapEntrySize = 12
)

type ChunkHeader struct {
	Version              byte
	MinCompatibleVersion byte
	Transform            TransformType
	ChunkSize            int32
	ChunkStartNumber     int32
	ChunkEndNumber       int32
	IsScavenged          bool
	ChunkID              uuid.UUID
}

func newChunkHeader(chunkSize int32, start, end int32, scavenged bool,
	transform TransformType,
) ChunkHeader {
	return ChunkHeader{
		Version:              chunkVersion,
		MinCompatibleVersion: chunkMinCompatibleVersion,
		Transform:            transform,
		ChunkSize:            chunkSize,
		ChunkStartNumber:     start,
		ChunkEndNumber:       end,
		IsScavenged:          scavenged,
		ChunkID:              uuid.New(),
	}
}

// StartPosition is the global log position of the first byte covered by the
// chunk.
func (h ChunkHeader) StartPosition() int64 {
	return int64(h.ChunkStartNumber) * int64(h.ChunkSize)
}

// EndPosition is the global log position right after the chunk. A merged
// chunk covers several logical chunks.
func (h ChunkHeader) EndPosition() int64 {
	return int64(h.ChunkEndNumber+1) * int64(h.ChunkSize)
}

func (h ChunkHeader) Marshal() []byte {
	buf := make([]byte, ChunkHeaderSize)
	buf[0] = chunkFileType
	buf[1] = h.Version
	buf[2] = h.MinCompatibleVersion
	buf[3] = byte(h.Transform)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.ChunkSize))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.ChunkStartNumber))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.ChunkEndNumber))
	if h.IsScavenged {
		buf[16] = 1
	}
	copy(buf[17:33], h.ChunkID[:])
	return buf
}

func ParseChunkHeader(buf []byte) (ChunkHeader, error) {
	if len(buf) < ChunkHeaderSize {
		return ChunkHeader{}, errors.Wrapf(eventlog.ErrCorrupt,
			"chunk header has %d bytes", len(buf))
	}
	if buf[0] != chunkFileType {
		return ChunkHeader{}, errors.Wrapf(eventlog.ErrCorrupt,
			"unexpected file type %#x in chunk header", buf[0])
	}

	h := ChunkHeader{
		Version:              buf[1],
		MinCompatibleVersion: buf[2],
		Transform:            TransformType(buf[3]),
		ChunkSize:            int32(binary.LittleEndian.Uint32(buf[4:8])),
		ChunkStartNumber:     int32(binary.LittleEndian.Uint32(buf[8:12])),
		ChunkEndNumber:       int32(binary.LittleEndian.Uint32(buf[12:16])),
		IsScavenged:          buf[16] == 1,
	}
	copy(h.ChunkID[:], buf[17:33])

	if h.MinCompatibleVersion > chunkVersion {
		return ChunkHeader{}, errors.Errorf(
			"chunk requires format version %d, this build supports %d",
			h.MinCompatibleVersion, chunkVersion)
	}
	if h.ChunkSize <= 0 || h.ChunkEndNumber < h.ChunkStartNumber {
		return ChunkHeader{}, errors.Wrapf(eventlog.ErrCorrupt,
			"invalid chunk range %d-%d with size %d",
			h.ChunkStartNumber, h.ChunkEndNumber, h.ChunkSize)
	}

	return h, nil
}

const (
	footerFlagCompleted  byte = 1 << 0
	footerFlagMap12Bytes byte = 1 << 1
)

type ChunkFooter struct {
	Completed        bool
	MapIsTwelveBytes bool
	PhysicalDataSize int32
	// LogicalDataSize exceeds PhysicalDataSize once records have been
	// scavenged away or several chunks were merged.
	LogicalDataSize int64
	MapSize         int32
	// Hash is the xxhash64 of header, data and position map.
	Hash uint64
}

func (f ChunkFooter) Marshal() []byte {
	buf := make([]byte, ChunkFooterSize)
	if f.Completed {
		buf[0] |= footerFlagCompleted
	}
	if f.MapIsTwelveBytes {
		buf[0] |= footerFlagMap12Bytes
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(f.PhysicalDataSize))
	binary.LittleEndian.PutUint64(buf[5:13], uint64(f.LogicalDataSize))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(f.MapSize))
	binary.LittleEndian.PutUint64(buf[ChunkFooterSize-8:], f.Hash)
	return buf
}

func ParseChunkFooter(buf []byte) (ChunkFooter, error) {
	if len(buf) < ChunkFooterSize {
		return ChunkFooter{}, errors.Wrapf(eventlog.ErrCorrupt,
			"chunk footer has %d bytes", len(buf))
	}

	f := ChunkFooter{
		Completed:        buf[0]&footerFlagCompleted != 0,
		MapIsTwelveBytes: buf[0]&footerFlagMap12Bytes != 0,
		PhysicalDataSize: int32(binary.LittleEndian.Uint32(buf[1:5])),
		LogicalDataSize:  int64(binary.LittleEndian.Uint64(buf[5:13])),
		MapSize:          int32(binary.LittleEndian.Uint32(buf[13:17])),
		Hash:             binary.LittleEndian.Uint64(buf[ChunkFooterSize-8:]),
	}
	if f.PhysicalDataSize < 0 || f.MapSize < 0 || f.MapSize%posMapEntrySize != 0 {
		return ChunkFooter{}, errors.Wrapf(eventlog.ErrCorrupt,
			"invalid chunk footer sizes data=%d map=%d", f.PhysicalDataSize, f.MapSize)
	}
	return f, nil
}

// posMapEntry maps a logical offset, relative to the chunk start position, to
// the physical offset of the record in the data section of a scavenged chunk.
type posMapEntry struct {
	Logical  int64
	Physical int32
}

func (e posMapEntry) appendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Logical))
	return binary.LittleEndian.AppendUint32(buf, uint32(e.Physical))
}

func parsePosMap(buf []byte) []posMapEntry {
	out := make([]posMapEntry, len(buf)/posMapEntrySize)
	for i := range out {
		b := buf[i*posMapEntrySize:]
		out[i] = posMapEntry{
			Logical:  int64(binary.LittleEndian.Uint64(b[0:8])),
			Physical: int32(binary.LittleEndian.Uint32(b[8:12])),
		}
	}
	return out
}
