/*
 * Copyright 2025 Media eXchange Layer contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package arena implements the shared-memory backing of a flow: a single
// memory-mapped file carrying a write-once header, an opaque schema blob,
// a mutable ring preamble, the grain slot ring, and the payload arena.
package arena

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

const (
	// FlowMagic identifies a flow file.
	FlowMagic = "MXLFLOW\x00"

	// FormatVersion is the current header format version.
	FormatVersion = uint16(1)

	// HeaderSize is the fixed size of the write-once flow header.
	HeaderSize = 256

	// PreambleSize is the size of the mutable ring preamble that sits at
	// indexRingOffset, ahead of the slot records.
	PreambleSize = 64

	// SlotSize is the fixed size of one grain slot record.
	SlotSize = 64

	// UndefinedIndex denotes "no valid index".
	UndefinedIndex = math.MaxUint64
)

// Flow variants.
const (
	Discrete   = uint8(0)
	Continuous = uint8(1)
)

// Header is the decoded form of the 256-byte write-once flow header.
// Little-endian, fixed field widths:
//
//	[0]   magic(8) version(2) variant(1) reserved(5)
//	[16]  flowId(16)
//	[32]  editRate num(8) den(8)
//	[48]  historyDepth(8) cellSize(8)
//	[64]  indexRingOffset(8) payloadArenaOffset(8)
//	[80]  writerEpoch(8) createdAt(8)
//	[96]  schemaBlobOffset(8) schemaBlobLen(8)
//	[112] reserved(8)
//	[120] schemaCrc(4) channels(4) sampleWordSize(4)
//	[132] padding to 256
//
// For discrete flows HistoryDepth is the slot/cell count N, a power of
// two. For continuous flows it records the per-channel ring length in
// samples (CellSize / SampleWordSize).
type Header struct {
	Version        uint16
	Variant        uint8
	FlowID         [16]byte
	EditRateNum    int64
	EditRateDen    int64
	HistoryDepth   uint64
	CellSize       uint64
	IndexRingOff   uint64
	PayloadOff     uint64
	WriterEpoch    uint64
	CreatedAt      int64
	SchemaOff      uint64
	SchemaLen      uint64
	SchemaCRC      uint32
	Channels       uint32
	SampleWordSize uint32

	// TotalSize is derived by ComputeLayout; not stored in the header.
	TotalSize uint64
}

// SchemaChecksum is the CRC-32 (IEEE) of a schema blob as recorded in
// the header.
func SchemaChecksum(schema []byte) uint32 {
	return crc32.ChecksumIEEE(schema)
}

func alignTo64(n uint64) uint64 {
	return (n + 63) &^ 63
}

// IsPowerOfTwo reports whether n is a power of two.
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && n&(n-1) == 0
}

// NextPowerOfTwo returns the smallest power of two >= n.
func NextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if IsPowerOfTwo(n) {
		return n
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// arenaBytes returns the payload arena size for a header.
func (h *Header) arenaBytes() uint64 {
	if h.Variant == Continuous {
		return uint64(h.Channels) * h.CellSize
	}
	return h.HistoryDepth * h.CellSize
}

// SlotCount returns the number of slot records in the index ring. A
// continuous flow keeps a single slot describing the last committed
// batch; a discrete flow keeps one per cell.
func (h *Header) SlotCount() uint64 {
	if h.Variant == Continuous {
		return 1
	}
	return h.HistoryDepth
}

// ComputeLayout fills the offset fields and TotalSize from the sizing
// fields and the schema length. Layout order is header, schema blob,
// ring preamble + slots, payload arena, each region 64-byte aligned.
func (h *Header) ComputeLayout(schemaLen int) error {
	if h.Variant == Discrete && !IsPowerOfTwo(h.HistoryDepth) {
		return fmt.Errorf("history depth %d is not a power of two", h.HistoryDepth)
	}
	if h.CellSize == 0 {
		return fmt.Errorf("cell size must be non-zero")
	}
	if h.Variant == Continuous {
		if h.Channels == 0 || h.SampleWordSize == 0 {
			return fmt.Errorf("continuous flow needs channels and sample word size")
		}
		if h.CellSize%uint64(h.SampleWordSize) != 0 {
			return fmt.Errorf("cell size %d not a multiple of sample word size %d", h.CellSize, h.SampleWordSize)
		}
		h.HistoryDepth = h.CellSize / uint64(h.SampleWordSize)
	}
	h.SchemaOff = HeaderSize
	h.SchemaLen = uint64(schemaLen)
	h.IndexRingOff = alignTo64(h.SchemaOff + h.SchemaLen)
	h.PayloadOff = alignTo64(h.IndexRingOff + PreambleSize + h.SlotCount()*SlotSize)
	h.TotalSize = h.PayloadOff + h.arenaBytes()
	return nil
}

// Encode writes the header into the first HeaderSize bytes of dst.
func (h *Header) Encode(dst []byte) {
	_ = dst[:HeaderSize]
	copy(dst[0:8], FlowMagic)
	binary.LittleEndian.PutUint16(dst[8:10], h.Version)
	dst[10] = h.Variant
	copy(dst[16:32], h.FlowID[:])
	binary.LittleEndian.PutUint64(dst[32:40], uint64(h.EditRateNum))
	binary.LittleEndian.PutUint64(dst[40:48], uint64(h.EditRateDen))
	binary.LittleEndian.PutUint64(dst[48:56], h.HistoryDepth)
	binary.LittleEndian.PutUint64(dst[56:64], h.CellSize)
	binary.LittleEndian.PutUint64(dst[64:72], h.IndexRingOff)
	binary.LittleEndian.PutUint64(dst[72:80], h.PayloadOff)
	binary.LittleEndian.PutUint64(dst[80:88], h.WriterEpoch)
	binary.LittleEndian.PutUint64(dst[88:96], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint64(dst[96:104], h.SchemaOff)
	binary.LittleEndian.PutUint64(dst[104:112], h.SchemaLen)
	binary.LittleEndian.PutUint32(dst[120:124], h.SchemaCRC)
	binary.LittleEndian.PutUint32(dst[124:128], h.Channels)
	binary.LittleEndian.PutUint32(dst[128:132], h.SampleWordSize)
}

// Decode parses and validates a header from src. Magic or version
// mismatch yields ErrIncompatible.
func Decode(src []byte) (Header, error) {
	var h Header
	if len(src) < HeaderSize {
		return h, fmt.Errorf("%w: file shorter than header", ErrIncompatible)
	}
	if string(src[0:8]) != FlowMagic {
		return h, fmt.Errorf("%w: bad magic", ErrIncompatible)
	}
	h.Version = binary.LittleEndian.Uint16(src[8:10])
	if h.Version != FormatVersion {
		return h, fmt.Errorf("%w: format version %d, want %d", ErrIncompatible, h.Version, FormatVersion)
	}
	h.Variant = src[10]
	if h.Variant != Discrete && h.Variant != Continuous {
		return h, fmt.Errorf("%w: unknown variant %d", ErrIncompatible, h.Variant)
	}
	copy(h.FlowID[:], src[16:32])
	h.EditRateNum = int64(binary.LittleEndian.Uint64(src[32:40]))
	h.EditRateDen = int64(binary.LittleEndian.Uint64(src[40:48]))
	h.HistoryDepth = binary.LittleEndian.Uint64(src[48:56])
	h.CellSize = binary.LittleEndian.Uint64(src[56:64])
	h.IndexRingOff = binary.LittleEndian.Uint64(src[64:72])
	h.PayloadOff = binary.LittleEndian.Uint64(src[72:80])
	h.WriterEpoch = binary.LittleEndian.Uint64(src[80:88])
	h.CreatedAt = int64(binary.LittleEndian.Uint64(src[88:96]))
	h.SchemaOff = binary.LittleEndian.Uint64(src[96:104])
	h.SchemaLen = binary.LittleEndian.Uint64(src[104:112])
	h.SchemaCRC = binary.LittleEndian.Uint32(src[120:124])
	h.Channels = binary.LittleEndian.Uint32(src[124:128])
	h.SampleWordSize = binary.LittleEndian.Uint32(src[128:132])
	h.TotalSize = h.PayloadOff + h.arenaBytes()
	return h, nil
}
