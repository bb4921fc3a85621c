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

package arena

import (
	"runtime"
	"sync/atomic"
)

// Slot status values.
const (
	SlotEmpty     = uint32(0)
	SlotOpen      = uint32(1)
	SlotCommitted = uint32(2)
)

// Slot is a fixed-size record in the index ring, accessed in place in
// shared memory. The generation counter implements the seqlock: even
// means stable and readable, odd means under write. The counter wraps
// modulo 2^64; readers compare generations for equality, not order, so
// wrap is irrelevant.
type Slot struct {
	generation uint64
	index      uint64
	commitTime uint64 // int64 TAI ns, stored as bits
	total      uint32 // totalSlices
	valid      uint32 // validSlices
	payloadOff uint64
	payloadLen uint64
	status     uint32
	_          [12]byte
}

// SlotMeta is a consistent snapshot of a slot's published fields.
type SlotMeta struct {
	Generation uint64
	Index      uint64
	CommitTime int64
	Total      uint32
	Valid      uint32
	PayloadOff uint64
	PayloadLen uint64
	Status     uint32
}

func (s *Slot) Generation() uint64 { return atomic.LoadUint64(&s.generation) }
func (s *Slot) Index() uint64      { return atomic.LoadUint64(&s.index) }
func (s *Slot) Valid() uint32      { return atomic.LoadUint32(&s.valid) }
func (s *Slot) Status() uint32     { return atomic.LoadUint32(&s.status) }

func (s *Slot) SetIndex(v uint64)      { atomic.StoreUint64(&s.index, v) }
func (s *Slot) SetCommitTime(v int64)  { atomic.StoreUint64(&s.commitTime, uint64(v)) }
func (s *Slot) SetTotal(v uint32)      { atomic.StoreUint32(&s.total, v) }
func (s *Slot) SetValid(v uint32)      { atomic.StoreUint32(&s.valid, v) }
func (s *Slot) SetPayloadOff(v uint64) { atomic.StoreUint64(&s.payloadOff, v) }
func (s *Slot) SetPayloadLen(v uint64) { atomic.StoreUint64(&s.payloadLen, v) }
func (s *Slot) SetStatus(v uint32)     { atomic.StoreUint32(&s.status, v) }

// BeginWrite bumps the generation even→odd, opening a write section.
// Returns the odd generation.
func (s *Slot) BeginWrite() uint64 {
	return atomic.AddUint64(&s.generation, 1)
}

// EndWrite bumps the generation odd→even, publishing all stores made
// since BeginWrite.
func (s *Slot) EndWrite() uint64 {
	return atomic.AddUint64(&s.generation, 1)
}

// ForceEven recovers a slot abandoned under write by a dead writer.
// Only the (exclusive) writer may call this.
func (s *Slot) ForceEven() {
	if atomic.LoadUint64(&s.generation)&1 == 1 {
		atomic.StoreUint32(&s.valid, 0)
		atomic.StoreUint32(&s.status, SlotEmpty)
		atomic.StoreUint64(&s.index, UndefinedIndex)
		atomic.AddUint64(&s.generation, 1)
	}
}

// ReadConsistent reads the slot fields under the seqlock protocol: load
// the generation, reject odd, read fields, reload and compare. Spins up
// to maxSpins times before giving up; ok=false means the slot stayed
// under write for the whole budget.
func (s *Slot) ReadConsistent(maxSpins int) (m SlotMeta, ok bool) {
	for i := 0; i < maxSpins; i++ {
		g1 := atomic.LoadUint64(&s.generation)
		if g1&1 == 1 {
			runtime.Gosched()
			continue
		}
		m.Index = atomic.LoadUint64(&s.index)
		m.CommitTime = int64(atomic.LoadUint64(&s.commitTime))
		m.Total = atomic.LoadUint32(&s.total)
		m.Valid = atomic.LoadUint32(&s.valid)
		m.PayloadOff = atomic.LoadUint64(&s.payloadOff)
		m.PayloadLen = atomic.LoadUint64(&s.payloadLen)
		m.Status = atomic.LoadUint32(&s.status)
		g2 := atomic.LoadUint64(&s.generation)
		if g1 == g2 {
			m.Generation = g1
			return m, true
		}
		runtime.Gosched()
	}
	return SlotMeta{}, false
}

// Preamble is the mutable 64-byte record at indexRingOffset, ahead of
// the slot ring. It carries the only non-slot mutable state of a flow:
// the committed head index, its commit time, the live writer epoch and
// the writer-attached flag.
type Preamble struct {
	headIndex      uint64
	headCommitTime uint64 // int64 TAI ns, stored as bits
	writerEpoch    uint64
	writerAttached uint32
	_              [36]byte
}

func (p *Preamble) HeadIndex() uint64 { return atomic.LoadUint64(&p.headIndex) }

// SetHeadIndex publishes a new head index. The atomic store orders all
// preceding payload and slot stores before the new head value.
func (p *Preamble) SetHeadIndex(v uint64) { atomic.StoreUint64(&p.headIndex, v) }

func (p *Preamble) HeadCommitTime() int64     { return int64(atomic.LoadUint64(&p.headCommitTime)) }
func (p *Preamble) SetHeadCommitTime(v int64) { atomic.StoreUint64(&p.headCommitTime, uint64(v)) }

func (p *Preamble) WriterEpoch() uint64     { return atomic.LoadUint64(&p.writerEpoch) }
func (p *Preamble) BumpWriterEpoch() uint64 { return atomic.AddUint64(&p.writerEpoch, 1) }

func (p *Preamble) WriterAttached() bool { return atomic.LoadUint32(&p.writerAttached) != 0 }
func (p *Preamble) SetWriterAttached(attached bool) {
	var v uint32
	if attached {
		v = 1
	}
	atomic.StoreUint32(&p.writerAttached, v)
}
