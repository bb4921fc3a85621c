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

package mxl

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/k0zmo/mxl/internal/arena"
)

// GrainInfo describes one grain. On the writer side OpenGrain returns a
// mutable GrainInfo whose ValidSlices (and, for sliced formats,
// TotalSlices) the caller updates before CommitGrain. On the reader side
// it is a snapshot of the committed slot.
type GrainInfo struct {
	Index           uint64
	TotalSlices     uint32
	ValidSlices     uint32
	CommitTimestamp Timepoint
	PayloadLen      uint64

	slot uint64
}

// SampleFragments is one channel's view of a sample batch: a contiguous
// span inside the channel ring, or two spans when the batch crosses the
// ring boundary. Second is nil when the batch does not wrap.
type SampleFragments struct {
	First  []byte
	Second []byte
}

// Len returns the total byte length of both fragments.
func (f SampleFragments) Len() int {
	return len(f.First) + len(f.Second)
}

// MultiBufferSlice describes a sample batch, one SampleFragments per
// channel. The caller reads or writes the fragments directly; the data
// lives in the shared arena.
type MultiBufferSlice struct {
	StartIndex uint64
	Count      uint64
	Channels   []SampleFragments
}

// FlowWriter is the single producer of a flow. At most one writer exists
// per flow at a time, enforced with an advisory lock on the flow file.
// The writer never blocks for readers and tolerates any number of them,
// including zero.
type FlowWriter struct {
	inst     *Instance
	a        *arena.Arena
	flowID   uuid.UUID
	variant  Variant
	rate     Rational
	depth    uint64 // slot count (discrete) or ring samples (continuous)
	mask     uint64 // depth-1, discrete only
	channels uint32
	wordSize uint32

	openInfo     *GrainInfo
	batchStart   uint64
	batchCount   uint64
	batchPending bool
	closed       bool
}

func newFlowWriter(inst *Instance, a *arena.Arena) *FlowWriter {
	h := a.Header()
	w := &FlowWriter{
		inst:     inst,
		a:        a,
		flowID:   uuid.UUID(h.FlowID),
		variant:  Variant(h.Variant),
		rate:     Rational{Numerator: h.EditRateNum, Denominator: h.EditRateDen},
		depth:    h.HistoryDepth,
		channels: h.Channels,
		wordSize: h.SampleWordSize,
	}
	if w.variant == FlowDiscrete {
		w.mask = w.depth - 1
	}
	return w
}

// ID returns the flow identifier.
func (w *FlowWriter) ID() uuid.UUID { return w.flowID }

// EditRate returns the flow's edit rate.
func (w *FlowWriter) EditRate() Rational { return w.rate }

// OpenGrain begins a write generation for the given index and returns
// the grain info plus the payload buffer inside the arena cell. The slot
// stays under write (odd generation) until CommitGrain. Opening an index
// older than the one the slot already committed fails with ErrStale;
// re-opening the same index is allowed so a producer can publish further
// slices of a partially committed grain.
func (w *FlowWriter) OpenGrain(index uint64) (*GrainInfo, []byte, error) {
	if w.closed || w.variant != FlowDiscrete {
		return nil, nil, fmt.Errorf("%w: OpenGrain on %s flow", ErrBadArg, w.variant)
	}
	if index == UndefinedIndex {
		return nil, nil, fmt.Errorf("%w: undefined grain index", ErrBadArg)
	}
	if w.openInfo != nil {
		return nil, nil, fmt.Errorf("%w: grain %d still open", ErrBadArg, w.openInfo.Index)
	}

	k := index & w.mask
	slot := w.a.Slot(k)
	if prev := slot.Index(); prev != arena.UndefinedIndex && index < prev {
		return nil, nil, fmt.Errorf("%w: slot holds newer index %d", ErrStale, prev)
	}

	reopen := slot.Index() == index && slot.Status() == arena.SlotCommitted

	slot.BeginWrite()
	slot.SetIndex(index)
	slot.SetPayloadOff(w.a.CellOffset(k))
	slot.SetPayloadLen(w.a.Header().CellSize)
	slot.SetStatus(arena.SlotOpen)

	info := &GrainInfo{
		Index:       index,
		TotalSlices: 1,
		PayloadLen:  w.a.Header().CellSize,
		slot:        k,
	}
	if reopen {
		info.ValidSlices = slot.Valid()
	} else {
		slot.SetValid(0)
	}
	w.openInfo = info
	return info, w.a.Cell(k), nil
}

// CommitGrain publishes the open grain: valid slice count, commit
// timestamp, then the generation bump that makes the slot readable. The
// flow head advances to the grain's index.
func (w *FlowWriter) CommitGrain(info *GrainInfo) error {
	if w.closed || info == nil || w.openInfo != info {
		return fmt.Errorf("%w: grain not open", ErrBadArg)
	}
	now := Now()
	slot := w.a.Slot(info.slot)
	slot.SetTotal(info.TotalSlices)
	slot.SetValid(info.ValidSlices)
	slot.SetCommitTime(int64(now))
	slot.SetStatus(arena.SlotCommitted)

	// The head must be current before the generation bump makes the
	// slot readable: a reader that observes a committed index also
	// observes headIndex at or past it.
	p := w.a.Preamble()
	if head := p.HeadIndex(); head == arena.UndefinedIndex || info.Index > head {
		p.SetHeadCommitTime(int64(now))
		p.SetHeadIndex(info.Index)
	}
	slot.EndWrite()

	info.CommitTimestamp = now
	w.openInfo = nil
	return nil
}

// OpenSamples reserves count samples starting at startIndex and returns
// their in-arena buffers, split into two fragments per channel when the
// batch crosses the ring boundary. Batches are limited to half the ring
// so committed history stays readable while the next batch is written.
func (w *FlowWriter) OpenSamples(startIndex, count uint64) (*MultiBufferSlice, error) {
	if w.closed || w.variant != FlowContinuous {
		return nil, fmt.Errorf("%w: OpenSamples on %s flow", ErrBadArg, w.variant)
	}
	if count == 0 || count > w.depth/2 {
		return nil, fmt.Errorf("%w: batch of %d samples (ring holds %d)", ErrBadArg, count, w.depth)
	}
	if startIndex == UndefinedIndex || startIndex+count < startIndex {
		return nil, fmt.Errorf("%w: sample index out of range", ErrBadArg)
	}
	if w.batchPending {
		return nil, fmt.Errorf("%w: batch at %d still open", ErrBadArg, w.batchStart)
	}
	if head := w.a.Preamble().HeadIndex(); head != arena.UndefinedIndex && startIndex+count-1 <= head {
		return nil, fmt.Errorf("%w: batch ends at %d, head already at %d", ErrStale, startIndex+count-1, head)
	}

	s := &MultiBufferSlice{
		StartIndex: startIndex,
		Count:      count,
		Channels:   make([]SampleFragments, w.channels),
	}
	for c := uint32(0); c < w.channels; c++ {
		s.Channels[c] = w.sliceChannel(c, startIndex, count)
	}
	w.batchStart = startIndex
	w.batchCount = count
	w.batchPending = true
	return s, nil
}

func (w *FlowWriter) sliceChannel(c uint32, start, count uint64) SampleFragments {
	region := w.a.ChannelRegion(c)
	ws := uint64(w.wordSize)
	pos := start % w.depth
	if pos+count <= w.depth {
		return SampleFragments{First: region[pos*ws : (pos+count)*ws]}
	}
	first := w.depth - pos
	return SampleFragments{
		First:  region[pos*ws:],
		Second: region[:(count-first)*ws],
	}
}

// CommitSamples publishes the open batch: the batch slot metadata and
// then the head index, whose store is the single release point readers
// synchronize on. Sub-grain visibility for continuous flows is the
// monotonic advance of the head; readers see only committed prefixes.
func (w *FlowWriter) CommitSamples() error {
	if w.closed || !w.batchPending {
		return fmt.Errorf("%w: no open sample batch", ErrBadArg)
	}
	now := Now()
	slot := w.a.Slot(0)
	slot.BeginWrite()
	slot.SetIndex(w.batchStart)
	slot.SetTotal(uint32(w.batchCount))
	slot.SetValid(uint32(w.batchCount))
	slot.SetCommitTime(int64(now))
	slot.SetStatus(arena.SlotCommitted)
	slot.EndWrite()

	p := w.a.Preamble()
	p.SetHeadCommitTime(int64(now))
	p.SetHeadIndex(w.batchStart + w.batchCount - 1)
	w.batchPending = false
	return nil
}

// Close releases the writer: the advisory lock is dropped and the
// mapping removed. The flow and its committed data stay available to
// readers.
func (w *FlowWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.inst.releaseWriter(w.flowID)
	return w.a.Close()
}
