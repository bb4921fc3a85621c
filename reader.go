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
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/k0zmo/mxl/internal/arena"
)

// readSpinBudget bounds how long a fetch retries a slot that stays
// under write before reporting ErrUnderWrite.
const readSpinBudget = 256

// waitSpinRounds is the brief spin phase of a wait before it falls back
// to rate-derived sleeping.
const waitSpinRounds = 32

// waitPollFloorNs keeps overdue waits from degenerating into a busy
// loop once the target index's ideal arrival time has passed.
const waitPollFloorNs = 200_000

// FlowRuntimeInfo is a lock-free snapshot of a flow's mutable state.
type FlowRuntimeInfo struct {
	HeadIndex      uint64
	HeadCommitTime Timepoint
	WriterAttached bool
	WriterEpoch    uint64
	EditRate       Rational
	Variant        Variant
	HistoryDepth   uint64
}

// SamplesInfo reports the outcome of a continuous fetch. AvailableCount
// is filled when the request exceeds the committed head.
type SamplesInfo struct {
	StartIndex     uint64
	Count          uint64
	AvailableCount uint64
}

// FlowReader is one consumer of a flow. It holds a read-only mapping of
// the flow file; any number of readers may coexist with the writer.
type FlowReader struct {
	inst     *Instance
	a        *arena.Arena
	key      uint64
	flowID   uuid.UUID
	variant  Variant
	rate     Rational
	depth    uint64
	mask     uint64
	channels uint32
	wordSize uint32
	closed   atomic.Bool
}

func newFlowReader(inst *Instance, a *arena.Arena, key uint64) *FlowReader {
	h := a.Header()
	r := &FlowReader{
		inst:     inst,
		a:        a,
		key:      key,
		flowID:   uuid.UUID(h.FlowID),
		variant:  Variant(h.Variant),
		rate:     Rational{Numerator: h.EditRateNum, Denominator: h.EditRateDen},
		depth:    h.HistoryDepth,
		channels: h.Channels,
		wordSize: h.SampleWordSize,
	}
	if r.variant == FlowDiscrete {
		r.mask = r.depth - 1
	}
	return r
}

// ID returns the flow identifier.
func (r *FlowReader) ID() uuid.UUID { return r.flowID }

// EditRate returns the flow's edit rate.
func (r *FlowReader) EditRate() Rational { return r.rate }

// Variant returns the flow variant.
func (r *FlowReader) Variant() Variant { return r.variant }

// Schema returns the flow's stored schema blob, verbatim.
func (r *FlowReader) Schema() []byte { return r.a.Schema() }

// RuntimeInfo snapshots the flow's mutable state without locking.
func (r *FlowReader) RuntimeInfo() FlowRuntimeInfo {
	p := r.a.Preamble()
	return FlowRuntimeInfo{
		HeadIndex:      p.HeadIndex(),
		HeadCommitTime: Timepoint(p.HeadCommitTime()),
		WriterAttached: p.WriterAttached(),
		WriterEpoch:    p.WriterEpoch(),
		EditRate:       r.rate,
		Variant:        r.variant,
		HistoryDepth:   r.depth,
	}
}

// GetGrain fetches the committed grain at the given index. The returned
// payload is a view into the shared arena; it remains intact until the
// writer laps the ring, i.e. for historyDepth grain durations.
//
// Returns ErrNotReady if the slot has not yet reached the index,
// ErrStale if the ring has wrapped past it, and ErrUnderWrite if the
// slot stays under write beyond the spin budget.
func (r *FlowReader) GetGrain(index uint64) (GrainInfo, []byte, error) {
	if r.closed.Load() || r.variant != FlowDiscrete {
		return GrainInfo{}, nil, fmt.Errorf("%w: GetGrain on %s flow", ErrBadArg, r.variant)
	}
	if index == UndefinedIndex {
		return GrainInfo{}, nil, fmt.Errorf("%w: undefined grain index", ErrBadArg)
	}

	k := index & r.mask
	m, ok := r.a.Slot(k).ReadConsistent(readSpinBudget)
	if !ok {
		return GrainInfo{}, nil, ErrUnderWrite
	}
	switch {
	case m.Index == arena.UndefinedIndex || m.Status != arena.SlotCommitted || m.Index < index:
		return GrainInfo{}, nil, ErrNotReady
	case m.Index > index:
		return GrainInfo{}, nil, fmt.Errorf("%w: slot overwritten by index %d", ErrStale, m.Index)
	}

	info := GrainInfo{
		Index:           m.Index,
		TotalSlices:     m.Total,
		ValidSlices:     m.Valid,
		CommitTimestamp: Timepoint(m.CommitTime),
		PayloadLen:      m.PayloadLen,
		slot:            k,
	}
	return info, r.a.Cell(k)[:m.PayloadLen], nil
}

// GetSamples fetches count samples starting at startIndex. If part of
// the request is beyond the committed head it returns ErrNotReady with
// the available prefix length in info.AvailableCount; if the ring has
// already recycled the start it returns ErrStale.
func (r *FlowReader) GetSamples(startIndex, count uint64) (MultiBufferSlice, SamplesInfo, error) {
	info := SamplesInfo{StartIndex: startIndex, Count: count}
	if r.closed.Load() || r.variant != FlowContinuous {
		return MultiBufferSlice{}, info, fmt.Errorf("%w: GetSamples on %s flow", ErrBadArg, r.variant)
	}
	if count == 0 || count > r.depth/2 || startIndex == UndefinedIndex || startIndex+count < startIndex {
		return MultiBufferSlice{}, info, fmt.Errorf("%w: batch of %d samples at %d", ErrBadArg, count, startIndex)
	}

	head := r.a.Preamble().HeadIndex()
	if head == arena.UndefinedIndex {
		return MultiBufferSlice{}, info, ErrNotReady
	}
	if startIndex+count-1 > head {
		if head >= startIndex {
			info.AvailableCount = head - startIndex + 1
		}
		return MultiBufferSlice{}, info, ErrNotReady
	}
	if oldest := oldestRetained(head, r.depth); startIndex < oldest {
		return MultiBufferSlice{}, info, fmt.Errorf("%w: oldest retained sample is %d", ErrStale, oldest)
	}

	s := MultiBufferSlice{
		StartIndex: startIndex,
		Count:      count,
		Channels:   make([]SampleFragments, r.channels),
	}
	ws := uint64(r.wordSize)
	pos := startIndex % r.depth
	for c := uint32(0); c < r.channels; c++ {
		region := r.a.ChannelRegion(c)
		if pos+count <= r.depth {
			s.Channels[c] = SampleFragments{First: region[pos*ws : (pos+count)*ws]}
		} else {
			first := r.depth - pos
			s.Channels[c] = SampleFragments{
				First:  region[pos*ws:],
				Second: region[:(count-first)*ws],
			}
		}
	}
	info.AvailableCount = count
	return s, info, nil
}

func oldestRetained(head, depth uint64) uint64 {
	if head+1 > depth {
		return head + 1 - depth
	}
	return 0
}

// WaitForGrain blocks until the flow head has reached index and the
// slot carries at least minValidSlices valid slices, or the absolute
// TAI deadline expires. The wait is a bounded adaptive poll: a brief
// spin, then sleeps derived from the edit rate, never past the
// deadline. Returns ErrUnderWrite when the writer vanished mid-write.
func (r *FlowReader) WaitForGrain(index uint64, minValidSlices uint32, deadline Timepoint) error {
	if r.closed.Load() || r.variant != FlowDiscrete {
		return fmt.Errorf("%w: WaitForGrain on %s flow", ErrBadArg, r.variant)
	}
	if index == UndefinedIndex {
		return fmt.Errorf("%w: undefined grain index", ErrBadArg)
	}

	k := index & r.mask
	spins := 0
	for {
		head := r.a.Preamble().HeadIndex()
		if head != arena.UndefinedIndex && head >= index {
			m, ok := r.a.Slot(k).ReadConsistent(readSpinBudget)
			switch {
			case !ok:
				if !r.a.Preamble().WriterAttached() {
					return ErrUnderWrite
				}
			case m.Index > index && m.Index != arena.UndefinedIndex:
				return fmt.Errorf("%w: slot overwritten by index %d", ErrStale, m.Index)
			case m.Index == index && m.Status == arena.SlotCommitted && m.Valid >= minValidSlices:
				return nil
			}
		}
		if err := r.waitStep(index, deadline, &spins); err != nil {
			return err
		}
	}
}

// WaitForSamples blocks until the flow head has reached index or the
// deadline expires.
func (r *FlowReader) WaitForSamples(index uint64, deadline Timepoint) error {
	if r.closed.Load() || r.variant != FlowContinuous {
		return fmt.Errorf("%w: WaitForSamples on %s flow", ErrBadArg, r.variant)
	}
	if index == UndefinedIndex {
		return fmt.Errorf("%w: undefined sample index", ErrBadArg)
	}

	spins := 0
	for {
		head := r.a.Preamble().HeadIndex()
		if head != arena.UndefinedIndex && head >= index {
			return nil
		}
		if err := r.waitStep(index, deadline, &spins); err != nil {
			return err
		}
	}
}

// waitStep performs one backoff round of an adaptive poll: spin first,
// then sleep for the time until the index should arrive, clamped to the
// poll floor and to the remaining time before the deadline. No futex or
// other waiter state is kept in the mapped file, so the file stays
// meaningful across arbitrary process lifetimes.
func (r *FlowReader) waitStep(index uint64, deadline Timepoint, spins *int) error {
	if *spins < waitSpinRounds {
		*spins++
		runtime.Gosched()
		return nil
	}
	now := Now()
	if now >= deadline {
		return ErrTimeout
	}
	ns := NsUntilIndex(r.rate, index)
	if ns < waitPollFloorNs {
		ns = waitPollFloorNs
	}
	if remaining := int64(deadline - now); ns > remaining {
		ns = remaining
	}
	SleepForNs(ns)
	return nil
}

// Close releases the reader's mapping and withdraws it from the
// process-wide registry, invalidating any synchronization group
// enrollment.
func (r *FlowReader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.inst.unregisterReader(r.key)
	return r.a.Close()
}
