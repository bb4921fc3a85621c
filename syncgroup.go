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

import "sync"

// SynchronizationGroup aggregates weak handles to flow readers so a
// caller can wait for a common timepoint across many flows at once. The
// group never owns its readers: entries hold registry keys, and a
// reader closed while enrolled surfaces as ErrReaderGone on the next
// wait, which also purges the dead entry.
//
// The entry list is logically unordered but self-optimizing: whenever a
// flow observes a new maximum source delay exceeding the delay of the
// current head entry, it moves to the front. Blocking on the slowest
// source first means the remaining flows are very likely already
// satisfied when polled, so the whole pass costs one wait.
type SynchronizationGroup struct {
	mu      sync.Mutex
	entries []*syncEntry
}

type syncEntry struct {
	inst    *Instance
	key     uint64
	variant Variant

	// minValidSlices is the partial-frame admission threshold,
	// discrete flows only.
	minValidSlices uint32

	// grainRate is cached at enrollment for localized access.
	grainRate Rational

	// maxObservedSourceDelay is the running maximum of
	// now(TAI) - expectedArrivalTime over successful waits.
	maxObservedSourceDelay int64
}

// NewSynchronizationGroup returns an empty group.
func NewSynchronizationGroup() *SynchronizationGroup {
	return &SynchronizationGroup{}
}

// AddReader enrolls a reader. Enrollment is idempotent by reader
// identity; re-adding a discrete reader updates its minValidSlices.
// The threshold is ignored for continuous readers.
func (g *SynchronizationGroup) AddReader(r *FlowReader, minValidSlices uint32) {
	if r == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entries {
		if e.inst == r.inst && e.key == r.key {
			if e.variant == FlowDiscrete {
				e.minValidSlices = minValidSlices
			}
			return
		}
	}
	e := &syncEntry{
		inst:      r.inst,
		key:       r.key,
		variant:   r.variant,
		grainRate: r.rate,
	}
	if r.variant == FlowDiscrete {
		e.minValidSlices = minValidSlices
	}
	g.entries = append(g.entries, e)
}

// RemoveReader withdraws a reader from the group. Removing a reader
// that is not enrolled is a no-op.
func (g *SynchronizationGroup) RemoveReader(r *FlowReader) {
	if r == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, e := range g.entries {
		if e.inst == r.inst && e.key == r.key {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			return
		}
	}
}

// WaitForDataAt waits until every enrolled flow has data for the grain
// or sample index active at originTime, or the absolute TAI deadline
// expires. Flows whose head already covers the expected index are
// skipped without blocking. The first non-nil wait result is returned
// immediately; a reader closed while enrolled yields ErrReaderGone and
// is purged from the group.
func (g *SynchronizationGroup) WaitForDataAt(originTime, deadline Timepoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < len(g.entries); i++ {
		e := g.entries[i]
		r := e.inst.lookupReader(e.key)
		if r == nil {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			return ErrReaderGone
		}

		expected := TimestampToIndex(e.grainRate, originTime)
		ri := r.RuntimeInfo()
		if ri.HeadIndex != UndefinedIndex && expected <= ri.HeadIndex {
			continue
		}

		var err error
		switch e.variant {
		case FlowDiscrete:
			err = r.WaitForGrain(expected, e.minValidSlices, deadline)
		case FlowContinuous:
			err = r.WaitForSamples(expected, deadline)
		}
		if err != nil {
			return err
		}

		// A new per-flow maximum source delay that also beats the head
		// entry's maximum promotes this flow to the front, so future
		// passes block on the slowest source first.
		arrival := IndexToTimestamp(e.grainRate, expected)
		if now := Now(); now > arrival {
			delay := int64(now - arrival)
			if delay > e.maxObservedSourceDelay {
				e.maxObservedSourceDelay = delay
				if i > 0 && delay > g.entries[0].maxObservedSourceDelay {
					copy(g.entries[1:i+1], g.entries[:i])
					g.entries[0] = e
				}
			}
		}
	}
	return nil
}

// order returns the enrolled reader keys in current list order.
func (g *SynchronizationGroup) order() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]uint64, len(g.entries))
	for i, e := range g.entries {
		keys[i] = e.key
	}
	return keys
}
