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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroupAddRemoveIdempotent(t *testing.T) {
	inst := newTestInstance(t)
	w := newDiscreteWriter(t, inst, 8, 256)
	defer w.Close()

	r, err := inst.CreateFlowReader(w.ID())
	require.NoError(t, err)
	defer r.Close()

	g := NewSynchronizationGroup()
	g.AddReader(r, 1)
	g.AddReader(r, 4)
	require.Len(t, g.order(), 1, "re-adding the same reader must not duplicate")
	require.Equal(t, uint32(4), g.entries[0].minValidSlices, "re-add must update minValidSlices")

	g.RemoveReader(r)
	require.Empty(t, g.order())
	g.RemoveReader(r) // removing an absent reader is a no-op
	require.Empty(t, g.order())
}

func TestGroupSkipsSatisfiedFlows(t *testing.T) {
	inst := newTestInstance(t)
	w := newDiscreteWriter(t, inst, 8, 256)
	defer w.Close()

	r, err := inst.CreateFlowReader(w.ID())
	require.NoError(t, err)
	defer r.Close()

	origin := Now()
	fillAndCommit(t, w, TimestampToIndex(r.EditRate(), origin), 0x01)

	g := NewSynchronizationGroup()
	g.AddReader(r, 1)
	require.NoError(t, g.WaitForDataAt(origin, origin.Add(100*time.Millisecond)))
}

func TestGroupTimeout(t *testing.T) {
	inst := newTestInstance(t)
	w := newDiscreteWriter(t, inst, 8, 256)
	defer w.Close()

	r, err := inst.CreateFlowReader(w.ID())
	require.NoError(t, err)
	defer r.Close()

	g := NewSynchronizationGroup()
	g.AddReader(r, 1)

	origin := Now()
	err = g.WaitForDataAt(origin, origin.Add(50*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
}

// The slowest source must migrate to the head of the list so later
// passes block on it first.
func TestGroupAdaptiveReorder(t *testing.T) {
	inst := newTestInstance(t)
	wA := newDiscreteWriter(t, inst, 64, 64)
	defer wA.Close()
	wB := newDiscreteWriter(t, inst, 64, 64)
	defer wB.Close()

	rA, err := inst.CreateFlowReader(wA.ID())
	require.NoError(t, err)
	defer rA.Close()
	rB, err := inst.CreateFlowReader(wB.ID())
	require.NoError(t, err)
	defer rB.Close()

	g := NewSynchronizationGroup()
	g.AddReader(rA, 1)
	g.AddReader(rB, 1)
	require.Equal(t, []uint64{rA.key, rB.key}, g.order())

	rate := rA.EditRate()
	for i := 0; i < 10; i++ {
		origin := Now()
		expected := TimestampToIndex(rate, origin)

		// A is prompt, B trails by 50 ms.
		fillAndCommit(t, wA, expected, 0x0A)
		go func() {
			time.Sleep(50 * time.Millisecond)
			fillAndCommit(t, wB, expected, 0x0B)
		}()

		require.NoError(t, g.WaitForDataAt(origin, origin.Add(2*time.Second)))
		require.Equal(t, rB.key, g.order()[0], "iteration %d: slow flow not at head", i)

		// Let B's goroutine finish before reusing the writer.
		time.Sleep(60 * time.Millisecond)
	}
}

func TestGroupReaderGone(t *testing.T) {
	inst := newTestInstance(t)
	wA := newDiscreteWriter(t, inst, 8, 64)
	defer wA.Close()
	wB := newDiscreteWriter(t, inst, 8, 64)
	defer wB.Close()

	rA, err := inst.CreateFlowReader(wA.ID())
	require.NoError(t, err)
	defer rA.Close()
	rB, err := inst.CreateFlowReader(wB.ID())
	require.NoError(t, err)

	g := NewSynchronizationGroup()
	g.AddReader(rA, 1)
	g.AddReader(rB, 1)

	origin := Now()
	fillAndCommit(t, wA, TimestampToIndex(rA.EditRate(), origin), 0x0A)

	require.NoError(t, rB.Close())

	err = g.WaitForDataAt(origin, origin.Add(100*time.Millisecond))
	require.ErrorIs(t, err, ErrReaderGone)
	require.Equal(t, []uint64{rA.key}, g.order(), "dead entry must be purged")

	// With the dead entry gone the group is usable again.
	require.NoError(t, g.WaitForDataAt(origin, origin.Add(100*time.Millisecond)))
}
