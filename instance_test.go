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

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func discreteConfig(id uuid.UUID) FlowConfig {
	return FlowConfig{
		ID:           id,
		Variant:      FlowDiscrete,
		EditRate:     Rational{Numerator: 25, Denominator: 1},
		HistoryDepth: 8,
		CellSize:     256,
	}
}

func TestCreateFlowWriterIdempotent(t *testing.T) {
	inst := newTestInstance(t)
	id := uuid.New()
	schema := []byte(`{"media_type":"video/v210","label":"cam-1"}`)

	w1, created, err := inst.CreateFlowWriter(discreteConfig(id), schema)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, w1.Close())

	w2, created, err := inst.CreateFlowWriter(discreteConfig(id), schema)
	require.NoError(t, err)
	require.False(t, created, "existing flow must be reused")
	defer w2.Close()

	r, err := inst.CreateFlowReader(id)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, schema, r.Schema())
}

func TestCreateFlowWriterSchemaMismatch(t *testing.T) {
	inst := newTestInstance(t)
	id := uuid.New()

	w, _, err := inst.CreateFlowWriter(discreteConfig(id), []byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, _, err = inst.CreateFlowWriter(discreteConfig(id), []byte(`{"a":2}`))
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestSingleWriterPerFlow(t *testing.T) {
	inst := newTestInstance(t)
	id := uuid.New()

	w, _, err := inst.CreateFlowWriter(discreteConfig(id), nil)
	require.NoError(t, err)
	defer w.Close()

	_, _, err = inst.CreateFlowWriter(discreteConfig(id), nil)
	require.ErrorIs(t, err, ErrFlowBusy)
}

func TestWriterSlotReleasedOnClose(t *testing.T) {
	inst := newTestInstance(t)
	id := uuid.New()

	w, _, err := inst.CreateFlowWriter(discreteConfig(id), nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, _, err := inst.CreateFlowWriter(discreteConfig(id), nil)
	require.NoError(t, err)
	require.NoError(t, w2.Close())
}

func TestReaderOnMissingFlow(t *testing.T) {
	inst := newTestInstance(t)
	_, err := inst.CreateFlowReader(uuid.New())
	require.ErrorIs(t, err, ErrNoSuchFlow)
}

func TestBadConfig(t *testing.T) {
	inst := newTestInstance(t)

	cfg := discreteConfig(uuid.New())
	cfg.EditRate = Rational{}
	_, _, err := inst.CreateFlowWriter(cfg, nil)
	require.ErrorIs(t, err, ErrBadArg)

	cfg = discreteConfig(uuid.New())
	cfg.HistoryDepth = 5
	_, _, err = inst.CreateFlowWriter(cfg, nil)
	require.ErrorIs(t, err, ErrBadArg)

	cfg = discreteConfig(uuid.New())
	cfg.CellSize = 0
	_, _, err = inst.CreateFlowWriter(cfg, nil)
	require.ErrorIs(t, err, ErrBadArg)

	cfg = FlowConfig{
		ID:       uuid.New(),
		Variant:  FlowContinuous,
		EditRate: Rational{Numerator: 48000, Denominator: 1},
	}
	_, _, err = inst.CreateFlowWriter(cfg, nil)
	require.ErrorIs(t, err, ErrBadArg, "continuous flow without channels")
}

func TestDestroyFlow(t *testing.T) {
	inst := newTestInstance(t)
	id := uuid.New()

	w, _, err := inst.CreateFlowWriter(discreteConfig(id), nil)
	require.NoError(t, err)

	require.ErrorIs(t, inst.DestroyFlow(id), ErrFlowBusy, "destroy with live writer")

	r, err := inst.CreateFlowReader(id)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.ErrorIs(t, inst.DestroyFlow(id), ErrFlowBusy, "destroy with live reader")
	require.NoError(t, r.Close())

	require.NoError(t, inst.DestroyFlow(id))
	_, err = inst.CreateFlowReader(id)
	require.ErrorIs(t, err, ErrNoSuchFlow)

	require.ErrorIs(t, inst.DestroyFlow(id), ErrNoSuchFlow)
}

func TestListFlows(t *testing.T) {
	inst := newTestInstance(t)
	ids := map[uuid.UUID]bool{}
	for i := 0; i < 3; i++ {
		id := uuid.New()
		ids[id] = true
		w, _, err := inst.CreateFlowWriter(discreteConfig(id), nil)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	listed, err := inst.ListFlows()
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for _, id := range listed {
		require.True(t, ids[id], "unexpected flow %s", id)
	}
}

func TestRuntimeInfoWriterAttached(t *testing.T) {
	inst := newTestInstance(t)
	id := uuid.New()

	w, _, err := inst.CreateFlowWriter(discreteConfig(id), nil)
	require.NoError(t, err)

	r, err := inst.CreateFlowReader(id)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.RuntimeInfo().WriterAttached)
	epoch := r.RuntimeInfo().WriterEpoch
	require.NotZero(t, epoch)

	require.NoError(t, w.Close())
	require.False(t, r.RuntimeInfo().WriterAttached)

	// A writer restart is observable as an epoch bump.
	w2, _, err := inst.CreateFlowWriter(discreteConfig(id), nil)
	require.NoError(t, err)
	defer w2.Close()
	require.Equal(t, epoch+1, r.RuntimeInfo().WriterEpoch)

	// Wait deadline expiry still reports timeout, not a writer loss.
	err = r.WaitForGrain(0, 1, Now().Add(30*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
}
