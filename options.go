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

// Variant distinguishes the two flow kinds: discrete flows carry one
// payload per index (a video grain), continuous flows carry a dense
// stream of fixed-width samples indexed by the first sample number.
type Variant uint8

const (
	FlowDiscrete Variant = iota
	FlowContinuous
)

func (v Variant) String() string {
	switch v {
	case FlowDiscrete:
		return "discrete"
	case FlowContinuous:
		return "continuous"
	}
	return fmt.Sprintf("variant(%d)", uint8(v))
}

// FlowOptions tune continuous flow sizing at creation time.
type FlowOptions struct {
	// MaxCommitBatchSizeHint is the largest sample batch a writer will
	// commit at once.
	MaxCommitBatchSizeHint uint32

	// MaxSyncBatchSizeHint is the largest sample batch a consumer will
	// wait for at once.
	MaxSyncBatchSizeHint uint32
}

// defaultBatchHint sizes continuous rings when the caller provides no
// hints and no explicit cell size.
const defaultBatchHint = 1024

// defaultHistoryDepth is the discrete slot/cell count when the caller
// leaves HistoryDepth zero.
const defaultHistoryDepth = 16

// FlowConfig describes a flow to be created.
type FlowConfig struct {
	ID       uuid.UUID
	Variant  Variant
	EditRate Rational

	// HistoryDepth is the slot/cell count for discrete flows; it must
	// be a power of two. Zero selects the default. Ignored for
	// continuous flows, where the ring length is CellSize divided by
	// SampleWordSize.
	HistoryDepth uint64

	// CellSize is the payload cell size in bytes. Discrete flows must
	// size it to the largest grain payload. For continuous flows it is
	// the per-channel ring size; zero derives it from the batch hints.
	CellSize uint64

	// Channels and SampleWordSize shape continuous flows only.
	Channels       uint32
	SampleWordSize uint32

	Options FlowOptions
}

// header validates the config and produces the arena header.
func (c FlowConfig) header() (arena.Header, error) {
	var h arena.Header
	if c.ID == uuid.Nil {
		return h, fmt.Errorf("%w: flow id must not be nil", ErrBadArg)
	}
	if !c.EditRate.Valid() {
		return h, fmt.Errorf("%w: edit rate %s", ErrBadArg, c.EditRate)
	}
	copy(h.FlowID[:], c.ID[:])
	h.EditRateNum = c.EditRate.Numerator
	h.EditRateDen = c.EditRate.Denominator

	switch c.Variant {
	case FlowDiscrete:
		h.Variant = arena.Discrete
		h.HistoryDepth = c.HistoryDepth
		if h.HistoryDepth == 0 {
			h.HistoryDepth = defaultHistoryDepth
		}
		if !arena.IsPowerOfTwo(h.HistoryDepth) {
			return h, fmt.Errorf("%w: history depth %d is not a power of two", ErrBadArg, h.HistoryDepth)
		}
		if c.CellSize == 0 {
			return h, fmt.Errorf("%w: discrete flow needs a cell size", ErrBadArg)
		}
		h.CellSize = c.CellSize

	case FlowContinuous:
		h.Variant = arena.Continuous
		if c.Channels == 0 || c.SampleWordSize == 0 {
			return h, fmt.Errorf("%w: continuous flow needs channels and sample word size", ErrBadArg)
		}
		h.Channels = c.Channels
		h.SampleWordSize = c.SampleWordSize
		h.CellSize = c.CellSize
		if h.CellSize == 0 {
			hint := max(c.Options.MaxCommitBatchSizeHint, c.Options.MaxSyncBatchSizeHint)
			if hint == 0 {
				hint = defaultBatchHint
			}
			// Eight batches of history keeps a committed batch readable
			// well after the writer has moved on.
			h.CellSize = arena.NextPowerOfTwo(8*uint64(hint)) * uint64(c.SampleWordSize)
		}
		if c.SampleWordSize != 0 && h.CellSize%uint64(c.SampleWordSize) != 0 {
			return h, fmt.Errorf("%w: cell size %d not a multiple of sample word size %d", ErrBadArg, h.CellSize, c.SampleWordSize)
		}
		ringSamples := h.CellSize / uint64(c.SampleWordSize)
		if hint := uint64(c.Options.MaxCommitBatchSizeHint); hint != 0 && ringSamples < 2*hint {
			return h, fmt.Errorf("%w: ring of %d samples cannot hold commit batches of %d", ErrBadArg, ringSamples, hint)
		}

	default:
		return h, fmt.Errorf("%w: unknown variant %d", ErrBadArg, c.Variant)
	}
	return h, nil
}
