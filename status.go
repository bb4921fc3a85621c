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
	"errors"

	"github.com/k0zmo/mxl/internal/arena"
)

// The enumerated error values of the exchange layer. Callers match them
// with errors.Is; operations that fail environmentally (an mmap or file
// error) wrap ErrIO and carry the underlying cause as message text only,
// so the cause itself is not reachable via Unwrap.
//
// Taxonomy:
//   - contract errors (ErrBadArg, ErrNoSuchFlow, ErrSchemaMismatch) are
//     caller bugs and not retriable;
//   - transient errors (ErrNotReady, ErrTimeout, ErrUnderWrite) invite a
//     retry, possibly with a new deadline;
//   - environment errors (ErrIO, ErrFlowBusy, ErrIncompatible) are
//     surfaced up without local recovery;
//   - lifecycle errors (ErrReaderGone, ErrStale) mean the caller must
//     reconstruct state.
var (
	ErrUnknown        = errors.New("mxl: unknown error")
	ErrTimeout        = errors.New("mxl: deadline expired")
	ErrNotReady       = errors.New("mxl: data not yet available")
	ErrStale          = errors.New("mxl: index no longer in history")
	ErrUnderWrite     = errors.New("mxl: slot under write")
	ErrIncompatible   = arena.ErrIncompatible
	ErrFlowBusy       = arena.ErrFlowBusy
	ErrSchemaMismatch = errors.New("mxl: flow exists with a different schema")
	ErrReaderGone     = errors.New("mxl: reader destroyed while enrolled")
	ErrNoSuchFlow     = errors.New("mxl: no such flow")
	ErrBadArg         = errors.New("mxl: invalid argument")
	ErrIO             = arena.ErrIO
)
