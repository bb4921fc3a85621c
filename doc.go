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

// Package mxl implements the Media eXchange Layer, a shared-memory fabric
// that lets independent processes on one host exchange timed media as a
// sequence of indexed, timestamped payloads called grains.
//
// A flow is backed by a single memory-mapped file holding a write-once
// header, a circular index ring, and a payload arena. Producers attach a
// FlowWriter (one per flow, enforced with an advisory file lock) and
// publish grains or sample batches through a seqlock-style generation
// protocol; any number of FlowReaders map the same file read-only and
// observe committed data without locks or kernel-mediated copies.
//
// All timestamps are nanoseconds on the TAI clock. A flow's rational edit
// rate maps wall-clock time to grain indices, which is what lets readers
// wait for "the grain that should exist now" rather than for writer
// notifications. SynchronizationGroup builds on this to wait for a common
// timepoint across many flows at once.
package mxl
