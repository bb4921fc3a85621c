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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/k0zmo/mxl/internal/arena"
)

// FlowDataFile is the name of the unified flow file inside a flow's
// directory. Header, schema blob, index ring and payload arena share
// one file so every participant needs exactly one mapping; the logical
// header/index/data split lives in the recorded offsets.
const FlowDataFile = "flow.data"

// Instance is the per-process catalog of open flows below one domain
// directory. The domain holds one subdirectory per flow, named by the
// flow's canonical UUID string.
type Instance struct {
	domain string

	mu      sync.Mutex
	writers map[uuid.UUID]struct{}
	readers map[uint64]*FlowReader
	nextKey uint64
	closed  bool
}

// CreateInstance opens (creating if needed) a domain directory and
// returns the process-local catalog over it.
func CreateInstance(domainPath string) (*Instance, error) {
	if domainPath == "" {
		return nil, fmt.Errorf("%w: empty domain path", ErrBadArg)
	}
	if err := os.MkdirAll(domainPath, 0o755); err != nil {
		return nil, fmt.Errorf("%w: domain %s: %v", ErrIO, domainPath, err)
	}
	return &Instance{
		domain:  domainPath,
		writers: make(map[uuid.UUID]struct{}),
		readers: make(map[uint64]*FlowReader),
	}, nil
}

// Domain returns the domain directory path.
func (in *Instance) Domain() string { return in.domain }

func (in *Instance) flowPath(id uuid.UUID) string {
	return filepath.Join(in.domain, id.String(), FlowDataFile)
}

// Close invalidates the instance. Open writers and readers stay usable
// until individually closed; flow files persist on disk.
func (in *Instance) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	return nil
}

// CreateFlowWriter creates the flow if it does not exist and attaches
// the process-exclusive writer to it. Creation is idempotent by flow
// identifier: an existing flow whose stored schema matches the supplied
// blob is reused and wasCreated is false; a mismatch is
// ErrSchemaMismatch. A second concurrent writer is ErrFlowBusy.
func (in *Instance) CreateFlowWriter(cfg FlowConfig, schema []byte) (w *FlowWriter, wasCreated bool, err error) {
	hdr, err := cfg.header()
	if err != nil {
		return nil, false, err
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil, false, fmt.Errorf("%w: instance closed", ErrBadArg)
	}
	if _, busy := in.writers[cfg.ID]; busy {
		in.mu.Unlock()
		return nil, false, ErrFlowBusy
	}
	in.writers[cfg.ID] = struct{}{}
	in.mu.Unlock()
	defer func() {
		if err != nil {
			in.releaseWriter(cfg.ID)
		}
	}()

	path := in.flowPath(cfg.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("%w: flow dir: %v", ErrIO, err)
	}

	a, err := arena.Create(path, hdr, schema)
	switch {
	case err == nil:
		wasCreated = true
	case os.IsExist(err):
		a, err = arena.Open(path, true)
		if err != nil {
			return nil, false, err
		}
		existing := a.Header()
		if existing.FlowID != hdr.FlowID ||
			existing.SchemaCRC != arena.SchemaChecksum(schema) ||
			!bytes.Equal(a.Schema(), schema) {
			a.Close()
			return nil, false, ErrSchemaMismatch
		}
	default:
		return nil, false, err
	}

	if err := a.AcquireWriter(); err != nil {
		a.Close()
		return nil, false, err
	}
	return newFlowWriter(in, a), wasCreated, nil
}

// CreateFlowReader opens a read-only view of an existing flow.
func (in *Instance) CreateFlowReader(id uuid.UUID) (*FlowReader, error) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil, fmt.Errorf("%w: instance closed", ErrBadArg)
	}
	in.mu.Unlock()

	a, err := arena.Open(in.flowPath(id), false)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchFlow, id)
		}
		return nil, err
	}

	in.mu.Lock()
	in.nextKey++
	r := newFlowReader(in, a, in.nextKey)
	in.readers[r.key] = r
	in.mu.Unlock()
	return r, nil
}

// DestroyFlow deletes a flow's backing files. The flow must not be held
// by this process, nor have a writer attached elsewhere.
func (in *Instance) DestroyFlow(id uuid.UUID) error {
	in.mu.Lock()
	if _, busy := in.writers[id]; busy {
		in.mu.Unlock()
		return ErrFlowBusy
	}
	for _, r := range in.readers {
		if r.flowID == id {
			in.mu.Unlock()
			return ErrFlowBusy
		}
	}
	in.mu.Unlock()

	path := in.flowPath(id)
	a, err := arena.Open(path, true)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoSuchFlow, id)
		}
		return err
	}
	if err := a.AcquireWriter(); err != nil {
		a.Close()
		return err
	}
	a.Close()
	if err := os.RemoveAll(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%w: destroy flow %s: %v", ErrIO, id, err)
	}
	return nil
}

// ListFlows returns the identifiers of all flows present in the domain.
func (in *Instance) ListFlows() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(in.domain)
	if err != nil {
		return nil, fmt.Errorf("%w: list domain: %v", ErrIO, err)
	}
	var ids []uuid.UUID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// lookupReader resolves a reader key to a live reader, or nil if the
// reader has been closed. Synchronization groups hold keys rather than
// readers so enrollment never extends a reader's lifetime.
func (in *Instance) lookupReader(key uint64) *FlowReader {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.readers[key]
}

func (in *Instance) unregisterReader(key uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.readers, key)
}

func (in *Instance) releaseWriter(id uuid.UUID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.writers, id)
}
