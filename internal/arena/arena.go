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
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"
)

var (
	// ErrIncompatible means the file is not a flow arena of a format
	// this build understands.
	ErrIncompatible = errors.New("mxl: incompatible flow file")

	// ErrFlowBusy means another writer holds the flow.
	ErrFlowBusy = errors.New("mxl: flow already has a writer")

	// ErrIO wraps environment-level file and mapping failures.
	ErrIO = errors.New("mxl: i/o error")
)

// Arena is a mapped flow file. Writers map it read-write and hold an
// exclusive advisory lock on header byte 0; readers map it read-only.
type Arena struct {
	f        *os.File
	mem      []byte
	path     string
	writable bool
	locked   bool
	hdr      Header
}

// Create creates and maps a new flow file at path. The header's sizing
// fields must be populated; offsets are computed here. Fails if the file
// already exists.
func Create(path string, hdr Header, schema []byte) (*Arena, error) {
	hdr.Version = FormatVersion
	hdr.SchemaCRC = SchemaChecksum(schema)
	hdr.CreatedAt = time.Now().UnixNano()
	if err := hdr.ComputeLayout(len(schema)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatible, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: create %s: %v", ErrIO, path, err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(path)
	}

	if err := f.Truncate(int64(hdr.TotalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: resize %s: %v", ErrIO, path, err)
	}
	mem, err := mapFile(f, int(hdr.TotalSize), true)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrIO, path, err)
	}

	a := &Arena{f: f, mem: mem, path: path, writable: true, hdr: hdr}
	hdr.Encode(mem)
	copy(mem[hdr.SchemaOff:hdr.SchemaOff+hdr.SchemaLen], schema)
	a.Preamble().SetHeadIndex(UndefinedIndex)
	for k := uint64(0); k < hdr.SlotCount(); k++ {
		a.Slot(k).SetIndex(UndefinedIndex)
	}
	return a, nil
}

// Open maps an existing flow file. The header is validated on every
// open: magic, version, recorded sizes against the file size, and the
// schema blob CRC.
func Open(path string, writable bool) (*Arena, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}
	if info.Size() < HeaderSize {
		f.Close()
		return nil, fmt.Errorf("%w: file shorter than header", ErrIncompatible)
	}
	mem, err := mapFile(f, int(info.Size()), writable)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrIO, path, err)
	}

	hdr, err := Decode(mem)
	if err != nil {
		unmapFile(mem)
		f.Close()
		return nil, err
	}
	if hdr.TotalSize > uint64(info.Size()) {
		unmapFile(mem)
		f.Close()
		return nil, fmt.Errorf("%w: recorded size %d exceeds file size %d", ErrIncompatible, hdr.TotalSize, info.Size())
	}
	schema := mem[hdr.SchemaOff : hdr.SchemaOff+hdr.SchemaLen]
	if SchemaChecksum(schema) != hdr.SchemaCRC {
		unmapFile(mem)
		f.Close()
		return nil, fmt.Errorf("%w: schema blob checksum mismatch", ErrIncompatible)
	}

	return &Arena{f: f, mem: mem, path: path, writable: writable, hdr: hdr}, nil
}

// Header returns the decoded write-once header.
func (a *Arena) Header() Header { return a.hdr }

// Path returns the backing file path.
func (a *Arena) Path() string { return a.path }

// Schema returns a view of the stored schema blob.
func (a *Arena) Schema() []byte {
	return a.mem[a.hdr.SchemaOff : a.hdr.SchemaOff+a.hdr.SchemaLen]
}

// Preamble returns the mutable ring preamble view.
func (a *Arena) Preamble() *Preamble {
	return (*Preamble)(unsafe.Pointer(&a.mem[a.hdr.IndexRingOff]))
}

// Slot returns the k-th slot record view.
func (a *Arena) Slot(k uint64) *Slot {
	off := a.hdr.IndexRingOff + PreambleSize + k*SlotSize
	return (*Slot)(unsafe.Pointer(&a.mem[off]))
}

// CellOffset returns the file offset of discrete payload cell k.
func (a *Arena) CellOffset(k uint64) uint64 {
	return a.hdr.PayloadOff + k*a.hdr.CellSize
}

// Cell returns the payload cell for a discrete grain slot.
func (a *Arena) Cell(k uint64) []byte {
	off := a.CellOffset(k)
	return a.mem[off : off+a.hdr.CellSize : off+a.hdr.CellSize]
}

// ChannelRegion returns channel c's sample ring for a continuous flow.
// Channels are strided by CellSize.
func (a *Arena) ChannelRegion(c uint32) []byte {
	off := a.hdr.PayloadOff + uint64(c)*a.hdr.CellSize
	return a.mem[off : off+a.hdr.CellSize : off+a.hdr.CellSize]
}

// AcquireWriter takes the exclusive writer role: an OS advisory lock on
// header byte 0, a writer epoch bump, and recovery of any slot a dead
// writer left under write. Contention yields ErrFlowBusy.
func (a *Arena) AcquireWriter() error {
	if !a.writable {
		return fmt.Errorf("%w: arena mapped read-only", ErrIO)
	}
	if err := lockHeaderByte(a.f); err != nil {
		return err
	}
	a.locked = true

	p := a.Preamble()
	p.BumpWriterEpoch()
	for k := uint64(0); k < a.hdr.SlotCount(); k++ {
		a.Slot(k).ForceEven()
	}
	p.SetWriterAttached(true)
	return nil
}

// ReleaseWriter drops the writer role and its lock.
func (a *Arena) ReleaseWriter() error {
	if !a.locked {
		return nil
	}
	a.Preamble().SetWriterAttached(false)
	a.locked = false
	return unlockHeaderByte(a.f)
}

// Close unmaps the arena and closes the file. The backing file stays on
// disk; only an explicit flow destroy removes it.
func (a *Arena) Close() error {
	var firstErr error
	if a.locked {
		firstErr = a.ReleaseWriter()
	}
	if a.mem != nil {
		if err := unmapFile(a.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		a.mem = nil
	}
	if a.f != nil {
		if err := a.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.f = nil
	}
	return firstErr
}

// State is a diagnostic snapshot of the mutable flow state.
type State struct {
	HeadIndex      uint64
	HeadCommitTime int64
	WriterEpoch    uint64
	WriterAttached bool
	Slots          []SlotMeta
}

// DebugState samples the preamble and every slot. Slots caught under
// write are reported with their odd generation and zeroed fields.
func (a *Arena) DebugState() State {
	p := a.Preamble()
	st := State{
		HeadIndex:      p.HeadIndex(),
		HeadCommitTime: p.HeadCommitTime(),
		WriterEpoch:    p.WriterEpoch(),
		WriterAttached: p.WriterAttached(),
	}
	for k := uint64(0); k < a.hdr.SlotCount(); k++ {
		m, ok := a.Slot(k).ReadConsistent(4)
		if !ok {
			m = SlotMeta{Generation: a.Slot(k).Generation()}
		}
		st.Slots = append(st.Slots, m)
	}
	return st
}
