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
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testHeader() Header {
	var h Header
	copy(h.FlowID[:], "0123456789abcdef")
	h.Variant = Discrete
	h.EditRateNum = 25
	h.EditRateDen = 1
	h.HistoryDepth = 8
	h.CellSize = 4096
	return h
}

func TestCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.data")
	schema := []byte(`{"media_type":"video/v210"}`)

	a, err := Create(path, testHeader(), schema)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Close()

	b, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer b.Close()

	h := b.Header()
	if h.Variant != Discrete || h.HistoryDepth != 8 || h.CellSize != 4096 {
		t.Fatalf("header mismatch after reopen: %+v", h)
	}
	if h.EditRateNum != 25 || h.EditRateDen != 1 {
		t.Fatalf("edit rate mismatch: %d/%d", h.EditRateNum, h.EditRateDen)
	}
	if !bytes.Equal(b.Schema(), schema) {
		t.Fatalf("schema mismatch: %q", b.Schema())
	}
	if b.Preamble().HeadIndex() != UndefinedIndex {
		t.Fatalf("fresh flow has head %d", b.Preamble().HeadIndex())
	}
	for k := uint64(0); k < 8; k++ {
		if idx := b.Slot(k).Index(); idx != UndefinedIndex {
			t.Fatalf("fresh slot %d has index %d", k, idx)
		}
	}
}

func TestCreateExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.data")
	a, err := Create(path, testHeader(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Close()

	if _, err := Create(path, testHeader(), nil); !os.IsExist(err) {
		t.Fatalf("second Create: got %v, want exist error", err)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.data")
	a, err := Create(path, testHeader(), []byte("schema"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	a.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	raw[0] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write back: %v", err)
	}

	if _, err := Open(path, false); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("bad magic: got %v, want ErrIncompatible", err)
	}
}

func TestOpenRejectsBadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.data")
	a, err := Create(path, testHeader(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	a.Close()

	raw, _ := os.ReadFile(path)
	raw[8] = 0xFE
	raw[9] = 0xFF
	os.WriteFile(path, raw, 0o644)

	if _, err := Open(path, false); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("bad version: got %v, want ErrIncompatible", err)
	}
}

func TestOpenRejectsCorruptSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.data")
	a, err := Create(path, testHeader(), []byte("schema blob"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	a.Close()

	raw, _ := os.ReadFile(path)
	raw[HeaderSize] ^= 0x01
	os.WriteFile(path, raw, 0o644)

	if _, err := Open(path, false); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("corrupt schema: got %v, want ErrIncompatible", err)
	}
}

func TestLayoutAlignment(t *testing.T) {
	h := testHeader()
	if err := h.ComputeLayout(100); err != nil {
		t.Fatalf("ComputeLayout failed: %v", err)
	}
	if h.IndexRingOff%64 != 0 || h.PayloadOff%64 != 0 {
		t.Fatalf("unaligned layout: ring %d, payload %d", h.IndexRingOff, h.PayloadOff)
	}
	if h.IndexRingOff < HeaderSize+100 {
		t.Fatalf("ring overlaps schema: %d", h.IndexRingOff)
	}
	if h.PayloadOff < h.IndexRingOff+PreambleSize+8*SlotSize {
		t.Fatalf("payload overlaps ring: %d", h.PayloadOff)
	}
	if h.TotalSize != h.PayloadOff+8*4096 {
		t.Fatalf("total size %d", h.TotalSize)
	}
}

func TestLayoutRejectsBadDepth(t *testing.T) {
	h := testHeader()
	h.HistoryDepth = 6
	if err := h.ComputeLayout(0); err == nil {
		t.Fatal("non-power-of-two depth accepted")
	}
}

func TestContinuousLayout(t *testing.T) {
	var h Header
	copy(h.FlowID[:], "fedcba9876543210")
	h.Variant = Continuous
	h.EditRateNum = 48000
	h.EditRateDen = 1
	h.CellSize = 48000
	h.Channels = 2
	h.SampleWordSize = 4
	if err := h.ComputeLayout(0); err != nil {
		t.Fatalf("ComputeLayout failed: %v", err)
	}
	if h.HistoryDepth != 12000 {
		t.Fatalf("ring samples: got %d, want 12000", h.HistoryDepth)
	}
	if h.SlotCount() != 1 {
		t.Fatalf("continuous slot count: got %d, want 1", h.SlotCount())
	}
	if h.TotalSize != h.PayloadOff+2*48000 {
		t.Fatalf("total size %d", h.TotalSize)
	}
}

func TestSeqlockReadConsistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.data")
	a, err := Create(path, testHeader(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Close()

	s := a.Slot(3)
	s.BeginWrite()
	s.SetIndex(11)
	s.SetValid(4)
	s.SetStatus(SlotOpen)

	// Under write: the odd generation must starve readers out.
	if _, ok := s.ReadConsistent(16); ok {
		t.Fatal("read succeeded on a slot under write")
	}

	s.SetStatus(SlotCommitted)
	s.EndWrite()

	m, ok := s.ReadConsistent(16)
	if !ok {
		t.Fatal("read failed on a stable slot")
	}
	if m.Index != 11 || m.Valid != 4 || m.Status != SlotCommitted {
		t.Fatalf("snapshot mismatch: %+v", m)
	}
	if m.Generation%2 != 0 {
		t.Fatalf("stable slot has odd generation %d", m.Generation)
	}
}

func TestWriterRecoveryForcesEven(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.data")
	a, err := Create(path, testHeader(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Close()

	// Simulate a writer killed mid-commit.
	s := a.Slot(5)
	s.BeginWrite()
	s.SetIndex(21)
	s.SetStatus(SlotOpen)

	if err := a.AcquireWriter(); err != nil {
		t.Fatalf("AcquireWriter failed: %v", err)
	}
	defer a.ReleaseWriter()

	m, ok := s.ReadConsistent(16)
	if !ok {
		t.Fatal("slot still under write after recovery")
	}
	if m.Index != UndefinedIndex || m.Status != SlotEmpty {
		t.Fatalf("recovered slot not reset: %+v", m)
	}
	if !a.Preamble().WriterAttached() {
		t.Fatal("writer not marked attached")
	}
	if a.Preamble().WriterEpoch() == 0 {
		t.Fatal("writer epoch not bumped")
	}
}

func TestDebugState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.data")
	a, err := Create(path, testHeader(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Close()

	a.Preamble().SetHeadIndex(41)
	st := a.DebugState()
	if st.HeadIndex != 41 {
		t.Fatalf("head: got %d, want 41", st.HeadIndex)
	}
	if len(st.Slots) != 8 {
		t.Fatalf("slots: got %d, want 8", len(st.Slots))
	}
}
