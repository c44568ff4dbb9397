// Copyright 2024 The Firelock Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/firelock-dev/firelock/api"
	"github.com/firelock-dev/firelock/internal/flash"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func testState(ver uint16) State {
	return State{
		Meta: api.Metadata{
			Ver:    ver,
			MinVer: ver,
			Chunks: 4,
			Msg:    []byte("release"),
		},
		SHA256:  sha256.Sum256([]byte{byte(ver)}),
		Floor:   ver,
		Release: "1.2.3",
	}
}

func TestFactoryState(t *testing.T) {
	s, err := Open(flash.NewMemDevice(8), testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, ok := s.State(); ok {
		t.Error("fresh device reports installed state")
	}
	if got := s.Floor(); got != DefaultFloor {
		t.Errorf("fresh device floor %d, want %d", got, DefaultFloor)
	}
}

func TestPutPersists(t *testing.T) {
	dev := flash.NewMemDevice(8)

	s, err := Open(dev, testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := testState(3)

	if err := s.Put(want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := s.State()
	if !ok {
		t.Fatal("no state after Put")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}

	// Same device, fresh Store: the record must survive reopening.
	s, err = Open(dev, testKey)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	got, ok = s.State()
	if !ok {
		t.Fatal("no state after reopen")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Got diff after reopen: %s", diff)
	}
	if got := s.Floor(); got != 3 {
		t.Errorf("floor %d, want 3", got)
	}
}

func TestPutAlternatesSlots(t *testing.T) {
	dev := flash.NewMemDevice(8)

	var programmed []uint32
	dev.OnProgram = func(pageAddr uint32) {
		programmed = append(programmed, pageAddr)
	}

	s, err := Open(dev, testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for ver := uint16(1); ver <= 4; ver++ {
		if err := s.Put(testState(ver)); err != nil {
			t.Fatalf("Put %d: %v", ver, err)
		}
	}

	// Writes ping-pong between the two journal pages.
	want := []uint32{
		1 * api.FlashPageSize,
		0 * api.FlashPageSize,
		1 * api.FlashPageSize,
		0 * api.FlashPageSize,
	}
	if diff := cmp.Diff(want, programmed); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}

	got, _ := s.State()
	if got.Meta.Ver != 4 {
		t.Errorf("version %d, want 4", got.Meta.Ver)
	}
}

func TestNewestRevisionWins(t *testing.T) {
	dev := flash.NewMemDevice(8)

	s, err := Open(dev, testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Put(testState(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(testState(2)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Both slots now hold authentic records; reopening must pick the
	// higher revision.
	s, err = Open(dev, testKey)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	got, ok := s.State()
	if !ok {
		t.Fatal("no state after reopen")
	}
	if got.Meta.Ver != 2 {
		t.Errorf("version %d, want 2", got.Meta.Ver)
	}
}

func TestTornWriteFallsBack(t *testing.T) {
	dev := flash.NewMemDevice(8)

	s, err := Open(dev, testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Put(testState(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(testState(2)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Corrupt the newest record (revision 2, slot 0), simulating a torn
	// write: the journal must fall back to revision 1.
	page := make([]byte, api.FlashPageSize)
	if err := dev.Read(0, page); err != nil {
		t.Fatalf("Read: %v", err)
	}
	page[headerLen] ^= 0xff
	if err := dev.Program(0, page); err != nil {
		t.Fatalf("Program: %v", err)
	}

	s, err = Open(dev, testKey)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	got, ok := s.State()
	if !ok {
		t.Fatal("no state after corruption, want fallback record")
	}
	if got.Meta.Ver != 1 {
		t.Errorf("version %d, want fallback to 1", got.Meta.Ver)
	}
}

func TestWrongKeyRejectsState(t *testing.T) {
	dev := flash.NewMemDevice(8)

	s, err := Open(dev, testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(testState(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s, err = Open(dev, bytes.Repeat([]byte{0x43}, 32))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	if _, ok := s.State(); ok {
		t.Error("state accepted under the wrong sealing key")
	}
}

func TestStateEncodeDecode(t *testing.T) {
	want := testState(7)

	buf, err := want.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got := State{}
	if err := got.decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}
}
