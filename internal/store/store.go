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

// Package store persists the bootloader state (installed firmware
// metadata, its digest, and the anti-rollback version floor) in a
// two-page ping-pong journal at the start of flash.
//
// Records are written alternately to the two pages with an increasing
// revision, so a torn write leaves the previous record intact. Each
// record is sealed with an HMAC under a device-specific key; a record
// failing authentication is treated as absent.
package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/firelock-dev/firelock/api"
	"github.com/firelock-dev/firelock/internal/flash"
)

var magic = []byte("FLST")

const (
	headerLen = 4 + 4 + 4 + sha256.Size
	// maxPayload is the record payload budget within a single page.
	maxPayload = api.FlashPageSize - headerLen
)

// DefaultFloor is the version floor of a factory-fresh device.
const DefaultFloor = 1

// State is the persisted bootloader state.
type State struct {
	// Meta is the metadata record of the installed firmware.
	Meta api.Metadata

	// SHA256 is the digest of the installed firmware pages, re-checked
	// before boot.
	SHA256 [32]byte

	// Floor is the anti-rollback version floor.
	Floor uint16

	// Release is the release version string of the last non-debug
	// install, empty on a factory-fresh device.
	Release string
}

func (s *State) encode() ([]byte, error) {
	meta, err := s.Meta.Encode()

	if err != nil {
		return nil, err
	}

	if len(s.Release) > 0xff {
		return nil, fmt.Errorf("release string too long (%d bytes)", len(s.Release))
	}

	buf := make([]byte, 0, len(meta)+sha256.Size+3+len(s.Release))
	buf = append(buf, meta...)
	buf = append(buf, s.SHA256[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, s.Floor)
	buf = append(buf, byte(len(s.Release)))
	buf = append(buf, s.Release...)

	return buf, nil
}

func (s *State) decode(buf []byte) error {
	n, err := s.Meta.Decode(buf)

	if err != nil {
		return err
	}

	buf = buf[n:]

	if len(buf) < sha256.Size+3 {
		return fmt.Errorf("state truncated")
	}

	copy(s.SHA256[:], buf[:sha256.Size])
	buf = buf[sha256.Size:]

	s.Floor = binary.LittleEndian.Uint16(buf[:2])

	rLen := int(buf[2])
	buf = buf[3:]

	if len(buf) < rLen {
		return fmt.Errorf("state truncated")
	}

	s.Release = string(buf[:rLen])

	return nil
}

// Store provides access to the boot state journal.
type Store struct {
	mu sync.Mutex

	dev flash.Device
	key []byte

	current  *State
	revision uint32
	slot     uint32
}

// Open scans the journal pages and loads the newest authentic record,
// if any.
func Open(dev flash.Device, sealingKey []byte) (*Store, error) {
	if dev.Size() < flash.StatePages*api.FlashPageSize {
		return nil, fmt.Errorf("device too small for state journal")
	}

	s := &Store{
		dev: dev,
		key: sealingKey,
	}

	for slot := uint32(0); slot < flash.StatePages; slot++ {
		state, revision, err := s.readSlot(slot)

		if err != nil {
			klog.V(2).Infof("state slot %d unusable: %v", slot, err)
			continue
		}

		if s.current == nil || revision > s.revision {
			s.current = state
			s.revision = revision
			s.slot = slot
		}
	}

	if s.current != nil {
		klog.Infof("loaded boot state revision %d from slot %d (version %d, floor %d)",
			s.revision, s.slot, s.current.Meta.Ver, s.current.Floor)
	}

	return s, nil
}

func (s *Store) readSlot(slot uint32) (*State, uint32, error) {
	page := make([]byte, api.FlashPageSize)

	if err := s.dev.Read(slot*api.FlashPageSize, page); err != nil {
		return nil, 0, err
	}

	if string(page[:4]) != string(magic) {
		return nil, 0, fmt.Errorf("no record")
	}

	revision := binary.LittleEndian.Uint32(page[4:8])
	length := binary.LittleEndian.Uint32(page[8:12])

	if length > maxPayload {
		return nil, 0, fmt.Errorf("invalid record length %d", length)
	}

	payload := page[headerLen : headerLen+int(length)]

	if !hmac.Equal(s.seal(revision, payload), page[12:12+sha256.Size]) {
		return nil, 0, fmt.Errorf("record failed authentication")
	}

	state := &State{}

	if err := state.decode(payload); err != nil {
		return nil, 0, err
	}

	return state, revision, nil
}

func (s *Store) seal(revision uint32, payload []byte) []byte {
	mac := hmac.New(sha256.New, s.key)

	var rev [4]byte
	binary.LittleEndian.PutUint32(rev[:], revision)

	mac.Write(magic)
	mac.Write(rev[:])
	mac.Write(payload)

	return mac.Sum(nil)
}

// State returns a copy of the current state, or false if the device has
// no authentic record (factory state).
func (s *Store) State() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return State{Floor: DefaultFloor}, false
	}

	return *s.current, true
}

// Floor returns the effective anti-rollback floor.
func (s *Store) Floor() uint16 {
	state, ok := s.State()

	if !ok {
		return DefaultFloor
	}

	return state.Floor
}

// Put writes a new state record to the slot not holding the current
// record. The previous record is only overwritten by the write after
// the next one.
func (s *Store) Put(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := state.encode()

	if err != nil {
		return err
	}

	if len(payload) > maxPayload {
		return fmt.Errorf("state record too large (%d bytes, max %d)", len(payload), maxPayload)
	}

	revision := s.revision + 1
	slot := (s.slot + 1) % flash.StatePages

	page := make([]byte, 0, headerLen+len(payload))
	page = append(page, magic...)
	page = binary.LittleEndian.AppendUint32(page, revision)
	page = binary.LittleEndian.AppendUint32(page, uint32(len(payload)))
	page = append(page, s.seal(revision, payload)...)
	page = append(page, payload...)

	if err := s.dev.Program(slot*api.FlashPageSize, page); err != nil {
		return fmt.Errorf("state slot %d: %v", slot, err)
	}

	cp := state
	s.current = &cp
	s.revision = revision
	s.slot = slot

	klog.V(1).Infof("wrote boot state revision %d to slot %d", revision, slot)

	return nil
}
