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

package flash

import (
	"github.com/firelock-dev/firelock/api"
)

// MemDevice is a simple in-memory flash part.
type MemDevice struct {
	storage []byte

	// OnProgram, when set, is called just after a page has been
	// programmed.
	OnProgram func(pageAddr uint32)
}

// NewMemDevice creates an in-memory device with the given number of
// pages, fully erased.
func NewMemDevice(pages uint32) *MemDevice {
	storage := make([]byte, pages*api.FlashPageSize)

	for i := range storage {
		storage[i] = ErasedByte
	}

	return &MemDevice{storage: storage}
}

// Size returns the device capacity in bytes.
func (d *MemDevice) Size() uint32 {
	return uint32(len(d.storage))
}

// Read reads len(buf) bytes starting at addr.
func (d *MemDevice) Read(addr uint32, buf []byte) error {
	if int(addr)+len(buf) > len(d.storage) {
		return &BoundsError{Addr: addr, Len: len(buf), Size: d.Size()}
	}

	copy(buf, d.storage[addr:])

	return nil
}

// Erase resets the page starting at pageAddr to ErasedByte.
func (d *MemDevice) Erase(pageAddr uint32) error {
	if pageAddr%api.FlashPageSize != 0 {
		return &AlignmentError{Addr: pageAddr, Unit: api.FlashPageSize}
	}

	if pageAddr+api.FlashPageSize > d.Size() {
		return &BoundsError{Addr: pageAddr, Len: api.FlashPageSize, Size: d.Size()}
	}

	for i := pageAddr; i < pageAddr+api.FlashPageSize; i++ {
		d.storage[i] = ErasedByte
	}

	return nil
}

// Program erases the page at pageAddr and writes data into it.
func (d *MemDevice) Program(pageAddr uint32, data []byte) error {
	if err := checkProgram(pageAddr, data, d.Size()); err != nil {
		return err
	}

	if err := d.Erase(pageAddr); err != nil {
		return err
	}

	copy(d.storage[pageAddr:], padToWriteSize(data))

	if d.OnProgram != nil {
		d.OnProgram(pageAddr)
	}

	return nil
}
