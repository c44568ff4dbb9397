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

// Package flash models the bootloader's non-volatile storage: pages of
// 1024 bytes which must be erased as a whole, programmed in 4-byte units.
// Note that these are very low-level primitives, and care must be taken
// when using them not to overwrite existing data (e.g. the boot state
// partition).
package flash

import (
	"fmt"

	"github.com/firelock-dev/firelock/api"
)

// ErasedByte is the value every cell holds after an erase cycle.
const ErasedByte = 0xff

// Default geometry of the simulated part.
const (
	// DefaultPages is the number of pages on the default device (256 KiB).
	DefaultPages = 256

	// StatePages is the number of pages reserved at the start of the
	// device for the boot state journal.
	StatePages = 2

	// AppStart is the byte address of the application region.
	AppStart = StatePages * api.FlashPageSize
)

// Device is the interface to a flash part.
type Device interface {
	// Size returns the device capacity in bytes.
	Size() uint32

	// Read reads len(buf) bytes starting at addr.
	Read(addr uint32, buf []byte) error

	// Erase resets the page starting at pageAddr to ErasedByte.
	Erase(pageAddr uint32) error

	// Program erases the page at pageAddr and writes data into it.
	// pageAddr must be page-aligned and data must fit in one page;
	// data is padded to the 4-byte write granularity with ErasedByte.
	Program(pageAddr uint32, data []byte) error
}

// AlignmentError indicates an address which does not honor the device
// erase or write granularity.
type AlignmentError struct {
	Addr uint32
	Unit uint32
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("address 0x%x is not aligned to %d bytes", e.Addr, e.Unit)
}

// BoundsError indicates an access beyond the end of the device.
type BoundsError struct {
	Addr uint32
	Len  int
	Size uint32
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("access of %d bytes at 0x%x exceeds device size %d", e.Len, e.Addr, e.Size)
}

// checkProgram validates the program_flash contract against a device of
// the given size.
func checkProgram(pageAddr uint32, data []byte, size uint32) error {
	if pageAddr%api.FlashPageSize != 0 {
		return &AlignmentError{Addr: pageAddr, Unit: api.FlashPageSize}
	}

	if len(data) > api.FlashPageSize {
		return fmt.Errorf("data length %d exceeds page size %d", len(data), api.FlashPageSize)
	}

	if pageAddr+api.FlashPageSize > size {
		return &BoundsError{Addr: pageAddr, Len: len(data), Size: size}
	}

	return nil
}

// padToWriteSize pads data with ErasedByte to the next multiple of the
// write granularity.
func padToWriteSize(data []byte) []byte {
	if r := len(data) % api.FlashWriteSize; r != 0 {
		padded := make([]byte, len(data), len(data)+api.FlashWriteSize-r)
		copy(padded, data)

		for i := 0; i < api.FlashWriteSize-r; i++ {
			padded = append(padded, ErasedByte)
		}

		return padded
	}

	return data
}

// ProgramRegion writes buf to consecutive pages starting at pageAddr,
// erasing each page before it is programmed.
func ProgramRegion(dev Device, pageAddr uint32, buf []byte) error {
	for off := 0; off < len(buf); off += api.FlashPageSize {
		end := off + api.FlashPageSize

		if end > len(buf) {
			end = len(buf)
		}

		if err := dev.Program(pageAddr+uint32(off), buf[off:end]); err != nil {
			return fmt.Errorf("page 0x%x: %v", pageAddr+uint32(off), err)
		}
	}

	return nil
}
