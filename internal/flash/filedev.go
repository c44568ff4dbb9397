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
	"fmt"
	"os"

	"github.com/firelock-dev/firelock/api"
)

// FileDevice persists the flash image to a host file, so the simulated
// part survives bootloader restarts.
type FileDevice struct {
	f    *os.File
	size uint32
}

// OpenFile opens (or creates, fully erased) a file-backed device with
// the given number of pages. An existing image must match the requested
// geometry.
func OpenFile(path string, pages uint32) (*FileDevice, error) {
	size := pages * api.FlashPageSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)

	if err != nil {
		return nil, err
	}

	info, err := f.Stat()

	if err != nil {
		f.Close()
		return nil, err
	}

	switch info.Size() {
	case 0:
		blank := make([]byte, size)

		for i := range blank {
			blank[i] = ErasedByte
		}

		if _, err = f.WriteAt(blank, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("could not initialize flash image: %v", err)
		}
	case int64(size):
	default:
		f.Close()
		return nil, fmt.Errorf("flash image %s is %d bytes, expected %d", path, info.Size(), size)
	}

	return &FileDevice{f: f, size: size}, nil
}

// Size returns the device capacity in bytes.
func (d *FileDevice) Size() uint32 {
	return d.size
}

// Read reads len(buf) bytes starting at addr.
func (d *FileDevice) Read(addr uint32, buf []byte) error {
	if int(addr)+len(buf) > int(d.size) {
		return &BoundsError{Addr: addr, Len: len(buf), Size: d.size}
	}

	_, err := d.f.ReadAt(buf, int64(addr))

	return err
}

// Erase resets the page starting at pageAddr to ErasedByte.
func (d *FileDevice) Erase(pageAddr uint32) error {
	if pageAddr%api.FlashPageSize != 0 {
		return &AlignmentError{Addr: pageAddr, Unit: api.FlashPageSize}
	}

	if pageAddr+api.FlashPageSize > d.size {
		return &BoundsError{Addr: pageAddr, Len: api.FlashPageSize, Size: d.size}
	}

	blank := make([]byte, api.FlashPageSize)

	for i := range blank {
		blank[i] = ErasedByte
	}

	_, err := d.f.WriteAt(blank, int64(pageAddr))

	return err
}

// Program erases the page at pageAddr and writes data into it.
func (d *FileDevice) Program(pageAddr uint32, data []byte) error {
	if err := checkProgram(pageAddr, data, d.size); err != nil {
		return err
	}

	if err := d.Erase(pageAddr); err != nil {
		return err
	}

	if _, err := d.f.WriteAt(padToWriteSize(data), int64(pageAddr)); err != nil {
		return err
	}

	return d.f.Sync()
}

// Close syncs and releases the backing file.
func (d *FileDevice) Close() error {
	if err := d.f.Sync(); err != nil {
		d.f.Close()
		return err
	}

	return d.f.Close()
}
