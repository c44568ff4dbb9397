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

package api

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A frame is a two-byte big-endian length followed by that many data
// bytes. A zero-length frame marks the end of a data stream.

// WriteFrame writes a single frame to w. The payload must not exceed
// MaxFrameData bytes; an empty (or nil) payload produces the end-of-data
// marker.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameData {
		return fmt.Errorf("frame payload too large (%d bytes, max %d)", len(data), MaxFrameData)
	}

	buf := make([]byte, 2, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))

	_, err := w.Write(append(buf, data...))

	return err
}

// ReadFrame reads a single frame from r. The end-of-data marker yields an
// empty payload and a nil error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte

	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("frame header: %v", err)
	}

	n := binary.BigEndian.Uint16(hdr[:])

	if n > MaxFrameData {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", n, MaxFrameData)
	}

	if n == 0 {
		return nil, nil
	}

	data := make([]byte, n)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("frame payload: %v", err)
	}

	return data, nil
}

// MaxBlockLen bounds the length-prefixed blocks used for the metadata
// and manifest sections of an update session.
const MaxBlockLen = 4096

// WriteBlock writes a length-prefixed block to w. Blocks use the same
// two-byte big-endian prefix as frames but carry the larger session
// sections, bounded by MaxBlockLen.
func WriteBlock(w io.Writer, data []byte) error {
	if len(data) == 0 || len(data) > MaxBlockLen {
		return fmt.Errorf("invalid block length %d (max %d)", len(data), MaxBlockLen)
	}

	buf := make([]byte, 2, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))

	_, err := w.Write(append(buf, data...))

	return err
}

// ReadBlock reads a length-prefixed block from r.
func ReadBlock(r io.Reader) ([]byte, error) {
	var hdr [2]byte

	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("block header: %v", err)
	}

	n := binary.BigEndian.Uint16(hdr[:])

	if n == 0 || n > MaxBlockLen {
		return nil, fmt.Errorf("invalid block length %d (max %d)", n, MaxBlockLen)
	}

	data := make([]byte, n)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("block payload: %v", err)
	}

	return data, nil
}

// WriteStatus sends a single status byte acknowledgement.
func WriteStatus(w io.Writer, status byte) error {
	_, err := w.Write([]byte{status})
	return err
}

// ReadStatus reads a single status byte acknowledgement.
func ReadStatus(r io.Reader) (byte, error) {
	var b [1]byte

	if _, err := io.ReadFull(r, b[:]); err != nil {
		return StatusError, err
	}

	return b[0], nil
}
