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

// Package api holds the protocol vocabulary shared between the bootloader
// and the host updater: opcodes, flash geometry, the firmware metadata
// record and its wire encoding, and the data frame codec.
package api

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Protocol opcodes and status bytes.
const (
	// StatusOK is the generic success acknowledgement.
	StatusOK byte = 0x00
	// StatusError is the generic failure acknowledgement.
	StatusError byte = 0x01
	// OpUpdate requests that the bootloader enter update mode.
	OpUpdate byte = 'U'
	// OpBoot requests that the bootloader boot the resident application.
	OpBoot byte = 'B'
)

const (
	// IVLen is the length of the initialization vector protecting
	// firmware images (one AES block).
	IVLen = 16

	// MaxMsgLen is the maximum length of a firmware release message.
	MaxMsgLen = 256

	// FlashPageSize is the minimum erasable flash unit in bytes.
	FlashPageSize = 1024

	// FlashWriteSize is the minimum programmable flash unit in bytes.
	FlashWriteSize = 4

	// MaxFrameData is the maximum data payload of a single frame.
	MaxFrameData = 256

	// MetaHeaderLen is the fixed portion of an encoded Metadata record:
	// ver, min_ver, chunks and msgLen, two bytes each.
	MetaHeaderLen = 8
)

// Metadata describes a firmware image. It is the record exchanged during
// an update and persisted by the bootloader alongside the installed
// application.
type Metadata struct {
	// Ver is the version of the firmware image being loaded.
	// Version zero marks a debug image.
	Ver uint16

	// MinVer is the minimum acceptable version at the time the record
	// was written. The bootloader refuses to install anything older,
	// debug images excepted.
	MinVer uint16

	// Chunks is the image length in 1024-byte flash pages.
	Chunks uint16

	// Msg is the human-readable release message, at most MaxMsgLen bytes.
	Msg []byte
}

// Debug reports whether the metadata describes a debug image.
func (m *Metadata) Debug() bool {
	return m.Ver == 0
}

// Encode serializes the record: little-endian ver, min_ver, chunks and
// message length, followed by the message bytes.
func (m *Metadata) Encode() ([]byte, error) {
	if len(m.Msg) > MaxMsgLen {
		return nil, fmt.Errorf("release message too long (%d bytes, max %d)", len(m.Msg), MaxMsgLen)
	}

	buf := make([]byte, MetaHeaderLen, MetaHeaderLen+len(m.Msg))
	binary.LittleEndian.PutUint16(buf[0:2], m.Ver)
	binary.LittleEndian.PutUint16(buf[2:4], m.MinVer)
	binary.LittleEndian.PutUint16(buf[4:6], m.Chunks)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(m.Msg)))

	return append(buf, m.Msg...), nil
}

// Decode parses an encoded record, returning the number of bytes consumed.
func (m *Metadata) Decode(buf []byte) (int, error) {
	if len(buf) < MetaHeaderLen {
		return 0, fmt.Errorf("metadata truncated (%d bytes, need %d)", len(buf), MetaHeaderLen)
	}

	m.Ver = binary.LittleEndian.Uint16(buf[0:2])
	m.MinVer = binary.LittleEndian.Uint16(buf[2:4])
	m.Chunks = binary.LittleEndian.Uint16(buf[4:6])

	msgLen := int(binary.LittleEndian.Uint16(buf[6:8]))

	if msgLen > MaxMsgLen {
		return 0, fmt.Errorf("invalid message length %d (max %d)", msgLen, MaxMsgLen)
	}

	if len(buf) < MetaHeaderLen+msgLen {
		return 0, fmt.Errorf("metadata truncated (%d bytes, need %d)", len(buf), MetaHeaderLen+msgLen)
	}

	m.Msg = append([]byte{}, buf[MetaHeaderLen:MetaHeaderLen+msgLen]...)

	return MetaHeaderLen + msgLen, nil
}

// Print returns the metadata in textual format.
func (m *Metadata) Print() string {
	var status bytes.Buffer

	status.WriteString(fmt.Sprintf("Version ................: %d", m.Ver))

	if m.Debug() {
		status.WriteString(" (debug)")
	}

	status.WriteString(fmt.Sprintf("\nMinimum version ........: %d\n", m.MinVer))
	status.WriteString(fmt.Sprintf("Size ...................: %d pages (%d bytes)\n", m.Chunks, int(m.Chunks)*FlashPageSize))
	status.WriteString(fmt.Sprintf("Release message ........: %s", m.Msg))

	return status.String()
}
