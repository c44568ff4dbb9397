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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFrameRoundtrip(t *testing.T) {
	for _, test := range []struct {
		name string
		data []byte
	}{
		{
			name: "single byte",
			data: []byte{0x42},
		},
		{
			name: "full frame",
			data: bytes.Repeat([]byte{0xaa}, MaxFrameData),
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			buf := &bytes.Buffer{}

			if err := WriteFrame(buf, test.data); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}

			// Two-byte big-endian prefix.
			hdr := buf.Bytes()[:2]
			if got := int(hdr[0])<<8 | int(hdr[1]); got != len(test.data) {
				t.Errorf("length prefix %d, want %d", got, len(test.data))
			}

			got, err := ReadFrame(buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if diff := cmp.Diff(test.data, got); diff != "" {
				t.Errorf("Got diff: %s", diff)
			}
		})
	}
}

func TestFrameEndMarker(t *testing.T) {
	buf := &bytes.Buffer{}

	if err := WriteFrame(buf, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if want := []byte{0, 0}; !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("end marker is % x, want % x", buf.Bytes(), want)
	}

	got, err := ReadFrame(buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got != nil {
		t.Errorf("end marker decoded to %d bytes", len(got))
	}
}

func TestFrameErrors(t *testing.T) {
	if err := WriteFrame(&bytes.Buffer{}, make([]byte, MaxFrameData+1)); err == nil {
		t.Error("oversized frame accepted")
	}

	// Length prefix beyond MaxFrameData.
	if _, err := ReadFrame(bytes.NewReader([]byte{0x01, 0x01, 0x00})); err == nil {
		t.Error("oversized frame length accepted")
	}

	// Payload shorter than announced.
	if _, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x02, 0xff})); err == nil {
		t.Error("truncated frame accepted")
	}
}

func TestBlockRoundtrip(t *testing.T) {
	buf := &bytes.Buffer{}
	data := bytes.Repeat([]byte{0x55}, 1000)

	if err := WriteBlock(buf, data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	got, err := ReadBlock(buf)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}
}

func TestBlockErrors(t *testing.T) {
	if err := WriteBlock(&bytes.Buffer{}, nil); err == nil {
		t.Error("empty block accepted")
	}
	if err := WriteBlock(&bytes.Buffer{}, make([]byte, MaxBlockLen+1)); err == nil {
		t.Error("oversized block accepted")
	}
	if _, err := ReadBlock(bytes.NewReader([]byte{0x00, 0x00})); err == nil {
		t.Error("zero block length accepted")
	}
}

func TestStatusRoundtrip(t *testing.T) {
	buf := &bytes.Buffer{}

	if err := WriteStatus(buf, StatusOK); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}

	got, err := ReadStatus(buf)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if got != StatusOK {
		t.Errorf("got 0x%02x, want 0x%02x", got, StatusOK)
	}
}
