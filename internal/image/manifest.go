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

package image

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
)

// manifestHeader is the first line of every release manifest note.
//
// The manifest note contents is formatted like so:
//
//	"Firelock firmware release v1"
//	<release semantic version>
//	<fw_meta version in decimal>
//	<image length in pages, decimal>
//	<SHA-256 of the padded plaintext, ASCII hex>
const manifestHeader = "Firelock firmware release v1"

// Manifest is the authenticated release description bound to an image.
type Manifest struct {
	// Release is the vendor release version.
	Release semver.Version

	// Ver is the fw_meta version the image declares.
	Ver uint16

	// Chunks is the image length in pages.
	Chunks uint16

	// SHA256 is the digest of the padded plaintext firmware.
	SHA256 [32]byte
}

func signManifest(m Manifest, signer note.Signer) ([]byte, error) {
	text := fmt.Sprintf("%s\n%s\n%d\n%d\n%x\n", manifestHeader, m.Release.String(), m.Ver, m.Chunks, m.SHA256)

	return note.Sign(&note.Note{Text: text}, signer)
}

// VerifyManifest opens a signed manifest with the vendor verifier and
// parses its contents.
func VerifyManifest(manifest []byte, verifier note.Verifier) (*Manifest, error) {
	n, err := note.Open(manifest, note.VerifierList(verifier))

	if err != nil {
		return nil, fmt.Errorf("could not open manifest: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(n.Text, "\n"), "\n")

	if len(lines) != 5 {
		return nil, fmt.Errorf("malformed manifest: %d lines", len(lines))
	}

	if lines[0] != manifestHeader {
		return nil, fmt.Errorf("unexpected manifest header %q", lines[0])
	}

	release, err := semver.NewVersion(lines[1])

	if err != nil {
		return nil, fmt.Errorf("invalid release version %q: %v", lines[1], err)
	}

	ver, err := strconv.ParseUint(lines[2], 10, 16)

	if err != nil {
		return nil, fmt.Errorf("invalid firmware version %q: %v", lines[2], err)
	}

	chunks, err := strconv.ParseUint(lines[3], 10, 16)

	if err != nil {
		return nil, fmt.Errorf("invalid page count %q: %v", lines[3], err)
	}

	sum, err := hex.DecodeString(lines[4])

	if err != nil || len(sum) != 32 {
		return nil, fmt.Errorf("invalid firmware digest %q", lines[4])
	}

	m := &Manifest{
		Release: *release,
		Ver:     uint16(ver),
		Chunks:  uint16(chunks),
	}
	copy(m.SHA256[:], sum)

	return m, nil
}
