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

package boot

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/firelock-dev/firelock/api"
	"github.com/firelock-dev/firelock/internal/flash"
	"github.com/firelock-dev/firelock/internal/image"
	"github.com/firelock-dev/firelock/internal/store"
)

// update runs one update session. Sections already received are acked
// with StatusOK as the session progresses; on error the caller answers
// the pending read with StatusError and the previous boot state remains
// in effect.
func (l *Loader) update(rw io.ReadWriter) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Signal that update mode has been entered, the host polls for it.
	if _, err := rw.Write([]byte{api.OpUpdate}); err != nil {
		return err
	}

	img, err := l.readHeader(rw)

	if err != nil {
		return err
	}

	if err = api.WriteStatus(rw, api.StatusOK); err != nil {
		return err
	}

	if img.Manifest, err = api.ReadBlock(rw); err != nil {
		return fmt.Errorf("manifest: %v", err)
	}

	manifest, err := image.VerifyManifest(img.Manifest, l.verifier)

	if err != nil {
		return err
	}

	if manifest.Ver != img.Meta.Ver || manifest.Chunks != img.Meta.Chunks {
		return fmt.Errorf("manifest (version %d, %d pages) does not match metadata (version %d, %d pages)",
			manifest.Ver, manifest.Chunks, img.Meta.Ver, img.Meta.Chunks)
	}

	if err = api.WriteStatus(rw, api.StatusOK); err != nil {
		return err
	}

	if img.Ciphertext, err = l.readData(rw, int(img.Meta.Chunks)*api.FlashPageSize); err != nil {
		return err
	}

	if err = l.install(img, manifest); err != nil {
		return err
	}

	return api.WriteStatus(rw, api.StatusOK)
}

// readHeader receives and vets the metadata section: the encoded
// fw_meta record followed by the image IV and HMAC.
func (l *Loader) readHeader(rw io.ReadWriter) (*image.Image, error) {
	blk, err := api.ReadBlock(rw)

	if err != nil {
		return nil, fmt.Errorf("metadata: %v", err)
	}

	img := &image.Image{}

	n, err := img.Meta.Decode(blk)

	if err != nil {
		return nil, err
	}

	if len(blk) != n+api.IVLen+sha256.Size {
		return nil, fmt.Errorf("metadata section is %d bytes, expected %d", len(blk), n+api.IVLen+sha256.Size)
	}

	img.IV = blk[n : n+api.IVLen]
	img.MAC = blk[n+api.IVLen:]

	if img.Meta.Chunks == 0 || img.Meta.Chunks > l.appPages {
		return nil, fmt.Errorf("image of %d pages does not fit application region (%d pages)", img.Meta.Chunks, l.appPages)
	}

	// A record declaring a version below its own minimum is malformed.
	if img.Meta.Ver < img.Meta.MinVer && !img.Meta.Debug() {
		return nil, fmt.Errorf("version %d below declared minimum %d", img.Meta.Ver, img.Meta.MinVer)
	}

	// Anti-rollback: debug images (version 0) are exempt.
	if floor := l.state.Floor(); img.Meta.Ver < floor && !img.Meta.Debug() {
		return nil, fmt.Errorf("version %d below minimum %d", img.Meta.Ver, floor)
	}

	klog.Infof("starting update to version %d (%d pages)", img.Meta.Ver, img.Meta.Chunks)

	return img, nil
}

// readData receives the ciphertext data frames, acking each one, until
// the zero-length end-of-data frame.
func (l *Loader) readData(rw io.ReadWriter, expected int) ([]byte, error) {
	buf := make([]byte, 0, expected)

	for {
		frame, err := api.ReadFrame(rw)

		if err != nil {
			return nil, err
		}

		if frame == nil {
			if len(buf) != expected {
				return nil, fmt.Errorf("received %d of %d firmware bytes", len(buf), expected)
			}

			return buf, nil
		}

		if len(buf)+len(frame) > expected {
			return nil, fmt.Errorf("size limit exceeded")
		}

		buf = append(buf, frame...)

		if err = api.WriteStatus(rw, api.StatusOK); err != nil {
			return nil, err
		}
	}
}

// install authenticates, decrypts and flashes a fully received image,
// then persists the new boot state.
func (l *Loader) install(img *image.Image, manifest *image.Manifest) error {
	if err := img.VerifyMAC(l.keys.Authentication); err != nil {
		return err
	}

	plain, err := img.Decrypt(l.keys.Encryption)

	if err != nil {
		return err
	}

	sum := sha256.Sum256(plain)

	if sum != manifest.SHA256 {
		return fmt.Errorf("firmware digest does not match manifest")
	}

	prev, installed := l.state.State()

	if installed && prev.Release != "" {
		if prevRelease, err := semver.NewVersion(prev.Release); err == nil && manifest.Release.LessThan(*prevRelease) {
			klog.Warningf("release %s is older than installed release %s", manifest.Release, prev.Release)
		}
	}

	if err = flash.ProgramRegion(l.dev, flash.AppStart, plain); err != nil {
		return fmt.Errorf("flashing error: %v", err)
	}

	klog.Infof("flashed %d pages at 0x%x", img.Meta.Chunks, flash.AppStart)

	floor := l.state.Floor()
	release := prev.Release

	// The floor only moves for non-debug images.
	if !img.Meta.Debug() {
		if img.Meta.Ver > floor {
			floor = img.Meta.Ver
		}

		release = manifest.Release.String()
	}

	state := store.State{
		Meta: api.Metadata{
			Ver:    img.Meta.Ver,
			MinVer: floor,
			Chunks: img.Meta.Chunks,
			Msg:    img.Meta.Msg,
		},
		SHA256:  sum,
		Floor:   floor,
		Release: release,
	}

	if err = l.state.Put(state); err != nil {
		return fmt.Errorf("could not persist boot state: %v", err)
	}

	klog.Infof("update complete: version %d, floor %d", img.Meta.Ver, floor)

	return nil
}
