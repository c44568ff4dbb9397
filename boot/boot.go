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

// Package boot implements the device side of the firmware update
// protocol: a loader which waits on a byte link for an update or boot
// request, installs authenticated firmware into flash, and hands off to
// the resident application.
package boot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/firelock-dev/firelock/api"
	"github.com/firelock-dev/firelock/internal/flash"
	"github.com/firelock-dev/firelock/internal/image"
	"github.com/firelock-dev/firelock/internal/store"
)

// Handler receives control when the loader boots the resident
// application, with the installed metadata and the application pages.
type Handler func(meta api.Metadata, app []byte) error

// Loader is the bootloader state machine. A Loader serves one session
// at a time; concurrent Serve calls on distinct links are serialized
// around flash access.
type Loader struct {
	mu sync.Mutex

	dev      flash.Device
	state    *store.Store
	keys     image.Keys
	verifier note.Verifier
	onBoot   Handler

	// appPages is the capacity of the application region.
	appPages uint16
}

// New creates a loader over the given flash device and boot state
// journal. The verifier must match the vendor release signing identity.
func New(dev flash.Device, st *store.Store, keys image.Keys, verifier note.Verifier, onBoot Handler) (*Loader, error) {
	pages := dev.Size() / api.FlashPageSize

	if pages <= flash.StatePages {
		return nil, fmt.Errorf("device too small: %d pages", pages)
	}

	return &Loader{
		dev:      dev,
		state:    st,
		keys:     keys,
		verifier: verifier,
		onBoot:   onBoot,
		appPages: uint16(pages - flash.StatePages),
	}, nil
}

// Serve runs the session loop on rw until the link is closed or the
// context is cancelled. Individual command failures are answered with
// StatusError on the wire and do not terminate the loop.
func (l *Loader) Serve(ctx context.Context, rw io.ReadWriter) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var op [1]byte

		if _, err := io.ReadFull(rw, op[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}

			return err
		}

		switch op[0] {
		case api.OpUpdate:
			if err := l.update(rw); err != nil {
				klog.Errorf("update failed: %v", err)
				api.WriteStatus(rw, api.StatusError)
			}
		case api.OpBoot:
			if err := l.boot(rw); err != nil {
				klog.Errorf("boot failed: %v", err)
				api.WriteStatus(rw, api.StatusError)
			}
		default:
			klog.Warningf("unknown opcode 0x%02x", op[0])

			if err := api.WriteStatus(rw, api.StatusError); err != nil {
				return err
			}
		}
	}
}
