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

// Package updater implements the host side of the firmware update
// protocol over any io.ReadWriter link.
package updater

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/firelock-dev/firelock/api"
	"github.com/firelock-dev/firelock/internal/image"
)

// Progress reports the state of an in-flight update.
type Progress struct {
	// Sent is the number of firmware bytes acknowledged so far.
	Sent int

	// Total is the ciphertext size in bytes.
	Total int
}

// ProgressFunc is called after each acknowledged data frame.
type ProgressFunc func(Progress)

type config struct {
	progress ProgressFunc

	// readyAttempts bounds the poll for the update-mode echo.
	readyAttempts int
}

// Option configures an Updater.
type Option func(*config)

// WithProgress sets a callback tracking update progress.
func WithProgress(fn ProgressFunc) Option {
	return func(c *config) {
		c.progress = fn
	}
}

// WithReadyAttempts sets how many bytes are consumed while polling for
// the bootloader's update-mode echo before giving up.
func WithReadyAttempts(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.readyAttempts = n
		}
	}
}

// StatusError is returned when the bootloader answers a session phase
// with anything but StatusOK.
type StatusError struct {
	Phase  string
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bootloader responded to %s with 0x%02x", e.Phase, e.Status)
}

// Updater drives update and boot sessions against a bootloader link.
type Updater struct {
	device io.ReadWriter
	cfg    config
}

// New creates an Updater for the given link.
func New(device io.ReadWriter, opts ...Option) *Updater {
	cfg := config{
		readyAttempts: 64,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &Updater{
		device: device,
		cfg:    cfg,
	}
}

// Update performs a complete update session: handshake, metadata,
// manifest, data frames with per-frame acknowledgements, and the
// end-of-data marker.
func (u *Updater) Update(ctx context.Context, img *image.Image) error {
	if img == nil {
		return fmt.Errorf("image cannot be nil")
	}

	if err := u.enterUpdate(); err != nil {
		return err
	}

	if err := u.sendHeader(img); err != nil {
		return err
	}

	if err := api.WriteBlock(u.device, img.Manifest); err != nil {
		return err
	}

	if err := u.expectOK("manifest"); err != nil {
		return err
	}

	total := len(img.Ciphertext)

	for sent := 0; sent < total; {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled: %w", err)
		}

		end := sent + api.MaxFrameData

		if end > total {
			end = total
		}

		if err := api.WriteFrame(u.device, img.Ciphertext[sent:end]); err != nil {
			return err
		}

		if err := u.expectOK("data frame"); err != nil {
			return err
		}

		sent = end

		if u.cfg.progress != nil {
			u.cfg.progress(Progress{Sent: sent, Total: total})
		}
	}

	// Zero length frame closes the data stream.
	if err := api.WriteFrame(u.device, nil); err != nil {
		return err
	}

	return u.expectOK("install")
}

// Boot requests that the bootloader start the resident application and
// returns its release message.
func (u *Updater) Boot(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("cancelled: %w", err)
	}

	if _, err := u.device.Write([]byte{api.OpBoot}); err != nil {
		return "", err
	}

	status, err := api.ReadStatus(u.device)

	if err != nil {
		return "", err
	}

	if status != api.OpBoot {
		return "", &StatusError{Phase: "boot", Status: status}
	}

	msg, err := api.ReadFrame(u.device)

	if err != nil {
		return "", err
	}

	return string(msg), nil
}

// enterUpdate sends the update request and polls for the bootloader's
// ready echo.
func (u *Updater) enterUpdate() error {
	if _, err := u.device.Write([]byte{api.OpUpdate}); err != nil {
		return err
	}

	for i := 0; i < u.cfg.readyAttempts; i++ {
		b, err := api.ReadStatus(u.device)

		if err != nil {
			return err
		}

		if b == api.OpUpdate {
			return nil
		}
	}

	return fmt.Errorf("bootloader did not enter update mode")
}

// sendHeader transmits the metadata section: the encoded fw_meta record
// followed by the image IV and HMAC.
func (u *Updater) sendHeader(img *image.Image) error {
	enc, err := img.Meta.Encode()

	if err != nil {
		return err
	}

	if len(img.IV) != api.IVLen || len(img.MAC) != sha256.Size {
		return fmt.Errorf("malformed image header")
	}

	blk := make([]byte, 0, len(enc)+api.IVLen+sha256.Size)
	blk = append(blk, enc...)
	blk = append(blk, img.IV...)
	blk = append(blk, img.MAC...)

	if err = api.WriteBlock(u.device, blk); err != nil {
		return err
	}

	return u.expectOK("metadata")
}

func (u *Updater) expectOK(phase string) error {
	status, err := api.ReadStatus(u.device)

	if err != nil {
		return fmt.Errorf("%s: %v", phase, err)
	}

	if status != api.StatusOK {
		return &StatusError{Phase: phase, Status: status}
	}

	return nil
}
