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

	"k8s.io/klog/v2"

	"github.com/firelock-dev/firelock/api"
	"github.com/firelock-dev/firelock/internal/flash"
)

// boot verifies the resident application against the persisted boot
// state and hands control to the boot handler. On success the reply is
// the OpBoot byte followed by the release message frame.
func (l *Loader) boot(rw io.ReadWriter) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.state.State()

	if !ok {
		return fmt.Errorf("no firmware installed")
	}

	app := make([]byte, int(state.Meta.Chunks)*api.FlashPageSize)

	if err := l.dev.Read(flash.AppStart, app); err != nil {
		return fmt.Errorf("could not read application: %v", err)
	}

	if sha256.Sum256(app) != state.SHA256 {
		return fmt.Errorf("application failed verification")
	}

	if _, err := rw.Write([]byte{api.OpBoot}); err != nil {
		return err
	}

	if err := api.WriteFrame(rw, state.Meta.Msg); err != nil {
		return err
	}

	klog.Infof("booting version %d: %s", state.Meta.Ver, state.Meta.Msg)

	if l.onBoot != nil {
		if err := l.onBoot(state.Meta, app); err != nil {
			klog.Errorf("application handler: %v", err)
		}
	}

	return nil
}
