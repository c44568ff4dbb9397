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

// Package secrets manages the vault shared between the release tooling
// and the bootloader: a single master secret from which all symmetric
// keys and the vendor signing identity are derived.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/mod/sumdb/note"
)

const (
	masterLen = 32
	keyLen    = 32
	iter      = 4096

	diversifierENC  = "firmware encryption"
	diversifierMAC  = "firmware authentication"
	diversifierSign = "release signing"

	signingKeyName = "firelock-vendor"
)

// Vault holds the master secret and hands out derived key material.
//
// Derivation is deterministic: for a given vault the same keys and the
// same vendor identity are reproduced on every load.
type Vault struct {
	master []byte
}

// Generate creates a fresh vault at path. It refuses to overwrite an
// existing file.
func Generate(path string) (*Vault, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("vault %s already exists", path)
	}

	master := make([]byte, masterLen)

	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("could not gather entropy: %v", err)
	}

	if err := os.WriteFile(path, []byte(hex.EncodeToString(master)+"\n"), 0o600); err != nil {
		return nil, err
	}

	return &Vault{master: master}, nil
}

// Load reads a vault from path.
func Load(path string) (*Vault, error) {
	buf, err := os.ReadFile(path)

	if err != nil {
		return nil, err
	}

	master, err := hex.DecodeString(strings.TrimSpace(string(buf)))

	if err != nil {
		return nil, fmt.Errorf("malformed vault %s: %v", path, err)
	}

	if len(master) != masterLen {
		return nil, fmt.Errorf("malformed vault %s: %d secret bytes, expected %d", path, len(master), masterLen)
	}

	return &Vault{master: master}, nil
}

// derive returns an HKDF reader keyed by the master secret for the given
// usage diversifier.
func (v *Vault) derive(diversifier string) io.Reader {
	return hkdf.New(sha256.New, v.master, []byte(diversifier), nil)
}

func (v *Vault) deriveKey(diversifier string) []byte {
	key := make([]byte, keyLen)

	// The HKDF reader only fails once exhausted, far beyond one key.
	if _, err := io.ReadFull(v.derive(diversifier), key); err != nil {
		panic(fmt.Errorf("key derivation failed: %v", err))
	}

	return key
}

// EncryptionKey returns the AES-256 firmware confidentiality key.
func (v *Vault) EncryptionKey() []byte {
	return v.deriveKey(diversifierENC)
}

// AuthenticationKey returns the HMAC-SHA256 firmware authenticity key.
func (v *Vault) AuthenticationKey() []byte {
	return v.deriveKey(diversifierMAC)
}

// SealingKey returns the boot state sealing key for the device
// identified by salt.
func (v *Vault) SealingKey(salt []byte) []byte {
	return pbkdf2.Key(v.master, salt, iter, keyLen, sha256.New)
}

// Signer returns the vendor release signing identity.
func (v *Vault) Signer() (note.Signer, error) {
	skey, _, err := note.GenerateKey(v.derive(diversifierSign), signingKeyName)

	if err != nil {
		return nil, fmt.Errorf("could not derive signing key: %v", err)
	}

	return note.NewSigner(skey)
}

// Verifier returns the verifier matching Signer. It is the only part of
// the signing identity the bootloader needs.
func (v *Vault) Verifier() (note.Verifier, error) {
	_, vkey, err := note.GenerateKey(v.derive(diversifierSign), signingKeyName)

	if err != nil {
		return nil, fmt.Errorf("could not derive verifier key: %v", err)
	}

	return note.NewVerifier(vkey)
}
