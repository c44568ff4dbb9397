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

package secrets

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/mod/sumdb/note"
)

func TestGenerateLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.vault")

	v, err := Generate(path)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// A vault must never be silently regenerated.
	if _, err := Generate(path); err == nil {
		t.Error("Generate overwrote an existing vault")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !bytes.Equal(v.EncryptionKey(), loaded.EncryptionKey()) {
		t.Error("encryption key differs after reload")
	}
	if !bytes.Equal(v.AuthenticationKey(), loaded.AuthenticationKey()) {
		t.Error("authentication key differs after reload")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	for _, test := range []struct {
		name    string
		content string
	}{
		{
			name:    "not hex",
			content: "zz",
		},
		{
			name:    "wrong length",
			content: "aabbcc",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(dir, test.name)
			if err := os.WriteFile(path, []byte(test.content+"\n"), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load accepted a malformed vault")
			}
		})
	}
}

func TestDerivedKeysAreDistinct(t *testing.T) {
	v, err := Generate(filepath.Join(t.TempDir(), "secrets.vault"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	enc := v.EncryptionKey()
	auth := v.AuthenticationKey()
	seal := v.SealingKey([]byte("device-a"))

	if bytes.Equal(enc, auth) || bytes.Equal(enc, seal) || bytes.Equal(auth, seal) {
		t.Error("derived keys collide across usages")
	}

	if bytes.Equal(seal, v.SealingKey([]byte("device-b"))) {
		t.Error("sealing key does not depend on the device salt")
	}

	// Derivation must be stable for a given vault.
	if !bytes.Equal(enc, v.EncryptionKey()) {
		t.Error("encryption key derivation is not deterministic")
	}
}

func TestSigningIdentity(t *testing.T) {
	v, err := Generate(filepath.Join(t.TempDir(), "secrets.vault"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	signer, err := v.Signer()
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}

	verifier, err := v.Verifier()
	if err != nil {
		t.Fatalf("Verifier: %v", err)
	}

	msg, err := note.Sign(&note.Note{Text: "firmware release\n"}, signer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := note.Open(msg, note.VerifierList(verifier)); err != nil {
		t.Errorf("Verifier does not match Signer: %v", err)
	}
}
