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

// Package image implements the protected firmware image container built
// by the release tooling and consumed by the bootloader: firmware
// encrypted with AES-256-CTR under a fresh 16-byte IV, authenticated
// with HMAC-SHA256, and bound to a signed release manifest.
package image

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"

	"github.com/firelock-dev/firelock/api"
	"github.com/firelock-dev/firelock/internal/flash"
)

// Magic identifies a protected firmware image file.
var Magic = []byte("FLK1")

const macLen = sha256.Size

// Image is a parsed protected firmware image.
type Image struct {
	// Meta is the firmware metadata record carried in the clear.
	Meta api.Metadata

	// IV is the AES-CTR initialization vector.
	IV []byte

	// MAC authenticates the metadata, IV and ciphertext.
	MAC []byte

	// Manifest is the signed release manifest note.
	Manifest []byte

	// Ciphertext is the encrypted firmware, Meta.Chunks pages long.
	Ciphertext []byte
}

// Pad returns the plaintext padded with the flash erased-byte value to a
// whole number of pages, and the resulting page count.
func Pad(plain []byte) ([]byte, uint16, error) {
	pages := (len(plain) + api.FlashPageSize - 1) / api.FlashPageSize

	if pages > 0xffff {
		return nil, 0, fmt.Errorf("firmware too large (%d pages)", pages)
	}

	padded := make([]byte, pages*api.FlashPageSize)

	for i := copy(padded, plain); i < len(padded); i++ {
		padded[i] = flash.ErasedByte
	}

	return padded, uint16(pages), nil
}

// Protect builds a protected image: the plaintext is padded to whole
// pages, encrypted under a fresh IV, authenticated, and described by a
// manifest signed with the given signer.
func Protect(plain []byte, meta api.Metadata, release semver.Version, keys Keys, signer note.Signer) (*Image, error) {
	if len(plain) == 0 {
		return nil, fmt.Errorf("empty firmware")
	}

	padded, pages, err := Pad(plain)

	if err != nil {
		return nil, err
	}

	meta.Chunks = pages

	iv := make([]byte, api.IVLen)

	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("could not gather IV entropy: %v", err)
	}

	block, err := aes.NewCipher(keys.Encryption)

	if err != nil {
		return nil, err
	}

	ct := make([]byte, len(padded))
	cipher.NewCTR(block, iv).XORKeyStream(ct, padded)

	sum := sha256.Sum256(padded)

	manifest, err := signManifest(Manifest{
		Release: release,
		Ver:     meta.Ver,
		Chunks:  pages,
		SHA256:  sum,
	}, signer)

	if err != nil {
		return nil, err
	}

	img := &Image{
		Meta:       meta,
		IV:         iv,
		Manifest:   manifest,
		Ciphertext: ct,
	}

	img.MAC, err = img.mac(keys.Authentication)

	if err != nil {
		return nil, err
	}

	return img, nil
}

// Keys is the symmetric material protecting an image.
type Keys struct {
	// Encryption is the AES-256 confidentiality key.
	Encryption []byte

	// Authentication is the HMAC-SHA256 authenticity key.
	Authentication []byte
}

// mac computes the image HMAC over the encoded metadata, IV and
// ciphertext.
func (img *Image) mac(key []byte) ([]byte, error) {
	enc, err := img.Meta.Encode()

	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(enc)
	mac.Write(img.IV)
	mac.Write(img.Ciphertext)

	return mac.Sum(nil), nil
}

// VerifyMAC checks the image HMAC under the given authentication key.
func (img *Image) VerifyMAC(key []byte) error {
	want, err := img.mac(key)

	if err != nil {
		return err
	}

	if !hmac.Equal(want, img.MAC) {
		return fmt.Errorf("firmware authentication failed")
	}

	return nil
}

// Decrypt returns the padded plaintext firmware. It does not
// authenticate; call VerifyMAC first.
func (img *Image) Decrypt(encKey []byte) ([]byte, error) {
	block, err := aes.NewCipher(encKey)

	if err != nil {
		return nil, err
	}

	plain := make([]byte, len(img.Ciphertext))
	cipher.NewCTR(block, img.IV).XORKeyStream(plain, img.Ciphertext)

	return plain, nil
}

// Encode serializes the image container:
//
//	[magic][metadata][iv][mac][manifestLen][manifest][ciphertext]
func (img *Image) Encode() ([]byte, error) {
	enc, err := img.Meta.Encode()

	if err != nil {
		return nil, err
	}

	if len(img.IV) != api.IVLen {
		return nil, fmt.Errorf("invalid IV length %d", len(img.IV))
	}

	if len(img.MAC) != macLen {
		return nil, fmt.Errorf("invalid MAC length %d", len(img.MAC))
	}

	if len(img.Manifest) > 0xffff {
		return nil, fmt.Errorf("manifest too large (%d bytes)", len(img.Manifest))
	}

	if len(img.Ciphertext) != int(img.Meta.Chunks)*api.FlashPageSize {
		return nil, fmt.Errorf("ciphertext is %d bytes, metadata declares %d pages", len(img.Ciphertext), img.Meta.Chunks)
	}

	buf := bytes.Buffer{}
	buf.Write(Magic)
	buf.Write(enc)
	buf.Write(img.IV)
	buf.Write(img.MAC)

	var mLen [2]byte
	binary.BigEndian.PutUint16(mLen[:], uint16(len(img.Manifest)))
	buf.Write(mLen[:])
	buf.Write(img.Manifest)

	buf.Write(img.Ciphertext)

	return buf.Bytes(), nil
}

// Open parses an image container. Only structure is validated;
// authenticity is checked by VerifyMAC and VerifyManifest.
func Open(buf []byte) (*Image, error) {
	if len(buf) < len(Magic) || !bytes.Equal(buf[:len(Magic)], Magic) {
		return nil, fmt.Errorf("not a protected firmware image")
	}

	buf = buf[len(Magic):]

	img := &Image{}

	n, err := img.Meta.Decode(buf)

	if err != nil {
		return nil, err
	}

	buf = buf[n:]

	if len(buf) < api.IVLen+macLen+2 {
		return nil, fmt.Errorf("image truncated")
	}

	img.IV = append([]byte{}, buf[:api.IVLen]...)
	buf = buf[api.IVLen:]

	img.MAC = append([]byte{}, buf[:macLen]...)
	buf = buf[macLen:]

	mLen := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]

	if len(buf) < mLen {
		return nil, fmt.Errorf("image truncated")
	}

	img.Manifest = append([]byte{}, buf[:mLen]...)
	buf = buf[mLen:]

	if len(buf) != int(img.Meta.Chunks)*api.FlashPageSize {
		return nil, fmt.Errorf("ciphertext is %d bytes, metadata declares %d pages", len(buf), img.Meta.Chunks)
	}

	img.Ciphertext = append([]byte{}, buf...)

	return img, nil
}
