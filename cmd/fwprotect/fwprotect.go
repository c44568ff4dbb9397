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

// fwprotect builds protected firmware images from plaintext firmware
// binaries, and generates the vendor secrets vault.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/coreos/go-semver/semver"

	"github.com/firelock-dev/firelock/api"
	"github.com/firelock-dev/firelock/internal/image"
	"github.com/firelock-dev/firelock/internal/secrets"
)

type Config struct {
	generate  bool
	vaultPath string

	input   string
	output  string
	version uint
	minimum uint
	release string
	message string
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	flag.BoolVar(&conf.generate, "g", false, "generate a fresh secrets vault")
	flag.StringVar(&conf.vaultPath, "s", "secrets.vault", "secrets vault path")
	flag.StringVar(&conf.input, "i", "", "plaintext firmware binary")
	flag.StringVar(&conf.output, "o", "", "protected image output path")
	flag.UintVar(&conf.version, "v", 0, "firmware version (0 marks a debug image)")
	flag.UintVar(&conf.minimum, "m", 1, "minimum acceptable version declared in the metadata")
	flag.StringVar(&conf.release, "r", "0.0.0", "release version (semver)")
	flag.StringVar(&conf.message, "t", "", "release message")
}

func protect() error {
	if conf.input == "" || conf.output == "" {
		return fmt.Errorf("both -i and -o are required")
	}

	if conf.version > 0xffff || conf.minimum > 0xffff {
		return fmt.Errorf("version numbers must fit 16 bits")
	}

	release, err := semver.NewVersion(conf.release)

	if err != nil {
		return fmt.Errorf("invalid release version %q: %v", conf.release, err)
	}

	vault, err := secrets.Load(conf.vaultPath)

	if err != nil {
		return err
	}

	signer, err := vault.Signer()

	if err != nil {
		return err
	}

	plain, err := os.ReadFile(conf.input)

	if err != nil {
		return err
	}

	meta := api.Metadata{
		Ver:    uint16(conf.version),
		MinVer: uint16(conf.minimum),
		Msg:    []byte(conf.message),
	}

	keys := image.Keys{
		Encryption:     vault.EncryptionKey(),
		Authentication: vault.AuthenticationKey(),
	}

	img, err := image.Protect(plain, meta, *release, keys, signer)

	if err != nil {
		return err
	}

	buf, err := img.Encode()

	if err != nil {
		return err
	}

	if err = os.WriteFile(conf.output, buf, 0o644); err != nil {
		return err
	}

	log.Print(img.Meta.Print())
	log.Printf("wrote %s (%d bytes, release %s)", conf.output, len(buf), release)

	return nil
}

func main() {
	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			log.Fatalf("fatal error, %v", err)
		}
	}()

	flag.Parse()

	if conf.generate {
		if _, err = secrets.Generate(conf.vaultPath); err != nil {
			return
		}

		log.Printf("generated vault %s", conf.vaultPath)

		return
	}

	err = protect()
}
