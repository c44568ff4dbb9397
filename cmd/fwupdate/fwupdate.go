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

// fwupdate sends a protected firmware image to a bootloader and can
// request the boot of the installed application.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"github.com/cheggaaa/pb/v3"

	"github.com/firelock-dev/firelock/internal/image"
	"github.com/firelock-dev/firelock/updater"
)

type Config struct {
	device   string
	firmware string
	boot     bool
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	flag.StringVar(&conf.device, "d", "tcp:127.0.0.1:1337", "bootloader link (tcp:host:port or a device path)")
	flag.StringVar(&conf.firmware, "f", "", "protected firmware image to send")
	flag.BoolVar(&conf.boot, "b", false, "boot the installed application")
}

func dial(target string) (io.ReadWriteCloser, error) {
	if addr, ok := strings.CutPrefix(target, "tcp:"); ok {
		return net.Dial("tcp", addr)
	}

	return os.OpenFile(target, os.O_RDWR, 0)
}

func update(ctx context.Context, link io.ReadWriter, path string) error {
	buf, err := os.ReadFile(path)

	if err != nil {
		return err
	}

	img, err := image.Open(buf)

	if err != nil {
		return err
	}

	log.Print(img.Meta.Print())

	bar := pb.Full.Start(len(img.Ciphertext))
	defer bar.Finish()

	u := updater.New(link, updater.WithProgress(func(p updater.Progress) {
		bar.SetCurrent(int64(p.Sent))
	}))

	if err = u.Update(ctx, img); err != nil {
		return err
	}

	bar.Finish()
	log.Printf("installed version %d", img.Meta.Ver)

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

	if conf.firmware == "" && !conf.boot {
		return
	}

	var link io.ReadWriteCloser

	if link, err = dial(conf.device); err != nil {
		return
	}

	defer link.Close()

	ctx := context.Background()

	if conf.firmware != "" {
		if err = update(ctx, link, conf.firmware); err != nil {
			return
		}
	}

	if conf.boot {
		var msg string

		if msg, err = updater.New(link).Boot(ctx); err != nil {
			return
		}

		log.Printf("booted: %s", msg)
	}
}
