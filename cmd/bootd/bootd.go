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

// bootd runs the bootloader against a file-backed flash device, serving
// update and boot sessions over a TCP listener or a character device.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/firelock-dev/firelock/api"
	"github.com/firelock-dev/firelock/boot"
	"github.com/firelock-dev/firelock/internal/flash"
	"github.com/firelock-dev/firelock/internal/image"
	"github.com/firelock-dev/firelock/internal/secrets"
	"github.com/firelock-dev/firelock/internal/store"
)

type Config struct {
	flashPath string
	pages     uint
	vaultPath string
	serial    string

	listen string
	device string
}

var conf *Config

func init() {
	conf = &Config{}

	flag.StringVar(&conf.flashPath, "f", "flash.img", "flash image path")
	flag.UintVar(&conf.pages, "p", flash.DefaultPages, "flash size in pages")
	flag.StringVar(&conf.vaultPath, "s", "secrets.vault", "secrets vault path")
	flag.StringVar(&conf.serial, "n", "firelock-sim", "device serial, diversifies the state sealing key")
	flag.StringVar(&conf.listen, "l", "", "serve sessions on a TCP address (e.g. :1337)")
	flag.StringVar(&conf.device, "d", "", "serve sessions on a character device")

	klog.InitFlags(nil)
}

func newLoader() (*boot.Loader, io.Closer, error) {
	vault, err := secrets.Load(conf.vaultPath)

	if err != nil {
		return nil, nil, err
	}

	dev, err := flash.OpenFile(conf.flashPath, uint32(conf.pages))

	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(dev, vault.SealingKey([]byte(conf.serial)))

	if err != nil {
		dev.Close()
		return nil, nil, err
	}

	verifier, err := vault.Verifier()

	if err != nil {
		dev.Close()
		return nil, nil, err
	}

	keys := image.Keys{
		Encryption:     vault.EncryptionKey(),
		Authentication: vault.AuthenticationKey(),
	}

	loader, err := boot.New(dev, st, keys, verifier, launch)

	if err != nil {
		dev.Close()
		return nil, nil, err
	}

	return loader, dev, nil
}

// launch stands in for the jump to the application. The simulator only
// reports what it would run.
func launch(meta api.Metadata, app []byte) error {
	klog.Infof("application handoff: version %d, %d bytes", meta.Ver, len(app))
	return nil
}

func serveTCP(ctx context.Context, loader *boot.Loader, addr string) error {
	ln, err := net.Listen("tcp", addr)

	if err != nil {
		return err
	}

	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	klog.Infof("listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		klog.Infof("session from %s", conn.RemoteAddr())

		if err := loader.Serve(ctx, conn); err != nil {
			klog.Errorf("session %s: %v", conn.RemoteAddr(), err)
		}

		conn.Close()
	}
}

func serveDevice(ctx context.Context, loader *boot.Loader, path string) error {
	dev, err := os.OpenFile(path, os.O_RDWR, 0)

	if err != nil {
		return err
	}

	defer dev.Close()

	klog.Infof("serving on %s", path)

	return loader.Serve(ctx, dev)
}

func run() error {
	if (conf.listen == "") == (conf.device == "") {
		return fmt.Errorf("exactly one of -l or -d is required")
	}

	loader, closer, err := newLoader()

	if err != nil {
		return err
	}

	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.listen != "" {
		return serveTCP(ctx, loader, conf.listen)
	}

	return serveDevice(ctx, loader, conf.device)
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		klog.Exitf("fatal error, %v", err)
	}
}
