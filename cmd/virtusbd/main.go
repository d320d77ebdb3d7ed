// virtusbd standalone server binary
// https://github.com/usbtestkit/virtusb
//
// Copyright (c) virtusb authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command virtusbd runs a standalone USB/IP virtual-device server over a
// single fixture device, for manual smoke-testing. Library users import
// internal/server, internal/vhost and internal/usbdesc directly to build
// their own device trees instead of invoking this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/usbtestkit/virtusb/example"
	"github.com/usbtestkit/virtusb/internal/attach"
	"github.com/usbtestkit/virtusb/internal/server"
	"github.com/usbtestkit/virtusb/internal/vhost"
)

func main() {
	addr := flag.String("addr", server.DefaultAddr, "TCP listen address")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	noAttach := flag.Bool("no-attach", false, "skip invoking the host usbip attach/detach tool")
	attachHost := flag.String("attach-host", "127.0.0.1", "host a real kernel usbip client should attach to")
	flag.Parse()

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var attacher attach.Attacher = attach.Exec{}
	if *noAttach {
		attacher = attach.NoOp{}
	}

	dev := example.NewDevice()
	dev.Hooks = vhost.Hooks{
		Start: func() { logger.Info("fixture device started") },
		Stop:  func() { logger.Info("fixture device stopped") },
	}
	controller := vhost.NewController([]*vhost.Device{dev})

	srv := server.New(server.Config{
		Addr:       *addr,
		AttachHost: *attachHost,
	}, controller, attacher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		if err := srv.Shutdown(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	if err := srv.ListenAndServe(context.Background()); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("virtusbd: unknown log level %q", s)
	}
}
