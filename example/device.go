// Fixture virtual device for smoke-testing and tests
// https://github.com/usbtestkit/virtusb
//
// Copyright (c) virtusb authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package example provides a minimal fixture device used by cmd/virtusbd
// for manual smoke-testing and by the test suites that need a concrete,
// shared device tree to exercise against.
package example

import (
	"github.com/usbtestkit/virtusb/internal/usbdesc"
	"github.com/usbtestkit/virtusb/internal/vhost"
)

// VendorID and ProductID match the scenario fixture used throughout this
// repository's scenario tests.
const (
	VendorID  = 0xdead
	ProductID = 0xbeef
)

// NewDescriptor builds the descriptor tree for the fixture device: one
// configuration, one vendor-specific interface (class/sub/proto
// 0xff/0xff/0xff), one bulk IN endpoint.
func NewDescriptor() *usbdesc.Device {
	dev := &usbdesc.Device{
		BcdUSB:        0x0200,
		Class:         0x00,
		SubClass:      0x00,
		Protocol:      0x00,
		MaxPacketSize: 64,
		VendorID:      VendorID,
		ProductID:     ProductID,
		BcdDevice:     0x0001,
	}

	cfg := usbdesc.NewConfiguration(1, 0)
	iface := usbdesc.NewInterface(0, 0, 0xff, 0xff, 0xff, 0, []usbdesc.Endpoint{
		{Address: 0x81, Attributes: 0x02, MaxPacketSize: 512, Interval: 0},
	})
	cfg.AddInterface(iface)
	dev.AddConfiguration(cfg)

	return dev
}

// NewDevice wraps NewDescriptor in a vhost.Device with no handler and no
// lifecycle hooks; callers that need to observe start()/stop() should set
// dev.Hooks directly.
func NewDevice() *vhost.Device {
	return vhost.NewDevice(NewDescriptor())
}
