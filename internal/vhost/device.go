// Virtual USB device and controller model
// https://github.com/usbtestkit/virtusb
//
// Copyright (c) virtusb authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vhost implements the runtime device/controller model: the
// per-device active-configuration/active-interface state machine and the
// URB router that turns standard control requests into descriptor fetches
// and state transitions, forwarding everything else to user code (§4.3,
// §4.4).
package vhost

import (
	"errors"
	"fmt"
	"sync"

	"github.com/usbtestkit/virtusb/internal/usbdesc"
)

// Sentinel errors the protocol engine switches on to decide a response
// disposition (§7).
var (
	ErrInvalidConfiguration = errors.New("vhost: invalid configuration")
	ErrInvalidInterface     = errors.New("vhost: invalid interface")
	ErrNoConfiguration      = errors.New("vhost: no active configuration")
	ErrUnknownDevice        = errors.New("vhost: unknown device")
)

// Handler is the user-supplied hook for non-control transfers (endpoint
// != 0). The default Device has no handler and returns nil for every
// call, matching the "empty" default in §4.3.
type Handler func(endpoint uint8, direction uint8, data []byte) ([]byte, error)

// Hooks are the optional lifecycle callbacks invoked when a client
// imports (Start) or unlinks (Stop) the device (§4.3).
type Hooks struct {
	Start func()
	Stop  func()
}

// Device is the per-device runtime: an immutable descriptor tree plus the
// mutable active-configuration/active-interface pair, guarded by one
// mutex per device so concurrent connections never race on it (§5, §9).
type Device struct {
	Descriptor *usbdesc.Device
	Handler    Handler
	Hooks      Hooks

	mu               sync.Mutex
	activeConfig     *usbdesc.Configuration
	activeInterface  *usbdesc.Interface
}

// NewDevice constructs a device and activates its first configuration and
// that configuration's first interface, matching "on construction the
// first configuration and its first interface become active" (§3).
func NewDevice(descriptor *usbdesc.Device) *Device {
	d := &Device{Descriptor: descriptor}
	_ = d.SetConfiguration(0)
	return d
}

// SetConfiguration activates a configuration. value == 0 activates the
// first configuration; any other value searches by bConfigurationValue.
// Fails with ErrInvalidConfiguration if none match (§4.3).
func (d *Device) SetConfiguration(value uint8) error {
	configs := d.Descriptor.Configurations()
	if len(configs) == 0 {
		d.mu.Lock()
		d.activeConfig = nil
		d.activeInterface = nil
		d.mu.Unlock()
		return fmt.Errorf("%w: device has no configurations", ErrInvalidConfiguration)
	}

	var chosen *usbdesc.Configuration
	if value == 0 {
		chosen = configs[0]
	} else {
		c, err := d.Descriptor.ConfigurationByValue(value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
		chosen = c
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeConfig = chosen
	ifaces := chosen.Interfaces()
	if len(ifaces) > 0 {
		d.activeInterface = ifaces[0]
	} else {
		d.activeInterface = nil
	}
	return nil
}

// SetInterface activates an interface of the currently active
// configuration, keyed by bInterfaceNumber. value == 0 activates the
// first interface. Fails with ErrNoConfiguration if no configuration is
// active yet, or ErrInvalidInterface if none match (§4.3).
func (d *Device) SetInterface(value uint8) error {
	d.mu.Lock()
	cfg := d.activeConfig
	d.mu.Unlock()

	if cfg == nil {
		return ErrNoConfiguration
	}

	ifaces := cfg.Interfaces()
	var chosen *usbdesc.Interface
	if value == 0 && len(ifaces) > 0 {
		chosen = ifaces[0]
	} else {
		iface, err := cfg.InterfaceByNumber(value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInterface, err)
		}
		chosen = iface
	}

	d.mu.Lock()
	d.activeInterface = chosen
	d.mu.Unlock()
	return nil
}

// ActiveConfiguration returns the currently active configuration, or nil
// if none is active.
func (d *Device) ActiveConfiguration() *usbdesc.Configuration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeConfig
}

// ActiveInterface returns the currently active interface, or nil.
func (d *Device) ActiveInterface() *usbdesc.Interface {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeInterface
}

// Handle forwards a non-control transfer to the user-supplied handler. A
// device with no handler returns nil, matching the default "empty" hook
// (§4.3).
func (d *Device) Handle(endpoint uint8, direction uint8, data []byte) ([]byte, error) {
	if d.Handler == nil {
		return nil, nil
	}
	return d.Handler(endpoint, direction, data)
}

// Start invokes the optional Start lifecycle hook; called exactly once
// per successful OP_REQ_IMPORT (§4.5, §8 S3).
func (d *Device) Start() {
	if d.Hooks.Start != nil {
		d.Hooks.Start()
	}
}

// Stop invokes the optional Stop lifecycle hook; called on
// USBIP_CMD_UNLINK (§4.5).
func (d *Device) Stop() {
	if d.Hooks.Stop != nil {
		d.Hooks.Stop()
	}
}
