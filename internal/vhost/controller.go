// Virtual USB controller: URB routing and standard control requests
// https://github.com/usbtestkit/virtusb
//
// Copyright (c) virtusb authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vhost

import (
	"fmt"
	"log/slog"

	"github.com/usbtestkit/virtusb/internal/usbip"
)

const (
	requestGetStatus       = 0x00
	requestGetDescriptor   = 0x06
	requestSetConfiguration = 0x09
	requestSetInterface    = 0x0b

	descriptorValueDevice        = 0x0100
	descriptorValueConfiguration = 0x0200

	// DefaultBusPath mirrors the original fixture's sysfs-style path
	// (§3); nothing in the protocol parses it, it only needs to round
	// trip byte-exact.
	DefaultBusPath = "/sys/devices/pci0000:00/0000:00:14.0/usb1/"
	// DefaultBusNo is the controller's fixed bus number; this server
	// only ever models one bus (§3, Non-goals: multi-bus controllers).
	DefaultBusNo = 1
)

// Request is a parsed URB, built by the protocol engine from a
// USBIP_CMD_SUBMIT packet, independent of the wire encoding (§4.4).
type Request struct {
	Endpoint     uint8
	DeviceToHost bool
	BRequest     uint8
	WValue       uint16
	WIndex       uint16
	Data         []byte
}

// Controller is an indexed collection of devices on one virtual bus: the
// central URB router and the handler for standard control requests
// (§4.4). Its device list is fixed after construction, so lookups need no
// lock; only each Device's own mutex guards its mutable state (§5, §9).
type Controller struct {
	BusNo   uint32
	Path    string
	devices []*Device
}

// NewController builds a controller over a fixed, ordered device list.
// Bus ids are 1-based positions into this list (§3).
func NewController(devices []*Device) *Controller {
	return &Controller{
		BusNo:   DefaultBusNo,
		Path:    DefaultBusPath,
		devices: devices,
	}
}

// Devices returns the controller's device list in bus-id order.
func (c *Controller) Devices() []*Device {
	return c.devices
}

// BusID formats the bus id string for the device at 1-based deviceNo.
func (c *Controller) BusID(deviceNo uint32) string {
	return usbip.FormatBusID(c.BusNo, deviceNo)
}

// GetDevice decodes (bus_no, device_no) from a packed dev_id, confirms
// the bus number matches, and returns the device at the corresponding
// 0-based index. This is the corrected bounds check from §9 note 2: the
// index must satisfy 0 <= idx < len(devices), not the inverted historical
// assertion.
func (c *Controller) GetDevice(devID uint32) (*Device, error) {
	busNo, deviceNo := usbip.UnpackDevID(devID)
	return c.getDeviceAt(busNo, deviceNo)
}

// GetDeviceByBusID resolves a device from its ASCII "{bus_no}-{device_no}"
// form, used by OP_REQ_IMPORT handling (§4.5).
func (c *Controller) GetDeviceByBusID(busID string) (*Device, uint32, uint32, error) {
	busNo, deviceNo, err := usbip.ParseBusID(busID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", ErrUnknownDevice, err)
	}
	dev, err := c.getDeviceAt(busNo, deviceNo)
	return dev, busNo, deviceNo, err
}

func (c *Controller) getDeviceAt(busNo, deviceNo uint32) (*Device, error) {
	if busNo != c.BusNo {
		return nil, fmt.Errorf("%w: bus %d is not this controller's bus %d", ErrUnknownDevice, busNo, c.BusNo)
	}
	idx := int(deviceNo) - 1
	if idx < 0 || idx >= len(c.devices) {
		return nil, fmt.Errorf("%w: device_no %d out of range", ErrUnknownDevice, deviceNo)
	}
	return c.devices[idx], nil
}

// Handle is the central URB router (§4.4). Endpoint != 0 always forwards
// to the device's own Handle; endpoint == 0 dispatches the recognized
// standard control requests and returns nil, never reaching the device
// hook, for anything else (§8 property 5).
func (c *Controller) Handle(dev *Device, req Request) ([]byte, error) {
	if req.Endpoint != 0 {
		return dev.Handle(req.Endpoint, directionByte(req.DeviceToHost), req.Data)
	}

	switch {
	case req.DeviceToHost && req.BRequest == requestGetDescriptor && req.WValue == descriptorValueDevice:
		return dev.Descriptor.Bytes(), nil

	case req.DeviceToHost && req.BRequest == requestGetDescriptor && req.WValue == descriptorValueConfiguration:
		cfg := dev.ActiveConfiguration()
		if cfg == nil {
			return nil, fmt.Errorf("%w: device has no active configuration", ErrInvalidConfiguration)
		}
		return cfg.Bytes(), nil

	case req.DeviceToHost && req.BRequest == requestGetStatus:
		return []byte{0x00, 0x00}, nil

	case !req.DeviceToHost && req.BRequest == requestSetConfiguration:
		return nil, dev.SetConfiguration(uint8(req.WValue))

	case !req.DeviceToHost && req.BRequest == requestSetInterface:
		// wValue >> 1 is preserved verbatim from the source revision
		// this protocol was distilled from; do not "fix" it to wIndex.
		return nil, dev.SetInterface(uint8(req.WValue >> 1))

	default:
		slog.Debug("unrecognized control request", "device_to_host", req.DeviceToHost, "bRequest", req.BRequest, "wValue", req.WValue)
		return nil, nil
	}
}

func directionByte(deviceToHost bool) uint8 {
	if deviceToHost {
		return usbip.DirectionIn
	}
	return usbip.DirectionOut
}
