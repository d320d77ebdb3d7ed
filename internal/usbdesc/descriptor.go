// USB descriptor tree and wire codec
// https://github.com/usbtestkit/virtusb
//
// Copyright (c) virtusb authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usbdesc models the static USB descriptor tree (device,
// configuration, interface, endpoint) and encodes it to the byte layout a
// real USB/IP kernel client expects: little-endian, with several fields
// derived from child-list lengths rather than settable directly.
package usbdesc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05

	deviceLength        = 18
	configurationLength = 9
	interfaceLength     = 9
	endpointLength      = 7

	// SpeedHigh is the only device speed this server reports; it is
	// hard-coded rather than negotiated with a client.
	SpeedHigh = 2
)

// Endpoint is a leaf descriptor; it carries no children.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// Bytes encodes the 7-byte little-endian endpoint descriptor.
func (e Endpoint) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(endpointLength)
	buf.WriteByte(DescriptorTypeEndpoint)
	buf.WriteByte(e.Address)
	buf.WriteByte(e.Attributes)
	binary.Write(buf, binary.LittleEndian, e.MaxPacketSize)
	buf.WriteByte(e.Interval)
	return buf.Bytes()
}

// Interface owns an ordered list of endpoints; bNumEndpoints is always
// derived from len(endpoints), never set directly.
type Interface struct {
	Number          uint8
	AlternateSetting uint8
	Class           uint8
	SubClass        uint8
	Protocol        uint8
	StringIndex     uint8
	endpoints       []Endpoint
}

// NewInterface constructs an interface with the given endpoints already
// attached; use SetEndpoints to replace them later.
func NewInterface(number, alt, class, subclass, protocol, stringIndex uint8, endpoints []Endpoint) *Interface {
	i := &Interface{
		Number:           number,
		AlternateSetting: alt,
		Class:            class,
		SubClass:         subclass,
		Protocol:         protocol,
		StringIndex:      stringIndex,
	}
	i.SetEndpoints(endpoints)
	return i
}

// Endpoints hands out a defensive copy; callers may not mutate the
// interface's child list through the returned slice.
func (i *Interface) Endpoints() []Endpoint {
	cp := make([]Endpoint, len(i.endpoints))
	copy(cp, i.endpoints)
	return cp
}

// SetEndpoints replaces the child list; bNumEndpoints is derived from its
// length on every read, so there is nothing else to recompute here.
func (i *Interface) SetEndpoints(endpoints []Endpoint) {
	i.endpoints = append([]Endpoint(nil), endpoints...)
}

// NumEndpoints is the derived bNumEndpoints field.
func (i *Interface) NumEndpoints() uint8 {
	return uint8(len(i.endpoints))
}

// Bytes encodes the interface descriptor header followed by each
// endpoint's own encoding, in field order.
func (i *Interface) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(interfaceLength)
	buf.WriteByte(DescriptorTypeInterface)
	buf.WriteByte(i.Number)
	buf.WriteByte(i.AlternateSetting)
	buf.WriteByte(i.NumEndpoints())
	buf.WriteByte(i.Class)
	buf.WriteByte(i.SubClass)
	buf.WriteByte(i.Protocol)
	buf.WriteByte(i.StringIndex)
	for _, ep := range i.endpoints {
		buf.Write(ep.Bytes())
	}
	return buf.Bytes()
}

// Configuration owns an ordered list of interfaces; wTotalLength and
// bNumInterfaces are both derived and recomputed whenever the list changes.
type Configuration struct {
	Value       uint8
	StringIndex uint8
	Attributes  uint8
	MaxPower    uint8
	interfaces  []*Interface
}

// NewConfiguration builds a configuration with default bmAttributes (0xe0,
// self-powered/remote-wakeup per the original fixture) and bMaxPower (250,
// i.e. 500mA) unless the caller overrides them afterward.
func NewConfiguration(value, stringIndex uint8) *Configuration {
	return &Configuration{
		Value:       value,
		StringIndex: stringIndex,
		Attributes:  0xe0,
		MaxPower:    250,
	}
}

// Interfaces hands out a defensive copy of the slice header; the
// *Interface elements themselves are shared, matching the codec's
// permission to read without copying (§4.2).
func (c *Configuration) Interfaces() []*Interface {
	cp := make([]*Interface, len(c.interfaces))
	copy(cp, c.interfaces)
	return cp
}

// SetInterfaces replaces the child list wholesale.
func (c *Configuration) SetInterfaces(ifaces []*Interface) {
	c.interfaces = append([]*Interface(nil), ifaces...)
}

// AddInterface appends one interface to the list.
func (c *Configuration) AddInterface(i *Interface) {
	c.interfaces = append(c.interfaces, i)
}

// NumInterfaces is the derived bNumInterfaces field.
func (c *Configuration) NumInterfaces() uint8 {
	return uint8(len(c.interfaces))
}

// TotalLength is the derived wTotalLength field: the configuration header
// plus every interface's header plus every endpoint's header, recomputed
// on demand from the current tree rather than cached.
func (c *Configuration) TotalLength() uint16 {
	total := configurationLength
	for _, iface := range c.interfaces {
		total += interfaceLength + len(iface.endpoints)*endpointLength
	}
	return uint16(total)
}

// Bytes encodes the configuration header followed by each interface's own
// encoding (which in turn contains its endpoints), in field order.
func (c *Configuration) Bytes() []byte {
	body := new(bytes.Buffer)
	for _, iface := range c.interfaces {
		body.Write(iface.Bytes())
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(configurationLength)
	buf.WriteByte(DescriptorTypeConfiguration)
	binary.Write(buf, binary.LittleEndian, c.TotalLength())
	buf.WriteByte(c.NumInterfaces())
	buf.WriteByte(c.Value)
	buf.WriteByte(c.StringIndex)
	buf.WriteByte(c.Attributes)
	buf.WriteByte(c.MaxPower)
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// Device is the root of the descriptor tree. bNumConfigurations is
// derived from len(configurations).
type Device struct {
	BcdUSB          uint16
	Class           uint8
	SubClass        uint8
	Protocol        uint8
	MaxPacketSize   uint8
	VendorID        uint16
	ProductID       uint16
	BcdDevice       uint16
	ManufacturerIdx uint8
	ProductIdx      uint8
	SerialNumberIdx uint8
	configurations  []*Configuration
}

// Configurations hands out a defensive copy of the slice header.
func (d *Device) Configurations() []*Configuration {
	cp := make([]*Configuration, len(d.configurations))
	copy(cp, d.configurations)
	return cp
}

// SetConfigurations replaces the child list wholesale.
func (d *Device) SetConfigurations(configs []*Configuration) {
	d.configurations = append([]*Configuration(nil), configs...)
}

// AddConfiguration appends one configuration to the list.
func (d *Device) AddConfiguration(c *Configuration) {
	d.configurations = append(d.configurations, c)
}

// NumConfigurations is the derived bNumConfigurations field.
func (d *Device) NumConfigurations() uint8 {
	return uint8(len(d.configurations))
}

// Bytes encodes the fixed 18-byte little-endian device descriptor. It
// never includes configuration descriptors — those are fetched with a
// separate GET_DESCRIPTOR(CONFIG) request (§4.4).
func (d *Device) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(deviceLength)
	buf.WriteByte(DescriptorTypeDevice)
	binary.Write(buf, binary.LittleEndian, d.BcdUSB)
	buf.WriteByte(d.Class)
	buf.WriteByte(d.SubClass)
	buf.WriteByte(d.Protocol)
	buf.WriteByte(d.MaxPacketSize)
	binary.Write(buf, binary.LittleEndian, d.VendorID)
	binary.Write(buf, binary.LittleEndian, d.ProductID)
	binary.Write(buf, binary.LittleEndian, d.BcdDevice)
	buf.WriteByte(d.ManufacturerIdx)
	buf.WriteByte(d.ProductIdx)
	buf.WriteByte(d.SerialNumberIdx)
	buf.WriteByte(d.NumConfigurations())
	return buf.Bytes()
}

// ConfigurationByValue returns the configuration whose Value matches, or
// an error if none match. Used by set_configuration's search (§4.3).
func (d *Device) ConfigurationByValue(value uint8) (*Configuration, error) {
	for _, c := range d.configurations {
		if c.Value == value {
			return c, nil
		}
	}
	return nil, fmt.Errorf("usbdesc: no configuration with bConfigurationValue=%d", value)
}

// InterfaceByNumber returns the interface whose Number matches within c,
// or an error if none match. Used by set_interface's search (§4.3).
func (c *Configuration) InterfaceByNumber(number uint8) (*Interface, error) {
	for _, i := range c.interfaces {
		if i.Number == number {
			return i, nil
		}
	}
	return nil, fmt.Errorf("usbdesc: no interface with bInterfaceNumber=%d", number)
}
