// USB descriptor tree and wire codec tests
// https://github.com/usbtestkit/virtusb
//
// Copyright (c) virtusb authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbdesc

import "testing"

func sampleDevice() *Device {
	d := &Device{
		BcdUSB:        0x0200,
		Class:         0xff,
		SubClass:      0xff,
		Protocol:      0xff,
		MaxPacketSize: 64,
		VendorID:      0xdead,
		ProductID:     0xbeef,
		BcdDevice:     0x0001,
	}
	cfg := NewConfiguration(1, 0)
	iface := NewInterface(0, 0, 0xff, 0xff, 0xff, 0, []Endpoint{
		{Address: 0x81, Attributes: 0x02, MaxPacketSize: 512, Interval: 0},
	})
	cfg.AddInterface(iface)
	d.AddConfiguration(cfg)
	return d
}

func TestDeviceBytesFixedHeader(t *testing.T) {
	d := sampleDevice()
	b := d.Bytes()
	if len(b) != deviceLength {
		t.Fatalf("device descriptor length = %d, want %d", len(b), deviceLength)
	}
	if b[0] != deviceLength || b[1] != DescriptorTypeDevice {
		t.Fatalf("unexpected header bytes %x", b[:2])
	}
	if b[8] != 0xad || b[9] != 0xde {
		t.Fatalf("idVendor not little-endian: %x %x", b[8], b[9])
	}
	if b[17] != 1 {
		t.Fatalf("bNumConfigurations = %d, want 1", b[17])
	}
}

func TestConfigurationDerivedFields(t *testing.T) {
	d := sampleDevice()
	cfg := d.Configurations()[0]

	wantTotal := uint16(configurationLength + interfaceLength + endpointLength)
	if got := cfg.TotalLength(); got != wantTotal {
		t.Fatalf("TotalLength() = %d, want %d", got, wantTotal)
	}
	if got := cfg.NumInterfaces(); got != 1 {
		t.Fatalf("NumInterfaces() = %d, want 1", got)
	}

	// Adding a second interface must recompute both derived fields.
	iface2 := NewInterface(1, 0, 0x03, 0x00, 0x00, 0, []Endpoint{
		{Address: 0x82, Attributes: 0x03, MaxPacketSize: 8, Interval: 10},
		{Address: 0x02, Attributes: 0x02, MaxPacketSize: 64, Interval: 0},
	})
	cfg.AddInterface(iface2)

	wantTotal = uint16(configurationLength + 2*interfaceLength + 3*endpointLength)
	if got := cfg.TotalLength(); got != wantTotal {
		t.Fatalf("after AddInterface: TotalLength() = %d, want %d", got, wantTotal)
	}
	if got := cfg.NumInterfaces(); got != 2 {
		t.Fatalf("after AddInterface: NumInterfaces() = %d, want 2", got)
	}

	b := cfg.Bytes()
	if len(b) != int(wantTotal) {
		t.Fatalf("encoded length = %d, want %d", len(b), wantTotal)
	}
	if b[2] != byte(wantTotal) || b[3] != byte(wantTotal>>8) {
		t.Fatalf("wTotalLength not little-endian in encoding")
	}
}

func TestInterfaceEndpointsDefensiveCopy(t *testing.T) {
	iface := NewInterface(0, 0, 0, 0, 0, 0, []Endpoint{{Address: 1}})
	eps := iface.Endpoints()
	eps[0].Address = 0xff
	if iface.endpoints[0].Address == 0xff {
		t.Fatalf("mutating Endpoints() result affected the interface's own list")
	}
}

func TestConfigurationByValueNotFound(t *testing.T) {
	d := sampleDevice()
	if _, err := d.ConfigurationByValue(99); err == nil {
		t.Fatalf("expected error for unknown configuration value")
	}
}

func TestInterfaceByNumberNotFound(t *testing.T) {
	d := sampleDevice()
	cfg := d.Configurations()[0]
	if _, err := cfg.InterfaceByNumber(99); err == nil {
		t.Fatalf("expected error for unknown interface number")
	}
}
