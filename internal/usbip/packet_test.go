// USB/IP wire protocol packets and codec tests
// https://github.com/usbtestkit/virtusb
//
// Copyright (c) virtusb authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbip

import (
	"bytes"
	"testing"
)

func TestDecodeHeaderOperationPhase(t *testing.T) {
	raw := []byte{0x01, 0x11, 0x80, 0x05}
	hdr, err := DecodeHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Version != Version || hdr.Command != OpReqDevlist {
		t.Fatalf("got %+v", hdr)
	}
}

func TestDecodeHeaderCommandPhase(t *testing.T) {
	raw := []byte{0x00, 0x00, 0x00, 0x01}
	hdr, err := DecodeHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Version != 0 || hdr.Command != CmdSubmit {
		t.Fatalf("got %+v", hdr)
	}
}

// TestEmptyDevlistScenario: an OP_REP_DEVLIST with no devices encodes to
// exactly 12 bytes.
func TestEmptyDevlistScenario(t *testing.T) {
	rep := OpRepDevlist{Version: Version, Status: 0}
	got := rep.Encode()
	want := []byte{0x01, 0x11, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("S1 encoding = % x, want % x", got, want)
	}
}

// TestSingleDeviceDevlistScenario exercises S2: one device, one
// interface, one endpoint encodes to 12 + 312 + 4 = 328 bytes, with
// bus_id "1-1" and iface_count=1.
func TestSingleDeviceDevlistScenario(t *testing.T) {
	rep := OpRepDevlist{
		Version: Version,
		Status:  0,
		Devices: []Device{
			{
				Path:           "/sys/devices/pci0000:00/0000:00:14.0/usb1/",
				BusID:          "1-1",
				BusNum:         1,
				DeviceNum:      1,
				Speed:          2,
				VendorID:       0xdead,
				ProductID:      0xbeef,
				DeviceClass:    0x00,
				DeviceSubclass: 0x00,
				DeviceProtocol: 0x00,
				ConfigValue:    1,
				ConfigCount:    1,
				Ifaces: []Iface{
					{Class: 0xff, SubClass: 0xff, Protocol: 0xff},
				},
			},
		},
	}
	got := rep.Encode()
	if len(got) != 12+312+4 {
		t.Fatalf("encoded length = %d, want %d", len(got), 12+312+4)
	}

	decoded, err := DecodeOpRepDevlistBody(bytes.NewReader(got[4:]), Version)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Status != 0 || len(decoded.Devices) != 1 {
		t.Fatalf("decoded = %+v", decoded)
	}
	d := decoded.Devices[0]
	if d.BusID != "1-1" {
		t.Fatalf("BusID = %q, want %q", d.BusID, "1-1")
	}
	if len(d.Ifaces) != 1 || d.Ifaces[0].Class != 0xff {
		t.Fatalf("Ifaces = %+v", d.Ifaces)
	}
}

func TestBusIDPackRoundTrip(t *testing.T) {
	busNo, deviceNo, err := ParseBusID("1-1")
	if err != nil {
		t.Fatalf("ParseBusID: %v", err)
	}
	if busNo != 1 || deviceNo != 1 {
		t.Fatalf("got busNo=%d deviceNo=%d", busNo, deviceNo)
	}
	if got := FormatBusID(busNo, deviceNo); got != "1-1" {
		t.Fatalf("FormatBusID = %q", got)
	}

	devID := PackDevID(busNo, deviceNo)
	gotBus, gotDev := UnpackDevID(devID)
	if gotBus != busNo || gotDev != deviceNo {
		t.Fatalf("UnpackDevID roundtrip mismatch: got (%d,%d)", gotBus, gotDev)
	}
}

func TestParseBusIDMalformed(t *testing.T) {
	if _, _, err := ParseBusID("not-a-busid-at-all"); err == nil {
		t.Fatalf("expected error for malformed bus id")
	}
}

func TestDecodeCmdSubmit(t *testing.T) {
	buf := new(bytes.Buffer)
	buf.Write([]byte{0, 0, 0, 1})          // seq_num
	buf.Write([]byte{0, 1, 0, 1})          // dev_id
	buf.Write([]byte{0, 0, 0, 1})          // direction (IN)
	buf.Write([]byte{0, 0, 0, 0})          // endpoint
	buf.Write([]byte{0, 0, 0, 0})          // transfer_flags
	buf.Write([]byte{0, 0, 0, 18})         // buffer_len
	buf.Write([]byte{0, 0, 0, 0})          // start_frame
	buf.Write([]byte{0, 0, 0, 0})          // packet_count
	buf.Write([]byte{0, 0, 0, 0})          // interval
	buf.Write([]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}) // setup

	cmd, err := DecodeCmdSubmit(buf)
	if err != nil {
		t.Fatalf("DecodeCmdSubmit: %v", err)
	}
	if cmd.SeqNum != 1 || cmd.BufferLen != 18 {
		t.Fatalf("got %+v", cmd)
	}
	if !cmd.Setup.IsDeviceToHost() {
		t.Fatalf("expected device-to-host direction")
	}
	if cmd.Setup.Value != 0x0100 {
		t.Fatalf("Setup.Value = %#x, want 0x0100", cmd.Setup.Value)
	}
}

func TestRetSubmitEncodeLength(t *testing.T) {
	ret := RetSubmit{SeqNum: 1, DevID: PackDevID(1, 1), ActualLen: 18}
	got := ret.Encode()
	if len(got) != 48 {
		t.Fatalf("RetSubmit.Encode() length = %d, want 48", len(got))
	}
}

func TestRetUnlinkEncodeLength(t *testing.T) {
	ret := RetUnlink{SeqNum: 1, DevID: PackDevID(1, 1), Status: 0}
	got := ret.Encode()
	if len(got) != 48 {
		t.Fatalf("RetUnlink.Encode() length = %d, want 48", len(got))
	}
}
