// USB/IP wire protocol packets and codec
// https://github.com/usbtestkit/virtusb
//
// Copyright (c) virtusb authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usbip implements the wire packets of the USB/IP protocol: the
// operation-phase list/import exchange and the command-phase submit/unlink
// exchange. All multi-byte fields on this wire are big-endian, the
// opposite of the descriptors in usbdesc (§6.3).
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	Version = 0x0111

	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	CmdSubmit = 0x0001
	RetSubmit = 0x0003
	CmdUnlink = 0x0002
	RetUnlink = 0x0004

	DirectionOut = 0
	DirectionIn  = 1

	pathFieldLen  = 256
	busIDFieldLen = 32
)

// Header is the first 4 bytes of every packet on this wire, read to decide
// which phase and which packet follows (§4.5 framing).
type Header struct {
	Version uint16
	Command uint16
}

// DecodeHeader reads and interprets the 4-byte discriminator. A version of
// 0 means command phase; a nonzero version means operation phase.
func DecodeHeader(r io.Reader) (Header, error) {
	var raw [4]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, err
	}
	return Header{
		Version: binary.BigEndian.Uint16(raw[0:2]),
		Command: binary.BigEndian.Uint16(raw[2:4]),
	}, nil
}

func writeString(buf *bytes.Buffer, s string, width int) {
	b := make([]byte, width)
	copy(b, s)
	buf.Write(b)
}

func readString(b []byte) string {
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}

// Iface is one entry of a Device record's interface list (§6.3).
type Iface struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (i Iface) encode(buf *bytes.Buffer) {
	buf.WriteByte(i.Class)
	buf.WriteByte(i.SubClass)
	buf.WriteByte(i.Protocol)
	buf.WriteByte(0) // padding
}

func decodeIface(r io.Reader) (Iface, error) {
	var raw [4]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Iface{}, err
	}
	return Iface{Class: raw[0], SubClass: raw[1], Protocol: raw[2]}, nil
}

// Device is one entry of OP_REP_DEVLIST's device list: the fixed 312-byte
// header (which already counts IfaceCount) followed by IfaceCount Iface
// records (§6.3, §9 note 3).
type Device struct {
	Path           string
	BusID          string
	BusNum         uint32
	DeviceNum      uint32
	Speed          uint32
	VendorID       uint16
	ProductID      uint16
	DeviceVersion  uint16
	DeviceClass    uint8
	DeviceSubclass uint8
	DeviceProtocol uint8
	ConfigValue    uint8
	ConfigCount    uint8
	Ifaces         []Iface
}

const deviceRecordLen = pathFieldLen + busIDFieldLen + 4 + 4 + 4 + 2 + 2 + 2 + 1 + 1 + 1 + 1 + 1 + 1

func (d Device) encode(buf *bytes.Buffer) {
	writeString(buf, d.Path, pathFieldLen)
	writeString(buf, d.BusID, busIDFieldLen)
	binary.Write(buf, binary.BigEndian, d.BusNum)
	binary.Write(buf, binary.BigEndian, d.DeviceNum)
	binary.Write(buf, binary.BigEndian, d.Speed)
	binary.Write(buf, binary.BigEndian, d.VendorID)
	binary.Write(buf, binary.BigEndian, d.ProductID)
	binary.Write(buf, binary.BigEndian, d.DeviceVersion)
	buf.WriteByte(d.DeviceClass)
	buf.WriteByte(d.DeviceSubclass)
	buf.WriteByte(d.DeviceProtocol)
	buf.WriteByte(d.ConfigValue)
	buf.WriteByte(d.ConfigCount)
	buf.WriteByte(uint8(len(d.Ifaces)))
	for _, iface := range d.Ifaces {
		iface.encode(buf)
	}
}

// decodeDevice reads the 312-byte fixed header, then the IfaceCount
// trailing Iface records — the staged read §9 note 3 requires, since the
// 312 bytes already contain the count that tells us how many more to read.
func decodeDevice(r io.Reader) (Device, error) {
	raw := make([]byte, deviceRecordLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Device{}, err
	}
	d := Device{
		Path:  readString(raw[0:pathFieldLen]),
		BusID: readString(raw[pathFieldLen : pathFieldLen+busIDFieldLen]),
	}
	off := pathFieldLen + busIDFieldLen
	d.BusNum = binary.BigEndian.Uint32(raw[off:])
	off += 4
	d.DeviceNum = binary.BigEndian.Uint32(raw[off:])
	off += 4
	d.Speed = binary.BigEndian.Uint32(raw[off:])
	off += 4
	d.VendorID = binary.BigEndian.Uint16(raw[off:])
	off += 2
	d.ProductID = binary.BigEndian.Uint16(raw[off:])
	off += 2
	d.DeviceVersion = binary.BigEndian.Uint16(raw[off:])
	off += 2
	d.DeviceClass = raw[off]
	off++
	d.DeviceSubclass = raw[off]
	off++
	d.DeviceProtocol = raw[off]
	off++
	d.ConfigValue = raw[off]
	off++
	d.ConfigCount = raw[off]
	off++
	ifaceCount := raw[off]

	d.Ifaces = make([]Iface, ifaceCount)
	for i := range d.Ifaces {
		iface, err := decodeIface(r)
		if err != nil {
			return Device{}, err
		}
		d.Ifaces[i] = iface
	}
	return d, nil
}

// OpReqDevlist is the 8-byte OP_REQ_DEVLIST request (version+command
// already consumed by DecodeHeader; only the status field remains).
type OpReqDevlist struct {
	Status uint32
}

func DecodeOpReqDevlist(r io.Reader) (OpReqDevlist, error) {
	var raw [4]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return OpReqDevlist{}, err
	}
	return OpReqDevlist{Status: binary.BigEndian.Uint32(raw[:])}, nil
}

// OpRepDevlist is the OP_REP_DEVLIST response: a 12-byte header (version,
// command, status, device_count) followed by DeviceCount Device records.
type OpRepDevlist struct {
	Version uint16
	Status  uint32
	Devices []Device
}

func (r OpRepDevlist) Encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, r.Version)
	binary.Write(buf, binary.BigEndian, uint16(OpRepDevlist))
	binary.Write(buf, binary.BigEndian, r.Status)
	binary.Write(buf, binary.BigEndian, uint32(len(r.Devices)))
	for _, d := range r.Devices {
		d.encode(buf)
	}
	return buf.Bytes()
}

// DecodeOpRepDevlistBody decodes an OP_REP_DEVLIST whose 4-byte
// version/command header has already been consumed by the caller (for
// example via DecodeHeader): it reads the remaining 8-byte fixed portion
// (status, device_count) and then that many Device records. version is
// the already-read version, copied into the result.
func DecodeOpRepDevlistBody(r io.Reader, version uint16) (OpRepDevlist, error) {
	var raw [8]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return OpRepDevlist{}, err
	}
	status := binary.BigEndian.Uint32(raw[0:4])
	count := binary.BigEndian.Uint32(raw[4:8])

	devices := make([]Device, count)
	for i := range devices {
		d, err := decodeDevice(r)
		if err != nil {
			return OpRepDevlist{}, err
		}
		devices[i] = d
	}
	return OpRepDevlist{Version: version, Status: status, Devices: devices}, nil
}

// OpReqImport is the 40-byte OP_REQ_IMPORT request (status + 32-byte
// bus_id, with version/command already stripped).
type OpReqImport struct {
	Status uint32
	BusID  string
}

func DecodeOpReqImport(r io.Reader) (OpReqImport, error) {
	raw := make([]byte, 4+busIDFieldLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return OpReqImport{}, err
	}
	return OpReqImport{
		Status: binary.BigEndian.Uint32(raw[0:4]),
		BusID:  readString(raw[4:]),
	}, nil
}

// OpRepImport is the 320-byte OP_REP_IMPORT response.
type OpRepImport struct {
	Version        uint16
	Status         uint32
	FullPath       string
	BusID          string
	BusNum         uint32
	DeviceNum      uint32
	DeviceSpeed    uint32
	VendorID       uint16
	ProductID      uint16
	DeviceVersion  uint16
	DeviceClass    uint8
	DeviceSubclass uint8
	DeviceProtocol uint8
	ConfigValue    uint8
	ConfigCount    uint8
	IfaceCount     uint8
}

func (r OpRepImport) Encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, r.Version)
	binary.Write(buf, binary.BigEndian, uint16(OpRepImport))
	binary.Write(buf, binary.BigEndian, r.Status)
	writeString(buf, r.FullPath, pathFieldLen)
	writeString(buf, r.BusID, busIDFieldLen)
	binary.Write(buf, binary.BigEndian, r.BusNum)
	binary.Write(buf, binary.BigEndian, r.DeviceNum)
	binary.Write(buf, binary.BigEndian, r.DeviceSpeed)
	binary.Write(buf, binary.BigEndian, r.VendorID)
	binary.Write(buf, binary.BigEndian, r.ProductID)
	binary.Write(buf, binary.BigEndian, r.DeviceVersion)
	buf.WriteByte(r.DeviceClass)
	buf.WriteByte(r.DeviceSubclass)
	buf.WriteByte(r.DeviceProtocol)
	buf.WriteByte(r.ConfigValue)
	buf.WriteByte(r.ConfigCount)
	buf.WriteByte(r.IfaceCount)
	return buf.Bytes()
}

// Setup is the 8-byte control-transfer setup block. Unlike every other
// usbip field it is little-endian on the wire even inside a big-endian
// command packet, because it is copied through verbatim from the USB
// Setup stage (§6.3).
type Setup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

func (s Setup) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(s.RequestType)
	buf.WriteByte(s.Request)
	binary.Write(buf, binary.LittleEndian, s.Value)
	binary.Write(buf, binary.LittleEndian, s.Index)
	binary.Write(buf, binary.LittleEndian, s.Length)
	return buf.Bytes()
}

func decodeSetup(raw []byte) Setup {
	return Setup{
		RequestType: raw[0],
		Request:     raw[1],
		Value:       binary.LittleEndian.Uint16(raw[2:4]),
		Index:       binary.LittleEndian.Uint16(raw[4:6]),
		Length:      binary.LittleEndian.Uint16(raw[6:8]),
	}
}

// IsDeviceToHost reports the transfer direction carried in the setup
// block's top bit of bmRequestType (§4.4 step 2).
func (s Setup) IsDeviceToHost() bool {
	return s.RequestType&0x80 != 0
}

// CmdSubmit is USBIP_CMD_SUBMIT's 44-byte remainder after the 4-byte
// header (the zero u16 and the command u16, already consumed by
// DecodeHeader).
type CmdSubmit struct {
	SeqNum         uint32
	DevID          uint32
	Direction      uint32
	Endpoint       uint32
	TransferFlags  uint32
	BufferLen      uint32
	StartFrame     uint32
	PacketCount    uint32
	Interval       uint32
	Setup          Setup
}

func DecodeCmdSubmit(r io.Reader) (CmdSubmit, error) {
	raw := make([]byte, 44)
	if _, err := io.ReadFull(r, raw); err != nil {
		return CmdSubmit{}, err
	}
	return CmdSubmit{
		SeqNum:        binary.BigEndian.Uint32(raw[0:4]),
		DevID:         binary.BigEndian.Uint32(raw[4:8]),
		Direction:     binary.BigEndian.Uint32(raw[8:12]),
		Endpoint:      binary.BigEndian.Uint32(raw[12:16]),
		TransferFlags: binary.BigEndian.Uint32(raw[16:20]),
		BufferLen:     binary.BigEndian.Uint32(raw[20:24]),
		StartFrame:    binary.BigEndian.Uint32(raw[24:28]),
		PacketCount:   binary.BigEndian.Uint32(raw[28:32]),
		Interval:      binary.BigEndian.Uint32(raw[32:36]),
		Setup:         decodeSetup(raw[36:44]),
	}, nil
}

// RetSubmit is USBIP_RET_SUBMIT's fixed 44-byte remainder, optionally
// followed by ActualLen bytes of IN payload.
type RetSubmit struct {
	SeqNum      uint32
	DevID       uint32
	Direction   uint32
	Endpoint    uint32
	Status      uint32
	ActualLen   uint32
	StartFrame  uint32
	PacketCount uint32
	ErrorCount  uint32
	Setup       Setup
}

func (r RetSubmit) Encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint16(0))
	binary.Write(buf, binary.BigEndian, uint16(RetSubmit))
	binary.Write(buf, binary.BigEndian, r.SeqNum)
	binary.Write(buf, binary.BigEndian, r.DevID)
	binary.Write(buf, binary.BigEndian, r.Direction)
	binary.Write(buf, binary.BigEndian, r.Endpoint)
	binary.Write(buf, binary.BigEndian, r.Status)
	binary.Write(buf, binary.BigEndian, r.ActualLen)
	binary.Write(buf, binary.BigEndian, r.StartFrame)
	binary.Write(buf, binary.BigEndian, r.PacketCount)
	binary.Write(buf, binary.BigEndian, r.ErrorCount)
	buf.Write(r.Setup.Encode())
	return buf.Bytes()
}

// CmdUnlink is USBIP_CMD_UNLINK's 44-byte remainder: a seqnum to unlink
// plus padding to match CmdSubmit's shell (§6.3).
type CmdUnlink struct {
	SeqNum      uint32
	DevID       uint32
	Direction   uint32
	Endpoint    uint32
	UnlinkSeqNum uint32
}

func DecodeCmdUnlink(r io.Reader) (CmdUnlink, error) {
	raw := make([]byte, 44)
	if _, err := io.ReadFull(r, raw); err != nil {
		return CmdUnlink{}, err
	}
	return CmdUnlink{
		SeqNum:       binary.BigEndian.Uint32(raw[0:4]),
		DevID:        binary.BigEndian.Uint32(raw[4:8]),
		Direction:    binary.BigEndian.Uint32(raw[8:12]),
		Endpoint:     binary.BigEndian.Uint32(raw[12:16]),
		UnlinkSeqNum: binary.BigEndian.Uint32(raw[16:20]),
	}, nil
}

// RetUnlink is USBIP_RET_UNLINK's fixed 44-byte remainder.
type RetUnlink struct {
	SeqNum uint32
	DevID  uint32
	Status uint32
}

func (r RetUnlink) Encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint16(0))
	binary.Write(buf, binary.BigEndian, uint16(RetUnlink))
	binary.Write(buf, binary.BigEndian, r.SeqNum)
	binary.Write(buf, binary.BigEndian, r.DevID)
	binary.Write(buf, binary.BigEndian, r.Status)
	// pad to the 44-byte shell shared with RetSubmit/CmdSubmit.
	buf.Write(make([]byte, 44-12))
	return buf.Bytes()
}

// ParseBusID splits a "{bus_no}-{device_no}" bus id string.
func ParseBusID(s string) (busNo, deviceNo uint32, err error) {
	var a, b uint32
	n, err := fmt.Sscanf(s, "%d-%d", &a, &b)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("usbip: malformed bus id %q", s)
	}
	return a, b, nil
}

// FormatBusID renders a bus id in "{bus_no}-{device_no}" form.
func FormatBusID(busNo, deviceNo uint32) string {
	return fmt.Sprintf("%d-%d", busNo, deviceNo)
}

// PackDevID packs (bus_no, device_no) into the wire dev_id field.
func PackDevID(busNo, deviceNo uint32) uint32 {
	return (busNo << 16) | deviceNo
}

// UnpackDevID reverses PackDevID.
func UnpackDevID(devID uint32) (busNo, deviceNo uint32) {
	return devID >> 16, devID & 0xffff
}
