// Per-connection USB/IP protocol engine
// https://github.com/usbtestkit/virtusb
//
// Copyright (c) virtusb authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/usbtestkit/virtusb/internal/usbdesc"
	"github.com/usbtestkit/virtusb/internal/usbip"
	"github.com/usbtestkit/virtusb/internal/vhost"
)

// engine is the per-connection state machine: READING_HEADER -> ROUTING ->
// HANDLING -> WRITING_RESPONSE -> READING_HEADER, or CLOSED on EOF/timeout
// escalation/protocol error (§4.5).
type engine struct {
	server *Server
	conn   net.Conn
	logger *slog.Logger
}

func (e *engine) run() {
	defer e.conn.Close()
	e.logger.Info("client connected")

	for {
		if !e.server.keepAlive.Load() {
			e.logger.Info("shutting down connection")
			return
		}

		e.conn.SetReadDeadline(deadlineFromNow(e.server.config.RecvTimeout))
		hdr, err := usbip.DecodeHeader(e.conn)
		if err != nil {
			if isTimeout(err) {
				continue // SocketTimeout: not an error, recheck keep_alive (§7).
			}
			if errors.Is(err, io.EOF) {
				e.logger.Info("client disconnected")
				return
			}
			e.logger.Error("malformed packet header, closing connection", "error", err)
			return
		}
		e.conn.SetReadDeadline(noDeadline)

		if hdr.Version > 0 {
			if !e.routeOperation(hdr) {
				return
			}
			continue
		}
		if !e.routeCommand(hdr) {
			return
		}
	}
}

func (e *engine) routeOperation(hdr usbip.Header) bool {
	switch hdr.Command {
	case usbip.OpReqDevlist:
		return e.handleDevlist(hdr)
	case usbip.OpReqImport:
		return e.handleImport(hdr)
	default:
		e.logger.Error("unknown operation command, closing connection", "command", hdr.Command)
		return false
	}
}

func (e *engine) routeCommand(hdr usbip.Header) bool {
	switch hdr.Command {
	case usbip.CmdSubmit:
		return e.handleSubmit()
	case usbip.CmdUnlink:
		return e.handleUnlink()
	default:
		e.logger.Error("unknown command phase command, closing connection", "command", hdr.Command)
		return false
	}
}

func (e *engine) handleDevlist(hdr usbip.Header) bool {
	if _, err := usbip.DecodeOpReqDevlist(e.conn); err != nil {
		e.logger.Error("malformed OP_REQ_DEVLIST, closing connection", "error", err)
		return false
	}

	devices := e.server.controller.Devices()
	rep := usbip.OpRepDevlist{Version: hdr.Version, Status: 0}
	for idx, dev := range devices {
		rep.Devices = append(rep.Devices, e.describeDevice(uint32(idx+1), dev))
	}

	if _, err := e.conn.Write(rep.Encode()); err != nil {
		e.logger.Error("write OP_REP_DEVLIST failed", "error", err)
		return false
	}
	return true
}

func (e *engine) describeDevice(deviceNo uint32, dev *vhost.Device) usbip.Device {
	desc := dev.Descriptor
	configValue := uint8(0)
	var ifaces []usbip.Iface
	if cfg := dev.ActiveConfiguration(); cfg != nil {
		configValue = cfg.Value
		for _, iface := range cfg.Interfaces() {
			ifaces = append(ifaces, usbip.Iface{Class: iface.Class, SubClass: iface.SubClass, Protocol: iface.Protocol})
		}
	}

	return usbip.Device{
		Path:           e.server.controller.Path,
		BusID:          e.server.controller.BusID(deviceNo),
		BusNum:         e.server.controller.BusNo,
		DeviceNum:      deviceNo,
		Speed:          usbdesc.SpeedHigh,
		VendorID:       desc.VendorID,
		ProductID:      desc.ProductID,
		DeviceVersion:  desc.BcdDevice,
		DeviceClass:    desc.Class,
		DeviceSubclass: desc.SubClass,
		DeviceProtocol: desc.Protocol,
		ConfigValue:    configValue,
		ConfigCount:    desc.NumConfigurations(),
		Ifaces:         ifaces,
	}
}

func (e *engine) handleImport(hdr usbip.Header) bool {
	req, err := usbip.DecodeOpReqImport(e.conn)
	if err != nil {
		e.logger.Error("malformed OP_REQ_IMPORT, closing connection", "error", err)
		return false
	}

	dev, busNo, deviceNo, err := e.server.controller.GetDeviceByBusID(req.BusID)
	if err != nil {
		e.logger.Info("import failed, unknown device", "bus_id", req.BusID, "error", err)
		rep := usbip.OpRepImport{Version: hdr.Version, Status: 1}
		if _, werr := e.conn.Write(rep.Encode()); werr != nil {
			e.logger.Error("write OP_REP_IMPORT(status=1) failed", "error", werr)
			return false
		}
		return true
	}

	dev.Start()

	e.logger = e.logger.With(slog.String("bus_id", req.BusID))
	e.logger.Info("device imported")

	desc := dev.Descriptor
	configValue := uint8(0)
	var ifaceCount uint8
	if cfg := dev.ActiveConfiguration(); cfg != nil {
		configValue = cfg.Value
		ifaceCount = uint8(len(cfg.Interfaces()))
	}
	rep := usbip.OpRepImport{
		Version:        hdr.Version,
		Status:         0,
		FullPath:       e.server.controller.Path,
		BusID:          req.BusID,
		BusNum:         busNo,
		DeviceNum:      deviceNo,
		DeviceSpeed:    usbdesc.SpeedHigh,
		VendorID:       desc.VendorID,
		ProductID:      desc.ProductID,
		DeviceVersion:  desc.BcdDevice,
		DeviceClass:    desc.Class,
		DeviceSubclass: desc.SubClass,
		DeviceProtocol: desc.Protocol,
		ConfigValue:    configValue,
		ConfigCount:    desc.NumConfigurations(),
		IfaceCount:     ifaceCount,
	}
	if _, err := e.conn.Write(rep.Encode()); err != nil {
		e.logger.Error("write OP_REP_IMPORT failed", "error", err)
		return false
	}
	return true
}

func (e *engine) handleSubmit() bool {
	cmd, err := usbip.DecodeCmdSubmit(e.conn)
	if err != nil {
		e.logger.Error("malformed USBIP_CMD_SUBMIT, closing connection", "error", err)
		return false
	}

	ret := usbip.RetSubmit{
		SeqNum:    cmd.SeqNum,
		DevID:     cmd.DevID,
		Direction: cmd.Direction,
		Endpoint:  cmd.Endpoint,
		Setup:     cmd.Setup,
	}

	dev, err := e.server.controller.GetDevice(cmd.DevID)
	if err != nil {
		e.logger.Info("submit against unknown device", "dev_id", cmd.DevID)
		ret.Status = 1
		return e.writeSubmitResponse(ret, nil)
	}

	var payload []byte
	if cmd.Direction == usbip.DirectionOut && cmd.BufferLen > 0 {
		payload = make([]byte, cmd.BufferLen)
		if _, err := io.ReadFull(e.conn, payload); err != nil {
			e.logger.Error("read OUT payload failed, closing connection", "error", err)
			return false
		}
	}

	req := vhost.Request{
		Endpoint:     uint8(cmd.Endpoint),
		DeviceToHost: cmd.Direction == usbip.DirectionIn,
		BRequest:     cmd.Setup.Request,
		WValue:       cmd.Setup.Value,
		WIndex:       cmd.Setup.Index,
		Data:         payload,
	}

	result, err := e.server.controller.Handle(dev, req)
	if err != nil {
		e.logger.Error("device handler error", "error", err)
		ret.Status = 1
		return e.writeSubmitResponse(ret, nil)
	}

	ret.Status = 0
	return e.writeSubmitResponse(ret, result)
}

func (e *engine) writeSubmitResponse(ret usbip.RetSubmit, payload []byte) bool {
	ret.ActualLen = uint32(len(payload))
	buf := ret.Encode()
	if len(payload) > 0 {
		buf = append(buf, payload...)
	}
	if _, err := e.conn.Write(buf); err != nil {
		e.logger.Error("write USBIP_RET_SUBMIT failed", "error", err)
		return false
	}
	return true
}

func (e *engine) handleUnlink() bool {
	cmd, err := usbip.DecodeCmdUnlink(e.conn)
	if err != nil {
		e.logger.Error("malformed USBIP_CMD_UNLINK, closing connection", "error", err)
		return false
	}

	ret := usbip.RetUnlink{SeqNum: cmd.SeqNum, DevID: cmd.DevID}

	dev, err := e.server.controller.GetDevice(cmd.DevID)
	if err != nil {
		e.logger.Info("unlink against unknown device", "dev_id", cmd.DevID)
		ret.Status = 1
	} else {
		dev.Stop()
		ret.Status = 0
	}

	if _, err := e.conn.Write(ret.Encode()); err != nil {
		e.logger.Error("write USBIP_RET_UNLINK failed", "error", err)
		return false
	}
	return true
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
