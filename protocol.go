// Copyright 2025 Edgeo SCADA
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

package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	h.Put(buf)
	return buf
}

// Put writes the header into the first MBAPHeaderSize bytes of buf.
func (h *MBAPHeader) Put(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// Validate checks the protocol id and the PDU length declared by the header.
func (h *MBAPHeader) Validate() error {
	if h.ProtocolID != ProtocolID {
		return fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, h.ProtocolID)
	}
	pduLen := int(h.Length) - 1 // Length includes Unit ID
	if pduLen < 1 || pduLen > MaxPDUSize {
		return fmt.Errorf("%w: invalid PDU length %d", ErrInvalidFrame, pduLen)
	}
	return nil
}

// FrameLen returns the total frame size declared by the header.
func (h *MBAPHeader) FrameLen() int {
	return MBAPHeaderSize + int(h.Length) - 1
}

// TransactionIDGenerator generates unique transaction IDs.
type TransactionIDGenerator struct {
	counter uint32
}

// Next returns the next transaction ID.
func (g *TransactionIDGenerator) Next() uint16 {
	return uint16(atomic.AddUint32(&g.counter, 1))
}

// Frame represents a complete Modbus TCP frame (MBAP header + PDU).
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// Encode encodes the frame to bytes.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.PDU) + 1) // PDU length + Unit ID
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	f.Header.Put(buf)
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf
}

// Decode decodes a frame from bytes. Bytes beyond the declared length are
// ignored.
func (f *Frame) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: frame too short", ErrInvalidFrame)
	}
	if err := f.Header.Decode(data[:MBAPHeaderSize]); err != nil {
		return err
	}
	pduLen := int(f.Header.Length) - 1 // Length includes Unit ID
	if pduLen < 0 {
		return fmt.Errorf("%w: invalid length field", ErrInvalidFrame)
	}
	if len(data) < MBAPHeaderSize+pduLen {
		return fmt.Errorf("%w: incomplete frame", ErrInvalidFrame)
	}
	f.PDU = make([]byte, pduLen)
	copy(f.PDU, data[MBAPHeaderSize:MBAPHeaderSize+pduLen])
	return nil
}

// ReadFrame reads a complete Modbus TCP frame from a reader.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var f Frame
	if err := f.Header.Decode(header); err != nil {
		return nil, err
	}
	if err := f.Header.Validate(); err != nil {
		return nil, err
	}

	f.PDU = make([]byte, int(f.Header.Length)-1)
	if _, err := io.ReadFull(r, f.PDU); err != nil {
		return nil, err
	}

	return &f, nil
}

// PDU builders for requests

func checkRange(addr, qty uint16, max int) error {
	if qty < 1 || int(qty) > max {
		return fmt.Errorf("%w: quantity must be 1-%d", ErrInvalidQuantity, max)
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return fmt.Errorf("%w: address range exceeds 65535", ErrInvalidAddress)
	}
	return nil
}

func buildAddrValuePDU(fc FunctionCode, addr, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(fc)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

// BuildReadPDU builds a read request PDU for FC01-FC04.
func BuildReadPDU(fc FunctionCode, addr, qty uint16) ([]byte, error) {
	var max int
	switch fc {
	case FuncReadCoils:
		max = MaxQuantityCoils
	case FuncReadDiscreteInputs:
		max = MaxQuantityDiscreteInputs
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		max = MaxQuantityRegisters
	default:
		return nil, fmt.Errorf("%w: %s is not a read function", ErrInvalidFrame, fc)
	}
	if err := checkRange(addr, qty, max); err != nil {
		return nil, err
	}
	return buildAddrValuePDU(fc, addr, qty), nil
}

// BuildWriteSingleCoilPDU builds a PDU for writing a single coil (FC05).
func BuildWriteSingleCoilPDU(addr uint16, value bool) []byte {
	if value {
		return buildAddrValuePDU(FuncWriteSingleCoil, addr, CoilOn)
	}
	return buildAddrValuePDU(FuncWriteSingleCoil, addr, CoilOff)
}

// BuildWriteSingleRegisterPDU builds a PDU for writing a single register (FC06).
func BuildWriteSingleRegisterPDU(addr, value uint16) []byte {
	return buildAddrValuePDU(FuncWriteSingleRegister, addr, value)
}

// BuildWriteMultipleCoilsPDU builds a PDU for writing multiple coils (FC15).
func BuildWriteMultipleCoilsPDU(addr uint16, values []bool) ([]byte, error) {
	qty := uint16(len(values))
	if err := checkRange(addr, qty, MaxQuantityWriteCoils); err != nil {
		return nil, err
	}
	byteCount := (int(qty) + 7) / 8
	pdu := make([]byte, 6+byteCount)
	pdu[0] = byte(FuncWriteMultipleCoils)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], qty)
	pdu[5] = byte(byteCount)
	packBits(pdu[6:], values)
	return pdu, nil
}

// BuildWriteMultipleRegistersPDU builds a PDU for writing multiple registers (FC16).
func BuildWriteMultipleRegistersPDU(addr uint16, values []uint16) ([]byte, error) {
	qty := uint16(len(values))
	if err := checkRange(addr, qty, MaxQuantityWriteRegisters); err != nil {
		return nil, err
	}
	pdu := make([]byte, 6+2*len(values))
	pdu[0] = byte(FuncWriteMultipleRegisters)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], qty)
	pdu[5] = byte(2 * len(values))
	putRegisters(pdu[6:], values)
	return pdu, nil
}

// BuildMaskWriteRegisterPDU builds a PDU for a mask write register (FC22).
func BuildMaskWriteRegisterPDU(addr, andMask, orMask uint16) []byte {
	pdu := make([]byte, 7)
	pdu[0] = byte(FuncMaskWriteRegister)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], andMask)
	binary.BigEndian.PutUint16(pdu[5:7], orMask)
	return pdu
}

// BuildReadWriteMultipleRegistersPDU builds a PDU for FC23. The write is
// applied before the read.
func BuildReadWriteMultipleRegistersPDU(readAddr, readQty, writeAddr uint16, values []uint16) ([]byte, error) {
	if err := checkRange(readAddr, readQty, MaxQuantityRegisters); err != nil {
		return nil, err
	}
	writeQty := uint16(len(values))
	if err := checkRange(writeAddr, writeQty, MaxQuantityReadWriteRegisters); err != nil {
		return nil, err
	}
	pdu := make([]byte, 10+2*len(values))
	pdu[0] = byte(FuncReadWriteMultipleRegisters)
	binary.BigEndian.PutUint16(pdu[1:3], readAddr)
	binary.BigEndian.PutUint16(pdu[3:5], readQty)
	binary.BigEndian.PutUint16(pdu[5:7], writeAddr)
	binary.BigEndian.PutUint16(pdu[7:9], writeQty)
	pdu[9] = byte(2 * len(values))
	putRegisters(pdu[10:], values)
	return pdu, nil
}

// BuildDiagnosticsPDU builds a PDU for diagnostics (FC08).
func BuildDiagnosticsPDU(subFunc uint16, data []byte) []byte {
	pdu := make([]byte, 3+len(data))
	pdu[0] = byte(FuncDiagnostics)
	binary.BigEndian.PutUint16(pdu[1:3], subFunc)
	copy(pdu[3:], data)
	return pdu
}

// BuildReportServerIDPDU builds a PDU for reporting server ID (FC17).
func BuildReportServerIDPDU() []byte {
	return []byte{byte(FuncReportServerID)}
}

// Response parsing helpers

// ParseCoilsResponse parses a coils response (FC01/FC02) and returns the values.
func ParseCoilsResponse(pdu []byte, qty uint16) ([]bool, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	byteCount := int(pdu[1])
	if byteCount != (int(qty)+7)/8 || len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
	}
	return unpackBits(pdu[2:], qty), nil
}

// ParseRegistersResponse parses a registers response (FC03/FC04/FC23) and returns the values.
func ParseRegistersResponse(pdu []byte, qty uint16) ([]uint16, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	byteCount := int(pdu[1])
	if byteCount != int(qty)*2 || len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
	}
	return getRegisters(pdu[2:], qty), nil
}

// IsExceptionResponse checks if the PDU is an exception response.
func IsExceptionResponse(pdu []byte) bool {
	return len(pdu) > 0 && (pdu[0]&0x80) != 0
}

// ParseExceptionResponse parses an exception response.
func ParseExceptionResponse(pdu []byte) *ModbusError {
	if len(pdu) < 2 {
		return nil
	}
	return &ModbusError{
		FunctionCode:  FunctionCode(pdu[0] & 0x7F),
		ExceptionCode: ExceptionCode(pdu[1]),
	}
}

// Bit and register packing

func packBits(dst []byte, values []bool) {
	for i := range dst[:(len(values)+7)/8] {
		dst[i] = 0
	}
	for i, v := range values {
		if v {
			dst[i/8] |= 1 << (i % 8)
		}
	}
}

func unpackBits(src []byte, qty uint16) []bool {
	values := make([]bool, qty)
	for i := range values {
		values[i] = src[i/8]&(1<<(i%8)) != 0
	}
	return values
}

func putRegisters(dst []byte, values []uint16) {
	for i, v := range values {
		binary.BigEndian.PutUint16(dst[2*i:], v)
	}
}

func getRegisters(src []byte, qty uint16) []uint16 {
	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(src[2*i:])
	}
	return values
}
