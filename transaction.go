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
	"errors"
	"fmt"
)

// Transaction holds one request frame while it is parsed, dispatched
// against a Context and answered. A Server reuses a single Transaction for
// every poll call; the request bytes passed to Parse must stay valid until
// the response has been finalized.
type Transaction struct {
	unit     UnitID
	serverID []byte

	header   MBAPHeader
	frameLen int
	pdu      []byte

	// Request fields. Count is 1 for single writes; Value holds the value of
	// single writes and the AND mask of FC22.
	Func       FunctionCode
	Addr       uint16
	Count      uint16
	Value      uint16
	OrMask     uint16
	WriteAddr  uint16
	WriteCount uint16
	data       []byte

	respondable        bool
	processingRequired bool
	responseRequired   bool
	readonly           bool

	out    [MaxADUSize]byte
	outLen int
}

// NewTransaction creates a transaction processor serving unit. serverID is
// reported by FC17.
func NewTransaction(unit UnitID, serverID []byte) *Transaction {
	return &Transaction{unit: unit, serverID: serverID}
}

// Reset clears all per-request state.
func (t *Transaction) Reset() {
	unit, serverID := t.unit, t.serverID
	*t = Transaction{unit: unit, serverID: serverID}
}

// Header returns the parsed MBAP header.
func (t *Transaction) Header() MBAPHeader { return t.header }

// Len returns the number of request bytes the parsed frame occupies.
func (t *Transaction) Len() int { return t.frameLen }

// ProcessingRequired reports whether the request must be dispatched to a Context.
func (t *Transaction) ProcessingRequired() bool { return t.processingRequired }

// ResponseRequired reports whether a response must be sent.
func (t *Transaction) ResponseRequired() bool { return t.responseRequired }

// Readonly reports whether dispatch needs read access only.
func (t *Transaction) Readonly() bool { return t.readonly }

// Broadcast reports whether the request was addressed to all units.
func (t *Transaction) Broadcast() bool { return t.header.UnitID == BroadcastUnitID }

// Parse decodes raw as a Modbus TCP request. Framing errors wrap
// ErrInvalidFrame; invalid function fields return a *ModbusError. Requests
// for other units parse successfully with neither flag set.
func (t *Transaction) Parse(raw []byte) error {
	t.Reset()

	if len(raw) < MBAPHeaderSize+1 {
		return fmt.Errorf("%w: frame too short (%d bytes)", ErrInvalidFrame, len(raw))
	}
	if err := t.header.Decode(raw); err != nil {
		return err
	}
	if err := t.header.Validate(); err != nil {
		return err
	}
	t.frameLen = t.header.FrameLen()
	if len(raw) < t.frameLen {
		return fmt.Errorf("%w: declared length %d exceeds %d received bytes",
			ErrInvalidFrame, t.frameLen, len(raw))
	}
	t.pdu = raw[MBAPHeaderSize:t.frameLen]
	t.Func = FunctionCode(t.pdu[0])

	broadcast := t.Broadcast()
	if !broadcast && t.header.UnitID != t.unit {
		return nil
	}
	t.respondable = !broadcast

	if err := t.parseFields(); err != nil {
		return err
	}
	if t.processingRequired || t.outLen > 0 {
		t.responseRequired = t.respondable
	}
	if broadcast && t.readonly {
		t.processingRequired = false
	}
	return nil
}

func (t *Transaction) invalid(ec ExceptionCode) error {
	return NewModbusError(t.Func, ec)
}

func (t *Transaction) parseFields() error {
	pdu := t.pdu
	switch t.Func {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(pdu) < 5 {
			return t.invalid(ExceptionIllegalDataValue)
		}
		max := MaxQuantityRegisters
		if t.Func == FuncReadCoils || t.Func == FuncReadDiscreteInputs {
			max = MaxQuantityCoils
		}
		t.Addr = binary.BigEndian.Uint16(pdu[1:3])
		t.Count = binary.BigEndian.Uint16(pdu[3:5])
		if err := t.checkRange(t.Addr, t.Count, max); err != nil {
			return err
		}
		t.readonly = true

	case FuncWriteSingleCoil:
		if len(pdu) < 5 {
			return t.invalid(ExceptionIllegalDataValue)
		}
		t.Addr = binary.BigEndian.Uint16(pdu[1:3])
		t.Value = binary.BigEndian.Uint16(pdu[3:5])
		t.Count = 1
		if t.Value != CoilOn && t.Value != CoilOff {
			return t.invalid(ExceptionIllegalDataValue)
		}

	case FuncWriteSingleRegister:
		if len(pdu) < 5 {
			return t.invalid(ExceptionIllegalDataValue)
		}
		t.Addr = binary.BigEndian.Uint16(pdu[1:3])
		t.Value = binary.BigEndian.Uint16(pdu[3:5])
		t.Count = 1

	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		if len(pdu) < 6 {
			return t.invalid(ExceptionIllegalDataValue)
		}
		t.Addr = binary.BigEndian.Uint16(pdu[1:3])
		t.Count = binary.BigEndian.Uint16(pdu[3:5])
		byteCount := int(pdu[5])
		max, expected := MaxQuantityWriteRegisters, int(t.Count)*2
		if t.Func == FuncWriteMultipleCoils {
			max, expected = MaxQuantityWriteCoils, (int(t.Count)+7)/8
		}
		if err := t.checkRange(t.Addr, t.Count, max); err != nil {
			return err
		}
		if byteCount != expected || len(pdu) < 6+byteCount {
			return t.invalid(ExceptionIllegalDataValue)
		}
		t.data = pdu[6 : 6+byteCount]

	case FuncMaskWriteRegister:
		if len(pdu) < 7 {
			return t.invalid(ExceptionIllegalDataValue)
		}
		t.Addr = binary.BigEndian.Uint16(pdu[1:3])
		t.Value = binary.BigEndian.Uint16(pdu[3:5])
		t.OrMask = binary.BigEndian.Uint16(pdu[5:7])
		t.Count = 1

	case FuncReadWriteMultipleRegisters:
		if len(pdu) < 10 {
			return t.invalid(ExceptionIllegalDataValue)
		}
		t.Addr = binary.BigEndian.Uint16(pdu[1:3])
		t.Count = binary.BigEndian.Uint16(pdu[3:5])
		t.WriteAddr = binary.BigEndian.Uint16(pdu[5:7])
		t.WriteCount = binary.BigEndian.Uint16(pdu[7:9])
		byteCount := int(pdu[9])
		if err := t.checkRange(t.Addr, t.Count, MaxQuantityRegisters); err != nil {
			return err
		}
		if err := t.checkRange(t.WriteAddr, t.WriteCount, MaxQuantityReadWriteRegisters); err != nil {
			return err
		}
		if byteCount != int(t.WriteCount)*2 || len(pdu) < 10+byteCount {
			return t.invalid(ExceptionIllegalDataValue)
		}
		t.data = pdu[10 : 10+byteCount]

	case FuncDiagnostics:
		if len(pdu) < 3 {
			return t.invalid(ExceptionIllegalDataValue)
		}
		if binary.BigEndian.Uint16(pdu[1:3]) != DiagReturnQueryData {
			return t.invalid(ExceptionIllegalFunction)
		}
		t.readonly = true
		t.outLen = copy(t.out[MBAPHeaderSize:], pdu)
		return nil

	case FuncReportServerID:
		id := t.serverID
		if len(id) > MaxPDUSize-3 {
			id = id[:MaxPDUSize-3]
		}
		t.readonly = true
		resp := t.out[MBAPHeaderSize:]
		resp[0] = byte(t.Func)
		resp[1] = byte(len(id) + 1)
		n := copy(resp[2:], id)
		resp[2+n] = 0xFF // run indicator: on
		t.outLen = 3 + n
		return nil

	default:
		t.SetException(ExceptionIllegalFunction)
		return nil
	}

	t.processingRequired = true
	return nil
}

func (t *Transaction) checkRange(addr, qty uint16, max int) error {
	if qty < 1 || int(qty) > max {
		return t.invalid(ExceptionIllegalDataValue)
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return t.invalid(ExceptionIllegalDataAddress)
	}
	return nil
}

// SetException replaces the response with an exception response. It is a
// no-op for requests that cannot be answered (broadcast, other unit,
// broken framing).
func (t *Transaction) SetException(ec ExceptionCode) {
	if t.pdu == nil {
		return
	}
	resp := t.out[MBAPHeaderSize:]
	resp[0] = byte(t.Func) | 0x80
	resp[1] = byte(ec)
	t.outLen = 2
	t.responseRequired = t.respondable
}

// ProcessRead dispatches a read-class request.
func (t *Transaction) ProcessRead(ctx ContextReader) error {
	resp := t.out[MBAPHeaderSize:]
	switch t.Func {
	case FuncReadCoils, FuncReadDiscreteInputs:
		region := RegionCoils
		if t.Func == FuncReadDiscreteInputs {
			region = RegionDiscreteInputs
		}
		values, err := ctx.ReadBits(region, t.Addr, t.Count)
		if err != nil {
			return exceptionFor(t.Func, err)
		}
		if len(values) != int(t.Count) {
			return exceptionFor(t.Func, fmt.Errorf("%w: %s returned %d values, expected %d",
				ErrDeviceFailure, region, len(values), t.Count))
		}
		byteCount := (len(values) + 7) / 8
		resp[0] = byte(t.Func)
		resp[1] = byte(byteCount)
		packBits(resp[2:], values)
		t.outLen = 2 + byteCount

	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		region := RegionHoldingRegisters
		if t.Func == FuncReadInputRegisters {
			region = RegionInputRegisters
		}
		if err := t.readRegisters(ctx, region, t.Addr, t.Count); err != nil {
			return err
		}

	default:
		return NewModbusError(t.Func, ExceptionIllegalFunction)
	}
	return nil
}

func (t *Transaction) readRegisters(ctx ContextReader, region Region, addr, qty uint16) error {
	values, err := ctx.ReadRegisters(region, addr, qty)
	if err != nil {
		return exceptionFor(t.Func, err)
	}
	if len(values) != int(qty) {
		return exceptionFor(t.Func, fmt.Errorf("%w: %s returned %d values, expected %d",
			ErrDeviceFailure, region, len(values), qty))
	}
	resp := t.out[MBAPHeaderSize:]
	resp[0] = byte(t.Func)
	resp[1] = byte(2 * len(values))
	putRegisters(resp[2:], values)
	t.outLen = 2 + 2*len(values)
	return nil
}

// ProcessWrite dispatches a write-class request.
func (t *Transaction) ProcessWrite(ctx Context) error {
	resp := t.out[MBAPHeaderSize:]
	switch t.Func {
	case FuncWriteSingleCoil:
		if err := ctx.WriteBits(RegionCoils, t.Addr, []bool{t.Value == CoilOn}); err != nil {
			return exceptionFor(t.Func, err)
		}
		t.outLen = copy(resp, t.pdu[:5])

	case FuncWriteSingleRegister:
		if err := ctx.WriteRegisters(RegionHoldingRegisters, t.Addr, []uint16{t.Value}); err != nil {
			return exceptionFor(t.Func, err)
		}
		t.outLen = copy(resp, t.pdu[:5])

	case FuncWriteMultipleCoils:
		if err := ctx.WriteBits(RegionCoils, t.Addr, unpackBits(t.data, t.Count)); err != nil {
			return exceptionFor(t.Func, err)
		}
		t.outLen = copy(resp, t.pdu[:5])

	case FuncWriteMultipleRegisters:
		if err := ctx.WriteRegisters(RegionHoldingRegisters, t.Addr, getRegisters(t.data, t.Count)); err != nil {
			return exceptionFor(t.Func, err)
		}
		t.outLen = copy(resp, t.pdu[:5])

	case FuncMaskWriteRegister:
		if err := atomically(ctx, t.maskWrite); err != nil {
			return err
		}
		t.outLen = copy(resp, t.pdu[:7])

	case FuncReadWriteMultipleRegisters:
		if err := atomically(ctx, t.writeThenRead); err != nil {
			return err
		}

	default:
		return NewModbusError(t.Func, ExceptionIllegalFunction)
	}
	return nil
}

// atomically runs fn inside Do when ctx is an AtomicContext.
func atomically(ctx Context, fn func(ctx Context) error) error {
	if a, ok := ctx.(AtomicContext); ok {
		return a.Do(fn)
	}
	return fn(ctx)
}

func (t *Transaction) maskWrite(ctx Context) error {
	current, err := ctx.ReadRegisters(RegionHoldingRegisters, t.Addr, 1)
	if err != nil {
		return exceptionFor(t.Func, err)
	}
	if len(current) != 1 {
		return exceptionFor(t.Func, fmt.Errorf("%w: mask write read %d values", ErrDeviceFailure, len(current)))
	}
	value := (current[0] & t.Value) | (t.OrMask &^ t.Value)
	if err := ctx.WriteRegisters(RegionHoldingRegisters, t.Addr, []uint16{value}); err != nil {
		return exceptionFor(t.Func, err)
	}
	return nil
}

func (t *Transaction) writeThenRead(ctx Context) error {
	if err := ctx.WriteRegisters(RegionHoldingRegisters, t.WriteAddr, getRegisters(t.data, t.WriteCount)); err != nil {
		return exceptionFor(t.Func, err)
	}
	return t.readRegisters(ctx, RegionHoldingRegisters, t.Addr, t.Count)
}

// errNoResponse is returned by FinalizeResponse when nothing was prepared.
var errNoResponse = errors.New("modbus: no response prepared")

// FinalizeResponse writes the MBAP header in front of the prepared PDU and
// returns the complete response frame. The transaction id and unit id of
// the request are echoed. The returned slice is valid until the next Parse.
func (t *Transaction) FinalizeResponse() ([]byte, error) {
	if !t.responseRequired || t.outLen == 0 {
		return nil, errNoResponse
	}
	h := MBAPHeader{
		TransactionID: t.header.TransactionID,
		ProtocolID:    ProtocolID,
		Length:        uint16(t.outLen + 1),
		UnitID:        t.header.UnitID,
	}
	h.Put(t.out[:])
	return t.out[:MBAPHeaderSize+t.outLen], nil
}
