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

// Package modbus provides a non-blocking Modbus TCP server that is driven
// by repeated Poll calls over a byte-stream socket layer.
package modbus

import "time"

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Standard Modbus function codes.
const (
	FuncReadCoils                  FunctionCode = 0x01
	FuncReadDiscreteInputs         FunctionCode = 0x02
	FuncReadHoldingRegisters       FunctionCode = 0x03
	FuncReadInputRegisters         FunctionCode = 0x04
	FuncWriteSingleCoil            FunctionCode = 0x05
	FuncWriteSingleRegister        FunctionCode = 0x06
	FuncDiagnostics                FunctionCode = 0x08
	FuncWriteMultipleCoils         FunctionCode = 0x0F
	FuncWriteMultipleRegisters     FunctionCode = 0x10
	FuncReportServerID             FunctionCode = 0x11
	FuncMaskWriteRegister          FunctionCode = 0x16
	FuncReadWriteMultipleRegisters FunctionCode = 0x17
)

// IsWrite reports whether the function code mutates the register context.
func (fc FunctionCode) IsWrite() bool {
	switch fc {
	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils,
		FuncWriteMultipleRegisters, FuncMaskWriteRegister, FuncReadWriteMultipleRegisters:
		return true
	}
	return false
}

// DiagReturnQueryData is the only supported diagnostics sub-function (FC08).
const DiagReturnQueryData uint16 = 0x00

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read.
	MaxQuantityCoils = 2000

	// MaxQuantityWriteCoils is the maximum number of coils that can be written.
	MaxQuantityWriteCoils = 1968

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MaxQuantityReadWriteRegisters is the write quantity limit of FC23.
	MaxQuantityReadWriteRegisters = 121

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxPDUSize is the maximum size of a PDU in bytes.
	MaxPDUSize = 253

	// MaxADUSize is the maximum size of a Modbus TCP frame.
	MaxADUSize = MBAPHeaderSize + MaxPDUSize

	// MinSocketBufferSize is the smallest socket rx/tx buffer a Server accepts.
	MinSocketBufferSize = MaxADUSize

	// RecvBufferSize is the size of the per-poll receive buffer.
	RecvBufferSize = 256

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultUnitID is the unit served when no unit is configured.
	DefaultUnitID UnitID = 1

	// BroadcastUnitID addresses all units; requests to it get no response.
	BroadcastUnitID UnitID = 0

	// DefaultIdleTimeout is the socket idle timeout applied by NewServer.
	DefaultIdleTimeout = 10 * time.Second
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Region selects one of the four Modbus data tables.
type Region uint8

const (
	RegionDiscreteInputs Region = iota
	RegionCoils
	RegionInputRegisters
	RegionHoldingRegisters
)

// String returns the string representation of the region.
func (r Region) String() string {
	switch r {
	case RegionDiscreteInputs:
		return "discrete-inputs"
	case RegionCoils:
		return "coils"
	case RegionInputRegisters:
		return "input-registers"
	case RegionHoldingRegisters:
		return "holding-registers"
	default:
		return "unknown"
	}
}

// IsBit reports whether the region holds single-bit values.
func (r Region) IsBit() bool {
	return r == RegionDiscreteInputs || r == RegionCoils
}

// ContextReader is read access to register storage.
//
// Implementations report domain failures as *ModbusError values such as
// ErrIllegalDataAddress rather than low-level faults.
type ContextReader interface {
	// ReadBits returns qty values of a bit region starting at addr.
	ReadBits(region Region, addr, qty uint16) ([]bool, error)
	// ReadRegisters returns qty values of a register region starting at addr.
	ReadRegisters(region Region, addr, qty uint16) ([]uint16, error)
}

// Context is read/write access to register storage. Only write-class
// function codes reach the write methods; they target coils and holding
// registers.
type Context interface {
	ContextReader

	// WriteBits stores values into a bit region starting at addr.
	WriteBits(region Region, addr uint16, values []bool) error
	// WriteRegisters stores values into a register region starting at addr.
	WriteRegisters(region Region, addr uint16, values []uint16) error
}

// AtomicContext is a Context that can run several accesses without other
// writers interleaving. Requests that both read and write the context
// (FC22, FC23) run inside Do when the context implements it.
type AtomicContext interface {
	Context

	// Do calls fn with exclusive access to the underlying context.
	Do(fn func(ctx Context) error) error
}
