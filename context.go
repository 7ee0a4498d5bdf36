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
	"fmt"
	"sync"
)

// MemoryContext is an in-memory implementation of Context with fixed-size
// regions. It is not safe for concurrent use; wrap it in a LockedContext
// when other goroutines touch the registers between polls.
type MemoryContext struct {
	coils          []bool
	discreteInputs []bool
	inputRegs      []uint16
	holdingRegs    []uint16
}

// NewMemoryContext creates a MemoryContext with the given region sizes.
// Sizes are clamped to the 65536-entry Modbus address space.
func NewMemoryContext(coils, discreteInputs, inputRegs, holdingRegs int) *MemoryContext {
	return &MemoryContext{
		coils:          make([]bool, clampSize(coils)),
		discreteInputs: make([]bool, clampSize(discreteInputs)),
		inputRegs:      make([]uint16, clampSize(inputRegs)),
		holdingRegs:    make([]uint16, clampSize(holdingRegs)),
	}
}

func clampSize(n int) int {
	if n < 0 {
		return 0
	}
	if n > 65536 {
		return 65536
	}
	return n
}

// Size returns the number of entries in region.
func (m *MemoryContext) Size(region Region) int {
	switch region {
	case RegionCoils:
		return len(m.coils)
	case RegionDiscreteInputs:
		return len(m.discreteInputs)
	case RegionInputRegisters:
		return len(m.inputRegs)
	case RegionHoldingRegisters:
		return len(m.holdingRegs)
	}
	return 0
}

func (m *MemoryContext) bits(region Region) ([]bool, error) {
	switch region {
	case RegionCoils:
		return m.coils, nil
	case RegionDiscreteInputs:
		return m.discreteInputs, nil
	}
	return nil, fmt.Errorf("%w: %s is not a bit region", ErrIllegalFunction, region)
}

func (m *MemoryContext) registers(region Region) ([]uint16, error) {
	switch region {
	case RegionInputRegisters:
		return m.inputRegs, nil
	case RegionHoldingRegisters:
		return m.holdingRegs, nil
	}
	return nil, fmt.Errorf("%w: %s is not a register region", ErrIllegalFunction, region)
}

func checkBounds(region Region, addr uint16, qty, size int) error {
	if int(addr)+qty > size {
		return fmt.Errorf("%w: %s %d+%d beyond %d", ErrIllegalDataAddress, region, addr, qty, size)
	}
	return nil
}

// ReadBits implements ContextReader.
func (m *MemoryContext) ReadBits(region Region, addr, qty uint16) ([]bool, error) {
	table, err := m.bits(region)
	if err != nil {
		return nil, err
	}
	if err := checkBounds(region, addr, int(qty), len(table)); err != nil {
		return nil, err
	}
	result := make([]bool, qty)
	copy(result, table[addr:int(addr)+int(qty)])
	return result, nil
}

// ReadRegisters implements ContextReader.
func (m *MemoryContext) ReadRegisters(region Region, addr, qty uint16) ([]uint16, error) {
	table, err := m.registers(region)
	if err != nil {
		return nil, err
	}
	if err := checkBounds(region, addr, int(qty), len(table)); err != nil {
		return nil, err
	}
	result := make([]uint16, qty)
	copy(result, table[addr:int(addr)+int(qty)])
	return result, nil
}

// WriteBits implements Context. Only coils are writable.
func (m *MemoryContext) WriteBits(region Region, addr uint16, values []bool) error {
	if region != RegionCoils {
		return fmt.Errorf("%w: %s is read-only", ErrIllegalFunction, region)
	}
	if err := checkBounds(region, addr, len(values), len(m.coils)); err != nil {
		return err
	}
	copy(m.coils[addr:], values)
	return nil
}

// WriteRegisters implements Context. Only holding registers are writable.
func (m *MemoryContext) WriteRegisters(region Region, addr uint16, values []uint16) error {
	if region != RegionHoldingRegisters {
		return fmt.Errorf("%w: %s is read-only", ErrIllegalFunction, region)
	}
	if err := checkBounds(region, addr, len(values), len(m.holdingRegs)); err != nil {
		return err
	}
	copy(m.holdingRegs[addr:], values)
	return nil
}

// SetCoil sets a coil value. Out-of-range addresses are ignored.
func (m *MemoryContext) SetCoil(addr uint16, value bool) {
	if int(addr) < len(m.coils) {
		m.coils[addr] = value
	}
}

// SetDiscreteInput sets a discrete input value.
func (m *MemoryContext) SetDiscreteInput(addr uint16, value bool) {
	if int(addr) < len(m.discreteInputs) {
		m.discreteInputs[addr] = value
	}
}

// SetHoldingRegister sets a holding register value.
func (m *MemoryContext) SetHoldingRegister(addr, value uint16) {
	if int(addr) < len(m.holdingRegs) {
		m.holdingRegs[addr] = value
	}
}

// SetInputRegister sets an input register value.
func (m *MemoryContext) SetInputRegister(addr, value uint16) {
	if int(addr) < len(m.inputRegs) {
		m.inputRegs[addr] = value
	}
}

// LockedContext serializes access to a Context so that goroutines other
// than the poll loop can read and mutate it.
type LockedContext struct {
	mu  sync.RWMutex
	ctx Context
}

var _ AtomicContext = (*LockedContext)(nil)

// NewLockedContext wraps ctx.
func NewLockedContext(ctx Context) *LockedContext {
	return &LockedContext{ctx: ctx}
}

// ReadBits implements ContextReader.
func (l *LockedContext) ReadBits(region Region, addr, qty uint16) ([]bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ctx.ReadBits(region, addr, qty)
}

// ReadRegisters implements ContextReader.
func (l *LockedContext) ReadRegisters(region Region, addr, qty uint16) ([]uint16, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ctx.ReadRegisters(region, addr, qty)
}

// WriteBits implements Context.
func (l *LockedContext) WriteBits(region Region, addr uint16, values []bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctx.WriteBits(region, addr, values)
}

// WriteRegisters implements Context.
func (l *LockedContext) WriteRegisters(region Region, addr uint16, values []uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctx.WriteRegisters(region, addr, values)
}

// Do runs fn with exclusive access to the wrapped Context.
func (l *LockedContext) Do(fn func(ctx Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.ctx)
}
