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
	"errors"
	"fmt"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ModbusError represents a Modbus protocol error (exception response).
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode

	// Cause is the storage error the exception was derived from, if any.
	Cause error
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	if e.Cause != nil && !isBareException(e.Cause) {
		return fmt.Sprintf("modbus: exception %s (FC=%02X): %v", e.ExceptionCode, e.FunctionCode, e.Cause)
	}
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.ExceptionCode, e.FunctionCode)
}

// Unwrap returns the cause.
func (e *ModbusError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

func isBareException(err error) bool {
	m, ok := err.(*ModbusError)
	return ok && m.Cause == nil
}

// Domain errors returned by Context implementations. They match any
// *ModbusError with the same exception code under errors.Is.
var (
	ErrIllegalDataAddress = &ModbusError{ExceptionCode: ExceptionIllegalDataAddress}
	ErrIllegalDataValue   = &ModbusError{ExceptionCode: ExceptionIllegalDataValue}
	ErrIllegalFunction    = &ModbusError{ExceptionCode: ExceptionIllegalFunction}
	ErrDeviceFailure      = &ModbusError{ExceptionCode: ExceptionServerDeviceFailure}
)

// Common errors.
var (
	// ErrInvalidResponse indicates the response was malformed or unexpected.
	ErrInvalidResponse = errors.New("modbus: invalid response")

	// ErrInvalidFrame indicates a malformed frame.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrInvalidQuantity indicates an invalid quantity was specified.
	ErrInvalidQuantity = errors.New("modbus: invalid quantity")

	// ErrInvalidAddress indicates an invalid address was specified.
	ErrInvalidAddress = errors.New("modbus: invalid address")

	// ErrRxBufferTooSmall indicates the socket receive buffer is below MinSocketBufferSize.
	ErrRxBufferTooSmall = errors.New("modbus: receive buffer too small")

	// ErrTxBufferTooSmall indicates the socket transmit buffer is below MinSocketBufferSize.
	ErrTxBufferTooSmall = errors.New("modbus: transmit buffer too small")
)

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// exceptionFor converts a storage error into an exception for fc. Errors
// that carry no exception code map to a server device failure.
func exceptionFor(fc FunctionCode, err error) *ModbusError {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return &ModbusError{FunctionCode: fc, ExceptionCode: modbusErr.ExceptionCode, Cause: err}
	}
	return &ModbusError{FunctionCode: fc, ExceptionCode: ExceptionServerDeviceFailure, Cause: err}
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == code
	}
	return false
}

// IsIllegalFunction checks if the error is an illegal function exception.
func IsIllegalFunction(err error) bool {
	return IsException(err, ExceptionIllegalFunction)
}

// IsIllegalDataAddress checks if the error is an illegal data address exception.
func IsIllegalDataAddress(err error) bool {
	return IsException(err, ExceptionIllegalDataAddress)
}

// IsIllegalDataValue checks if the error is an illegal data value exception.
func IsIllegalDataValue(err error) bool {
	return IsException(err, ExceptionIllegalDataValue)
}

// IsServerDeviceFailure checks if the error is a server device failure exception.
func IsServerDeviceFailure(err error) bool {
	return IsException(err, ExceptionServerDeviceFailure)
}

// ErrorKind classifies errors returned by Server.Poll.
type ErrorKind uint8

const (
	// ErrorListen is a failure to put the socket into listening state.
	ErrorListen ErrorKind = iota + 1
	// ErrorReceive is a socket receive failure.
	ErrorReceive
	// ErrorSend is a socket transmit failure or short write.
	ErrorSend
	// ErrorModbus is a malformed frame or a failed dispatch.
	ErrorModbus
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorListen:
		return "listen"
	case ErrorReceive:
		return "receive"
	case ErrorSend:
		return "send"
	case ErrorModbus:
		return "modbus"
	default:
		return "unknown"
	}
}

// ServerError is returned by Server.Poll. It aborts only the poll call it
// was returned from; the server and the socket remain usable.
type ServerError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("modbus: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}

// Transient reports whether the error came from the socket layer.
func (e *ServerError) Transient() bool {
	return e.Kind == ErrorListen || e.Kind == ErrorReceive || e.Kind == ErrorSend
}

// KindOf returns the ErrorKind of a poll error, or 0 if err is not a *ServerError.
func KindOf(err error) ErrorKind {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Kind
	}
	return 0
}
