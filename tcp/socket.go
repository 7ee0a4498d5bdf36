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

// Package tcp defines the byte-stream socket layer consumed by the Modbus
// poll server: socket states, the Socket interface, an arena of sockets
// addressed by Handle, and an in-memory loopback stack.
package tcp

import (
	"errors"
	"time"
)

// State is the connection state reported by a socket.
type State int

const (
	StateClosed State = iota
	StateListen
	StateConnecting
	StateEstablished
	StateCloseWait
	StateClosing
	StateTimeWait
)

// String returns the string representation of the socket state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateListen:
		return "listen"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateCloseWait:
		return "close-wait"
	case StateClosing:
		return "closing"
	case StateTimeWait:
		return "time-wait"
	default:
		return "unknown"
	}
}

// Socket errors.
var (
	// ErrInvalidState indicates the operation is not allowed in the current state.
	ErrInvalidState = errors.New("tcp: invalid state")

	// ErrUnaddressable indicates the listen endpoint cannot be used (port 0).
	ErrUnaddressable = errors.New("tcp: unaddressable endpoint")

	// ErrFinished indicates the remote side closed and all data was received.
	ErrFinished = errors.New("tcp: receive finished")

	// ErrBufferFull indicates the transmit buffer accepted fewer bytes than offered.
	ErrBufferFull = errors.New("tcp: transmit buffer full")

	// ErrPortInUse indicates another socket of the stack is listening on the port.
	ErrPortInUse = errors.New("tcp: port in use")
)

// Socket is a bidirectional byte stream. All operations are non-blocking;
// the stack that created the socket moves bytes between its buffers and the
// network when the stack itself is polled.
type Socket interface {
	// IsOpen reports whether the socket is neither closed nor in time-wait.
	IsOpen() bool
	// IsListening reports whether the socket waits for a connection.
	IsListening() bool
	// State returns the current connection state.
	State() State
	// CanRecv reports whether received bytes are queued.
	CanRecv() bool
	// CanSend reports whether the transmit buffer has free space in a sending state.
	CanSend() bool

	// Listen starts waiting for a connection on port.
	Listen(port uint16) error
	// Close starts an active close of the connection.
	Close()
	// Abort drops the connection immediately.
	Abort()

	// Peek copies queued received bytes into buf without consuming them.
	Peek(buf []byte) (int, error)
	// Recv copies queued received bytes into buf and consumes them.
	Recv(buf []byte) (int, error)
	// Send enqueues p for transmission and returns the number of bytes accepted.
	Send(p []byte) (int, error)

	// SetTimeout sets the idle timeout after which an established
	// connection is reset. Zero disables it.
	SetTimeout(d time.Duration)
}

// Stack creates sockets bound to caller-provided buffers.
type Stack interface {
	NewSocket(rx, tx *Buffer) Socket
}
