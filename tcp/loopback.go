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

package tcp

import (
	"errors"
	"io"
	"sync"
	"time"
)

var (
	// ErrConnectionRefused indicates no socket listens on the dialed port.
	ErrConnectionRefused = errors.New("tcp: connection refused")

	// ErrReset indicates the connection was aborted by the other side or by
	// the idle timer.
	ErrReset = errors.New("tcp: connection reset")
)

// Loopback is an in-memory Stack. Remote endpoints are created with Dial
// and exchange bytes directly with the socket buffers. Timers advance only
// when Poll is called.
type Loopback struct {
	mu      sync.Mutex
	now     time.Time
	sockets []*loopSocket
}

// NewLoopback creates an empty loopback stack.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// NewSocket implements Stack.
func (l *Loopback) NewSocket(rx, tx *Buffer) Socket {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &loopSocket{stack: l, rx: rx, tx: tx}
	l.sockets = append(l.sockets, s)
	return s
}

// Dial connects a new peer to the socket listening on port.
func (l *Loopback) Dial(port uint16) (*Peer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sockets {
		if s.state == StateListen && s.port == port {
			p := &Peer{stack: l, sock: s}
			s.peer = p
			s.state = StateEstablished
			s.touch()
			return p, nil
		}
	}
	return nil, ErrConnectionRefused
}

// Poll advances the stack clock to now: idle connections are reset and
// finished closes are completed.
func (l *Loopback) Poll(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	for _, s := range l.sockets {
		switch s.state {
		case StateTimeWait:
			s.reset(false)
			continue
		case StateClosing:
			s.finishClose()
		}
		if s.timeout <= 0 || !s.connected() {
			continue
		}
		if s.lastActivity.IsZero() {
			s.lastActivity = now
			continue
		}
		if now.Sub(s.lastActivity) >= s.timeout {
			s.reset(true)
		}
	}
}

type loopSocket struct {
	stack *Loopback

	rx, tx *Buffer
	state  State
	port   uint16
	rxFin  bool
	peer   *Peer

	timeout      time.Duration
	lastActivity time.Time
}

func (s *loopSocket) connected() bool {
	switch s.state {
	case StateEstablished, StateCloseWait, StateClosing:
		return true
	}
	return false
}

func (s *loopSocket) touch() {
	s.lastActivity = s.stack.now
}

// reset drops the connection and detaches the peer. An aborted peer sees
// ErrReset, otherwise io.EOF. Caller holds the lock.
func (s *loopSocket) reset(abort bool) {
	if s.peer != nil {
		s.peer.reset = abort
		s.peer.sock = nil
		s.peer = nil
	}
	s.state = StateClosed
	s.rxFin = false
	s.lastActivity = time.Time{}
	s.rx.Reset()
	s.tx.Reset()
}

// finishClose completes a close once both directions are done and every
// received byte has been consumed.
func (s *loopSocket) finishClose() {
	if s.state == StateClosing && s.rxFin && s.rx.IsEmpty() && s.tx.IsEmpty() {
		s.reset(false)
	}
}

func (s *loopSocket) IsOpen() bool {
	st := s.State()
	return st != StateClosed && st != StateTimeWait
}

func (s *loopSocket) IsListening() bool {
	return s.State() == StateListen
}

func (s *loopSocket) State() State {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	return s.state
}

func (s *loopSocket) CanRecv() bool {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	return !s.rx.IsEmpty()
}

func (s *loopSocket) CanSend() bool {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	return (s.state == StateEstablished || s.state == StateCloseWait) && !s.tx.IsFull()
}

func (s *loopSocket) Listen(port uint16) error {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	if port == 0 {
		return ErrUnaddressable
	}
	if s.state == StateListen && s.port == port {
		return nil
	}
	if s.state != StateClosed && s.state != StateTimeWait {
		return ErrInvalidState
	}
	for _, other := range s.stack.sockets {
		if other != s && other.state == StateListen && other.port == port {
			return ErrPortInUse
		}
	}
	s.reset(false)
	s.port = port
	s.state = StateListen
	return nil
}

func (s *loopSocket) Close() {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	switch s.state {
	case StateListen, StateConnecting:
		s.reset(false)
	case StateEstablished, StateCloseWait:
		s.state = StateClosing
		s.finishClose()
	}
}

func (s *loopSocket) Abort() {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	s.reset(true)
}

func (s *loopSocket) recvCheck() (bool, error) {
	if !s.rx.IsEmpty() {
		return true, nil
	}
	switch {
	case s.rxFin:
		return false, ErrFinished
	case s.state == StateEstablished || s.state == StateClosing:
		return false, nil
	default:
		return false, ErrInvalidState
	}
}

func (s *loopSocket) Peek(buf []byte) (int, error) {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	ok, err := s.recvCheck()
	if !ok {
		return 0, err
	}
	return s.rx.Peek(buf), nil
}

func (s *loopSocket) Recv(buf []byte) (int, error) {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	ok, err := s.recvCheck()
	if !ok {
		return 0, err
	}
	s.touch()
	n := s.rx.Dequeue(buf)
	s.finishClose()
	return n, nil
}

func (s *loopSocket) Send(p []byte) (int, error) {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	if s.state != StateEstablished && s.state != StateCloseWait {
		return 0, ErrInvalidState
	}
	s.touch()
	return s.tx.Enqueue(p), nil
}

func (s *loopSocket) SetTimeout(d time.Duration) {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	s.timeout = d
}

// Peer is the remote end of a loopback connection.
type Peer struct {
	stack  *Loopback
	sock   *loopSocket
	closed bool
	reset  bool
}

// detached returns the error a peer without a socket reports.
func (p *Peer) detached() error {
	if p.reset {
		return ErrReset
	}
	return io.EOF
}

// Write queues b into the socket's receive buffer. It returns the number of
// bytes that fit.
func (p *Peer) Write(b []byte) (int, error) {
	p.stack.mu.Lock()
	defer p.stack.mu.Unlock()
	if p.sock == nil {
		return 0, p.detached()
	}
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.sock.touch()
	return p.sock.rx.Enqueue(b), nil
}

// Read drains bytes the socket has sent. It returns io.EOF once the socket
// closed and everything was read, and 0, nil when nothing is pending.
func (p *Peer) Read(b []byte) (int, error) {
	p.stack.mu.Lock()
	defer p.stack.mu.Unlock()
	s := p.sock
	if s == nil {
		return 0, p.detached()
	}
	n := s.tx.Dequeue(b)
	if n > 0 {
		s.touch()
		s.finishClose()
		return n, nil
	}
	if s.state == StateClosing {
		s.finishClose()
		return 0, io.EOF
	}
	return 0, nil
}

// Close sends FIN from the peer side.
func (p *Peer) Close() error {
	p.stack.mu.Lock()
	defer p.stack.mu.Unlock()
	if p.closed || p.sock == nil {
		p.closed = true
		return nil
	}
	p.closed = true
	s := p.sock
	s.rxFin = true
	switch s.state {
	case StateEstablished:
		s.state = StateCloseWait
	case StateClosing:
		if s.tx.IsEmpty() {
			s.state = StateTimeWait
		}
	}
	return nil
}

// Connected reports whether the peer is still attached to its socket.
func (p *Peer) Connected() bool {
	p.stack.mu.Lock()
	defer p.stack.mu.Unlock()
	return p.sock != nil
}
