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

//go:build linux

package hostnet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/edgeo-scada/modbus-poll/tcp"
)

// Stack is a tcp.Stack backed by kernel sockets and an epoll instance.
// Poll moves data between the kernel and the socket buffers; Wait blocks
// until one of the sockets needs attention.
type Stack struct {
	cfg *config

	mu      sync.Mutex
	epfd    int
	events  []unix.EpollEvent
	now     time.Time
	sockets []*socket
	scratch [4096]byte
	closed  bool
}

// New creates a host stack.
func New(opts ...Option) (*Stack, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.bindAddr.To4() == nil {
		return nil, fmt.Errorf("hostnet: bind address %v is not IPv4", cfg.bindAddr)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("hostnet: epoll create: %w", err)
	}
	return &Stack{
		cfg:    cfg,
		epfd:   epfd,
		events: make([]unix.EpollEvent, 64),
	}, nil
}

// NewSocket implements tcp.Stack.
func (s *Stack) NewSocket(rx, tx *tcp.Buffer) tcp.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock := &socket{stack: s, rx: rx, tx: tx, lfd: -1, fd: -1}
	s.sockets = append(s.sockets, sock)
	return sock
}

// Close releases all kernel resources. Sockets become closed.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, sock := range s.sockets {
		sock.reset(false)
	}
	return unix.Close(s.epfd)
}

// Poll accepts pending connections, reads and writes as much as the
// socket buffers and the kernel allow, completes closes and enforces idle
// timeouts against now.
func (s *Stack) Poll(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.now = now
	for _, sock := range s.sockets {
		switch sock.state {
		case tcp.StateListen:
			sock.accept()
		case tcp.StateEstablished, tcp.StateCloseWait, tcp.StateClosing:
			sock.pump()
			sock.finishClose()
			sock.checkIdle(now)
		}
	}
	return nil
}

// Wait blocks until a socket is readable, writable or hung up, or until
// timeout elapses. A negative timeout waits indefinitely. It returns
// immediately when queued bytes are waiting to be written.
func (s *Stack) Wait(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	for _, sock := range s.sockets {
		if sock.fd >= 0 && !sock.blocked && !sock.tx.IsEmpty() {
			s.mu.Unlock()
			return nil
		}
	}
	epfd := s.epfd
	s.mu.Unlock()

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	_, err := unix.EpollWait(epfd, s.events, ms)
	if err != nil && !errors.Is(err, unix.EINTR) {
		return fmt.Errorf("hostnet: epoll wait: %w", err)
	}
	return nil
}

func (s *Stack) register(fd int, events uint32) {
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (s *Stack) modify(fd int, events uint32) {
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (s *Stack) unregister(fd int) {
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (s *Stack) openListener(port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("hostnet: socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	sa := &unix.SockaddrInet4{Port: int(port)}
	copy(sa.Addr[:], s.cfg.bindAddr.To4())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EADDRINUSE) {
			return -1, fmt.Errorf("%w: %d: %v", tcp.ErrPortInUse, port, err)
		}
		return -1, fmt.Errorf("hostnet: bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, s.cfg.backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("hostnet: listen port %d: %w", port, err)
	}
	return fd, nil
}

const connEvents = unix.EPOLLIN | unix.EPOLLRDHUP

type socket struct {
	stack *Stack

	rx, tx *tcp.Buffer
	state  tcp.State
	port   uint16

	lfd int // listening descriptor, -1 when none
	fd  int // connection descriptor, -1 when none

	rxFin    bool
	finSent  bool
	blocked  bool // kernel send buffer full
	interest uint32

	timeout      time.Duration
	lastActivity time.Time
}

func (sock *socket) touch() {
	sock.lastActivity = sock.stack.now
}

// reset releases the descriptors and returns to the closed state. An abort
// makes the kernel send RST instead of FIN. Caller holds the lock.
func (sock *socket) reset(abort bool) {
	if sock.fd >= 0 {
		sock.stack.unregister(sock.fd)
		if abort {
			_ = unix.SetsockoptLinger(sock.fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
		}
		unix.Close(sock.fd)
		sock.fd = -1
	}
	if sock.lfd >= 0 {
		sock.stack.unregister(sock.lfd)
		unix.Close(sock.lfd)
		sock.lfd = -1
	}
	sock.state = tcp.StateClosed
	sock.rxFin = false
	sock.finSent = false
	sock.blocked = false
	sock.interest = 0
	sock.lastActivity = time.Time{}
	sock.rx.Reset()
	sock.tx.Reset()
}

// accept turns a listening socket into a connection. The listening
// descriptor is closed so that one tcp.Socket carries one connection.
func (sock *socket) accept() {
	fd, _, err := unix.Accept4(sock.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return
	}
	sock.stack.unregister(sock.lfd)
	unix.Close(sock.lfd)
	sock.lfd = -1

	if sock.stack.cfg.noDelay {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	sock.fd = fd
	sock.state = tcp.StateEstablished
	sock.interest = connEvents
	sock.stack.register(fd, connEvents)
	sock.touch()
}

// pump reads into rx until it is full or the kernel has nothing more,
// then writes tx until it is empty or the kernel refuses more.
func (sock *socket) pump() {
	buf := sock.stack.scratch[:]

	for !sock.rxFin && !sock.rx.IsFull() {
		want := sock.rx.Free()
		if want > len(buf) {
			want = len(buf)
		}
		n, err := unix.Read(sock.fd, buf[:want])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				break
			}
			sock.reset(false)
			return
		}
		if n == 0 {
			sock.rxFin = true
			if sock.state == tcp.StateEstablished {
				sock.state = tcp.StateCloseWait
			}
			break
		}
		sock.rx.Enqueue(buf[:n])
		sock.touch()
	}

	sock.blocked = false
	for !sock.tx.IsEmpty() {
		n := sock.tx.Peek(buf)
		w, err := unix.Write(sock.fd, buf[:n])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				sock.blocked = true
				break
			}
			sock.reset(false)
			return
		}
		sock.tx.Discard(w)
		sock.touch()
	}

	sock.updateInterest()
}

func (sock *socket) updateInterest() {
	var want uint32
	if !sock.rxFin {
		want = connEvents
	}
	if sock.blocked {
		want |= unix.EPOLLOUT
	}
	if want != sock.interest {
		sock.stack.modify(sock.fd, want)
		sock.interest = want
	}
}

// finishClose sends FIN once tx drained and releases the connection once
// the peer has closed too and rx has been consumed.
func (sock *socket) finishClose() {
	if sock.state != tcp.StateClosing || sock.fd < 0 || !sock.tx.IsEmpty() {
		return
	}
	if sock.rxFin && sock.rx.IsEmpty() {
		sock.reset(false)
		return
	}
	if !sock.finSent {
		_ = unix.Shutdown(sock.fd, unix.SHUT_WR)
		sock.finSent = true
	}
}

func (sock *socket) checkIdle(now time.Time) {
	if sock.timeout <= 0 || sock.fd < 0 {
		return
	}
	if sock.lastActivity.IsZero() {
		sock.lastActivity = now
		return
	}
	if now.Sub(sock.lastActivity) >= sock.timeout {
		sock.reset(true)
	}
}

func (sock *socket) IsOpen() bool {
	st := sock.State()
	return st != tcp.StateClosed && st != tcp.StateTimeWait
}

func (sock *socket) IsListening() bool {
	return sock.State() == tcp.StateListen
}

func (sock *socket) State() tcp.State {
	sock.stack.mu.Lock()
	defer sock.stack.mu.Unlock()
	return sock.state
}

func (sock *socket) CanRecv() bool {
	sock.stack.mu.Lock()
	defer sock.stack.mu.Unlock()
	return !sock.rx.IsEmpty()
}

func (sock *socket) CanSend() bool {
	sock.stack.mu.Lock()
	defer sock.stack.mu.Unlock()
	return (sock.state == tcp.StateEstablished || sock.state == tcp.StateCloseWait) && !sock.tx.IsFull()
}

func (sock *socket) Listen(port uint16) error {
	s := sock.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if port == 0 {
		return tcp.ErrUnaddressable
	}
	if sock.state == tcp.StateListen && sock.port == port {
		return nil
	}
	if sock.state != tcp.StateClosed && sock.state != tcp.StateTimeWait {
		return tcp.ErrInvalidState
	}
	for _, other := range s.sockets {
		if other != sock && other.state == tcp.StateListen && other.port == port {
			return tcp.ErrPortInUse
		}
	}

	lfd, err := s.openListener(port)
	if err != nil {
		return err
	}
	s.register(lfd, unix.EPOLLIN)
	sock.lfd = lfd
	sock.port = port
	sock.state = tcp.StateListen
	return nil
}

func (sock *socket) Close() {
	sock.stack.mu.Lock()
	defer sock.stack.mu.Unlock()
	switch sock.state {
	case tcp.StateListen, tcp.StateConnecting:
		sock.reset(false)
	case tcp.StateEstablished, tcp.StateCloseWait:
		sock.state = tcp.StateClosing
		sock.finishClose()
	}
}

func (sock *socket) Abort() {
	sock.stack.mu.Lock()
	defer sock.stack.mu.Unlock()
	sock.reset(true)
}

func (sock *socket) recvCheck() (bool, error) {
	if !sock.rx.IsEmpty() {
		return true, nil
	}
	switch {
	case sock.rxFin:
		return false, tcp.ErrFinished
	case sock.state == tcp.StateEstablished || sock.state == tcp.StateClosing:
		return false, nil
	default:
		return false, tcp.ErrInvalidState
	}
}

func (sock *socket) Peek(buf []byte) (int, error) {
	sock.stack.mu.Lock()
	defer sock.stack.mu.Unlock()
	ok, err := sock.recvCheck()
	if !ok {
		return 0, err
	}
	return sock.rx.Peek(buf), nil
}

func (sock *socket) Recv(buf []byte) (int, error) {
	sock.stack.mu.Lock()
	defer sock.stack.mu.Unlock()
	ok, err := sock.recvCheck()
	if !ok {
		return 0, err
	}
	sock.touch()
	n := sock.rx.Dequeue(buf)
	sock.finishClose()
	return n, nil
}

func (sock *socket) Send(p []byte) (int, error) {
	sock.stack.mu.Lock()
	defer sock.stack.mu.Unlock()
	if sock.state != tcp.StateEstablished && sock.state != tcp.StateCloseWait {
		return 0, tcp.ErrInvalidState
	}
	sock.touch()
	return sock.tx.Enqueue(p), nil
}

func (sock *socket) SetTimeout(d time.Duration) {
	sock.stack.mu.Lock()
	defer sock.stack.mu.Unlock()
	sock.timeout = d
}
