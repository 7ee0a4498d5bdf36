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
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/edgeo-scada/modbus-poll/tcp"
)

const testPort = 5020

type testServer struct {
	stack   *tcp.Loopback
	sockets *tcp.SocketSet
	server  *Server[*MemoryContext]
}

func newTestServer(t *testing.T, opts ...ServerOption) *testServer {
	t.Helper()
	stack := tcp.NewLoopback()
	sockets := tcp.NewSocketSet(stack)
	ctx := NewMemoryContext(64, 64, 64, 64)

	opts = append([]ServerOption{
		WithPort(testPort),
		WithServerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	server, err := NewServer(sockets, tcp.NewBufferSize(MinSocketBufferSize),
		tcp.NewBufferSize(MinSocketBufferSize), ctx, opts...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return &testServer{stack: stack, sockets: sockets, server: server}
}

func (ts *testServer) poll(t *testing.T) (bool, error) {
	t.Helper()
	return ts.server.Poll(ts.sockets)
}

func (ts *testServer) mustPoll(t *testing.T) bool {
	t.Helper()
	mutated, err := ts.poll(t)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	return mutated
}

// connect brings the server into listening state and dials it.
func (ts *testServer) connect(t *testing.T) *tcp.Peer {
	t.Helper()
	ts.mustPoll(t)
	peer, err := ts.stack.Dial(testPort)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return peer
}

func send(t *testing.T, peer *tcp.Peer, data []byte) {
	t.Helper()
	n, err := peer.Write(data)
	if err != nil || n != len(data) {
		t.Fatalf("Write: expected %d bytes, got %d (%v)", len(data), n, err)
	}
}

func readAll(t *testing.T, peer *tcp.Peer) []byte {
	t.Helper()
	buf := make([]byte, 2*MaxADUSize)
	n, err := peer.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("Read failed: %v", err)
	}
	return buf[:n]
}

func TestNewServer_BufferTooSmall(t *testing.T) {
	tests := []struct {
		name   string
		rx, tx int
		expect error
	}{
		{"rx", MinSocketBufferSize - 1, MinSocketBufferSize, ErrRxBufferTooSmall},
		{"tx", MinSocketBufferSize, MinSocketBufferSize - 1, ErrTxBufferTooSmall},
		{"both", 16, 16, ErrRxBufferTooSmall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sockets := tcp.NewSocketSet(tcp.NewLoopback())
			_, err := NewServer(sockets, tcp.NewBufferSize(tt.rx), tcp.NewBufferSize(tt.tx),
				NewMemoryContext(1, 1, 1, 1))
			if !errors.Is(err, tt.expect) {
				t.Errorf("Expected %v, got %v", tt.expect, err)
			}
			if sockets.Len() != 0 {
				t.Errorf("Socket set: expected empty, got %d sockets", sockets.Len())
			}
		})
	}

	valid := tcp.NewBufferSize(MinSocketBufferSize)
	missing := []struct {
		name   string
		rx, tx *tcp.Buffer
		expect error
	}{
		{"nil rx", nil, valid, ErrRxBufferTooSmall},
		{"nil tx", valid, nil, ErrTxBufferTooSmall},
	}
	for _, tt := range missing {
		t.Run(tt.name, func(t *testing.T) {
			sockets := tcp.NewSocketSet(tcp.NewLoopback())
			_, err := NewServer(sockets, tt.rx, tt.tx, NewMemoryContext(1, 1, 1, 1))
			if !errors.Is(err, tt.expect) {
				t.Errorf("Expected %v, got %v", tt.expect, err)
			}
			if sockets.Len() != 0 {
				t.Errorf("Socket set: expected empty, got %d sockets", sockets.Len())
			}
		})
	}
}

func TestNewServer_ListensOnFirstPoll(t *testing.T) {
	ts := newTestServer(t)
	sock := ts.sockets.Get(ts.server.Handle())

	if sock.IsOpen() || sock.IsListening() {
		t.Fatal("Socket should be idle before the first poll")
	}
	if _, err := ts.stack.Dial(testPort); !errors.Is(err, tcp.ErrConnectionRefused) {
		t.Errorf("Dial before poll: expected connection refused, got %v", err)
	}

	if mutated := ts.mustPoll(t); mutated {
		t.Error("Idle poll should not report a mutation")
	}
	if !sock.IsListening() {
		t.Errorf("State: expected listen, got %s", sock.State())
	}

	// Idle polls are idempotent.
	for i := 0; i < 3; i++ {
		ts.mustPoll(t)
	}
	if got := ts.server.Metrics().Listens.Value(); got != 1 {
		t.Errorf("Listens: expected 1, got %d", got)
	}
}

func TestServer_ListenError(t *testing.T) {
	ts := newTestServer(t, WithPort(0))

	_, err := ts.poll(t)
	if KindOf(err) != ErrorListen {
		t.Fatalf("Expected listen error, got %v", err)
	}
	if !errors.Is(err, tcp.ErrUnaddressable) {
		t.Errorf("Expected ErrUnaddressable cause, got %v", err)
	}

	var serverErr *ServerError
	if !errors.As(err, &serverErr) || !serverErr.Transient() {
		t.Error("Listen error should be transient")
	}
}

func TestServer_ReadHoldingRegister(t *testing.T) {
	ts := newTestServer(t)
	ts.server.Context().SetHoldingRegister(0, 0xBEEF)
	peer := ts.connect(t)

	send(t, peer, encodeRequest(0x0102, 1, readPDU(t, FuncReadHoldingRegisters, 0, 1)))
	if mutated := ts.mustPoll(t); mutated {
		t.Error("Read should not report a mutation")
	}

	expected := []byte{0x01, 0x02, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0xBE, 0xEF}
	if resp := readAll(t, peer); !bytes.Equal(resp, expected) {
		t.Errorf("Expected %x, got %x", expected, resp)
	}
}

func TestServer_WriteThenRead(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.connect(t)

	send(t, peer, encodeRequest(1, 1, BuildWriteSingleRegisterPDU(0, 42)))
	if mutated := ts.mustPoll(t); !mutated {
		t.Error("Write should report a mutation")
	}
	expected := encodeRequest(1, 1, BuildWriteSingleRegisterPDU(0, 42))
	if resp := readAll(t, peer); !bytes.Equal(resp, expected) {
		t.Errorf("Write response: expected %x, got %x", expected, resp)
	}

	regs, err := ts.server.Reader().ReadRegisters(RegionHoldingRegisters, 0, 1)
	if err != nil {
		t.Fatalf("ReadRegisters failed: %v", err)
	}
	if regs[0] != 42 {
		t.Errorf("Register: expected 42, got %d", regs[0])
	}

	send(t, peer, encodeRequest(2, 1, readPDU(t, FuncReadHoldingRegisters, 0, 1)))
	ts.mustPoll(t)
	resp := readAll(t, peer)
	values, err := ParseRegistersResponse(resp[MBAPHeaderSize:], 1)
	if err != nil {
		t.Fatalf("ParseRegistersResponse failed: %v", err)
	}
	if values[0] != 42 {
		t.Errorf("Read back: expected 42, got %d", values[0])
	}
}

func TestServer_EchoesHeader(t *testing.T) {
	ts := newTestServer(t, WithUnitID(17))
	peer := ts.connect(t)

	send(t, peer, encodeRequest(0xABCD, 17, readPDU(t, FuncReadCoils, 0, 1)))
	ts.mustPoll(t)

	var frame Frame
	if err := frame.Decode(readAll(t, peer)); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frame.Header.TransactionID != 0xABCD {
		t.Errorf("TransactionID: expected 0xABCD, got 0x%04X", frame.Header.TransactionID)
	}
	if frame.Header.UnitID != 17 {
		t.Errorf("UnitID: expected 17, got %d", frame.Header.UnitID)
	}
}

func TestServer_MalformedFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"truncated header", []byte{0x00, 0x01, 0x00, 0x00, 0x00}},
		{"declared too long", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x30, 0x01, 0x06, 0x00, 0x00, 0x00, 0x01}},
		{"bad protocol", []byte{0x00, 0x01, 0xFF, 0xFF, 0x00, 0x06, 0x01, 0x06, 0x00, 0x00, 0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			peer := ts.connect(t)
			send(t, peer, tt.raw)

			mutated, err := ts.poll(t)
			if mutated {
				t.Error("Malformed frame should not report a mutation")
			}
			if KindOf(err) != ErrorModbus || !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("Expected modbus error wrapping ErrInvalidFrame, got %v", err)
			}
			if resp := readAll(t, peer); len(resp) != 0 {
				t.Errorf("Expected no response, got %x", resp)
			}

			// The bad chunk is consumed; the next poll is idle.
			if _, err := ts.poll(t); err != nil {
				t.Errorf("Next poll: expected no error, got %v", err)
			}
		})
	}
}

func TestServer_InvalidFieldsSilent(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.connect(t)

	send(t, peer, encodeRequest(1, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x00}))
	_, err := ts.poll(t)
	if KindOf(err) != ErrorModbus || !IsIllegalDataValue(err) {
		t.Errorf("Expected illegal data value, got %v", err)
	}
	if resp := readAll(t, peer); len(resp) != 0 {
		t.Errorf("Expected no response, got %x", resp)
	}
}

func TestServer_ExceptionResponses(t *testing.T) {
	ts := newTestServer(t, WithExceptionResponses(true))
	peer := ts.connect(t)

	send(t, peer, encodeRequest(9, 1, readPDU(t, FuncReadHoldingRegisters, 60, 10)))
	mutated, err := ts.poll(t)
	if mutated {
		t.Error("Read should not report a mutation")
	}
	if KindOf(err) != ErrorModbus || !IsIllegalDataAddress(err) {
		t.Errorf("Expected illegal data address, got %v", err)
	}

	expected := []byte{0x00, 0x09, 0x00, 0x00, 0x00, 0x03, 0x01, 0x83, 0x02}
	if resp := readAll(t, peer); !bytes.Equal(resp, expected) {
		t.Errorf("Expected %x, got %x", expected, resp)
	}
}

func TestServer_FailedWriteCountsAsMutation(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.connect(t)

	send(t, peer, encodeRequest(1, 1, BuildWriteSingleRegisterPDU(100, 1)))
	mutated, err := ts.poll(t)
	if !mutated {
		t.Error("Attempted write should report a mutation")
	}
	if !IsIllegalDataAddress(err) {
		t.Errorf("Expected illegal data address, got %v", err)
	}
}

func TestServer_UnknownFunction(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.connect(t)

	send(t, peer, encodeRequest(3, 1, []byte{0x41, 0x00}))
	if _, err := ts.poll(t); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	var frame Frame
	if err := frame.Decode(readAll(t, peer)); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !IsExceptionResponse(frame.PDU) {
		t.Fatalf("Expected exception response, got %x", frame.PDU)
	}
	if exc := ParseExceptionResponse(frame.PDU); exc.ExceptionCode != ExceptionIllegalFunction {
		t.Errorf("ExceptionCode: expected %s, got %s", ExceptionIllegalFunction, exc.ExceptionCode)
	}
}

func TestServer_UnitFiltering(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.connect(t)

	// Other unit: ignored.
	send(t, peer, encodeRequest(1, 5, BuildWriteSingleRegisterPDU(0, 7)))
	if mutated := ts.mustPoll(t); mutated {
		t.Error("Request to other unit should not be dispatched")
	}
	if resp := readAll(t, peer); len(resp) != 0 {
		t.Errorf("Other unit: expected no response, got %x", resp)
	}

	// Broadcast: processed without a response.
	send(t, peer, encodeRequest(2, BroadcastUnitID, BuildWriteSingleRegisterPDU(0, 7)))
	if mutated := ts.mustPoll(t); !mutated {
		t.Error("Broadcast write should be dispatched")
	}
	if resp := readAll(t, peer); len(resp) != 0 {
		t.Errorf("Broadcast: expected no response, got %x", resp)
	}
	regs, _ := ts.server.Reader().ReadRegisters(RegionHoldingRegisters, 0, 1)
	if regs[0] != 7 {
		t.Errorf("Register after broadcast: expected 7, got %d", regs[0])
	}
}

func TestServer_PipelinedRequests(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.connect(t)

	first := encodeRequest(1, 1, BuildWriteSingleRegisterPDU(3, 30))
	second := encodeRequest(2, 1, readPDU(t, FuncReadHoldingRegisters, 3, 1))
	send(t, peer, append(append([]byte{}, first...), second...))

	if mutated := ts.mustPoll(t); !mutated {
		t.Error("First poll should dispatch the write")
	}
	if resp := readAll(t, peer); !bytes.Equal(resp, first) {
		t.Errorf("First response: expected %x, got %x", first, resp)
	}

	if mutated := ts.mustPoll(t); mutated {
		t.Error("Second poll should dispatch the read")
	}
	expected := []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x00, 0x1E}
	if resp := readAll(t, peer); !bytes.Equal(resp, expected) {
		t.Errorf("Second response: expected %x, got %x", expected, resp)
	}
}

func TestServer_ShortSend(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.connect(t)

	// Fill the transmit buffer with responses the peer never reads.
	req := encodeRequest(1, 1, readPDU(t, FuncReadHoldingRegisters, 0, 60))
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		send(t, peer, req)
		_, err = ts.poll(t)
	}
	if KindOf(err) != ErrorSend || !errors.Is(err, tcp.ErrBufferFull) {
		t.Errorf("Expected short send error, got %v", err)
	}
	if got := ts.server.Metrics().SendErrors.Value(); got != 1 {
		t.Errorf("SendErrors: expected 1, got %d", got)
	}
}

func TestServer_PeerCloseRecycles(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.connect(t)
	sock := ts.sockets.Get(ts.server.Handle())

	if err := peer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if sock.State() != tcp.StateCloseWait {
		t.Fatalf("State: expected close-wait, got %s", sock.State())
	}

	ts.mustPoll(t)
	if sock.IsOpen() {
		t.Errorf("State after poll: expected closed, got %s", sock.State())
	}

	ts.mustPoll(t)
	if !sock.IsListening() {
		t.Errorf("State after second poll: expected listen, got %s", sock.State())
	}
	if got := ts.server.Metrics().Recycled.Value(); got != 1 {
		t.Errorf("Recycled: expected 1, got %d", got)
	}

	// A new client can connect.
	if _, err := ts.stack.Dial(testPort); err != nil {
		t.Errorf("Redial failed: %v", err)
	}
}

func TestServer_WriteBeforePeerClose(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.connect(t)
	sock := ts.sockets.Get(ts.server.Handle())

	send(t, peer, encodeRequest(1, 1, BuildWriteSingleRegisterPDU(0, 42)))
	if err := peer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	mutated, err := ts.poll(t)
	if !mutated {
		t.Error("Write queued before the close should be dispatched")
	}
	// The connection is gone once the request is consumed, so the
	// response cannot be sent.
	if KindOf(err) != ErrorSend {
		t.Errorf("Expected send error, got %v", err)
	}
	regs, _ := ts.server.Context().ReadRegisters(RegionHoldingRegisters, 0, 1)
	if regs[0] != 42 {
		t.Errorf("Register: expected 42, got %d", regs[0])
	}
	if sock.IsOpen() {
		t.Errorf("State after poll: expected closed, got %s", sock.State())
	}

	ts.mustPoll(t)
	if !sock.IsListening() {
		t.Errorf("State after second poll: expected listen, got %s", sock.State())
	}
}

// emptySocket is established and reports queued data that never arrives.
type emptySocket struct {
	recvs, sends int
}

func (s *emptySocket) IsOpen() bool { return true }
func (s *emptySocket) IsListening() bool { return false }
func (s *emptySocket) State() tcp.State { return tcp.StateEstablished }
func (s *emptySocket) CanRecv() bool { return true }
func (s *emptySocket) CanSend() bool { return true }
func (s *emptySocket) Listen(port uint16) error { return nil }
func (s *emptySocket) Close() {}
func (s *emptySocket) Abort() {}
func (s *emptySocket) Peek(buf []byte) (int, error) { return 0, nil }
func (s *emptySocket) Recv(buf []byte) (int, error) {
	s.recvs++
	return 0, nil
}
func (s *emptySocket) Send(p []byte) (int, error) {
	s.sends++
	return len(p), nil
}
func (s *emptySocket) SetTimeout(d time.Duration) {}

type emptyStack struct {
	sock *emptySocket
}

func (s *emptyStack) NewSocket(rx, tx *tcp.Buffer) tcp.Socket { return s.sock }

func TestServer_ZeroLengthReceive(t *testing.T) {
	stack := &emptyStack{sock: &emptySocket{}}
	sockets := tcp.NewSocketSet(stack)
	server, err := NewServer(sockets, tcp.NewBufferSize(MinSocketBufferSize),
		tcp.NewBufferSize(MinSocketBufferSize), NewMemoryContext(1, 1, 1, 1),
		WithServerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		mutated, err := server.Poll(sockets)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if mutated {
			t.Error("Empty receive should not mutate")
		}
	}
	if stack.sock.recvs != 0 || stack.sock.sends != 0 {
		t.Errorf("Socket calls: expected no recv or send, got %d recv and %d send",
			stack.sock.recvs, stack.sock.sends)
	}
	if got := server.Metrics().Frames.Value(); got != 0 {
		t.Errorf("Frames: expected 0, got %d", got)
	}
}

func TestServer_IdleTimeout(t *testing.T) {
	ts := newTestServer(t, WithIdleTimeout(2*time.Second))
	peer := ts.connect(t)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ts.stack.Poll(start)
	ts.stack.Poll(start.Add(3 * time.Second))

	if peer.Connected() {
		t.Error("Idle connection should be reset")
	}
	if _, err := peer.Write([]byte{0x00}); !errors.Is(err, tcp.ErrReset) {
		t.Errorf("Write after timeout: expected ErrReset, got %v", err)
	}

	ts.mustPoll(t)
	if !ts.sockets.Get(ts.server.Handle()).IsListening() {
		t.Error("Server should listen again after the reset")
	}
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.connect(t)

	send(t, peer, encodeRequest(1, 1, BuildWriteSingleCoilPDU(0, true)))
	ts.mustPoll(t)
	readAll(t, peer)

	m := ts.server.Metrics()
	if m.Frames.Value() != 1 {
		t.Errorf("Frames: expected 1, got %d", m.Frames.Value())
	}
	if m.Responses.Value() != 1 {
		t.Errorf("Responses: expected 1, got %d", m.Responses.Value())
	}
	if m.Mutations.Value() != 1 {
		t.Errorf("Mutations: expected 1, got %d", m.Mutations.Value())
	}
	if got := m.ForFunction(FuncWriteSingleCoil).Requests.Value(); got != 1 {
		t.Errorf("WriteSingleCoil requests: expected 1, got %d", got)
	}
	if m.Latency.Stats().Count != 1 {
		t.Errorf("Latency count: expected 1, got %d", m.Latency.Stats().Count)
	}
}

func TestServer_LockedContext(t *testing.T) {
	stack := tcp.NewLoopback()
	sockets := tcp.NewSocketSet(stack)
	locked := NewLockedContext(NewMemoryContext(0, 0, 0, 8))

	server, err := NewServer(sockets, tcp.NewBufferSize(MinSocketBufferSize),
		tcp.NewBufferSize(MinSocketBufferSize), locked, WithPort(testPort),
		WithServerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	done := make(chan error)
	go func() {
		done <- locked.Do(func(ctx Context) error {
			return ctx.WriteRegisters(RegionHoldingRegisters, 1, []uint16{11})
		})
	}()
	if err := <-done; err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	if _, err := server.Poll(sockets); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	peer, err := stack.Dial(testPort)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	send(t, peer, encodeRequest(1, 1, readPDU(t, FuncReadHoldingRegisters, 1, 1)))
	if _, err := server.Poll(sockets); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	resp := readAll(t, peer)
	values, err := ParseRegistersResponse(resp[MBAPHeaderSize:], 1)
	if err != nil {
		t.Fatalf("ParseRegistersResponse failed: %v", err)
	}
	if values[0] != 11 {
		t.Errorf("Register: expected 11, got %d", values[0])
	}
}
