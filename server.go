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
	"log/slog"
	"time"

	"github.com/edgeo-scada/modbus-poll/tcp"
)

// Server is a Modbus TCP server bound to a single socket of a
// tcp.SocketSet. It holds no goroutines: all work happens inside Poll,
// which never blocks and performs at most one receive and one send.
type Server[C Context] struct {
	handle  tcp.Handle
	ctx     C
	opts    *serverOptions
	metrics *ServerMetrics

	rxBuf [RecvBufferSize]byte
	txn   *Transaction
}

// NewServer adds a socket built from rx and tx to sockets and returns a
// server for it. Both buffers must hold at least MinSocketBufferSize
// bytes; a nil buffer counts as too small. On failure nothing is added to
// the set. The socket is not put into listening state until the first Poll.
func NewServer[C Context](sockets *tcp.SocketSet, rx, tx *tcp.Buffer, ctx C, opts ...ServerOption) (*Server[C], error) {
	if rx == nil {
		return nil, fmt.Errorf("%w: no buffer", ErrRxBufferTooSmall)
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: no buffer", ErrTxBufferTooSmall)
	}
	if rx.Cap() < MinSocketBufferSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrRxBufferTooSmall, rx.Cap(), MinSocketBufferSize)
	}
	if tx.Cap() < MinSocketBufferSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrTxBufferTooSmall, tx.Cap(), MinSocketBufferSize)
	}

	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	handle := sockets.Open(rx, tx)
	sockets.Get(handle).SetTimeout(options.idleTimeout)

	return &Server[C]{
		handle:  handle,
		ctx:     ctx,
		opts:    options,
		metrics: NewServerMetrics(),
		txn:     NewTransaction(options.unitID, options.serverID),
	}, nil
}

// Handle returns the handle of the server socket within its set.
func (s *Server[C]) Handle() tcp.Handle {
	return s.handle
}

// Context returns the register context owned by the server.
func (s *Server[C]) Context() C {
	return s.ctx
}

// Reader returns read-only access to the register context.
func (s *Server[C]) Reader() ContextReader {
	return s.ctx
}

// Metrics returns the server metrics.
func (s *Server[C]) Metrics() *ServerMetrics {
	return s.metrics
}

// Poll performs one unit of work on the server socket: it (re)enters
// listening state when needed, closes a connection the peer has closed,
// and answers at most one queued request. The result reports whether a
// write-class request was dispatched to the context during this call.
//
// Errors are *ServerError values and affect only this call.
func (s *Server[C]) Poll(sockets *tcp.SocketSet) (bool, error) {
	s.metrics.Polls.Add(1)
	sock := sockets.Get(s.handle)

	if !sock.IsOpen() && !sock.IsListening() {
		if err := sock.Listen(s.opts.port); err != nil {
			return false, s.fail(ErrorListen, err)
		}
		s.metrics.Listens.Add(1)
		s.opts.logger.Info("listening", slog.Int("port", int(s.opts.port)))
	}

	if sock.State() == tcp.StateCloseWait {
		sock.Close()
		s.metrics.Recycled.Add(1)
		s.opts.logger.Info("connection closed by peer")
	}

	if !sock.CanRecv() {
		return false, nil
	}

	n, err := sock.Peek(s.rxBuf[:])
	if err != nil {
		return false, s.fail(ErrorReceive, err)
	}
	if n == 0 {
		return false, nil
	}
	return s.process(sock, s.rxBuf[:n])
}

func (s *Server[C]) process(sock tcp.Socket, raw []byte) (bool, error) {
	start := timeNow()
	defer func() {
		s.metrics.Latency.Observe(timeNow().Sub(start))
	}()

	txn := s.txn
	parseErr := txn.Parse(raw)

	// Consume the parsed frame only, so pipelined requests stay queued.
	// Unframeable input is dropped as a whole.
	consume := txn.Len()
	if consume == 0 || consume > len(raw) {
		consume = len(raw)
	}
	if _, err := sock.Recv(s.rxBuf[:consume]); err != nil {
		return false, s.fail(ErrorReceive, err)
	}

	if parseErr != nil {
		return false, s.protocolError(sock, parseErr)
	}
	if !txn.ProcessingRequired() && !txn.ResponseRequired() {
		return false, nil
	}

	h := txn.Header()
	s.metrics.Frames.Add(1)
	s.metrics.ForFunction(txn.Func).Requests.Add(1)
	s.opts.logger.Debug("processing request",
		slog.Uint64("tx_id", uint64(h.TransactionID)),
		slog.Uint64("unit_id", uint64(h.UnitID)),
		slog.String("func", txn.Func.String()))

	mutated := false
	if txn.ProcessingRequired() {
		var err error
		if txn.Readonly() {
			err = txn.ProcessRead(s.Reader())
		} else {
			mutated = true
			s.metrics.Mutations.Add(1)
			err = txn.ProcessWrite(s.ctx)
		}
		if err != nil {
			return mutated, s.protocolError(sock, err)
		}
	}

	if !txn.ResponseRequired() {
		return mutated, nil
	}
	return mutated, s.send(sock)
}

// protocolError reports a framing or dispatch failure, answering it with
// an exception response first when that is enabled and possible.
func (s *Server[C]) protocolError(sock tcp.Socket, err error) error {
	if s.txn.Func != 0 {
		s.metrics.ForFunction(s.txn.Func).Errors.Add(1)
	}

	var modbusErr *ModbusError
	if s.opts.exceptionResponses && errors.As(err, &modbusErr) {
		s.txn.SetException(modbusErr.ExceptionCode)
		if s.txn.ResponseRequired() {
			if sendErr := s.send(sock); sendErr != nil {
				s.opts.logger.Warn("exception response not sent",
					slog.String("error", sendErr.Error()))
			}
		}
	}
	return s.fail(ErrorModbus, err)
}

func (s *Server[C]) send(sock tcp.Socket) error {
	resp, err := s.txn.FinalizeResponse()
	if err != nil {
		panic(fmt.Sprintf("modbus: finalize response of parsed frame: %v", err))
	}

	n, err := sock.Send(resp)
	if err != nil {
		return s.fail(ErrorSend, err)
	}
	if n < len(resp) {
		return s.fail(ErrorSend, fmt.Errorf("%w: accepted %d of %d bytes", tcp.ErrBufferFull, n, len(resp)))
	}
	s.metrics.Responses.Add(1)
	return nil
}

func (s *Server[C]) fail(kind ErrorKind, err error) error {
	s.metrics.recordError(kind)
	s.opts.logger.Warn("poll failed",
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()))
	return &ServerError{Kind: kind, Err: err}
}

// timeNow is a variable for testing
var timeNow = time.Now
