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
	"log/slog"
	"time"
)

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger      *slog.Logger
	port        uint16
	unitID      UnitID
	idleTimeout time.Duration

	// Answer malformed requests with exception responses.
	exceptionResponses bool

	serverID []byte
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:      slog.Default(),
		port:        DefaultPort,
		unitID:      DefaultUnitID,
		idleTimeout: DefaultIdleTimeout,
		serverID:    []byte("Modbus Server"),
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithPort sets the TCP port the server listens on.
func WithPort(port uint16) ServerOption {
	return func(o *serverOptions) {
		o.port = port
	}
}

// WithUnitID sets the unit identifier the server answers for.
func WithUnitID(id UnitID) ServerOption {
	return func(o *serverOptions) {
		o.unitID = id
	}
}

// WithIdleTimeout sets the socket idle timeout. Zero disables it.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.idleTimeout = d
	}
}

// WithExceptionResponses makes the server answer requests with invalid
// fields, or whose dispatch failed, with a Modbus exception response
// instead of dropping them. Poll still reports the error.
func WithExceptionResponses(enable bool) ServerOption {
	return func(o *serverOptions) {
		o.exceptionResponses = enable
	}
}

// WithServerID sets the identifier reported by Report Server ID (FC17).
func WithServerID(id []byte) ServerOption {
	return func(o *serverOptions) {
		o.serverID = id
	}
}
