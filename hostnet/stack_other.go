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

//go:build !linux

package hostnet

import (
	"time"

	"github.com/edgeo-scada/modbus-poll/tcp"
)

// Stack is unavailable on this platform.
type Stack struct{}

// New returns ErrPlatformNotSupported.
func New(opts ...Option) (*Stack, error) {
	return nil, ErrPlatformNotSupported
}

// NewSocket implements tcp.Stack.
func (s *Stack) NewSocket(rx, tx *tcp.Buffer) tcp.Socket {
	panic(ErrPlatformNotSupported)
}

// Poll returns ErrPlatformNotSupported.
func (s *Stack) Poll(now time.Time) error { return ErrPlatformNotSupported }

// Wait returns ErrPlatformNotSupported.
func (s *Stack) Wait(timeout time.Duration) error { return ErrPlatformNotSupported }

// Close is a no-op.
func (s *Stack) Close() error { return nil }
