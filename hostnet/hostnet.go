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

// Package hostnet implements tcp.Stack on top of non-blocking host
// operating system sockets. Each tcp.Socket maps to at most one kernel
// listening socket or one accepted connection; bytes move between the
// kernel and the socket buffers when the stack is polled.
package hostnet

import (
	"errors"
	"net"
)

// ErrPlatformNotSupported is returned by New on platforms without epoll.
var ErrPlatformNotSupported = errors.New("hostnet: platform not supported")

// ErrClosed is returned when the stack has been closed.
var ErrClosed = errors.New("hostnet: stack closed")

// Option configures a Stack.
type Option func(*config)

type config struct {
	bindAddr net.IP
	backlog  int
	noDelay  bool
}

func defaultConfig() *config {
	return &config{
		bindAddr: net.IPv4zero,
		backlog:  1,
		noDelay:  true,
	}
}

// WithBindAddress sets the IPv4 address listening sockets bind to.
func WithBindAddress(ip net.IP) Option {
	return func(c *config) {
		c.bindAddr = ip
	}
}

// WithBacklog sets the kernel listen backlog.
func WithBacklog(n int) Option {
	return func(c *config) {
		c.backlog = n
	}
}

// WithNoDelay toggles TCP_NODELAY on accepted connections.
func WithNoDelay(enable bool) Option {
	return func(c *config) {
		c.noDelay = enable
	}
}
