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

import "fmt"

// Handle is an opaque index into a SocketSet.
type Handle int

// SocketSet owns the sockets of a stack. Users hold Handles rather than
// socket references.
type SocketSet struct {
	stack   Stack
	sockets []Socket
}

// NewSocketSet creates an empty set whose sockets are created by stack.
func NewSocketSet(stack Stack) *SocketSet {
	return &SocketSet{stack: stack}
}

// Stack returns the stack that creates the sockets of the set.
func (s *SocketSet) Stack() Stack {
	return s.stack
}

// Open creates a socket on the set's stack and adds it.
func (s *SocketSet) Open(rx, tx *Buffer) Handle {
	return s.Add(s.stack.NewSocket(rx, tx))
}

// Add stores sock in the first free slot and returns its handle.
func (s *SocketSet) Add(sock Socket) Handle {
	for i, cur := range s.sockets {
		if cur == nil {
			s.sockets[i] = sock
			return Handle(i)
		}
	}
	s.sockets = append(s.sockets, sock)
	return Handle(len(s.sockets) - 1)
}

// Get returns the socket for h. It panics if h does not refer to a socket,
// as a stale handle is a programming error.
func (s *SocketSet) Get(h Handle) Socket {
	if int(h) < 0 || int(h) >= len(s.sockets) || s.sockets[h] == nil {
		panic(fmt.Sprintf("tcp: handle %d does not refer to a valid socket", h))
	}
	return s.sockets[h]
}

// Remove takes the socket for h out of the set and returns it.
func (s *SocketSet) Remove(h Handle) Socket {
	sock := s.Get(h)
	s.sockets[h] = nil
	return sock
}

// Len returns the number of sockets in the set.
func (s *SocketSet) Len() int {
	n := 0
	for _, sock := range s.sockets {
		if sock != nil {
			n++
		}
	}
	return n
}

// Range calls fn for every socket until fn returns false.
func (s *SocketSet) Range(fn func(Handle, Socket) bool) {
	for i, sock := range s.sockets {
		if sock == nil {
			continue
		}
		if !fn(Handle(i), sock) {
			return
		}
	}
}
