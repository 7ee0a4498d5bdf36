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

// Buffer is a fixed-capacity ring byte buffer used as socket rx/tx storage.
// It is not safe for concurrent use; the owning stack serializes access.
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// NewBuffer returns a ring buffer backed by storage. The capacity is exactly
// len(storage); it is never rounded.
func NewBuffer(storage []byte) *Buffer {
	return &Buffer{buf: storage}
}

// NewBufferSize allocates a ring buffer of the given capacity.
func NewBufferSize(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return NewBuffer(make([]byte, capacity))
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Len returns the number of queued bytes.
func (b *Buffer) Len() int { return b.writePos - b.readPos }

// Free returns the number of bytes that can still be enqueued.
func (b *Buffer) Free() int { return b.Cap() - b.Len() }

// IsEmpty reports whether no bytes are queued.
func (b *Buffer) IsEmpty() bool { return b.Len() == 0 }

// IsFull reports whether no more bytes can be enqueued.
func (b *Buffer) IsFull() bool { return b.Free() == 0 }

// Enqueue copies as much of p as fits and returns the number of bytes taken.
func (b *Buffer) Enqueue(p []byte) int {
	n := len(p)
	if free := b.Free(); n > free {
		n = free
	}
	if n == 0 {
		return 0
	}
	start := b.writePos % len(b.buf)
	first := copy(b.buf[start:], p[:n])
	if first < n {
		copy(b.buf, p[first:n])
	}
	b.writePos += n
	return n
}

// Peek copies up to len(dst) queued bytes into dst without consuming them.
func (b *Buffer) Peek(dst []byte) int {
	n := len(dst)
	if ln := b.Len(); n > ln {
		n = ln
	}
	if n == 0 {
		return 0
	}
	start := b.readPos % len(b.buf)
	first := copy(dst[:n], b.buf[start:])
	if first < n {
		copy(dst[first:n], b.buf)
	}
	return n
}

// Dequeue copies up to len(dst) queued bytes into dst and consumes them.
func (b *Buffer) Dequeue(dst []byte) int {
	n := b.Peek(dst)
	b.Discard(n)
	return n
}

// Discard drops up to n queued bytes and returns the number dropped.
func (b *Buffer) Discard(n int) int {
	if ln := b.Len(); n > ln {
		n = ln
	}
	if n < 0 {
		n = 0
	}
	b.readPos += n
	if b.readPos == b.writePos {
		b.readPos, b.writePos = 0, 0
	}
	return n
}

// Reset drops all queued bytes.
func (b *Buffer) Reset() {
	b.readPos, b.writePos = 0, 0
}
