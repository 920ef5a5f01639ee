// Package pktbuf implements the reference-counted, chunked byte buffer
// shared by the dock link, the network interfaces, and the routing core.
//
// A Buffer is a small value type holding a pointer to a shared header;
// Reference increments the header's refcount (a plain Go value copy does
// not), and Release/Own move the pointer, Release zeroing the source. The
// header owns a singly-linked list of chunks and is freed
// exactly once, when the refcount reaches zero. Buffers are handed across
// goroutine boundaries (the link-serializer worker, the ISR-deferral
// worker, application callers) so the refcount is mutated atomically.
package pktbuf

import (
	"sync/atomic"

	"dockmesh-go/errcode"
)

// chunk holds a contiguous byte range. Chunks form a singly-linked list;
// an empty buffer has no chunks at all.
type chunk struct {
	data []byte
	next *chunk
}

// header is the shared, refcounted storage behind every Buffer referring
// to the same payload.
type header struct {
	head *chunk
	refs atomic.Int32
}

// Raw is the type returned by Release and accepted by Own: a detached
// pointer to shared storage that still owes exactly one free.
type Raw = header

// Buffer is a cheaply-copied handle onto a chunked payload. The zero value
// is a valid empty buffer (no chunks, length zero) that need not be freed.
type Buffer struct {
	h *header
}

// defaultChunkSize is used by Allocate; it matches the dock link's blob
// ceiling so a single Send/Receive normally needs one chunk.
const defaultChunkSize = 2048

// Allocate returns a uniquely-owned buffer of exactly size bytes.
func Allocate(size int) (Buffer, error) {
	return AllocateChunked(size, defaultChunkSize)
}

// AllocateChunked returns a uniquely-owned buffer of exactly size bytes,
// split into chunks of at most chunkSize bytes each. Exposed so tests can
// force multi-chunk buffers and confirm they are indistinguishable from a
// single-chunk buffer of the same total length through the public API.
func AllocateChunked(size, chunkSize int) (Buffer, error) {
	if size < 0 {
		return Buffer{}, errcode.New(errcode.OutOfMemory, "pktbuf.AllocateChunked", "negative size")
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if allocHook != nil && !allocHook(size) {
		return Buffer{}, errcode.New(errcode.OutOfMemory, "pktbuf.AllocateChunked", "allocator hook refused")
	}
	if size == 0 {
		return Empty(), nil
	}

	var head, tail *chunk
	remaining := size
	for remaining > 0 {
		n := remaining
		if n > chunkSize {
			n = chunkSize
		}
		c := &chunk{data: make([]byte, n)}
		if head == nil {
			head = c
		} else {
			tail.next = c
		}
		tail = c
		remaining -= n
	}

	h := &header{head: head}
	h.refs.Store(1)
	return Buffer{h: h}, nil
}

// Empty returns a buffer with zero chunks and zero length. It does not
// need to be released.
func Empty() Buffer { return Buffer{} }

// Reference returns a new owner of raw's storage, incrementing the
// refcount. raw must be a pointer previously produced by Release.
func Reference(raw *Raw) Buffer {
	if raw == nil {
		return Empty()
	}
	raw.refs.Add(1)
	return Buffer{h: raw}
}

// Own adopts raw without incrementing the refcount: the caller is
// transferring an obligation it already holds (e.g. one produced by a
// prior Release) rather than creating a new one.
func Own(raw *Raw) Buffer {
	if raw == nil {
		return Empty()
	}
	return Buffer{h: raw}
}

// Reference returns a new owner of b's storage (copy-construct semantics).
func (b Buffer) Reference() Buffer {
	if b.h == nil {
		return Empty()
	}
	b.h.refs.Add(1)
	return Buffer{h: b.h}
}

// Release detaches the raw storage pointer from b without freeing it. The
// caller now owes exactly one Free (directly, or via a later Own/Reference
// pairing). b itself becomes empty.
func (b *Buffer) Release() *Raw {
	h := b.h
	b.h = nil
	return h
}

// Free drops the reference b holds, freeing the underlying storage if it
// was the last one. Safe to call on an empty buffer.
func (b *Buffer) Free() {
	if b.h == nil {
		return
	}
	h := b.h
	b.h = nil
	if h.refs.Add(-1) == 0 {
		h.head = nil
	}
}

// Len returns the total payload length: the sum of every chunk's length.
func (b Buffer) Len() int {
	n := 0
	for c := b.headChunk(); c != nil; c = c.next {
		n += len(c.data)
	}
	return n
}

func (b Buffer) headChunk() *chunk {
	if b.h == nil {
		return nil
	}
	return b.h.head
}

// At returns the byte at offset idx within the concatenation of chunks.
// It traverses chunks, so cost is O(chunk count) for large idx.
func (b Buffer) At(idx int) byte {
	c := b.headChunk()
	for c != nil {
		if idx < len(c.data) {
			return c.data[idx]
		}
		idx -= len(c.data)
		c = c.next
	}
	panic("pktbuf: index out of range")
}

// Set writes the byte at offset idx. Mutation is the allocating owner's
// privilege; callers that only iterate chunks must not call Set.
func (b Buffer) Set(idx int, v byte) {
	c := b.headChunk()
	for c != nil {
		if idx < len(c.data) {
			c.data[idx] = v
			return
		}
		idx -= len(c.data)
		c = c.next
	}
	panic("pktbuf: index out of range")
}

// ForEachChunk calls fn with each chunk's bytes in order, stopping early
// if fn returns false. The slices are read-only for the caller: mutating
// them is undefined if the buffer is shared.
func (b Buffer) ForEachChunk(fn func([]byte) bool) {
	for c := b.headChunk(); c != nil; c = c.next {
		if !fn(c.data) {
			return
		}
	}
}

// CopyOut copies up to len(dst) bytes from the start of b into dst and
// returns the number of bytes copied.
func (b Buffer) CopyOut(dst []byte) int {
	n := 0
	b.ForEachChunk(func(c []byte) bool {
		if n >= len(dst) {
			return false
		}
		k := copy(dst[n:], c)
		n += k
		return n < len(dst)
	})
	return n
}

// CopyFrom copies src into a freshly allocated buffer of len(src) bytes.
func CopyFrom(src []byte) (Buffer, error) {
	b, err := Allocate(len(src))
	if err != nil {
		return Buffer{}, err
	}
	n := 0
	b.ForEachChunk(func(c []byte) bool {
		n += copy(c, src[n:])
		return n < len(src)
	})
	return b, nil
}

// allocHook, set only by tests, lets the host build simulate allocation
// failure without needing a real out-of-memory condition.
var allocHook func(size int) bool

// SetAllocator installs or clears (nil) a hook consulted by Allocate and
// AllocateChunked before reserving storage; it exists for tests.
func SetAllocator(hook func(size int) bool) { allocHook = hook }
