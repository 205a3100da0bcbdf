// Package ring implements the atomic ring buffer shared between the kernel
// and a user-space process (spec.md §3 "Atomic ring buffer", §6 "Atomic
// ring buffer memory layout"). It backs both the per-process event queue
// and IO queue: a lock-free single-producer single-consumer queue whose
// storage is a page mapped into both the kernel's and the process's
// address space, so the exact byte layout is an ABI contract with
// user-space and is fixed, not merely an implementation detail.
//
// Layout (matching spec.md §6 exactly):
//
//	offset 0:  producer index (uint32)
//	offset 4:  consumer index (uint32)
//	offset 8:  element size   (uint32)
//	offset 12: capacity, in elements (uint32)
//	offset 16: start of the n-slot element array
package ring

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

const HeaderSize = 16

const (
	offProducer = 0
	offConsumer = 4
	offElemSize = 8
	offCapacity = 12
)

// Ring is a view over a shared byte buffer laid out per the header above.
// Buf must be at least HeaderSize + capacity*elementSize bytes and must
// already have its header initialized (via New) before either side touches
// it concurrently.
type Ring struct {
	buf []byte
}

// New formats buf as a fresh, empty ring buffer of the given element size
// and capacity (number of slots), and returns a Ring view over it. buf must
// be at least HeaderSize + capacity*elementSize bytes.
func New(buf []byte, elementSize, capacity uint32) *Ring {
	need := int(HeaderSize) + int(elementSize)*int(capacity)
	if len(buf) < need {
		panic("ring: buffer too small for requested capacity")
	}
	r := &Ring{buf: buf}
	r.producerPtr().Store(0)
	r.consumerPtr().Store(0)
	binary.LittleEndian.PutUint32(buf[offElemSize:], elementSize)
	binary.LittleEndian.PutUint32(buf[offCapacity:], capacity)
	return r
}

// Open returns a Ring view over a buffer whose header has already been
// initialized by New on the producing side (e.g. the kernel formats the
// page, then maps it read-write into the consuming process).
func Open(buf []byte) *Ring {
	return &Ring{buf: buf}
}

func (r *Ring) producerPtr() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.buf[offProducer]))
}

func (r *Ring) consumerPtr() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.buf[offConsumer]))
}

func (r *Ring) ElementSize() uint32 {
	return binary.LittleEndian.Uint32(r.buf[offElemSize:])
}

func (r *Ring) Capacity() uint32 {
	return binary.LittleEndian.Uint32(r.buf[offCapacity:])
}

func (r *Ring) slotOffset(idx uint32) int {
	elemSize := r.ElementSize()
	cap := r.Capacity()
	return HeaderSize + int(idx%cap)*int(elemSize)
}

// Full reports whether the ring has no free slot for Emplace.
func (r *Ring) Full() bool {
	prod := r.producerPtr().Load()
	cons := r.consumerPtr().Load()
	return prod-cons >= r.Capacity()
}

// Empty reports whether Front/Pop have nothing to return.
func (r *Ring) Empty() bool {
	return r.producerPtr().Load() == r.consumerPtr().Load()
}

// Emplace copies elem's bytes into the next free slot and publishes it by
// bumping the producer index, release-ordered after the data write (spec.md
// §4.3's "write-then-bump" discipline, reused here for the event/IO queue).
// Reports false if the ring is full.
func (r *Ring) Emplace(elem []byte) bool {
	if r.Full() {
		return false
	}
	prod := r.producerPtr().Load()
	off := r.slotOffset(prod)
	copy(r.buf[off:off+len(elem)], elem)
	r.producerPtr().Store(prod + 1)
	return true
}

// Front returns the bytes of the oldest unconsumed element, or nil if
// empty. The returned slice aliases the ring's backing storage and is only
// valid until the next Pop.
func (r *Ring) Front() []byte {
	if r.Empty() {
		return nil
	}
	cons := r.consumerPtr().Load()
	off := r.slotOffset(cons)
	elemSize := int(r.ElementSize())
	return r.buf[off : off+elemSize]
}

// Pop discards the oldest unconsumed element.
func (r *Ring) Pop() {
	cons := r.consumerPtr().Load()
	r.consumerPtr().Store(cons + 1)
}

// ProducerIndex and ConsumerIndex expose the free-running 32-bit
// counters for diagnostics and tests; they are not part of the public
// queue API a caller drains through.
func (r *Ring) ProducerIndex() uint32 { return r.producerPtr().Load() }
func (r *Ring) ConsumerIndex() uint32 { return r.consumerPtr().Load() }
