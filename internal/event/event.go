// Package event implements the kernel-to-user event queue and its wire
// format (spec.md §3 "Event", §6 "Raw event layout"). Grounded on
// original_source/kernel/event.rs's Event enum and EventQueue, here backed
// by package ring's shared atomic ring buffer.
package event

import (
	"encoding/binary"

	"github.com/manticoreos/manticore/internal/ring"
)

// Type tags the one defined event variant (spec.md §3: "Tagged variant;
// only variant defined: PacketIO").
type Type uint32

const TypePacketIO Type = 0x01

// RawSize is the on-the-wire size of one event: { type: word, addr: word,
// len: word } (spec.md §6).
const RawSize = 12

// PacketIO carries the user-visible virtual address and length of an
// arrived packet payload.
type PacketIO struct {
	Addr uint64 // truncated to 32 bits on the wire, per spec.md's "word" layout
	Len  uint32
}

// Encode serializes a PacketIO event into the raw {type, addr, len} layout.
func Encode(p PacketIO) [RawSize]byte {
	var raw [RawSize]byte
	binary.LittleEndian.PutUint32(raw[0:], uint32(TypePacketIO))
	binary.LittleEndian.PutUint32(raw[4:], uint32(p.Addr))
	binary.LittleEndian.PutUint32(raw[8:], p.Len)
	return raw
}

// Decode parses a raw event record.
func Decode(raw []byte) (Type, PacketIO) {
	typ := Type(binary.LittleEndian.Uint32(raw[0:]))
	p := PacketIO{
		Addr: uint64(binary.LittleEndian.Uint32(raw[4:])),
		Len:  binary.LittleEndian.Uint32(raw[8:]),
	}
	return typ, p
}

// Queue is a per-process kernel-to-user event queue: a ring buffer whose
// backing page is mapped into both the kernel and the process (spec.md §3
// "Process": "event_queue ... atomic ring buffers whose backing pages are
// mapped into both kernel and the process's virtual address space").
type Queue struct {
	ring *ring.Ring
}

// NewQueue formats buf (at least ring.HeaderSize + capacity*RawSize bytes)
// as a fresh event queue.
func NewQueue(buf []byte, capacity uint32) *Queue {
	return &Queue{ring: ring.New(buf, RawSize, capacity)}
}

// PushPacketIO emplaces a PacketIO event. Reports false if the queue is
// full, matching ring.Emplace's backpressure behavior; the caller (the ISR
// drain path) is expected to drop or coalesce on overflow rather than
// block.
func (q *Queue) PushPacketIO(p PacketIO) bool {
	raw := Encode(p)
	return q.ring.Emplace(raw[:])
}

// PushEvent implements device.Listener by pushing a pre-encoded raw event.
func (q *Queue) PushEvent(raw []byte) bool {
	return q.ring.Emplace(raw)
}

// Pop returns and removes the oldest pending event, or ok=false if empty.
func (q *Queue) Pop() (typ Type, p PacketIO, ok bool) {
	front := q.ring.Front()
	if front == nil {
		return 0, PacketIO{}, false
	}
	typ, p = Decode(front)
	q.ring.Pop()
	return typ, p, true
}

// Empty reports whether there is nothing left to Pop.
func (q *Queue) Empty() bool { return q.ring.Empty() }

// Ring exposes the backing ring for mapping into user space via
// vm.AddressSpace.Map (spec.md's getevents syscall returns this address).
func (q *Queue) Ring() *ring.Ring { return q.ring }
