// Package ioqueue implements the user-to-kernel IO command queue and its
// wire format (spec.md §3 "IO command", §6 "Raw IO command layout").
// Grounded on original_source/kernel/ioqueue.rs's IOCmd/IOQueue, backed by
// package ring the same way package event is.
package ioqueue

import (
	"encoding/binary"

	"github.com/manticoreos/manticore/internal/ring"
)

// Opcode is one of {Submit, Complete} (spec.md §3 "IO command").
type Opcode uint32

const (
	OpcodeSubmit   Opcode = 0x01
	OpcodeComplete Opcode = 0x02
)

// RawSize is the on-the-wire size of one command: { opcode: u32, addr:
// pointer, len: word } (spec.md §6). addr is carried as a full 64-bit
// pointer since it is a user virtual address, unlike event's truncated
// 32-bit addr.
const RawSize = 16

// Cmd is one IO queue entry. Submit means "transmit this outbound payload
// at user address Addr, length Len"; Complete means "I have consumed the
// inbound packet at Addr and its buffer may be reposted" (spec.md §3).
type Cmd struct {
	Opcode Opcode
	Addr   uint64
	Len    uint32
}

func Encode(c Cmd) [RawSize]byte {
	var raw [RawSize]byte
	binary.LittleEndian.PutUint32(raw[0:], uint32(c.Opcode))
	binary.LittleEndian.PutUint64(raw[4:], c.Addr)
	binary.LittleEndian.PutUint32(raw[12:], c.Len)
	return raw
}

func Decode(raw []byte) Cmd {
	return Cmd{
		Opcode: Opcode(binary.LittleEndian.Uint32(raw[0:])),
		Addr:   binary.LittleEndian.Uint64(raw[4:]),
		Len:    binary.LittleEndian.Uint32(raw[12:]),
	}
}

// Queue is a per-process user-to-kernel IO command queue, drained by the
// scheduler on every pass through wait (spec.md §2 control flow: "the
// scheduler, on each pass through wait, drains outstanding IO-queue entries
// into the device's TX virtqueue").
type Queue struct {
	ring *ring.Ring
}

// NewQueue formats buf as a fresh IO queue.
func NewQueue(buf []byte, capacity uint32) *Queue {
	return &Queue{ring: ring.New(buf, RawSize, capacity)}
}

// Push is called from user space (or, in this single-address-space
// simulation, by a test standing in for user space) to submit a command.
func (q *Queue) Push(c Cmd) bool {
	raw := Encode(c)
	return q.ring.Emplace(raw[:])
}

// Drain removes and returns every pending command, oldest first.
func (q *Queue) Drain() []Cmd {
	var out []Cmd
	for {
		front := q.ring.Front()
		if front == nil {
			return out
		}
		out = append(out, Decode(front))
		q.ring.Pop()
	}
}

func (q *Queue) Empty() bool { return q.ring.Empty() }

func (q *Queue) Ring() *ring.Ring { return q.ring }
