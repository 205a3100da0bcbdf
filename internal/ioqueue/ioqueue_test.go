package ioqueue

import (
	"testing"

	"github.com/manticoreos/manticore/internal/ring"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := Cmd{Opcode: OpcodeSubmit, Addr: 0xdeadbeef00, Len: 1500}
	raw := Encode(c)
	got := Decode(raw[:])
	if got != c {
		t.Fatalf("Decode = %+v, want %+v", got, c)
	}
}

func TestDrainReturnsInOrder(t *testing.T) {
	buf := make([]byte, ring.HeaderSize+4*RawSize)
	q := NewQueue(buf, 4)

	cmds := []Cmd{
		{Opcode: OpcodeSubmit, Addr: 0x1000, Len: 64},
		{Opcode: OpcodeSubmit, Addr: 0x2000, Len: 128},
		{Opcode: OpcodeComplete, Addr: 0x3000, Len: 0},
	}
	for _, c := range cmds {
		if !q.Push(c) {
			t.Fatalf("Push(%+v) failed unexpectedly", c)
		}
	}
	drained := q.Drain()
	if len(drained) != len(cmds) {
		t.Fatalf("Drain() returned %d commands, want %d", len(drained), len(cmds))
	}
	for i, c := range cmds {
		if drained[i] != c {
			t.Fatalf("drained[%d] = %+v, want %+v", i, drained[i], c)
		}
	}
	if !q.Empty() {
		t.Fatal("queue should be empty after Drain")
	}
}
