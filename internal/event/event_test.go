package event

import (
	"testing"

	"github.com/manticoreos/manticore/internal/ring"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := PacketIO{Addr: 0x4000, Len: 128}
	raw := Encode(p)
	typ, got := Decode(raw[:])
	if typ != TypePacketIO {
		t.Fatalf("Type = 0x%x, want 0x01", typ)
	}
	if got != p {
		t.Fatalf("Decode = %+v, want %+v", got, p)
	}
}

func TestQueuePushPop(t *testing.T) {
	buf := make([]byte, ring.HeaderSize+4*RawSize)
	q := NewQueue(buf, 4)

	if !q.PushPacketIO(PacketIO{Addr: 0x1000, Len: 64}) {
		t.Fatal("PushPacketIO failed unexpectedly")
	}
	if q.Empty() {
		t.Fatal("queue should not be empty after push")
	}
	typ, p, ok := q.Pop()
	if !ok {
		t.Fatal("Pop() ok=false, want true")
	}
	if typ != TypePacketIO || p.Addr != 0x1000 || p.Len != 64 {
		t.Fatalf("Pop() = (%v, %+v), want (TypePacketIO, {0x1000 64})", typ, p)
	}
	if !q.Empty() {
		t.Fatal("queue should be empty after draining")
	}
}
