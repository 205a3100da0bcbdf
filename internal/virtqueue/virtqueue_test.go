package virtqueue

import "testing"

func TestSizesMatchSpecFormulas(t *testing.T) {
	n := uint16(256)
	desc, avail, used := Sizes(n)
	if desc != 16*int(n) {
		t.Errorf("desc table size = %d, want %d", desc, 16*int(n))
	}
	if avail != 6+2*int(n) {
		t.Errorf("avail ring size = %d, want %d", avail, 6+2*int(n))
	}
	if used != 6+8*int(n) {
		t.Errorf("used ring size = %d, want %d", used, 6+8*int(n))
	}
}

func TestAddOutbufPublishesAvail(t *testing.T) {
	q := New(0, 4, 0)
	r := q.AddOutbuf(0x1000, 64)
	if !r.OK() {
		t.Fatalf("AddOutbuf failed: %v", r.Err)
	}
	if q.availIdx() != 1 {
		t.Fatalf("avail.idx = %d, want 1", q.availIdx())
	}
	if q.NumFreeDescs() != 3 {
		t.Fatalf("NumFreeDescs = %d, want 3", q.NumFreeDescs())
	}
}

// TestDescriptorFreeListExhaustionAndReuse covers scenario S2: the free
// list (not descriptor-0 reuse) must allow all n descriptors to be used
// concurrently, and a freed descriptor must be reusable.
func TestDescriptorFreeListExhaustionAndReuse(t *testing.T) {
	q := New(0, 4, 0)
	var ids []uint16
	for i := 0; i < 4; i++ {
		r := q.AddOutbuf(uint64(i)*4096, 64)
		if !r.OK() {
			t.Fatalf("AddOutbuf %d failed: %v", i, r.Err)
		}
		ids = append(ids, r.Value)
	}
	if q.NumFreeDescs() != 0 {
		t.Fatalf("expected queue exhausted, NumFreeDescs = %d", q.NumFreeDescs())
	}
	if r := q.AddOutbuf(0x9999, 1); r.OK() {
		t.Fatal("expected ENOMEM on exhausted free list")
	}

	// Simulate the device consuming descriptor ids[0] and reporting it used.
	q.injectUsed(uint32(ids[0]), 64)
	buf := q.GetUsedBuf(q.LastSeenUsed())
	q.AdvanceLastSeenUsed()
	if buf.Addr != 0 {
		t.Fatalf("UsedBuf.Addr = 0x%x, want 0 (descriptor 0's address)", buf.Addr)
	}
	if q.NumFreeDescs() != 1 {
		t.Fatalf("expected descriptor returned to free list, NumFreeDescs = %d", q.NumFreeDescs())
	}

	r := q.AddOutbuf(0xabc, 32)
	if !r.OK() {
		t.Fatalf("expected reuse of freed descriptor to succeed: %v", r.Err)
	}
	if r.Value != ids[0] {
		t.Fatalf("expected LIFO reuse of descriptor %d, got %d", ids[0], r.Value)
	}
}

func TestPendingUsedWithinBounds(t *testing.T) {
	q := New(0, 8, 0)
	for i := 0; i < 3; i++ {
		d := q.AddOutbuf(uint64(i)*4096, 64)
		q.injectUsed(uint32(d.Value), 64)
	}
	pending := q.PendingUsed()
	if pending < 0 || pending > q.QueueSize() {
		t.Fatalf("PendingUsed = %d, out of [0,%d]", pending, q.QueueSize())
	}
	if pending != 3 {
		t.Fatalf("PendingUsed = %d, want 3", pending)
	}
}

func TestRingWraparound(t *testing.T) {
	q := New(0, 2, 0)
	for round := 0; round < 5; round++ {
		d1 := q.AddOutbuf(0x1000, 10)
		d2 := q.AddOutbuf(0x2000, 20)
		q.injectUsed(uint32(d1.Value), 10)
		q.injectUsed(uint32(d2.Value), 20)
		q.GetUsedBuf(q.LastSeenUsed())
		q.AdvanceLastSeenUsed()
		q.GetUsedBuf(q.LastSeenUsed())
		q.AdvanceLastSeenUsed()
	}
	if q.NumFreeDescs() != 2 {
		t.Fatalf("NumFreeDescs after full drain = %d, want 2", q.NumFreeDescs())
	}
}
