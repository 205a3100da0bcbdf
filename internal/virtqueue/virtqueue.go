// Package virtqueue implements a virtio 1.x split virtqueue: a descriptor
// table, available ring, and used ring living in three physically
// contiguous kernel-owned regions (spec.md §3 "Virtqueue", §4.3).
//
// Grounded on the teacher's VirtQueue/VirtQDesc/VirtQAvailable/VirtQUsed
// (iansmith-mazarin/src/go/mazarin/virtqueue.go), which models the three
// regions as unsafe.Pointer arrays sized by virtqueueSize and walks a
// FreeHead/NumFree descriptor free list — this package keeps that same
// descriptor-table/avail/used split and free-list design (resolving
// spec.md's OPEN QUESTION in §4.3/§9, where the teacher's own
// VirtQueue.FreeHead chain is exactly the free list the spec calls for,
// rather than the descriptor-0-reuse the Rust original fell back to), but
// represents each region as a plain []byte with struct-free binary.LittleEndian
// accessors so the queue is constructible and testable without a real DMA
// buffer.
package virtqueue

import (
	"encoding/binary"

	"github.com/manticoreos/manticore/internal/errno"
)

const (
	descSize      = 16 // addr(8) + len(4) + flags(2) + next(2)
	availHdrSize  = 4  // flags(2) + idx(2)
	availElemSize = 2
	usedHdrSize   = 4 // flags(2) + idx(2)
	usedElemSize  = 8 // id(4) + len(4)

	DescFNext  = 1 << 0
	DescFWrite = 1 << 1
)

// Sizes returns the byte sizes of the descriptor table, available ring,
// and used ring for a queue of size n, matching spec.md §4.3 exactly:
// "16·n" / "6 + 2·n" / "6 + 8·n".
func Sizes(n uint16) (descTable, avail, used int) {
	return int(n) * descSize, 6 + int(n)*2, 6 + int(n)*8
}

// Queue is a single split virtqueue.
type Queue struct {
	queueIdx     uint16
	queueSize    uint16
	notifyOff    uint16
	descTable    []byte
	availRing    []byte
	usedRing     []byte
	freeHead     uint16
	numFree      uint16
	lastSeenUsed uint16
}

// New constructs a queue of size n over freshly zeroed regions, with every
// descriptor threaded onto the free list via its Next field (spec.md §4.3
// free-list redesign).
func New(queueIdx uint16, n uint16, notifyOff uint16) *Queue {
	descBytes, availBytes, usedBytes := Sizes(n)
	q := &Queue{
		queueIdx:  queueIdx,
		queueSize: n,
		notifyOff: notifyOff,
		descTable: make([]byte, descBytes),
		availRing: make([]byte, availBytes),
		usedRing:  make([]byte, usedBytes),
		numFree:   n,
	}
	for i := uint16(0); i < n; i++ {
		next := i + 1
		if i == n-1 {
			next = 0xffff
		}
		q.setDescNext(i, next)
	}
	q.freeHead = 0
	return q
}

func (q *Queue) QueueIdx() uint16   { return q.queueIdx }
func (q *Queue) QueueSize() uint16  { return q.queueSize }
func (q *Queue) NotifyOff() uint16  { return q.notifyOff }
func (q *Queue) DescTable() []byte  { return q.descTable }
func (q *Queue) AvailRing() []byte  { return q.availRing }
func (q *Queue) UsedRing() []byte   { return q.usedRing }
func (q *Queue) NumFreeDescs() uint16 { return q.numFree }

func (q *Queue) descOffset(i uint16) int { return int(i) * descSize }

func (q *Queue) setDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	off := q.descOffset(i)
	binary.LittleEndian.PutUint64(q.descTable[off:], addr)
	binary.LittleEndian.PutUint32(q.descTable[off+8:], length)
	binary.LittleEndian.PutUint16(q.descTable[off+12:], flags)
	binary.LittleEndian.PutUint16(q.descTable[off+14:], next)
}

func (q *Queue) setDescNext(i, next uint16) {
	off := q.descOffset(i)
	binary.LittleEndian.PutUint16(q.descTable[off+14:], next)
}

func (q *Queue) descAddr(i uint16) uint64 {
	return binary.LittleEndian.Uint64(q.descTable[q.descOffset(i):])
}

func (q *Queue) descNext(i uint16) uint16 {
	return binary.LittleEndian.Uint16(q.descTable[q.descOffset(i)+14:])
}

// allocDesc pops one descriptor index off the free list.
func (q *Queue) allocDesc() (uint16, bool) {
	if q.numFree == 0 {
		return 0, false
	}
	i := q.freeHead
	q.freeHead = q.descNext(i)
	q.numFree--
	return i, true
}

// freeDesc pushes a descriptor index back onto the free list.
func (q *Queue) freeDesc(i uint16) {
	q.setDescNext(i, q.freeHead)
	q.freeHead = i
	q.numFree++
}

func (q *Queue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.availRing[2:])
}

func (q *Queue) setAvailIdx(v uint16) {
	binary.LittleEndian.PutUint16(q.availRing[2:], v)
}

func (q *Queue) setAvailRingEntry(pos uint16, descIdx uint16) {
	off := availHdrSize + int(pos%q.queueSize)*availElemSize
	binary.LittleEndian.PutUint16(q.availRing[off:], descIdx)
}

func (q *Queue) publish(descIdx uint16) {
	idx := q.availIdx()
	q.setAvailRingEntry(idx, descIdx)
	q.setAvailIdx(idx + 1) // release-order write-then-bump (spec.md §4.3)
}

// AddInbuf allocates a descriptor, marks it write-only (device writes into
// it), and publishes it on the available ring.
func (q *Queue) AddInbuf(physAddr uint64, length uint32) errno.Result[uint16] {
	i, ok := q.allocDesc()
	if !ok {
		return errno.Fail[uint16](errno.ENOMEM)
	}
	q.setDesc(i, physAddr, length, DescFWrite, 0)
	q.publish(i)
	return errno.Ok(i)
}

// AddOutbuf allocates a descriptor for a driver-written (device-read)
// buffer and publishes it.
func (q *Queue) AddOutbuf(physAddr uint64, length uint32) errno.Result[uint16] {
	i, ok := q.allocDesc()
	if !ok {
		return errno.Fail[uint16](errno.ENOMEM)
	}
	q.setDesc(i, physAddr, length, 0, 0)
	q.publish(i)
	return errno.Ok(i)
}

// LastUsedIdx reads the device-maintained used.idx counter (spec.md §4.3).
func (q *Queue) LastUsedIdx() uint16 {
	return binary.LittleEndian.Uint16(q.usedRing[2:])
}

// UsedBuf is the (addr, len) a device reports finishing with.
type UsedBuf struct {
	Addr uint64
	Len  uint32
}

// GetUsedBuf reads the used-ring entry at ringPos, resolves it through the
// descriptor table, and releases the descriptor back to the free list
// (spec.md §4.3: "look up the descriptor table by its id, return
// (desc.addr, used.len)").
func (q *Queue) GetUsedBuf(ringPos uint16) UsedBuf {
	off := usedHdrSize + int(ringPos%q.queueSize)*usedElemSize
	id := binary.LittleEndian.Uint32(q.usedRing[off:])
	length := binary.LittleEndian.Uint32(q.usedRing[off+4:])
	addr := q.descAddr(uint16(id))
	q.freeDesc(uint16(id))
	return UsedBuf{Addr: addr, Len: length}
}

// AdvanceLastSeenUsed increments the local 16-bit counter tracking how far
// the driver has drained the used ring (spec.md §4.3).
func (q *Queue) AdvanceLastSeenUsed() {
	q.lastSeenUsed++
}

func (q *Queue) LastSeenUsed() uint16 { return q.lastSeenUsed }

// PendingUsed reports last_used_idx - last_seen_used, the count of
// not-yet-drained used entries (spec.md §8 testable property 3: must
// satisfy 0 <= pending <= n).
func (q *Queue) PendingUsed() uint16 {
	return q.LastUsedIdx() - q.lastSeenUsed
}

// injectUsed is a test/device-simulation helper writing a used-ring entry
// and bumping used.idx, standing in for the device side of the queue.
func (q *Queue) injectUsed(descID uint32, length uint32) {
	idx := binary.LittleEndian.Uint16(q.usedRing[2:])
	off := usedHdrSize + int(idx%q.queueSize)*usedElemSize
	binary.LittleEndian.PutUint32(q.usedRing[off:], descID)
	binary.LittleEndian.PutUint32(q.usedRing[off+4:], length)
	binary.LittleEndian.PutUint16(q.usedRing[2:], idx+1)
}
