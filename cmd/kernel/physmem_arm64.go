//go:build manticore_baremetal && arm64

package main

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/manticoreos/manticore/internal/errno"
)

// Physical frame pool geometry, grounded on the teacher's
// physFrameAllocatorState (iansmith-mazarin/src/mazboot/golang/main/mmu.go
// lines 107-108, 268-377): a fixed, linker-reserved RAM range the kernel
// bump-allocates 4KB frames from. This kernel never frees a frame back to
// the pool mid-boot, matching the teacher's own allocator.
const (
	physFrameBase = 0x50000000
	physFrameEnd  = 0x5E000000
	pageSize      = 4096
)

// framePool is a bump allocator over [physFrameBase, physFrameEnd),
// identity-mapped by the bootloader so the kernel can read/write it through
// plain unsafe.Pointer dereferences (the same assumption mmuarch.Table's
// page-table pool makes).
type framePool struct {
	mu   sync.Mutex
	next uintptr
}

func newFramePool() *framePool {
	return &framePool{next: physFrameBase}
}

func (f *framePool) allocPage() (uint64, errno.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next+pageSize > physFrameEnd {
		return 0, errno.ENOMEM
	}
	addr := f.next
	f.next += pageSize
	zeroPage(addr)
	return uint64(addr), 0
}

func zeroPage(addr uintptr) {
	for i := uintptr(0); i < pageSize; i += 8 {
		p := (*uint64)(unsafe.Pointer(addr + i))
		atomic.StoreUint64(p, 0)
	}
}

// pageBytes returns a byte slice view directly over physical page page,
// for callers (LoadImage's writePage, virtio-net's IO-queue buffer) that
// need to copy into a frame by address rather than through the frame pool.
func pageBytes(page uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(page))), pageSize)
}

// directPhysMem implements virtionet.PhysMem over the same identity-mapped
// window, used for virtio DMA buffers (rx/tx descriptors) rather than
// process-owned pages.
type directPhysMem struct{}

func (directPhysMem) Read(page uint64, off int, n int) []byte {
	buf := make([]byte, n)
	copy(buf, pageBytes(page)[off:off+n])
	return buf
}

func (directPhysMem) Write(page uint64, off int, data []byte) {
	copy(pageBytes(page)[off:], data)
}
