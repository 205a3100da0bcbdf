//go:build manticore_baremetal && arm64

package mmuarch

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/manticoreos/manticore/internal/vm"
)

// ARM64 stage-1 PTE bit layout and table geometry (ARMv8-A VMSAv8-64, 4KB
// granule, 4 levels), adapted from the teacher's constant block
// (iansmith-mazarin/src/mazboot/golang/main/mmu.go lines 10-64).
const (
	pteValid = 1 << 0
	pteTable = 1 << 1
	pteAF    = 1 << 10

	pteAttrNormal = 0 << 2 // MAIR index 0: Normal, Write-Back Cacheable
	pteAttrDevice = 1 << 2 // MAIR index 1: Device-nGnRnE

	pteShInner = 3 << 8

	pteAPRW = 1 << 6 // AP[2:1]=01: R/W at EL1 and EL0
	pteAPRO = 3 << 6 // AP[2:1]=11: R/O at EL1 and EL0
	pteUXN  = uint64(1) << 54

	pteSize   = 8
	pteCount  = 512
	tableSize = pteCount * pteSize

	l0Shift, l1Shift, l2Shift, l3Shift = 39, 30, 21, 12
	idxMask                            = 0x1FF

	mairValue = 0x00000000000000FF // MAIR[0]=0xFF Normal WB, MAIR[1]=0x00 Device-nGnRnE
	tcrValue  = 0x00000035B5193510 // T0SZ=16 (48-bit VA, 4-level walk from L0), 4KB granule, inner/outer WB, IPS=48 bits
	sctlrMMU  = 1 << 0
)

// pageTablePool is a bump allocator for 4KB page-table pages, carved out of
// a fixed, pre-mapped physical range reserved by the bootloader before Go
// code runs (spec.md leaves TranslationTable's backing store to the
// platform). Grounded on the teacher's allocatePageTable/pageTableAllocatorState
// (mmu.go lines 170-239), simplified: no fixed-address recovery across
// reboots since each boot rebuilds its page tables from scratch.
type pageTablePool struct {
	mu     sync.Mutex
	base   uintptr
	size   uintptr
	offset uintptr
}

func newPageTablePool(base, size uintptr) *pageTablePool {
	return &pageTablePool{base: base, size: size}
}

func (p *pageTablePool) alloc() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offset+tableSize > p.size {
		panic("mmuarch: page table pool exhausted")
	}
	addr := p.base + p.offset
	p.offset += tableSize
	bzeroTable(addr)
	return addr
}

func bzeroTable(addr uintptr) {
	for i := uintptr(0); i < tableSize; i += 8 {
		p := (*uint64)(unsafe.Pointer(addr + i))
		atomic.StoreUint64(p, 0)
	}
}

// Table is the bare-metal arm64 implementation of vm.TranslationTable: a
// 4-level page-table radix tree rooted at l0, with intermediate levels
// allocated on demand from a pool. One Table exists per process address
// space; Load installs it as the live TTBR0_EL1 mapping (spec.md §4.8
// process switch).
type Table struct {
	l0   uintptr
	pool *pageTablePool
}

// NewTable allocates a fresh, empty root table from pool. pool must back a
// physical range that is identity-mapped (or otherwise directly
// dereferenceable) by the kernel's own boot-time mapping, since every PTE
// write below goes through a raw unsafe.Pointer.
func NewTable(pool *pageTablePool) *Table {
	return &Table{l0: pool.alloc(), pool: pool}
}

// NewPageTablePool constructs the shared bump allocator cmd/kernel's
// bare-metal entry point passes to every process's Table.
func NewPageTablePool(base, size uintptr) *pageTablePool {
	return newPageTablePool(base, size)
}

func entryFor(prot vm.Prot, device bool) uint64 {
	e := uint64(pteValid | pteTable | pteAF | pteShInner)
	if device {
		e |= pteAttrDevice
	} else {
		e |= pteAttrNormal
	}
	if prot&vm.ProtWrite != 0 {
		e |= pteAPRW
	} else {
		e |= pteAPRO
	}
	if prot&vm.ProtExec == 0 {
		e |= pteUXN
	}
	return e
}

func tableEntry(next uintptr) uint64 {
	return uint64(next) | pteValid | pteTable
}

// walk descends from l0 to the L3 entry address for va, allocating
// intermediate tables as needed. Adapted from the teacher's mapPage
// (mmu.go lines 635-725), generalized to any root table rather than a
// single global pageTableL0.
func (t *Table) walk(va uintptr, create bool) *uint64 {
	l0Idx := (va >> l0Shift) & idxMask
	l1Idx := (va >> l1Shift) & idxMask
	l2Idx := (va >> l2Shift) & idxMask
	l3Idx := (va >> l3Shift) & idxMask

	next := func(tableBase uintptr, idx uintptr) uintptr {
		entryAddr := tableBase + idx*pteSize
		entry := (*uint64)(unsafe.Pointer(entryAddr))
		if atomic.LoadUint64(entry)&pteTable == 0 {
			if !create {
				return 0
			}
			child := t.pool.alloc()
			atomic.StoreUint64(entry, tableEntry(child))
			dsb()
			return child
		}
		return uintptr(atomic.LoadUint64(entry) &^ 0xFFF)
	}

	l1 := next(t.l0, l0Idx)
	if l1 == 0 {
		return nil
	}
	l2 := next(l1, l1Idx)
	if l2 == 0 {
		return nil
	}
	l3 := next(l2, l2Idx)
	if l3 == 0 {
		return nil
	}
	return (*uint64)(unsafe.Pointer(l3 + l3Idx*pteSize))
}

// MapRange installs len/4KB leaf mappings from virt to phys, page by page
// (spec.md §4.4 "install via the translation table"). size must be a
// multiple of the 4KB page size; callers only ever pass arena-page-sized
// or ELF-segment-aligned ranges.
func (t *Table) MapRange(virt, phys, size uint64, prot vm.Prot) error {
	const pageSize = 1 << l3Shift
	for off := uint64(0); off < size; off += pageSize {
		entry := t.walk(uintptr(virt+off), true)
		atomic.StoreUint64(entry, uint64(phys+off)|entryFor(prot, false))
	}
	dsb()
	invalidateTLBAll()
	isb()
	return nil
}

// Unmap clears the leaf entries covering [virt, virt+size) without freeing
// the intermediate tables (a process's whole Table is discarded, not
// incrementally GC'd, once the process exits).
func (t *Table) Unmap(virt, size uint64) error {
	const pageSize = 1 << l3Shift
	for off := uint64(0); off < size; off += pageSize {
		entry := t.walk(uintptr(virt+off), false)
		if entry == nil {
			continue
		}
		atomic.StoreUint64(entry, 0)
		invalidateTLBVA(virt + off)
	}
	dsb()
	isb()
	return nil
}

// Load switches TTBR0_EL1 to this table and enables the MMU with the
// kernel's fixed MAIR/TCR configuration if it is not already enabled.
// Adapted from the teacher's enableMMU (mmu.go lines 1069-1139): the first
// Load of the boot sequence performs the one-time MAIR/TCR/SCTLR setup,
// every subsequent Load (a process switch) is just a TTBR0 swap plus a
// full TLB invalidate since each process has a distinct address space and
// this kernel does not tag TLB entries by ASID.
func (t *Table) Load() {
	writeTTBR0(uint64(t.l0))
	isb()
	if readSCTLR()&sctlrMMU == 0 {
		writeMAIR(mairValue)
		writeTCR(tcrValue)
		isb()
		writeSCTLR(readSCTLR() | sctlrMMU)
		isb()
	}
	invalidateTLBAll()
	dsb()
	isb()
}

var _ vm.TranslationTable = (*Table)(nil)
