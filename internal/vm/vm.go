// Package vm implements a process's virtual address space: an ordered set
// of protected regions plus an opaque hardware translation-table handle
// (spec.md §3 "VM region", "VM address space", §4.4). It is grounded
// directly on original_source/kernel/vm.rs's VMRegion/VMAddressSpace, kept
// as an ordered-by-start-address collection with the same operation set,
// but backed by a plain sorted slice rather than an intrusive red-black
// tree — region counts per process are small (ELF segments, a handful of
// device mappings) and a slice keeps Go's escape analysis and GC simple
// where the teacher's Rust used an intrusive tree to avoid allocation.
package vm

import (
	"sort"

	"github.com/manticoreos/manticore/internal/arena"
	"github.com/manticoreos/manticore/internal/errno"
)

// Prot is the region protection bitmask (original_source/kernel/vm.rs's
// VMProt bitflags).
type Prot uint32

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

const (
	ProtRX  = ProtRead | ProtExec
	ProtRW  = ProtRead | ProtWrite
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

// TranslationTable is the hardware MMU mapping a concrete platform installs
// translations into. Its implementation lives outside this package (behind
// a build tag on bare metal) the same way original_source/kernel/mmu.rs's
// mmu_map_range is an extern hook vm.rs calls through, never implements.
type TranslationTable interface {
	MapRange(virt, phys, size uint64, prot Prot) error
	Unmap(virt, size uint64) error
	Load()
}

// Region is one contiguous, protection-uniform range of an address space
// (spec.md: "(start, end, prot, backing_page)").
type Region struct {
	Start, End uint64
	Prot       Prot
	Page       uint64 // 0 means "no backing page"
	large      bool
}

func (r *Region) hasPage() bool { return r.Page != 0 }

// AddressSpace is a process's ordered set of regions plus its translation
// table handle (spec.md: "VM address space").
type AddressSpace struct {
	regions []*Region // kept sorted by Start
	table   TranslationTable
	arenas  *arena.Pair
}

// New constructs an empty address space backed by the given translation
// table and page arenas.
func New(table TranslationTable, arenas *arena.Pair) *AddressSpace {
	return &AddressSpace{table: table, arenas: arenas}
}

func (as *AddressSpace) indexAt(start uint64) int {
	return sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Start >= start })
}

func (as *AddressSpace) findExact(start, end uint64) (*Region, int) {
	i := as.indexAt(start)
	if i < len(as.regions) && as.regions[i].Start == start && as.regions[i].End == end {
		return as.regions[i], i
	}
	return nil, -1
}

func (as *AddressSpace) overlaps(start, end uint64) bool {
	i := as.indexAt(start)
	if i > 0 && as.regions[i-1].End > start {
		return true
	}
	if i < len(as.regions) && as.regions[i].Start < end {
		return true
	}
	return false
}

const pageSizeSmall = arena.PageSizeSmall

func isAligned(v, align uint64) bool { return v%align == 0 }

// AllocateFixed inserts a new, unbacked region at exactly [start, end),
// rejecting misaligned sizes and overlaps with existing regions (spec.md
// §4.4).
func (as *AddressSpace) AllocateFixed(start, end uint64, prot Prot) errno.Errno {
	if end <= start || !isAligned(end-start, pageSizeSmall) {
		return errno.EINVAL
	}
	if as.overlaps(start, end) {
		return errno.EINVAL
	}
	r := &Region{Start: start, End: end, Prot: prot}
	i := as.indexAt(start)
	as.regions = append(as.regions, nil)
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = r
	return 0
}

// Allocate reserves size bytes at the start of the first free gap of at
// least size bytes above a fixed 4 GiB user-space floor, returning the
// reserved bounds. This resolves spec.md's OPEN QUESTION (§9): the original
// used hardcoded addresses, this is a first-fit virtual-address allocator
// scanning the gaps between sorted regions.
func (as *AddressSpace) Allocate(size uint64, prot Prot) errno.Result[[2]uint64] {
	if size == 0 || !isAligned(size, pageSizeSmall) {
		return errno.Fail[[2]uint64](errno.EINVAL)
	}
	const userFloor = 0x1_0000_0000 // 4 GiB: leaves low VA space for ELF images

	cursor := uint64(userFloor)
	for _, r := range as.regions {
		if r.Start < cursor {
			if r.End > cursor {
				cursor = r.End
			}
			continue
		}
		if r.Start-cursor >= size {
			break
		}
		cursor = r.End
	}
	start := cursor
	end := start + size
	if err := as.AllocateFixed(start, end, prot); err != 0 {
		return errno.Fail[[2]uint64](err)
	}
	return errno.Ok([2]uint64{start, end})
}

func pageSizeForRange(start, end uint64) (uint64, bool) {
	switch end - start {
	case arena.PageSizeSmall:
		return arena.PageSizeSmall, false
	case arena.PageSizeLarge:
		return arena.PageSizeLarge, true
	default:
		return 0, false
	}
}

// Populate backs an existing region with a freshly allocated page (small or
// large, matching the region's size) and installs the hardware translation
// (spec.md §4.4).
func (as *AddressSpace) Populate(start, end uint64) errno.Errno {
	r, _ := as.findExact(start, end)
	if r == nil {
		return errno.EINVAL
	}
	size, large := pageSizeForRange(start, end)
	if size == 0 {
		return errno.EINVAL
	}
	var page uint64
	if large {
		res := as.arenas.Large.AllocPage()
		if !res.OK() {
			return res.Err
		}
		page = res.Value
	} else {
		res := as.arenas.Small.AllocPage()
		if !res.OK() {
			return res.Err
		}
		page = res.Value
	}
	if err := as.table.MapRange(start, page, end-start, r.Prot); err != nil {
		return errno.EINVAL
	}
	r.Page = page
	r.large = large
	return 0
}

// CopyFunc copies n bytes of physical source memory, starting at srcOffset,
// into a freshly populated page; production code backs this with a real physical-memory
// accessor. It is a seam so PopulateFrom is unit-testable without a real
// MMU.
type CopyFunc func(dstPage uint64, srcOffset uint64, n int)

// PopulateFrom behaves like Populate but, for each small page covering
// [start, end), copies up to PAGE_SIZE_SMALL bytes from srcStart plus that
// page's offset within the region, stopping at srcEnd, before installing
// the mapping, zero-filling any tail past srcEnd
// (spec.md §4.4, testable property 6).
func (as *AddressSpace) PopulateFrom(start, end, srcStart, srcEnd uint64, copyPage CopyFunc) errno.Errno {
	size := end - start
	srcSize := srcEnd - srcStart
	if size < srcSize {
		return errno.EINVAL
	}
	r, _ := as.findExact(start, end)
	if r == nil {
		return errno.EINVAL
	}
	for off := uint64(0); off < size; off += arena.PageSizeSmall {
		res := as.arenas.Small.AllocPage()
		if !res.OK() {
			return res.Err
		}
		page := res.Value
		n := 0
		if off < srcSize {
			n = int(arena.PageSizeSmall)
			if off+arena.PageSizeSmall > srcSize {
				n = int(srcSize - off)
			}
		}
		if n > 0 {
			copyPage(page, srcStart+off, n)
		}
		if err := as.table.MapRange(start+off, page, arena.PageSizeSmall, r.Prot); err != nil {
			return errno.EINVAL
		}
		r.Page = page
	}
	return 0
}

// Map installs a mapping for a region using a page the caller already owns
// (spec.md §4.4: used to alias kernel-allocated RX/IO-queue pages into user
// space).
func (as *AddressSpace) Map(start, end, page uint64) errno.Errno {
	r, _ := as.findExact(start, end)
	if r == nil {
		return errno.EINVAL
	}
	if err := as.table.MapRange(start, page, end-start, r.Prot); err != nil {
		return errno.EINVAL
	}
	r.Page = page
	return 0
}

// Deallocate removes the region at [start, end), releasing its backing
// page to the small- or large-page arena matching the region's page size.
// A page installed by Map is released to the small-page arena as well.
func (as *AddressSpace) Deallocate(start, end uint64) errno.Errno {
	r, i := as.findExact(start, end)
	if r == nil {
		return errno.EINVAL
	}
	as.releaseRegion(r)
	as.regions = append(as.regions[:i], as.regions[i+1:]...)
	return 0
}

func (as *AddressSpace) releaseRegion(r *Region) {
	if !r.hasPage() {
		return
	}
	_ = as.table.Unmap(r.Start, r.End-r.Start)
	if r.large {
		as.arenas.Large.FreePage(r.Page)
	} else {
		as.arenas.Small.FreePage(r.Page)
	}
	r.Page = 0
}

// SwitchTo loads this address space's translation table into the hardware
// MMU (spec.md §4.4).
func (as *AddressSpace) SwitchTo() {
	as.table.Load()
}

// Delete drops every region, in any order, freeing all backing pages
// (spec.md §4.4 invariant, §8 testable property 2).
func (as *AddressSpace) Delete() {
	for _, r := range as.regions {
		as.releaseRegion(r)
	}
	as.regions = nil
}

// Regions returns a snapshot of the current regions in ascending Start
// order, for invariant tests.
func (as *AddressSpace) Regions() []Region {
	out := make([]Region, len(as.regions))
	for i, r := range as.regions {
		out[i] = *r
	}
	return out
}
