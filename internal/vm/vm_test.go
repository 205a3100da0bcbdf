package vm

import (
	"testing"

	"github.com/manticoreos/manticore/internal/arena"
)

// fakeTable is an in-memory TranslationTable double standing in for a real
// hardware MMU, the same role mazarin's _qemu.go platform files play for
// bare-metal register access.
type fakeTable struct {
	mapped map[uint64]uint64 // virt -> phys, one entry per page-sized chunk
	loaded bool
}

func newFakeTable() *fakeTable {
	return &fakeTable{mapped: make(map[uint64]uint64)}
}

func (f *fakeTable) MapRange(virt, phys, size uint64, prot Prot) error {
	for off := uint64(0); off < size; off += arena.PageSizeSmall {
		f.mapped[virt+off] = phys + off
	}
	return nil
}

func (f *fakeTable) Unmap(virt, size uint64) error {
	for off := uint64(0); off < size; off += arena.PageSizeSmall {
		delete(f.mapped, virt+off)
	}
	return nil
}

func (f *fakeTable) Load() { f.loaded = true }

func newTestSpace() (*AddressSpace, *fakeTable) {
	pair := arena.NewPair()
	pair.AddSpan(0x10_0000, 64*arena.PageSizeSmall)
	pair.AddSpan(0x2000_0000, 8*arena.PageSizeLarge)
	table := newFakeTable()
	return New(table, pair), table
}

func TestAllocateFixedRejectsOverlap(t *testing.T) {
	as, _ := newTestSpace()
	if err := as.AllocateFixed(0x1000, 0x2000, ProtRW); err != 0 {
		t.Fatalf("first AllocateFixed failed: %v", err)
	}
	if err := as.AllocateFixed(0x1800, 0x2800, ProtRW); err == 0 {
		t.Fatal("expected overlap rejection")
	}
	if err := as.AllocateFixed(0x2000, 0x3000, ProtRW); err != 0 {
		t.Fatalf("adjacent non-overlapping region should succeed: %v", err)
	}
}

func TestAllocateFixedRejectsMisalignedSize(t *testing.T) {
	as, _ := newTestSpace()
	if err := as.AllocateFixed(0x1000, 0x1800, ProtRW); err == 0 {
		t.Fatal("expected EINVAL for non-page-multiple size")
	}
}

func TestPopulateInstallsMappingAndConsumesPage(t *testing.T) {
	as, table := newTestSpace()
	start, end := uint64(0x1000), uint64(0x1000+arena.PageSizeSmall)
	if err := as.AllocateFixed(start, end, ProtRW); err != 0 {
		t.Fatalf("AllocateFixed: %v", err)
	}
	if err := as.Populate(start, end); err != 0 {
		t.Fatalf("Populate: %v", err)
	}
	if _, ok := table.mapped[start]; !ok {
		t.Fatal("expected hardware translation to be installed")
	}
	regions := as.Regions()
	if len(regions) != 1 || regions[0].Page == 0 {
		t.Fatalf("expected region to carry a backing page, got %+v", regions)
	}
}

func TestDeallocateFreesPage(t *testing.T) {
	as, table := newTestSpace()
	start, end := uint64(0x1000), uint64(0x1000+arena.PageSizeSmall)
	as.AllocateFixed(start, end, ProtRW)
	as.Populate(start, end)

	if err := as.Deallocate(start, end); err != 0 {
		t.Fatalf("Deallocate: %v", err)
	}
	if len(as.Regions()) != 0 {
		t.Fatal("region should be gone after Deallocate")
	}
	if _, ok := table.mapped[start]; ok {
		t.Fatal("expected translation to be torn down")
	}
}

func TestAllocateFindsGapAboveFloor(t *testing.T) {
	as, _ := newTestSpace()
	res := as.Allocate(2*arena.PageSizeSmall, ProtRW)
	if !res.OK() {
		t.Fatalf("Allocate failed: %v", res.Err)
	}
	start, end := res.Value[0], res.Value[1]
	if end-start != 2*arena.PageSizeSmall {
		t.Fatalf("allocated size = %d, want %d", end-start, 2*arena.PageSizeSmall)
	}
	if start < 0x1_0000_0000 {
		t.Fatalf("allocation starts at %#x, below the 4 GiB user floor", start)
	}
	// A second allocation must not overlap the first.
	res2 := as.Allocate(arena.PageSizeSmall, ProtRW)
	if !res2.OK() {
		t.Fatalf("second Allocate failed: %v", res2.Err)
	}
	if res2.Value[0] < end && res2.Value[1] > start {
		t.Fatalf("second allocation %v overlaps first [%d,%d)", res2.Value, start, end)
	}
}

func TestPopulateFromCopiesAndZeroFillsTail(t *testing.T) {
	as, _ := newTestSpace()
	start := uint64(0x1000)
	end := start + arena.PageSizeSmall
	as.AllocateFixed(start, end, ProtRW)

	src := []byte("hello")
	var copied []byte
	copyFn := func(dstPage, srcOffset uint64, n int) {
		copied = append([]byte{}, src[srcOffset:srcOffset+uint64(n)]...)
	}
	if err := as.PopulateFrom(start, end, 0, uint64(len(src)), copyFn); err != 0 {
		t.Fatalf("PopulateFrom: %v", err)
	}
	if string(copied) != "hello" {
		t.Fatalf("copied = %q, want %q", copied, "hello")
	}
}

func TestDeleteReleasesAllRegions(t *testing.T) {
	as, table := newTestSpace()
	as.AllocateFixed(0x1000, 0x1000+arena.PageSizeSmall, ProtRW)
	as.Populate(0x1000, 0x1000+arena.PageSizeSmall)
	as.AllocateFixed(0x2000, 0x2000+arena.PageSizeSmall, ProtRW)
	as.Populate(0x2000, 0x2000+arena.PageSizeSmall)

	as.Delete()
	if len(as.Regions()) != 0 {
		t.Fatal("expected no regions after Delete")
	}
	if len(table.mapped) != 0 {
		t.Fatal("expected all translations torn down after Delete")
	}
}

func TestSwitchToLoadsTable(t *testing.T) {
	as, table := newTestSpace()
	as.SwitchTo()
	if !table.loaded {
		t.Fatal("expected SwitchTo to call table.Load()")
	}
}
