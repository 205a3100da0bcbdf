package process

import (
	"testing"

	"github.com/manticoreos/manticore/internal/arena"
	"github.com/manticoreos/manticore/internal/elf"
	"github.com/manticoreos/manticore/internal/vm"
)

type fakeTable struct {
	mapped map[uint64]uint64
}

func (f *fakeTable) MapRange(virt, phys, size uint64, prot vm.Prot) error {
	if f.mapped == nil {
		f.mapped = make(map[uint64]uint64)
	}
	for off := uint64(0); off < size; off += arena.PageSizeSmall {
		f.mapped[virt+off] = phys + off
	}
	return nil
}
func (f *fakeTable) Unmap(virt, size uint64) error { return nil }
func (f *fakeTable) Load()                         {}

type fakeTaskState struct {
	entry uint64
	stack uint64
}

func (f fakeTaskState) EntryPoint() uint64 { return f.entry }
func (f fakeTaskState) StackTop() uint64   { return f.stack }

func TestLoadImageMapsSegments(t *testing.T) {
	pair := arena.NewPair()
	pair.AddSpan(0x10_0000, 64*arena.PageSizeSmall)
	table := &fakeTable{}
	space := vm.New(table, pair)

	img := &elf.Image{
		EntryPoint: 0x1000,
		Segments: []elf.Segment{
			{VirtAddr: 0x1000, MemSize: arena.PageSizeSmall, FileData: []byte("hello world")},
		},
	}

	physPages := make(map[uint64][]byte)
	writePage := func(page uint64, data []byte) {
		physPages[page] = append([]byte{}, data...)
	}

	entry, err := LoadImage(space, img, writePage)
	if err != 0 {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if entry != 0x1000 {
		t.Fatalf("entry = 0x%x, want 0x1000", entry)
	}
	if _, ok := table.mapped[0x1000]; !ok {
		t.Fatal("expected segment's virtual address to be mapped")
	}
	var foundPayload bool
	for _, data := range physPages {
		if string(data) == "hello world" {
			foundPayload = true
		}
	}
	if !foundPayload {
		t.Fatal("expected file data to be written to the allocated page")
	}
}

func TestNewProcessDefaultsToRunnable(t *testing.T) {
	p := New(fakeTaskState{entry: 0x1000, stack: 0x2000}, nil, nil, nil)
	if p.State != Runnable {
		t.Fatalf("State = %v, want Runnable", p.State)
	}
}
