// Package process implements the Process struct and the spawn path that
// loads a user-space ELF image into a fresh address space (spec.md §3
// "Process", §4.4, §4.6 control flow). Grounded on
// original_source/kernel/process.rs's Process/ProcessState/TaskState.
package process

import (
	goelf "debug/elf"

	"github.com/manticoreos/manticore/internal/device"
	"github.com/manticoreos/manticore/internal/elf"
	"github.com/manticoreos/manticore/internal/errno"
	"github.com/manticoreos/manticore/internal/event"
	"github.com/manticoreos/manticore/internal/ioqueue"
	"github.com/manticoreos/manticore/internal/vm"
)

// State is a process's scheduling state (spec.md §3: "one of {Runnable,
// Running, Waiting}").
type State int

const (
	Runnable State = iota
	Running
	Waiting
)

// TaskState is an opaque hardware execution context (register file, saved
// stack pointer) a concrete platform's context-switch code owns. Kept
// abstract the way original_source/kernel/process.rs's TaskState = usize
// is an opaque handle into extern "C" task_state_* functions.
type TaskState interface {
	EntryPoint() uint64
	StackTop() uint64
}

// Process is one schedulable unit of execution (spec.md §3 "Process").
type Process struct {
	State               State
	TaskState           TaskState
	VMSpace             *vm.AddressSpace
	DeviceDescriptors   device.DescriptorTable
	EventQueue          *event.Queue
	IOQueue             *ioqueue.Queue
	PageFaultFixup      uint64
}

// New constructs a process around an already-populated address space and
// shared event/IO queue pages (spec.md §3).
func New(ts TaskState, vmspace *vm.AddressSpace, eq *event.Queue, ioq *ioqueue.Queue) *Process {
	return &Process{
		State:      Runnable,
		TaskState:  ts,
		VMSpace:    vmspace,
		EventQueue: eq,
		IOQueue:    ioq,
	}
}

// PushEvent implements device.Listener, so a Process can be registered
// directly as a device's event listener (spec.md §2 control flow:
// "registers the process as a listener on the device's event notifier").
func (p *Process) PushEvent(raw []byte) bool {
	return p.EventQueue.PushEvent(raw)
}

// LoadImage maps every PT_LOAD segment of img into addr space at its
// declared virtual address, populating pages from the ELF's file bytes and
// zero-filling any BSS tail (spec.md §4.4 populate_from, testable property
// 6). writePage is the caller's physical-page byte-copy primitive (on bare
// metal, a direct-mapped memcpy; in tests, a fake backed by a map).
// Segment virtual addresses are assumed page-aligned, as produced by a
// standard linker script. Returns the entry point to seed TaskState with.
func LoadImage(addr *vm.AddressSpace, img *elf.Image, writePage func(page uint64, data []byte)) (uint64, errno.Errno) {
	const pageSizeSmall = 4096

	for _, seg := range img.Segments {
		start := seg.VirtAddr
		end := alignUp(seg.VirtAddr+seg.MemSize, pageSizeSmall)

		if err := addr.AllocateFixed(start, end, progFlagsToProt(seg.Flags)); err != 0 {
			return 0, err
		}

		fileData := seg.FileData
		copyFn := func(dstPage uint64, srcOffset uint64, n int) {
			if srcOffset >= uint64(len(fileData)) {
				return
			}
			end := srcOffset + uint64(n)
			if end > uint64(len(fileData)) {
				end = uint64(len(fileData))
			}
			writePage(dstPage, fileData[srcOffset:end])
		}
		if err := addr.PopulateFrom(start, end, 0, uint64(len(fileData)), copyFn); err != 0 {
			return 0, err
		}
	}
	return img.EntryPoint, 0
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// progFlagsToProt derives a segment's VM protection from its ELF program
// header flags (spec.md §4.8: "allocating a VM region per loadable
// segment (protection from segment flags)"), the same translation
// original_source/kernel/process.rs's elf_phdr_flags_to_prot performs
// before calling vmspace.allocate.
func progFlagsToProt(f goelf.ProgFlag) vm.Prot {
	var prot vm.Prot
	if f&goelf.PF_R != 0 {
		prot |= vm.ProtRead
	}
	if f&goelf.PF_W != 0 {
		prot |= vm.ProtWrite
	}
	if f&goelf.PF_X != 0 {
		prot |= vm.ProtExec
	}
	return prot
}
