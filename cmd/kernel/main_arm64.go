//go:build manticore_baremetal && arm64

// Command kernel's bare-metal entry point for QEMU's aarch64 virt machine.
// It wires the concrete hardware seams (ECAM PCI config space, MMIO BAR
// windows, the PL011 console, an identity-mapped physical frame pool, and
// an AArch64 4-level page-table walker) into the portable Boot/Run
// sequence in boot.go, the same split the teacher keeps between its
// portable mazarin kernel logic and mazboot's platform-specific main
// (iansmith-mazarin/src/mazboot/golang/main/kernel.go).
package main

import (
	"sync/atomic"
	"unsafe"

	"github.com/manticoreos/manticore/internal/gic"
	"github.com/manticoreos/manticore/internal/mmioarch"
	"github.com/manticoreos/manticore/internal/mmuarch"
	"github.com/manticoreos/manticore/internal/pci"
	"github.com/manticoreos/manticore/internal/process"
)

// Bootloader handoff conventions: the init ELF image is placed at a fixed
// physical address with its length written as a little-endian uint64
// immediately before it, the same fixed-address handoff style the
// teacher's own allocator state uses (mmu.go's PAGE_TABLE_ALLOC_ADDR,
// PHYS_FRAME_ALLOC_ADDR). Page-table pages are carved from a separate
// reserved range above the frame pool (physmem_arm64.go) so neither
// allocator can stomp the other.
const (
	pciECAMBase     = 0x4010000000
	pageTablePoolBase = 0x5E000000
	pageTablePoolSize = 32 * 1024 * 1024
	initImageBase     = 0x60000000
	initImageSizeAddr = initImageBase - 8
	initStackTop      = 0x70000000

	// QEMU's virt machine places a GICv2 distributor at a fixed address
	// with the CPU interface 64 KiB above it (gic_qemu.go's gicInit, minus
	// the linker-symbol indirection: this kernel has no linker script yet,
	// so the address is hardcoded rather than resolved from __gic_base).
	gicDistBase = 0x08000000
	gicCPUBase  = gicDistBase + 0x10000

	// virtioNetIRQ is the legacy INTx line QEMU's virt machine routes the
	// first PCI function on bus 0 slot 0 to: SPI 32 + ((slot + pin) % 4),
	// slot 0 pin INTA, giving SPI 36 (gic_qemu.go's IRQ_ID_UART_SPI==33
	// follows the same "32 + offset" SPI numbering for a different wired
	// line). Multiple virtio-net functions sharing a slot range would need
	// the same formula evaluated per function; this kernel claims exactly
	// one.
	virtioNetIRQ = 36
)

func loadInitImage() []byte {
	sizePtr := (*uint64)(unsafe.Pointer(uintptr(initImageSizeAddr)))
	size := atomic.LoadUint64(sizePtr)
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(initImageBase))), int(size))
}

func main() {
	pool := mmuarch.NewPageTablePool(pageTablePoolBase, pageTablePoolSize)
	frames := newFramePool()
	ecam := newECAMAccessor(pciECAMBase)

	k, err := Boot(Platform{
		Console:   pl011Sink{},
		PCIConfig: ecam,
		BARBackend: func(bar pci.BAR) mmioarch.Backend {
			return mmioarch.MMIOBackend{Base: uintptr(bar.Base)}
		},
		AllocPage: frames.allocPage,
		PhysMem:   directPhysMem{},
		PageBytes: pageBytes,
		Table:     mmuarch.NewTable(pool),
		ContextSwitch: hwContextSwitch{},
		TaskStateFor: func(entry uint64) process.TaskState {
			return newHWTaskState(entry, initStackTop)
		},
		InitImage: loadInitImage(),
		ArenaBase: physFrameBase,
		ArenaSize: physFrameEnd - physFrameBase,
	})
	if err != nil {
		panic(err)
	}

	ctrl := gic.New(mmioarch.MMIOBackend{Base: uintptr(gicDistBase)}, mmioarch.MMIOBackend{Base: uintptr(gicCPUBase)})
	ctrl.Init()
	WireNetInterrupt(ctrl, virtioNetIRQ, k.NetDevice, k.Syscall.Scheduler)

	// The IRQ exception vector (EL1h synchronous/IRQ entry, VBAR_EL1
	// install) that would call ctrl.Dispatch on every trap is not yet
	// implemented; see DESIGN.md's Non-goals. Until it exists, the run
	// loop below never observes interrupts and relies solely on direct
	// wait/wake calls the way the current syscall surface does.
	Run(k)
}
