// Command kernel wires every internal package into the boot sequence: PCI
// enumeration, virtio-net claim, the first user process, and the
// scheduler's main loop (spec.md §2, §4.5, §4.6, §4.8). It is the Go
// counterpart of the teacher's KernelMain
// (iansmith-mazarin/src/go/mazarin/kernel.go and
// .../mazboot/golang/main/kernel.go): one long sequential function that
// logs each init step to the console as it goes, with everything below the
// hardware seam (PCI config access, BAR backends, page bytes) injected so
// the sequence itself is unit-testable without real hardware.
package main

import (
	"fmt"

	"github.com/manticoreos/manticore/internal/arena"
	"github.com/manticoreos/manticore/internal/console"
	"github.com/manticoreos/manticore/internal/device"
	"github.com/manticoreos/manticore/internal/elf"
	"github.com/manticoreos/manticore/internal/errno"
	"github.com/manticoreos/manticore/internal/event"
	"github.com/manticoreos/manticore/internal/gic"
	"github.com/manticoreos/manticore/internal/ioport"
	"github.com/manticoreos/manticore/internal/mmioarch"
	"github.com/manticoreos/manticore/internal/pci"
	"github.com/manticoreos/manticore/internal/process"
	"github.com/manticoreos/manticore/internal/sched"
	"github.com/manticoreos/manticore/internal/syscall"
	"github.com/manticoreos/manticore/internal/virtionet"
	"github.com/manticoreos/manticore/internal/vm"
)

// Platform bundles everything boot needs from the hardware/arch layer. A
// real bare-metal build fills this with ECAM- and MMIO-backed values
// (cmd/kernel/main_arm64.go); tests fill it with software doubles.
type Platform struct {
	Console       console.Sink
	PCIConfig     pci.ConfigAccessor
	BARBackend    func(bar pci.BAR) mmioarch.Backend
	AllocPage     virtionet.AllocPage
	PhysMem       virtionet.PhysMem
	PageBytes     func(page uint64) []byte
	Table         vm.TranslationTable
	ContextSwitch sched.ContextSwitch
	TaskStateFor  func(entry uint64) process.TaskState
	InitImage     []byte
	ArenaBase     uint64
	ArenaSize     uint64
}

// Kernel is the live, booted kernel: the syscall dispatch state plus the
// first process, kept around so Run's main loop can drive them.
type Kernel struct {
	Syscall   *syscall.Kernel
	Init      *process.Process
	Console   *console.Writer
	NetDevice *virtionet.Device
}

// Boot runs the full init sequence once: page arenas, PCI enumeration and
// virtio-net claim, the init process's address space and ELF load, and
// the device acquisition that wires the init process up as the net
// device's sole listener. It stops short of entering the scheduler loop
// (see Run) so tests can inspect the result of a single boot.
func Boot(p Platform) (*Kernel, error) {
	w := console.New(p.Console)
	fmt.Fprintln(w, "manticore: initializing page arenas")

	pair := arena.NewPair()
	pair.AddSpan(p.ArenaBase, p.ArenaSize)

	fmt.Fprintln(w, "manticore: enumerating PCI bus")
	registry := pci.NewRegistry()
	ns := device.NewNamespace()

	var claimed *virtionet.Device
	registry.Register(&virtioNetDriver{
		backendFor: p.BARBackend,
		allocPage:  p.AllocPage,
		mem:        p.PhysMem,
	})
	pci.Enumerate(p.PCIConfig, registry, func(fn *pci.Function, dev any) {
		d, ok := dev.(*virtionet.Device)
		if !ok {
			return
		}
		claimed = d
		fmt.Fprintf(w, "manticore: claimed virtio-net at %02x:%02x.%x\n", fn.Bus, fn.Slot, fn.Fn)
	})
	if claimed == nil {
		return nil, fmt.Errorf("kernel: no virtio-net device found on the PCI bus")
	}

	fmt.Fprintln(w, "manticore: loading init process")
	vmspace := vm.New(p.Table, pair)
	img, err := elf.Parse(p.InitImage)
	if err != nil {
		return nil, fmt.Errorf("kernel: parse init image: %w", err)
	}
	writePage := func(page uint64, data []byte) {
		copy(p.PageBytes(page), data)
	}
	entry, errn := process.LoadImage(vmspace, img, writePage)
	if errn != 0 {
		return nil, fmt.Errorf("kernel: load init image: %w", errn)
	}

	fmt.Fprintln(w, "manticore: allocating init process event queue")
	eventQueue, errn := newEventQueue(vmspace, p.PageBytes)
	if errn != 0 {
		return nil, fmt.Errorf("kernel: allocate init process event queue: errno %d", -errn.ToUser())
	}

	initProc := process.New(p.TaskStateFor(entry), vmspace, eventQueue, nil)

	// mapBuffers is bound to the platform's PageBytes seam only; the
	// vmspace it maps RX/IO-queue buffers into is supplied fresh by
	// device.Ops.Acquire on every acquisition, so each acquiring process
	// gets its own mapping (spec.md's acquire(vmspace, listener) contract).
	mapBuffers := func(vmspace *vm.AddressSpace, rxPage uint64) (uint64, uint64, []byte, errno.Errno) {
		rx := vmspace.Allocate(arena.PageSizeSmall, vm.ProtRW)
		if !rx.OK() {
			return 0, 0, nil, rx.Err
		}
		if errn := vmspace.Map(rx.Value[0], rx.Value[1], rxPage); errn != 0 {
			return 0, 0, nil, errn
		}

		ioq := vmspace.Allocate(arena.PageSizeSmall, vm.ProtRW)
		if !ioq.OK() {
			return 0, 0, nil, ioq.Err
		}
		if errn := vmspace.Populate(ioq.Value[0], ioq.Value[1]); errn != 0 {
			return 0, 0, nil, errn
		}
		ioPage, ok := pageFor(vmspace, ioq.Value[0])
		if !ok {
			return 0, 0, nil, errno.ENOMEM
		}
		return rx.Value[0], ioq.Value[0], p.PageBytes(ioPage), 0
	}
	ns.Register(virtionet.Name, virtionet.NewOps(claimed, mapBuffers))

	sk := &syscall.Kernel{Namespace: ns, Scheduler: sched.New(p.ContextSwitch)}
	if r := syscall.Acquire(sk, initProc, virtionet.Name); r != 0 {
		return nil, fmt.Errorf("kernel: init process failed to acquire %s: errno %d", virtionet.Name, -r)
	}
	sk.Scheduler.Enqueue(initProc)

	fmt.Fprintln(w, "manticore: boot complete, entering scheduler")
	return &Kernel{Syscall: sk, Init: initProc, Console: w, NetDevice: claimed}, nil
}

// WireNetInterrupt registers the GIC handler implementing spec.md's
// interrupt control flow for the claimed virtio-net device: an ISR calls
// Device.Recv to drain newly used RX descriptors into PacketIO events,
// then wake_up_processes to move every waiting listener back onto the run
// queue. The platform's IRQ exception path calls ctrl.Dispatch on every
// trap; Dispatch looks up and invokes the handler registered here.
func WireNetInterrupt(ctrl *gic.Controller, irqID uint32, dev *virtionet.Device, scheduler *sched.Scheduler) {
	ctrl.RegisterHandler(irqID, func() {
		dev.Recv()
		scheduler.WakeUpProcesses()
	})
	ctrl.Enable(irqID)
}

// eventQueueCapacity is the number of event records the init process's
// event queue ring holds before the ISR drain path must drop or coalesce
// (spec.md §3 "Process": "event_queue ... atomic ring buffers").
const eventQueueCapacity = 16

// newEventQueue allocates and populates one page in vmspace and formats it
// as a fresh event.Queue, the way mapBuffers allocates the RX/IO-queue
// pages in Boot (spec.md §4.6 control flow: a process must have a real
// event queue before it can be registered as any device's listener).
func newEventQueue(vmspace *vm.AddressSpace, pageBytes func(page uint64) []byte) (*event.Queue, errno.Errno) {
	eq := vmspace.Allocate(arena.PageSizeSmall, vm.ProtRW)
	if !eq.OK() {
		return nil, eq.Err
	}
	if errn := vmspace.Populate(eq.Value[0], eq.Value[1]); errn != 0 {
		return nil, errn
	}
	page, ok := pageFor(vmspace, eq.Value[0])
	if !ok {
		return nil, errno.ENOMEM
	}
	return event.NewQueue(pageBytes(page), eventQueueCapacity), 0
}

// pageFor finds the physical page backing the region starting at start,
// after Populate has installed it. It exists because Populate reports only
// success/failure (spec.md §4.4); the page number is recovered from the
// region snapshot rather than widening Populate's contract for one caller.
func pageFor(vmspace *vm.AddressSpace, start uint64) (uint64, bool) {
	for _, r := range vmspace.Regions() {
		if r.Start == start {
			return r.Page, true
		}
	}
	return 0, false
}

// Run drives the scheduler forever. On real hardware this never returns;
// tests call Schedule/WakeUpProcesses directly instead of Run.
func Run(k *Kernel) {
	for {
		k.Syscall.Scheduler.Schedule()
	}
}

// virtioNetDriver adapts virtionet.Probe to the pci.Driver interface,
// resolving the capability list and BAR windows a freshly enumerated
// Function carries into the narrower seams virtionet.Probe expects
// (spec.md §4.5 "call its probe(pci_device) -> device?").
type virtioNetDriver struct {
	backendFor func(bar pci.BAR) mmioarch.Backend
	allocPage  virtionet.AllocPage
	mem        virtionet.PhysMem
}

func (d *virtioNetDriver) VendorID() uint16 { return virtionet.VendorID }
func (d *virtioNetDriver) DeviceID() uint16 { return virtionet.DeviceID }

func (d *virtioNetDriver) Probe(fn *pci.Function, cfg pci.ConfigAccessor) (any, bool) {
	finder := &capFinder{fn: fn, cfg: cfg}
	mapBAR := func(barIndex uint8, offset, length uint32) ioport.Port {
		for _, bar := range fn.BARs {
			if uint8(bar.Index) != barIndex {
				continue
			}
			kind := ioport.MMIO
			if bar.IsIO {
				kind = ioport.PIO
			}
			port, err := pci.RemapBAR(bar, kind, d.backendFor(bar)).Remap(uint64(offset), uint64(length))
			if err != nil {
				return ioport.Port{}
			}
			return port
		}
		return ioport.Port{}
	}
	dev, err := virtionet.Probe(finder, mapBAR, d.allocPage, d.mem)
	if err != nil {
		return nil, false
	}
	return dev, true
}

// Virtio PCI vendor-specific capability layout (virtio 1.x §4.1.4):
// byte 3 is cfg_type, byte 4 is the owning BAR index, bytes 8-11 are the
// offset within that BAR, bytes 12-15 are the length, and — for the
// Notify capability only — bytes 16-19 are notify_off_multiplier.
const (
	capFieldCfgType = 3
	capFieldBAR     = 4
	capFieldOffset  = 8
	capFieldLength  = 12
	capFieldNotify  = 16
)

// capFinder walks a decoded Function's capability list looking for the
// virtio vendor-specific capability of a given cfg-type, implementing
// virtionet.CapFinder (spec.md §4.6 step 2).
type capFinder struct {
	fn  *pci.Function
	cfg pci.ConfigAccessor
}

// EnableBusMaster implements virtionet.CapFinder's step-1 hook: set bus
// mastering and memory-space decode, and disable legacy INTx, in the
// function's PCI command register (spec.md §4.6 step 1). The status half
// of the command/status dword is preserved untouched.
func (c *capFinder) EnableBusMaster() {
	dword := c.cfg.Read32(c.fn.Bus, c.fn.Slot, c.fn.Fn, pci.OffCommand)
	cmd := uint32(uint16(dword)) | pci.CmdBusMaster | pci.CmdMem | pci.CmdIntxDisable
	c.cfg.Write32(c.fn.Bus, c.fn.Slot, c.fn.Fn, pci.OffCommand, (dword&0xFFFF0000)|cmd)
}

func (c *capFinder) FindVirtioCapability(cfgType uint8) (uint8, uint16, uint32, uint32, bool) {
	for _, cap := range c.fn.Capabilities {
		if cap.ID != pci.CapVendor {
			continue
		}
		off := cap.Offset
		if c.cfg.Read8(c.fn.Bus, c.fn.Slot, c.fn.Fn, off+capFieldCfgType) != cfgType {
			continue
		}
		bar := c.cfg.Read8(c.fn.Bus, c.fn.Slot, c.fn.Fn, off+capFieldBAR)
		barOffset := c.cfg.Read32(c.fn.Bus, c.fn.Slot, c.fn.Fn, off+capFieldOffset)
		length := c.cfg.Read32(c.fn.Bus, c.fn.Slot, c.fn.Fn, off+capFieldLength)
		var notifyMult uint32
		if cfgType == 2 { // cfg type Notify
			notifyMult = c.cfg.Read32(c.fn.Bus, c.fn.Slot, c.fn.Fn, off+capFieldNotify)
		}
		return bar, uint16(barOffset), length, notifyMult, true
	}
	return 0, 0, 0, 0, false
}
