// Package syscall dispatches the six system calls a user process can make
// (spec.md §6 "System calls"). Each function takes the calling process (or
// kernel-wide state it needs) plus its arguments. Every function except
// Wait, which only yields, returns a signed value where negative means
// -errno, matching spec.md's ABI convention.
// Grounded on original_source/kernel/process.rs's process_run dispatch
// loop (the extern syscall entry point), reworked as plain Go functions
// rather than a single enum-dispatched match arm so each syscall is
// independently testable.
package syscall

import (
	"github.com/manticoreos/manticore/internal/device"
	"github.com/manticoreos/manticore/internal/elf"
	"github.com/manticoreos/manticore/internal/errno"
	"github.com/manticoreos/manticore/internal/process"
	"github.com/manticoreos/manticore/internal/sched"
)

// Kernel bundles the kernel-wide state syscalls need beyond the calling
// process: the device namespace and the scheduler.
type Kernel struct {
	Namespace *device.Namespace
	Scheduler *sched.Scheduler
}

// Spawn loads an ELF image and enqueues a new process (spec.md §6
// "spawn"). WritePage is the physical-page byte-copy primitive LoadImage
// needs; makeProcess constructs the platform TaskState/VMSpace/queues for
// the new process once its entry point is known.
func Spawn(k *Kernel, image []byte, writePage func(page uint64, data []byte), makeProcess func(entry uint64) (*process.Process, errno.Errno)) int64 {
	img, err := elf.Parse(image)
	if err != nil {
		return errno.EINVAL.ToUser()
	}

	p, errn := makeProcess(img.EntryPoint)
	if errn != 0 {
		return errn.ToUser()
	}

	entry, errn := process.LoadImage(p.VMSpace, img, writePage)
	if errn != 0 {
		return errn.ToUser()
	}
	_ = entry

	k.Scheduler.Enqueue(p)
	return 0
}

// Acquire attaches a named device to the caller, returning its new
// descriptor (spec.md §6 "acquire").
func Acquire(k *Kernel, p *process.Process, name string) int64 {
	d, ok := k.Namespace.Lookup(name)
	if !ok {
		return errno.EINVAL.ToUser()
	}
	if errn := d.Ops.Acquire(p, p.VMSpace); errn != 0 {
		return errn.ToUser()
	}
	desc := p.DeviceDescriptors.Insert(d)
	return int64(desc)
}

// Subscribe expresses interest in an event stream on an acquired device
// (spec.md §6 "subscribe").
func Subscribe(p *process.Process, desc int, flowSelector uint32) int64 {
	d, errn := p.DeviceDescriptors.Lookup(desc)
	if errn != 0 {
		return errn.ToUser()
	}
	if errn := d.Ops.Subscribe(flowSelector); errn != 0 {
		return errn.ToUser()
	}
	return 0
}

// GetConfig copies device-configuration bytes to a user buffer (spec.md
// §6 "get_config").
func GetConfig(p *process.Process, desc int, option device.ConfigOption, buf []byte) int64 {
	d, errn := p.DeviceDescriptors.Lookup(desc)
	if errn != 0 {
		return errn.ToUser()
	}
	data, errn := d.Ops.GetConfig(option)
	if errn != 0 {
		return errn.ToUser()
	}
	if len(data) > len(buf) {
		return errno.EINVAL.ToUser()
	}
	copy(buf, data)
	return 0
}

// Wait drains the calling process's IO queue into every acquired device's
// process_io, then yields the CPU until an event arrives (spec.md §6
// "wait": "Drain IO queue, yield until event"; spec.md §2 control flow).
func Wait(k *Kernel, p *process.Process) {
	if !p.IOQueue.Empty() {
		for _, d := range p.DeviceDescriptors.All() {
			d.Ops.ProcessIO()
		}
	}
	k.Scheduler.ProcessWait(p)
	k.Scheduler.Schedule()
}

// GetEvents returns the user-visible address of the process's event queue
// ring (spec.md §6 "getevents").
func GetEvents(p *process.Process, ringAddr func(*process.Process) uint64) int64 {
	return int64(ringAddr(p))
}
