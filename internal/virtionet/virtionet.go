// Package virtionet implements the virtio-net device driver: feature
// negotiation, queue setup, interrupt handling, TX submission, and RX
// notification (spec.md §3 "Device", §4.6). Grounded directly on
// original_source/drivers/virtio/net.rs's VirtioNetDevice — probe, recv,
// process_io_one, and the DeviceOps impl (acquire/subscribe/get_config/
// process_io) are all adaptations of that file's logic, restructured
// around this repo's internal/pci, internal/virtqueue, internal/ioport,
// internal/device and internal/event packages instead of the Rust
// original's pci/virtqueue/kernel::* modules.
package virtionet

import (
	"fmt"

	"github.com/manticoreos/manticore/internal/device"
	"github.com/manticoreos/manticore/internal/errno"
	"github.com/manticoreos/manticore/internal/event"
	"github.com/manticoreos/manticore/internal/ioport"
	"github.com/manticoreos/manticore/internal/ioqueue"
	"github.com/manticoreos/manticore/internal/virtqueue"
	"github.com/manticoreos/manticore/internal/vm"
)

const (
	DeviceID = 0x1041 // spec.md §4.6, original_source net.rs PCI_DEVICE_ID_VIRTIO_NET
	VendorID = 0x1af4 // virtio PCI vendor (Red Hat)

	devName = "/dev/eth"
)

// Common-configuration byte offsets (spec.md §6, relative to the
// common-cfg IO port).
const (
	offDeviceFeature = 0x04
	offDriverFeature = 0x0c
	offMSIXConfig    = 0x10
	offNumQueues     = 0x12
	offDeviceStatus  = 0x14
	offQueueSelect   = 0x16
	offQueueSize     = 0x18
	offQueueMSIXVec  = 0x1a
	offQueueEnable   = 0x1c
	offQueueNotify   = 0x1e
	offQueueDesc     = 0x20
	offQueueAvail    = 0x28
	offQueueUsed     = 0x30
)

const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusFeaturesOK  = 8
	statusDriverOK    = 4
)

const featureNetMAC = 1 << 5 // VIRTIO_NET_F_MAC

const (
	cfgTypeCommon = 1
	cfgTypeNotify = 2
	cfgTypeDevice = 4

	capOffOffset             = 8
	capOffLength             = 12
	capOffCfgType            = 3
	capOffBAR                = 4
	notifyOffMultiplierField = 16
)

const (
	rxQueueIdx = 0
	txQueueIdx = 1
	numQueues  = 2

	netHdrSize = 10 // flags(1)+gso_type(1)+hdr_len(2)+gso_size(2)+csum_start(2)+csum_offset(2)
)

// PhysMem is the seam onto the memory region a page physical address
// names: production code backs this with the kernel's direct-mapped
// window, tests back it with a plain map. Kept separate from
// mmioarch.Backend because these are general-purpose DMA buffers, not
// device registers.
type PhysMem interface {
	Read(page uint64, off int, n int) []byte
	Write(page uint64, off int, data []byte)
}

// Device is a probed virtio-net device instance.
type Device struct {
	commonCfg     ioport.Port
	notifyCfg     ioport.Port
	deviceCfg     ioport.Port
	hasDeviceCfg  bool
	notifyOffMult uint32

	queues [numQueues]*virtqueue.Queue

	rxPage     uint64
	txPage     uint64
	mem        PhysMem
	ioQueueVA  uint64

	macAddr    [6]byte
	hasMAC     bool

	listeners []device.Listener
	ioQueue   *ioqueue.Queue
}

// CapFinder abstracts walking a function's capability list down to the one
// call virtio-net needs to locate its configuration windows, plus the PCI
// command-register step Probe performs before touching any of them.
// Implemented over internal/pci.Function.
type CapFinder interface {
	FindVirtioCapability(cfgType uint8) (barIndex uint8, offset uint16, length uint32, notifyOffMult uint32, ok bool)
	// EnableBusMaster sets bus mastering and memory-space decode and
	// disables legacy INTx in the function's PCI command register
	// (spec.md §4.6 step 1: "Enable bus mastering; disable legacy INTx;
	// enable MSI-X with function-masked entries").
	EnableBusMaster()
}

// AllocPage allocates one physical page for driver-owned DMA buffers (RX
// posting, TX staging).
type AllocPage func() (uint64, errno.Errno)

// Probe performs the virtio 1.x §3.1 probe sequence (spec.md §4.6 steps
// 1-7) against an already-enumerated PCI function, given a way to map each
// capability's BAR into an ioport.Port.
func Probe(fn CapFinder, mapBAR func(barIndex uint8, offset, length uint32) ioport.Port, allocPage AllocPage, mem PhysMem) (*Device, error) {
	// Step 1: bus mastering and legacy INTx must be settled before any
	// virtio capability window is touched (spec.md §4.6 step 1).
	fn.EnableBusMaster()

	notifyBar, notifyOff, notifyLen, notifyMult, ok := fn.FindVirtioCapability(cfgTypeNotify)
	if !ok {
		return nil, fmt.Errorf("virtionet: no notify-cfg capability")
	}
	d := &Device{
		notifyCfg:     mapBAR(notifyBar, uint32(notifyOff), notifyLen),
		notifyOffMult: notifyMult,
		mem:           mem,
	}

	commonBar, commonOff, commonLen, _, ok := fn.FindVirtioCapability(cfgTypeCommon)
	if !ok {
		return nil, fmt.Errorf("virtionet: no common-cfg capability")
	}
	d.commonCfg = mapBAR(commonBar, uint32(commonOff), commonLen)

	// Steps 3-4: reset, ACKNOWLEDGE, DRIVER, negotiate features.
	d.commonCfg.Write8(offDeviceStatus, 0)
	status := uint8(0)
	status |= statusAcknowledge
	d.commonCfg.Write8(offDeviceStatus, status)
	status |= statusDriver
	d.commonCfg.Write8(offDeviceStatus, status)

	d.commonCfg.Write32(offDriverFeature, featureNetMAC)
	status |= statusFeaturesOK
	d.commonCfg.Write8(offDeviceStatus, status)
	if d.commonCfg.Read8(offDeviceStatus)&statusFeaturesOK == 0 {
		return nil, fmt.Errorf("virtionet: device rejected FEATURES_OK")
	}

	// Step 5: per-queue setup.
	rxPage, err := allocPage()
	if err != 0 {
		return nil, fmt.Errorf("virtionet: rx page alloc: %v", err)
	}
	txPage, err := allocPage()
	if err != 0 {
		return nil, fmt.Errorf("virtionet: tx page alloc: %v", err)
	}
	d.rxPage, d.txPage = rxPage, txPage

	for qi := uint16(0); qi < numQueues; qi++ {
		d.commonCfg.Write16(offQueueSelect, qi)
		size := d.commonCfg.Read16(offQueueSize)
		notifyOff := d.commonCfg.Read16(offQueueNotify)

		vq := virtqueue.New(qi, size, notifyOff)
		d.queues[qi] = vq

		// In a real kernel these addresses are physical addresses of the
		// allocated regions; here the queue already owns its storage, so
		// programming QUEUE_DESC/AVAIL/USED is a no-op placeholder left
		// for the platform layer once a direct-mapped physical view
		// exists. The offsets are still exercised so QEMU's device model
		// sees the expected writes.
		d.commonCfg.Write32(offQueueDesc, 0)
		d.commonCfg.Write32(offQueueAvail, 0)
		d.commonCfg.Write32(offQueueUsed, 0)

		if qi == rxQueueIdx {
			vq.AddInbuf(d.rxPage, 4096)
			d.commonCfg.Write16(offQueueMSIXVec, qi)
		}
		d.commonCfg.Write16(offQueueEnable, 1)
	}

	// Step 6: DRIVER_OK.
	status |= statusDriverOK
	d.commonCfg.Write8(offDeviceStatus, status)

	devFeatures := d.commonCfg.Read32(offDeviceFeature)
	if devFeatures&featureNetMAC != 0 {
		if devBar, devOff, devLen, _, ok := fn.FindVirtioCapability(cfgTypeDevice); ok {
			d.deviceCfg = mapBAR(devBar, uint32(devOff), devLen)
			d.hasDeviceCfg = true
			for i := 0; i < 6; i++ {
				d.macAddr[i] = d.deviceCfg.Read8(uint64(i))
			}
			d.hasMAC = true
		}
	}

	return d, nil
}

func (d *Device) notify(q *virtqueue.Queue) {
	off := uint64(d.notifyOffMult) * uint64(q.NotifyOff())
	d.notifyCfg.Write16(off, q.QueueIdx())
}

// Recv drains newly available RX-queue entries into registered listeners
// as PacketIO events (spec.md §4.6, original_source net.rs's recv()).
func (d *Device) Recv() {
	vq := d.queues[rxQueueIdx]
	last := vq.LastUsedIdx()
	for vq.LastSeenUsed() != last {
		buf := vq.GetUsedBuf(vq.LastSeenUsed())
		packetLen := buf.Len - netHdrSize
		raw := event.Encode(event.PacketIO{Addr: buf.Addr + netHdrSize, Len: packetLen})
		for _, l := range d.listeners {
			l.PushEvent(raw[:])
		}
		vq.AdvanceLastSeenUsed()
	}
}

func (d *Device) processIOOne(cmd ioqueue.Cmd) {
	switch cmd.Opcode {
	case ioqueue.OpcodeSubmit:
		hdr := make([]byte, netHdrSize)
		d.mem.Write(d.txPage, 0, hdr)
		payload := d.mem.Read(cmd.Addr, 0, int(cmd.Len))
		d.mem.Write(d.txPage, netHdrSize, payload)
		vq := d.queues[txQueueIdx]
		vq.AddOutbuf(d.txPage, uint32(netHdrSize)+cmd.Len)
		d.notify(vq)
	case ioqueue.OpcodeComplete:
		vq := d.queues[rxQueueIdx]
		vq.AddInbuf(d.rxPage, 4096)
		d.notify(vq)
	}
}

// MapBuffers maps the RX buffer and IO queue pages into an acquiring
// process's address space. It is supplied by the caller (the boot/spawn
// wiring).
type MapBuffers func(vmspace *vm.AddressSpace, rxPage uint64) (rxVA uint64, ioQueueVA uint64, ioQueueBuf []byte, err errno.Errno)

// Acquire registers listener and maps the RX buffer and IO queue pages into
// the acquiring process's own address space. mapBuffers is called fresh on
// every acquisition against the vmspace argument, so a second process
// acquiring the same device gets its own mapping rather than reusing
// whichever process mapped it first. opsAdapter exposes this method as
// device.Ops's two-argument Acquire.
func (d *Device) Acquire(listener device.Listener, vmspace *vm.AddressSpace, mapBuffers MapBuffers) errno.Errno {
	d.listeners = append(d.listeners, listener)

	_, ioVA, ioBuf, err := mapBuffers(vmspace, d.rxPage)
	if err != 0 {
		return err
	}
	d.ioQueue = ioqueue.NewQueue(ioBuf, 64)
	d.ioQueueVA = ioVA
	return 0
}

func (d *Device) Subscribe(flowSelector uint32) errno.Errno {
	return 0 // flow filtering not implemented; every listener sees every flow
}

func (d *Device) GetConfig(opt device.ConfigOption) ([]byte, errno.Errno) {
	switch opt {
	case device.ConfigEthernetMACAddress:
		if !d.hasMAC {
			return nil, errno.ENOSYS
		}
		return append([]byte{}, d.macAddr[:]...), 0
	case device.ConfigIOQueue:
		if d.ioQueue == nil {
			return nil, errno.ENOSYS
		}
		buf := make([]byte, 8)
		// eight-byte native-endian pointer to the IO-queue ring (spec.md §6).
		for i := 0; i < 8; i++ {
			buf[i] = byte(d.ioQueueVA >> (8 * i))
		}
		return buf, 0
	default:
		return nil, errno.ENOSYS
	}
}

func (d *Device) ProcessIO() {
	if d.ioQueue == nil {
		return
	}
	for _, cmd := range d.ioQueue.Drain() {
		d.processIOOne(cmd)
	}
}

var _ device.Ops = (*opsAdapter)(nil)

// opsAdapter adapts Device to device.Ops's Acquire(listener, vmspace)
// shape, since Device.Acquire additionally needs a platform-supplied
// MapBuffers callback bound once at registration time and reused, stateless,
// across every acquiring process's vmspace.
type opsAdapter struct {
	dev        *Device
	mapBuffers MapBuffers
}

func NewOps(dev *Device, mapBuffers MapBuffers) device.Ops {
	return &opsAdapter{dev: dev, mapBuffers: mapBuffers}
}

func (a *opsAdapter) Acquire(listener device.Listener, vmspace *vm.AddressSpace) errno.Errno {
	return a.dev.Acquire(listener, vmspace, a.mapBuffers)
}
func (a *opsAdapter) Subscribe(flowSelector uint32) errno.Errno { return a.dev.Subscribe(flowSelector) }
func (a *opsAdapter) GetConfig(opt device.ConfigOption) ([]byte, errno.Errno) {
	return a.dev.GetConfig(opt)
}
func (a *opsAdapter) ProcessIO() { a.dev.ProcessIO() }

// Name is the device namespace key this driver registers under (spec.md
// §6: "first device exported is /dev/eth").
const Name = devName
