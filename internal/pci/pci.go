// Package pci implements the bus/slot/function enumerator and driver
// registry (spec.md §3 "Device", §4.5). It is grounded on
// original_source/drivers/pci/lib.rs's enumeration loop and on the
// teacher's iansmith-mazarin/src/mazboot/golang/main/pci_qemu.go, which
// walks the same vendor/device/class/BAR/capability fields over a
// memory-mapped ECAM window; bobuhiro11-gokvm/pci/pci.go's Config struct
// shape grounds the field layout used here.
package pci

import (
	"encoding/binary"

	"github.com/manticoreos/manticore/internal/ioport"
	"github.com/manticoreos/manticore/internal/mmioarch"
)

// Config-space byte offsets (spec.md §6).
const (
	OffVendor        = 0x00
	OffDevice         = 0x02
	OffCommand        = 0x04
	OffStatus         = 0x06
	OffClassRevision  = 0x08
	OffHeaderType     = 0x0E
	OffBAR0           = 0x10
	OffSecondaryBus   = 0x19
	OffCapPointer     = 0x34
)

const (
	CapVendor = 0x09
	CapMSIX   = 0x11
)

const (
	HeaderTypeBridge = 0x01
	HeaderTypeMask   = 0x7f

	StatusCapList = 1 << 4
	CmdBusMaster  = 1 << 2
	CmdMem        = 1 << 1
	CmdIO         = 1 << 0
	CmdIntxDisable = 1 << 10
)

// ConfigAccessor reads and writes one function's PCI configuration space at
// a given (bus, slot, func). A real platform backs this with an ECAM
// memory window (mapped via mmioarch.Backend); tests back it with an
// in-memory fake.
type ConfigAccessor interface {
	Read8(bus, slot, fn uint8, offset uint16) uint8
	Read16(bus, slot, fn uint8, offset uint16) uint16
	Read32(bus, slot, fn uint8, offset uint16) uint32
	Write32(bus, slot, fn uint8, offset uint16, v uint32)
}

// BAR describes one decoded base-address register.
type BAR struct {
	Index  int
	IsIO   bool
	Is64   bool
	Base   uint64
	Size   uint64
	Prefetchable bool
}

// Capability is one entry walked off a function's capability list.
type Capability struct {
	ID     uint8
	Offset uint16
}

// Function is one enumerated PCI device (bus, slot, function).
type Function struct {
	Bus, Slot, Fn      uint8
	VendorID, DeviceID uint16
	Class, Subclass, ProgIF, Revision uint8
	BARs         []BAR
	Capabilities []Capability
}

// Driver matches and claims functions by vendor/device ID.
type Driver interface {
	VendorID() uint16
	DeviceID() uint16
	Probe(fn *Function, cfg ConfigAccessor) (any, bool)
}

// Registry is the append-only set of drivers consulted at every probe
// (spec.md §4.5 invariant: "the registry is append-only at boot").
type Registry struct {
	drivers []Driver
}

func NewRegistry() *Registry { return &Registry{} }

// Register appends a driver. Never call after boot probing has started.
func (r *Registry) Register(d Driver) {
	r.drivers = append(r.drivers, d)
}

func (r *Registry) find(vendor, device uint16) Driver {
	for _, d := range r.drivers {
		if d.VendorID() == vendor && d.DeviceID() == device {
			return d
		}
	}
	return nil
}

// Enumerate walks bus/slot/function space, recursing into bridges, and for
// every leaf function decodes its identity, BARs, and capability list
// (spec.md §4.5). When a registered driver's Probe claims a function,
// onClaim is called with that function and the device Probe returned.
func Enumerate(cfg ConfigAccessor, registry *Registry, onClaim func(fn *Function, device any)) {
	enumerateBus(cfg, registry, onClaim, 0)
}

func enumerateBus(cfg ConfigAccessor, registry *Registry, onClaim func(*Function, any), bus uint8) {
	if cfg.Read16(bus, 0, 0, OffVendor) == 0xffff {
		return
	}
	for slot := uint8(0); slot < 32; slot++ {
		if cfg.Read16(bus, slot, 0, OffVendor) == 0xffff {
			continue
		}
		for fn := uint8(0); fn < 8; fn++ {
			vendor := cfg.Read16(bus, slot, fn, OffVendor)
			if vendor == 0xffff {
				if fn == 0 {
					break
				}
				continue
			}
			headerType := cfg.Read8(bus, slot, fn, OffHeaderType)
			if headerType&HeaderTypeMask == HeaderTypeBridge {
				secondary := cfg.Read8(bus, slot, fn, OffSecondaryBus)
				enumerateBus(cfg, registry, onClaim, secondary)
				if fn == 0 && headerType&0x80 == 0 {
					break
				}
				continue
			}

			f := decodeFunction(cfg, bus, slot, fn, vendor)
			if registry != nil {
				if drv := registry.find(f.VendorID, f.DeviceID); drv != nil {
					if dev, ok := drv.Probe(f, cfg); ok && onClaim != nil {
						onClaim(f, dev)
					}
				}
			}
			if fn == 0 && headerType&0x80 == 0 {
				break
			}
		}
	}
}

func decodeFunction(cfg ConfigAccessor, bus, slot, fn uint8, vendor uint16) *Function {
	f := &Function{Bus: bus, Slot: slot, Fn: fn, VendorID: vendor}
	f.DeviceID = cfg.Read16(bus, slot, fn, OffDevice)
	classRev := cfg.Read32(bus, slot, fn, OffClassRevision)
	f.Revision = uint8(classRev)
	f.ProgIF = uint8(classRev >> 8)
	f.Subclass = uint8(classRev >> 16)
	f.Class = uint8(classRev >> 24)

	f.BARs = decodeBARs(cfg, bus, slot, fn)

	status := cfg.Read16(bus, slot, fn, OffStatus)
	if status&StatusCapList != 0 {
		f.Capabilities = walkCapabilities(cfg, bus, slot, fn)
	}
	return f
}

// decodeBARs decodes up to six BARs by the write-all-ones/read-back/restore
// probe (spec.md §4.5), handling 32-bit, 64-bit (two consecutive BARs), and
// I/O variants.
func decodeBARs(cfg ConfigAccessor, bus, slot, fn uint8) []BAR {
	var bars []BAR
	for i := 0; i < 6; i++ {
		off := uint16(OffBAR0 + i*4)
		orig := cfg.Read32(bus, slot, fn, off)
		if orig == 0 {
			continue
		}
		if orig&0x1 == 1 {
			// I/O space BAR.
			cfg.Write32(bus, slot, fn, off, 0xffffffff)
			probe := cfg.Read32(bus, slot, fn, off)
			cfg.Write32(bus, slot, fn, off, orig)
			size := ^(probe &^ 0x3) + 1
			bars = append(bars, BAR{Index: i, IsIO: true, Base: uint64(orig &^ 0x3), Size: uint64(size)})
			continue
		}

		memType := (orig >> 1) & 0x3
		prefetch := orig&0x8 != 0
		if memType == 0x2 {
			// 64-bit BAR spans this slot and the next.
			hi := cfg.Read32(bus, slot, fn, off+4)
			cfg.Write32(bus, slot, fn, off, 0xffffffff)
			cfg.Write32(bus, slot, fn, off+4, 0xffffffff)
			loProbe := cfg.Read32(bus, slot, fn, off)
			hiProbe := cfg.Read32(bus, slot, fn, off+4)
			cfg.Write32(bus, slot, fn, off, orig)
			cfg.Write32(bus, slot, fn, off+4, hi)

			combined := uint64(hiProbe)<<32 | uint64(loProbe&^0xf)
			size := ^combined + 1
			base := uint64(hi)<<32 | uint64(orig&^0xf)
			bars = append(bars, BAR{Index: i, Is64: true, Base: base, Size: size, Prefetchable: prefetch})
			i++ // consumed the next BAR slot too
			continue
		}

		cfg.Write32(bus, slot, fn, off, 0xffffffff)
		probe := cfg.Read32(bus, slot, fn, off)
		cfg.Write32(bus, slot, fn, off, orig)
		size := ^(probe &^ 0xf) + 1
		bars = append(bars, BAR{Index: i, Base: uint64(orig &^ 0xf), Size: uint64(size), Prefetchable: prefetch})
	}
	return bars
}

// walkCapabilities follows the capability list starting at offset 0x34
// (spec.md §4.5/§6).
func walkCapabilities(cfg ConfigAccessor, bus, slot, fn uint8) []Capability {
	var caps []Capability
	off := cfg.Read8(bus, slot, fn, OffCapPointer)
	for off != 0 {
		id := cfg.Read8(bus, slot, fn, uint16(off))
		caps = append(caps, Capability{ID: id, Offset: uint16(off)})
		off = cfg.Read8(bus, slot, fn, uint16(off)+1)
	}
	return caps
}

// RemapBAR wraps a decoded memory BAR as an ioport.Port over the given
// backend, so callers (virtio-net) never touch raw BAR bytes directly.
func RemapBAR(bar BAR, kind ioport.Kind, backend mmioarch.Backend) ioport.Port {
	return ioport.New(kind, backend, bar.Size)
}

// le32 decodes a little-endian 32-bit capability payload field. It has no
// callers; capability fields are read through ConfigAccessor.Read32.
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
