// Package ioport gives the rest of the kernel a single tagged value for a
// device's register window, whether that window is memory-mapped or
// port-mapped (spec.md §3 "IO port", §4.2). Every caller that needs to poke
// a register — pci, virtqueue, virtionet — holds a Port rather than an
// mmioarch.Backend directly, so remap() can hand out a validated subrange
// without callers re-deriving offsets by hand.
package ioport

import (
	"fmt"

	"github.com/manticoreos/manticore/internal/mmioarch"
)

// Kind distinguishes an MMIO window from a port-mapped one, mirroring the
// tagged (physical_base, size) / (io_base, size) union in spec.md §3.
type Kind int

const (
	MMIO Kind = iota
	PIO
)

// Port is an immutable view over part of a device's register space.
// 64-bit accesses are only defined for MMIO (spec.md §4.2).
type Port struct {
	kind    Kind
	backend mmioarch.Backend
	base    uint64
	size    uint64
}

// New constructs a Port over backend, covering [0, size) of its address
// space.
func New(kind Kind, backend mmioarch.Backend, size uint64) Port {
	return Port{kind: kind, backend: backend, size: size}
}

func (p Port) Kind() Kind    { return p.kind }
func (p Port) Size() uint64  { return p.size }
func (p Port) check(off, width uint64) {
	if off+width > p.size {
		panic(fmt.Sprintf("ioport: access [%d,%d) exceeds port size %d", off, off+width, p.size))
	}
}

func (p Port) Read8(offset uint64) uint8 {
	p.check(offset, 1)
	return p.backend.Read8(p.base + offset)
}

func (p Port) Read16(offset uint64) uint16 {
	p.check(offset, 2)
	return p.backend.Read16(p.base + offset)
}

func (p Port) Read32(offset uint64) uint32 {
	p.check(offset, 4)
	return p.backend.Read32(p.base + offset)
}

func (p Port) Read64(offset uint64) uint64 {
	if p.kind != MMIO {
		panic("ioport: 64-bit access only defined for MMIO")
	}
	p.check(offset, 8)
	return p.backend.Read64(p.base + offset)
}

func (p Port) Write8(offset uint64, v uint8) {
	p.check(offset, 1)
	p.backend.Write8(p.base+offset, v)
}

func (p Port) Write16(offset uint64, v uint16) {
	p.check(offset, 2)
	p.backend.Write16(p.base+offset, v)
}

func (p Port) Write32(offset uint64, v uint32) {
	p.check(offset, 4)
	p.backend.Write32(p.base+offset, v)
}

func (p Port) Write64(offset uint64, v uint64) {
	if p.kind != MMIO {
		panic("ioport: 64-bit access only defined for MMIO")
	}
	p.check(offset, 8)
	p.backend.Write64(p.base+offset, v)
}

// Remap returns a new Port shifted into the subrange [offset, offset+newSize)
// of p, failing if that subrange does not fit within p (spec.md §4.2).
func (p Port) Remap(offset, newSize uint64) (Port, error) {
	if offset+newSize > p.size {
		return Port{}, fmt.Errorf("ioport: remap [%d,%d) exceeds port size %d", offset, offset+newSize, p.size)
	}
	return Port{
		kind:    p.kind,
		backend: p.backend,
		base:    p.base + offset,
		size:    newSize,
	}, nil
}
