//go:build manticore_baremetal && arm64

package main

import (
	"github.com/manticoreos/manticore/internal/mmioarch"
)

// ecamAccessor implements pci.ConfigAccessor over the memory-mapped ECAM
// window QEMU's virt machine exposes, grounded on the teacher's
// pciConfigRead32/pciConfigWrite32 (iansmith-mazarin/.../pci_qemu.go): the
// same bus<<20 | slot<<15 | func<<12 | (offset&0xFC) address math, reworked
// as byte/word/dword-width reads through mmioarch.MMIOBackend instead of a
// single asm.MmioRead(uint32) helper, so callers (package pci) can fetch a
// single capability byte without masking a 32-bit word by hand.
type ecamAccessor struct {
	base mmioarch.MMIOBackend
}

func newECAMAccessor(ecamBase uintptr) ecamAccessor {
	return ecamAccessor{base: mmioarch.MMIOBackend{Base: ecamBase}}
}

func (e ecamAccessor) offset(bus, slot, fn uint8, reg uint16) uint64 {
	return uint64(bus)<<20 | uint64(slot)<<15 | uint64(fn)<<12 | uint64(reg)
}

func (e ecamAccessor) Read8(bus, slot, fn uint8, offset uint16) uint8 {
	return e.base.Read8(e.offset(bus, slot, fn, offset))
}

func (e ecamAccessor) Read16(bus, slot, fn uint8, offset uint16) uint16 {
	return e.base.Read16(e.offset(bus, slot, fn, offset))
}

func (e ecamAccessor) Read32(bus, slot, fn uint8, offset uint16) uint32 {
	return e.base.Read32(e.offset(bus, slot, fn, offset))
}

func (e ecamAccessor) Write32(bus, slot, fn uint8, offset uint16, v uint32) {
	e.base.Write32(e.offset(bus, slot, fn, offset), v)
}
