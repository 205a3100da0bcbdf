//go:build manticore_baremetal

package mmioarch

import (
	"sync/atomic"
	"unsafe"
)

// MMIOBackend performs volatile loads/stores at physBase+offset. It is the
// bare-metal counterpart of the teacher's readMemory32/writeMemory32
// (iansmith-mazarin/.../memory.go) and asm.MmioRead/MmioWrite
// (.../pci_qemu.go): a direct pointer dereference into a device's
// memory-mapped register window. 32- and 64-bit accesses go through
// sync/atomic; 8- and 16-bit accesses are plain dereferences. No explicit
// barrier (such as the teacher's asm.Dsb()) is issued around any access.
type MMIOBackend struct {
	Base uintptr
}

func (m MMIOBackend) Read8(offset uint64) uint8 {
	p := (*uint8)(unsafe.Pointer(m.Base + uintptr(offset)))
	return *p
}

func (m MMIOBackend) Read16(offset uint64) uint16 {
	p := (*uint16)(unsafe.Pointer(m.Base + uintptr(offset)))
	return *p
}

func (m MMIOBackend) Read32(offset uint64) uint32 {
	p := (*uint32)(unsafe.Pointer(m.Base + uintptr(offset)))
	return atomic.LoadUint32(p)
}

func (m MMIOBackend) Read64(offset uint64) uint64 {
	p := (*uint64)(unsafe.Pointer(m.Base + uintptr(offset)))
	return atomic.LoadUint64(p)
}

func (m MMIOBackend) Write8(offset uint64, v uint8) {
	p := (*uint8)(unsafe.Pointer(m.Base + uintptr(offset)))
	*p = v
}

func (m MMIOBackend) Write16(offset uint64, v uint16) {
	p := (*uint16)(unsafe.Pointer(m.Base + uintptr(offset)))
	*p = v
}

func (m MMIOBackend) Write32(offset uint64, v uint32) {
	p := (*uint32)(unsafe.Pointer(m.Base + uintptr(offset)))
	atomic.StoreUint32(p, v)
}

func (m MMIOBackend) Write64(offset uint64, v uint64) {
	p := (*uint64)(unsafe.Pointer(m.Base + uintptr(offset)))
	atomic.StoreUint64(p, v)
}

var _ Backend = MMIOBackend{}
