// Package mmioarch is the narrow seam between portable kernel logic and the
// two ways this kernel touches hardware registers: memory-mapped I/O and
// (on some architectures) port-mapped I/O. Every other package in this
// repository — ioport, pci, virtqueue notification, virtio-net — goes
// through a Backend rather than touching unsafe.Pointer or port
// instructions directly, the same split the teacher keeps between its
// portable logic and its _qemu.go/_rpi.go platform files
// (iansmith-mazarin/src/go/mazarin/framebuffer_qemu.go vs _rpi.go) and the
// asm helpers it links against (mmio_read/mmio_write in kernel.go,
// asm.MmioRead/MmioWrite in mazboot/golang/main/pci_qemu.go).
package mmioarch

// Backend is the uniform 8/16/32/64-bit read/write capability a region of
// address space exposes, regardless of whether it is backed by MMIO or by
// port I/O (spec.md §4.2). Offsets are relative to whatever base the
// Backend was constructed with.
type Backend interface {
	Read8(offset uint64) uint8
	Read16(offset uint64) uint16
	Read32(offset uint64) uint32
	Read64(offset uint64) uint64
	Write8(offset uint64, v uint8)
	Write16(offset uint64, v uint16)
	Write32(offset uint64, v uint32)
	Write64(offset uint64, v uint64)
}
