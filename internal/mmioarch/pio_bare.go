//go:build manticore_baremetal && arm64

package mmioarch

// PIOBackend is a no-op placeholder on arm64, which has no port I/O address
// space distinct from memory (spec.md §4.2 treats PIO as a platform that
// "may" expose it, following the same optional split the teacher's own
// mazboot bootloader keeps between mmio_read/mmio_write and the x86-only
// inb/outb pair it never builds for aarch64). Virtio-over-PCI on the QEMU
// virt machine is entirely MMIO, so no arm64 caller should construct one;
// the methods panic rather than silently reading garbage.
type PIOBackend struct {
	Port uint16
}

func (p PIOBackend) Read8(offset uint64) uint8   { panic("mmioarch: port I/O unavailable on arm64") }
func (p PIOBackend) Read16(offset uint64) uint16 { panic("mmioarch: port I/O unavailable on arm64") }
func (p PIOBackend) Read32(offset uint64) uint32 { panic("mmioarch: port I/O unavailable on arm64") }
func (p PIOBackend) Read64(offset uint64) uint64 { panic("mmioarch: port I/O unavailable on arm64") }

func (p PIOBackend) Write8(offset uint64, v uint8)   { panic("mmioarch: port I/O unavailable on arm64") }
func (p PIOBackend) Write16(offset uint64, v uint16) { panic("mmioarch: port I/O unavailable on arm64") }
func (p PIOBackend) Write32(offset uint64, v uint32) { panic("mmioarch: port I/O unavailable on arm64") }
func (p PIOBackend) Write64(offset uint64, v uint64) { panic("mmioarch: port I/O unavailable on arm64") }

var _ Backend = PIOBackend{}
