package mmioarch

import "encoding/binary"

// Software is an in-memory Backend over a plain []byte, used by unit tests
// in ioport, gic, virtionet and cmd/kernel that need to exercise
// register-decode logic without real hardware or the manticore_baremetal
// build tag. It stands in for the teacher's own habit of keeping platform
// code behind a narrow interface so _qemu.go and _rpi.go variants can be
// swapped for tests (framebuffer.go vs framebuffer_qemu.go).
//
// Registers are little-endian, matching virtio 1.x's wire byte order
// (spec.md §4, virtio-net config space and common config fields).
type Software struct {
	Mem []byte
}

// NewSoftware allocates a Software backend with the given register window
// size in bytes.
func NewSoftware(size int) *Software {
	return &Software{Mem: make([]byte, size)}
}

func (s *Software) Read8(offset uint64) uint8 {
	return s.Mem[offset]
}

func (s *Software) Read16(offset uint64) uint16 {
	return binary.LittleEndian.Uint16(s.Mem[offset:])
}

func (s *Software) Read32(offset uint64) uint32 {
	return binary.LittleEndian.Uint32(s.Mem[offset:])
}

func (s *Software) Read64(offset uint64) uint64 {
	return binary.LittleEndian.Uint64(s.Mem[offset:])
}

func (s *Software) Write8(offset uint64, v uint8) {
	s.Mem[offset] = v
}

func (s *Software) Write16(offset uint64, v uint16) {
	binary.LittleEndian.PutUint16(s.Mem[offset:], v)
}

func (s *Software) Write32(offset uint64, v uint32) {
	binary.LittleEndian.PutUint32(s.Mem[offset:], v)
}

func (s *Software) Write64(offset uint64, v uint64) {
	binary.LittleEndian.PutUint64(s.Mem[offset:], v)
}

var _ Backend = (*Software)(nil)
