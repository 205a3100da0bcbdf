package mmioarch

import "testing"

func TestSoftwareRoundTrip32(t *testing.T) {
	b := NewSoftware(16)
	b.Write32(4, 0xdeadbeef)
	if got := b.Read32(4); got != 0xdeadbeef {
		t.Fatalf("Read32 = 0x%x, want 0xdeadbeef", got)
	}
	// little-endian: low byte at lowest offset
	if got := b.Read8(4); got != 0xef {
		t.Fatalf("Read8(4) = 0x%x, want 0xef", got)
	}
}

func TestSoftwareRoundTrip16And64(t *testing.T) {
	b := NewSoftware(16)
	b.Write16(0, 0xbeef)
	if got := b.Read16(0); got != 0xbeef {
		t.Fatalf("Read16 = 0x%x, want 0xbeef", got)
	}
	b.Write64(8, 0x0102030405060708)
	if got := b.Read64(8); got != 0x0102030405060708 {
		t.Fatalf("Read64 = 0x%x, want 0x0102030405060708", got)
	}
}

func TestSoftwareImplementsBackend(t *testing.T) {
	var _ Backend = NewSoftware(8)
}
