//go:build manticore_baremetal && arm64

package main

import (
	"sync/atomic"
	"unsafe"
)

// PL011 UART registers on the QEMU virt machine, grounded on the teacher's
// uart_qemu.go (iansmith-mazarin/src/mazboot/golang/main/uart_qemu.go):
// same base address and the same data/flag register offsets, but
// polled-only rather than interrupt/ring-buffer driven — this kernel's
// console exists for boot diagnostics, not a user-facing terminal, so the
// teacher's ring buffer and IRQ plumbing have no counterpart here.
const (
	uartBase = 0x09000000
	uartDR   = uartBase + 0x00
	uartFR   = uartBase + 0x18
	uartTXFF = 1 << 5 // transmit FIFO full
)

// pl011Sink implements console.Sink by polling the UART's flag register
// before each byte, the same busy-wait uartPutc does in the teacher's
// uart_qemu.go.
type pl011Sink struct{}

func (pl011Sink) PutByte(b byte) {
	fr := (*uint32)(unsafe.Pointer(uintptr(uartFR)))
	for atomic.LoadUint32(fr)&uartTXFF != 0 {
	}
	dr := (*uint32)(unsafe.Pointer(uintptr(uartDR)))
	atomic.StoreUint32(dr, uint32(b))
}
