// Package console implements the kernel's diagnostic output sink.
//
// The teacher boots with a bit-banged PL011 UART (uartInit/uartPutc in
// iansmith-mazarin's kernel.go): no heap, no goroutines, just byte-at-a-time
// writes to a memory-mapped register. This package keeps that shape — a
// single Writer backed by anything that can accept bytes — but expresses it
// as an io.Writer so the rest of the kernel can log through the standard
// fmt/log formatting machinery instead of hand-rolled uitoa helpers.
package console

import (
	"io"
	"sync"
)

// Sink is the minimal byte-output capability a concrete UART exposes.
// The bare-metal implementation writes one byte at a time, polling a
// status register between writes, which is why the interface is byte
// oriented rather than []byte oriented.
type Sink interface {
	PutByte(b byte)
}

// Writer adapts a Sink to io.Writer and serializes concurrent writers.
type Writer struct {
	mu   sync.Mutex
	sink Sink
}

// New wraps a Sink as an io.Writer.
func New(sink Sink) *Writer {
	return &Writer{sink: sink}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		w.sink.PutByte(b)
	}
	return len(p), nil
}

var _ io.Writer = (*Writer)(nil)

// discardSink is used when no real UART is wired (e.g. in unit tests);
// it mirrors the teacher's uart_stub.go.
type discardSink struct{}

func (discardSink) PutByte(byte) {}

// Discard is a Writer that throws every byte away.
var Discard = New(discardSink{})
