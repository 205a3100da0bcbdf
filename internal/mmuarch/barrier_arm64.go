//go:build manticore_baremetal && arm64

package mmuarch

// The handful of instructions Go cannot express in pure Go — data/instruction
// barriers, TLB maintenance and the MAIR/TCR/TTBR0/SCTLR system registers —
// live in barrier_arm64.s, the same split the teacher keeps between its Go
// kernel logic and its hand-written asm package
// (iansmith-mazarin/src/mazboot/golang/main/mmu.go calls asm.Dsb,
// asm.InvalidateTlbAll, asm.WriteTtbr0El1, and friends throughout).

//go:noescape
func dsb()

//go:noescape
func isb()

//go:noescape
func invalidateTLBAll()

//go:noescape
func invalidateTLBVA(va uint64)

//go:noescape
func writeTTBR0(v uint64)

//go:noescape
func readTTBR0() uint64

//go:noescape
func writeMAIR(v uint64)

//go:noescape
func writeTCR(v uint64)

//go:noescape
func writeSCTLR(v uint64)

//go:noescape
func readSCTLR() uint64
