//go:build manticore_baremetal && arm64

package main

import (
	"unsafe"

	"github.com/manticoreos/manticore/internal/process"
	"github.com/manticoreos/manticore/internal/sched"
)

// savedRegs is the callee-saved register set switchContext spills to and
// restores from a task's own stack: x19-x28, the frame pointer x29, and
// the link register. This is the standard AArch64 AAPCS64 callee-saved
// set; switching it is enough to resume a suspended task because every Go
// function already preserves caller-saved registers across calls.
const savedRegsSize = 12 * 8

// hwTaskState implements process.TaskState and additionally carries the
// saved stack pointer switchContext needs. The teacher has no analogue —
// iansmith-mazarin runs one address space and leans on the Go runtime's
// own goroutine scheduler (goroutine.go) rather than switching between
// independent user processes — so this is written fresh, in the same
// nosplit, fixed-layout style the teacher uses for its own low-level
// stack-pointer plumbing (stack_growth.go).
type hwTaskState struct {
	entry    uint64
	stackTop uint64
	sp       uintptr // 0 until prepared on first switch
}

func newHWTaskState(entry, stackTop uint64) *hwTaskState {
	return &hwTaskState{entry: entry, stackTop: stackTop}
}

func (t *hwTaskState) EntryPoint() uint64 { return t.entry }
func (t *hwTaskState) StackTop() uint64   { return t.stackTop }

// prepare lays out the initial saved-register frame at the top of the
// task's stack so that resuming it for the first time lands on entry with
// an empty callee-saved set, the link register holding entry itself.
func (t *hwTaskState) prepare() uintptr {
	top := uintptr(t.stackTop) &^ 0xF // 16-byte stack alignment (AAPCS64)
	frame := top - savedRegsSize
	regs := unsafe.Slice((*uint64)(unsafe.Pointer(frame)), savedRegsSize/8)
	for i := range regs {
		regs[i] = 0
	}
	regs[savedRegsSize/8-1] = t.entry // LR slot: where RET lands
	return frame
}

// hwContextSwitch implements sched.ContextSwitch for the bare-metal build.
type hwContextSwitch struct{}

func (hwContextSwitch) SwitchTo(prev, next process.TaskState) {
	if next == nil {
		return
	}
	n := next.(*hwTaskState)
	if n.sp == 0 {
		n.sp = n.prepare()
	}
	if prev == nil {
		jumpToFirst(n.sp)
		return
	}
	p := prev.(*hwTaskState)
	switchContext(&p.sp, n.sp)
}

func (hwContextSwitch) SwitchToFirst(next process.TaskState) {
	if next == nil {
		return
	}
	n := next.(*hwTaskState)
	if n.sp == 0 {
		n.sp = n.prepare()
	}
	jumpToFirst(n.sp)
}

//go:noescape
func switchContext(prevSP *uintptr, nextSP uintptr)

//go:noescape
func jumpToFirst(sp uintptr)

var _ sched.ContextSwitch = hwContextSwitch{}
var _ process.TaskState = (*hwTaskState)(nil)
