// Package sched implements the cooperative, single-CPU round-robin process
// scheduler (spec.md §3 "Process", §4 control flow, §9 redesign: "a
// correct reimplementation must maintain a free list" — the scheduler-side
// analog is the wait queue this package adds to the teacher's bare
// runqueue).
//
// Grounded on original_source/kernel/sched.rs's RUNQUEUE/enqueue/dequeue/
// schedule, extended with an explicit wait queue so process_acquire /
// process_wait / wake_up_processes (spec.md §6's wait syscall) have
// somewhere to put a process that yielded rather than being preempted.
// ContextSwitch is the seam standing in for the Rust original's extern
// switch_to/switch_to_first asm trampolines.
package sched

import (
	"github.com/manticoreos/manticore/internal/process"
)

// ContextSwitch performs the hardware register-file swap from prev to
// next. On bare metal this is an assembly trampoline (switch_to/
// switch_to_first in the teacher's sched.rs); tests use a no-op fake.
type ContextSwitch interface {
	SwitchTo(prev, next process.TaskState)
	SwitchToFirst(next process.TaskState)
}

// Scheduler holds the run queue and wait queue of a single CPU.
type Scheduler struct {
	runQueue  []*process.Process
	waitQueue []*process.Process
	current   *process.Process
	ctx       ContextSwitch
}

func New(ctx ContextSwitch) *Scheduler {
	return &Scheduler{ctx: ctx}
}

// Enqueue appends a runnable process to the run queue (spec.md §3 State ==
// Runnable).
func (s *Scheduler) Enqueue(p *process.Process) {
	p.State = process.Runnable
	s.runQueue = append(s.runQueue, p)
}

func (s *Scheduler) dequeue() *process.Process {
	if len(s.runQueue) == 0 {
		return nil
	}
	p := s.runQueue[0]
	s.runQueue = s.runQueue[1:]
	return p
}

// Current returns the currently running process, or nil if the CPU is
// idle.
func (s *Scheduler) Current() *process.Process { return s.current }

// Schedule performs one round-robin pass: re-enqueues the previously
// running process (if any and still runnable), pops the next runnable
// process, and switches hardware context into it (spec.md §4, grounded
// directly on sched.rs's schedule()).
func (s *Scheduler) Schedule() {
	prev := s.current
	s.current = nil
	if prev != nil && prev.State == process.Running {
		s.Enqueue(prev)
	}

	next := s.dequeue()
	if next == nil {
		if prev != nil {
			s.ctx.SwitchTo(prev.TaskState, nil)
		} else {
			s.ctx.SwitchToFirst(nil)
		}
		return
	}

	next.State = process.Running
	s.current = next
	next.VMSpace.SwitchTo()
	if prev != nil {
		s.ctx.SwitchTo(prev.TaskState, next.TaskState)
	} else {
		s.ctx.SwitchToFirst(next.TaskState)
	}
}

// ProcessWait moves the calling process from Running to Waiting and places
// it on the wait queue, for the wait syscall's "yield until event"
// semantics (spec.md §6).
func (s *Scheduler) ProcessWait(p *process.Process) {
	p.State = process.Waiting
	s.waitQueue = append(s.waitQueue, p)
	if s.current == p {
		s.current = nil
	}
}

// WakeUpProcesses moves every process on the wait queue to the run queue,
// unconditionally (spec.md: "wake_up_processes(): move every process on
// the wait queue to the run queue"), called from the interrupt-return path
// once a device has posted new event data.
func (s *Scheduler) WakeUpProcesses() {
	for _, p := range s.waitQueue {
		s.Enqueue(p)
	}
	s.waitQueue = nil
}

// WakeUpProcessesIf is an additive helper for callers (tests, and any
// future selective-wake policy) that want to wake only the waiting
// processes a predicate approves, leaving the rest on the wait queue. It
// does not replace WakeUpProcesses's spec'd unconditional semantics.
func (s *Scheduler) WakeUpProcessesIf(ready func(p *process.Process) bool) {
	var stillWaiting []*process.Process
	for _, p := range s.waitQueue {
		if ready(p) {
			s.Enqueue(p)
		} else {
			stillWaiting = append(stillWaiting, p)
		}
	}
	s.waitQueue = stillWaiting
}

// RunQueueLen and WaitQueueLen expose queue depths for tests and
// diagnostics.
func (s *Scheduler) RunQueueLen() int  { return len(s.runQueue) }
func (s *Scheduler) WaitQueueLen() int { return len(s.waitQueue) }
