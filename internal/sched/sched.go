// Package sched implements the Thread (Task) object and the per-CPU
// scheduler of spec §3, §4.9, and §5.
//
// This workspace hosts the kernel core as a Go process rather than on
// bare metal, so there is no real single-hardware-thread-per-CPU
// execution to multiplex: a Thread_t's entry function is an ordinary
// Go func run by whoever calls Thread_t.Run, and the Go runtime
// schedules goroutines beneath us. What this package reproduces faithfully is
// the *bookkeeping* spec §4.9 and §5 describe -- per-CPU
// ready/blocked/stopped membership, round-robin CPU assignment at
// creation, and the cross-CPU wake rule that a thread unblocked from
// CPU Y is enqueued onto CPU X's ready queue under X's scheduler lock
// -- so that code built against it observes the same state-machine
// transitions spec §4.9's schedule() describes, without reimplementing
// a second cooperative scheduler underneath the Go runtime's own.
package sched

import (
	"sync"
	"sync/atomic"

	"github.com/oichkatzele/radonkernel/internal/kobject"
	"github.com/oichkatzele/radonkernel/internal/proc"
	"github.com/oichkatzele/radonkernel/internal/ustr2"
)

// ThreadState is the lifecycle state of spec §3.
type ThreadState int

const (
	Created ThreadState = iota
	Ready
	Running
	Blocked
	Stopped
	Exited
)

var nextTid uint64

// Thread_t is one Thread (Task).
type Thread_t struct {
	kobject.Base

	mu sync.Mutex

	tid     uint64
	Name    ustr2.Name
	Process *proc.Process_t // weak per spec §9: Process strongly owns Thread

	state    ThreadState
	cpuID    int
	exitCode int
	isMain   bool

	// Priority biases ready-queue insertion (append vs. prepend);
	// restored from original_source's task::sched (see SPEC_FULL.md
	// "SUPPLEMENTED FEATURES"). It changes no invariant of spec §4.9.
	Priority int

	entry    func()
	stackTop uintptr
	ip       uintptr
}

func (t *Thread_t) Tid() uint64 { return t.tid }
func (t *Thread_t) IsMain() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isMain
}

func (t *Thread_t) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread_t) CPU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpuID
}

func (t *Thread_t) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Frame returns the initial register frame preloaded at creation
// (entry IP and user stack top), unchanged for the thread's lifetime.
func (t *Thread_t) Frame() (ip, stackTop uintptr) {
	return t.ip, t.stackTop
}

// Run invokes the thread's entry function synchronously on the calling
// goroutine. Nothing in this package calls it; Run itself does not
// touch scheduler state.
func (t *Thread_t) Run() {
	if t.entry != nil {
		t.entry()
	}
}

// CPU_t is one per-CPU scheduler instance: idle marker, current
// thread, ready FIFO, and blocked/stopped membership lists (spec
// §4.9).
type CPU_t struct {
	mu sync.Mutex

	ID      int
	current *Thread_t
	ready   []*Thread_t
	blocked map[uint64]*Thread_t
	stopped map[uint64]*Thread_t
}

// Scheduler_t owns every CPU_t and performs round-robin thread
// assignment at creation (spec §4.8 "create_main_thread").
type Scheduler_t struct {
	cpus []*CPU_t
	rr   uint64
}

// New builds a scheduler with n per-CPU queues.
func New(n int) *Scheduler_t {
	s := &Scheduler_t{cpus: make([]*CPU_t, n)}
	for i := range s.cpus {
		s.cpus[i] = &CPU_t{ID: i, blocked: make(map[uint64]*Thread_t), stopped: make(map[uint64]*Thread_t)}
	}
	return s
}

func (s *Scheduler_t) CPU(i int) *CPU_t { return s.cpus[i] }
func (s *Scheduler_t) NumCPU() int      { return len(s.cpus) }

func (s *Scheduler_t) pickCPU() int {
	n := atomic.AddUint64(&s.rr, 1) - 1
	return int(n % uint64(len(s.cpus)))
}

// NewThread constructs a Thread_t assigned to a CPU by round-robin,
// with an initial register frame (ip, stack top) preloaded, but does
// not start it (spec §4.8: create_main_thread "makes one Thread ...
// but does not start it").
func (s *Scheduler_t) NewThread(p *proc.Process_t, name string, isMain bool, entry func(), stackTop, ip uintptr) *Thread_t {
	validName, err := ustr2.New(name)
	if err != 0 {
		validName = ustr2.Empty
	}
	t := &Thread_t{
		tid:      atomic.AddUint64(&nextTid, 1),
		Name:     validName,
		Process:  p,
		state:    Created,
		cpuID:    s.pickCPU(),
		isMain:   isMain,
		entry:    entry,
		stackTop: stackTop,
		ip:       ip,
	}
	t.Base.Init(kobject.TypeThread)
	return t
}

// Enqueue moves t to Ready and pushes it onto its assigned CPU's ready
// queue tail (or, for Priority > 0, the head -- restored per
// original_source, see SPEC_FULL.md).
func (s *Scheduler_t) Enqueue(t *Thread_t) {
	t.mu.Lock()
	t.state = Ready
	cpuID := t.cpuID
	prio := t.Priority
	t.mu.Unlock()

	cpu := s.cpus[cpuID]
	cpu.mu.Lock()
	if prio > 0 {
		cpu.ready = append([]*Thread_t{t}, cpu.ready...)
	} else {
		cpu.ready = append(cpu.ready, t)
	}
	delete(cpu.blocked, t.tid)
	cpu.mu.Unlock()
}

// Block marks t Blocked and records it on its CPU's blocked list.
func (s *Scheduler_t) Block(t *Thread_t) {
	t.mu.Lock()
	t.state = Blocked
	cpuID := t.cpuID
	t.mu.Unlock()

	cpu := s.cpus[cpuID]
	cpu.mu.Lock()
	cpu.blocked[t.tid] = t
	cpu.mu.Unlock()
}

// WakeCrossCPU is the spec §4.9 "Cross-CPU wake" path: a thread
// blocked on CPU X, unblocked from CPU Y, is enqueued onto X's ready
// queue under X's scheduler lock. Enqueue already takes t's own
// assigned-CPU lock, so WakeCrossCPU is just Enqueue with a name that
// documents the cross-CPU case explicitly.
func (s *Scheduler_t) WakeCrossCPU(t *Thread_t) {
	s.Enqueue(t)
}

// Schedule performs one scheduling decision on cpu, per spec §4.9:
// demote current to Ready if it is still Ready/Running, drop it if
// Exited/Stopped, then pop the ready queue's front (or nil for idle).
// Callers are responsible for the actual goroutine hand-off; this
// method only updates the bookkeeping, consistent with this package's
// doc comment.
func (s *Scheduler_t) Schedule(cpu *CPU_t) *Thread_t {
	cpu.mu.Lock()
	prev := cpu.current
	cpu.mu.Unlock()

	if prev != nil {
		prev.mu.Lock()
		switch prev.state {
		case Ready, Running:
			prev.state = Ready
			cpu.mu.Lock()
			cpu.ready = append(cpu.ready, prev)
			cpu.mu.Unlock()
		case Blocked:
			cpu.mu.Lock()
			cpu.blocked[prev.tid] = prev
			cpu.mu.Unlock()
		}
		prev.mu.Unlock()
	}

	cpu.mu.Lock()
	var next *Thread_t
	if len(cpu.ready) > 0 {
		next = cpu.ready[0]
		cpu.ready = cpu.ready[1:]
	}
	cpu.current = next
	cpu.mu.Unlock()

	if next != nil {
		next.mu.Lock()
		next.state = Running
		next.mu.Unlock()
	}
	return next
}

// Exit marks t Exited, drops it from every CPU bookkeeping list, and
// notifies t's Process via ThreadExited, which may trigger the
// process's own exit cascade (spec §4.8, §4.9).
func (s *Scheduler_t) Exit(t *Thread_t, code int, releaseHandle func(kobject.Object)) {
	t.mu.Lock()
	t.state = Exited
	t.exitCode = code
	cpuID := t.cpuID
	p := t.Process
	t.mu.Unlock()

	cpu := s.cpus[cpuID]
	cpu.mu.Lock()
	delete(cpu.blocked, t.tid)
	delete(cpu.stopped, t.tid)
	if cpu.current == t {
		cpu.current = nil
	}
	for i, r := range cpu.ready {
		if r.tid == t.tid {
			cpu.ready = append(cpu.ready[:i], cpu.ready[i+1:]...)
			break
		}
	}
	cpu.mu.Unlock()

	if p != nil {
		p.ThreadExited(t, releaseHandle)
	}
}

// TerminateAll is the Process-level exit iteration of spec §4.9
// "Cancellation": it sets every thread to Exited and removes each from
// the scheduler, without notifying the process again (the caller is
// already inside proc.Process_t.Exit).
func (s *Scheduler_t) TerminateAll(ts []*Thread_t) {
	for _, t := range ts {
		t.mu.Lock()
		t.state = Exited
		cpuID := t.cpuID
		t.mu.Unlock()

		cpu := s.cpus[cpuID]
		cpu.mu.Lock()
		delete(cpu.blocked, t.tid)
		delete(cpu.stopped, t.tid)
		if cpu.current == t {
			cpu.current = nil
		}
		for i, r := range cpu.ready {
			if r.tid == t.tid {
				cpu.ready = append(cpu.ready[:i], cpu.ready[i+1:]...)
				break
			}
		}
		cpu.mu.Unlock()
	}
}
