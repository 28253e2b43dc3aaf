// Package proc implements the Process object of spec §3 and §4.8:
// owner of a handle table, root VMAR, thread set, exit code, and
// signal state, plus the bootstrap Channel handoff of spec §6.
package proc

import (
	"sync"
	"sync/atomic"

	"github.com/oichkatzele/radonkernel/internal/channel"
	"github.com/oichkatzele/radonkernel/internal/handle"
	"github.com/oichkatzele/radonkernel/internal/kerr"
	"github.com/oichkatzele/radonkernel/internal/kobject"
	"github.com/oichkatzele/radonkernel/internal/signal"
	"github.com/oichkatzele/radonkernel/internal/ustr2"
	"github.com/oichkatzele/radonkernel/internal/vmar"
)

// State is the process lifecycle state of spec §3.
type State int

const (
	Created State = iota
	Running
	Stopped
	Exited
)

// UserAddressRange is the architecture-agnostic user-address span a
// freshly created process's root VMAR spans. This workspace is
// architecture-agnostic per spec §1, so the value is a placeholder
// large enough to exercise VMAR allocation in tests.
const UserAddressRange int64 = 1 << 32

var nextPid int64

// Thread is the minimal view proc needs of a thread; internal/sched's
// Thread_t satisfies it. Kept narrow so proc does not import sched
// (sched imports proc instead, to resolve the Process<->Thread cycle
// the way spec §9 describes: Process strongly owns Thread, Thread
// weakly references Process).
type Thread interface {
	Tid() uint64
	IsMain() bool
	ExitCode() int
}

// Process_t is one Process.
type Process_t struct {
	kobject.Base

	mu sync.Mutex

	Pid   int64
	Name  ustr2.Name
	state State

	exitCode int

	parent   *Process_t
	children map[int64]*Process_t

	threads    map[uint64]Thread
	mainThread Thread

	Handles  *handle.Table_t
	RootVmar *vmar.Vmar_t

	initHandles           []handle.Handle
	bootstrapChannelHandle handle.Handle
	hasBootstrap           bool
}

// New allocates a pid, an empty handle table, and a root VMAR spanning
// the architectural user-address range (spec §4.8). If withBootstrap
// is true, a Channel pair is created: the child end is inserted into
// the new process's handle table and recorded as the bootstrap handle;
// the parent end is returned as bootstrapParentEnd.
func New(name string, parent *Process_t, withBootstrap bool) (p *Process_t, bootstrapParentEnd *channel.Channel_t) {
	// An invalid name (embedded NUL, over-length) degrades to the empty
	// name rather than failing process creation: spec §3 treats Name as
	// a diagnostic label, not a value whose validity gates an operation.
	validName, err := ustr2.New(name)
	if err != 0 {
		validName = ustr2.Empty
	}
	p = &Process_t{
		Pid:      atomic.AddInt64(&nextPid, 1),
		Name:     validName,
		state:    Created,
		parent:   parent,
		children: make(map[int64]*Process_t),
		threads:  make(map[uint64]Thread),
		Handles:  handle.New(),
		RootVmar: vmar.NewRoot(0x1000_0000, UserAddressRange),
	}
	p.Base.Init(kobject.TypeProcess)
	if parent != nil {
		parent.mu.Lock()
		parent.children[p.Pid] = p
		parent.mu.Unlock()
	}
	if withBootstrap {
		childEnd, parentEnd := channel.NewPair()
		h, _ := p.Handles.Insert(childEnd, handle.Basic|handle.Transfer)
		p.bootstrapChannelHandle = h
		p.hasBootstrap = true
		bootstrapParentEnd = parentEnd
	}
	return p, bootstrapParentEnd
}

// SetInitHandles records the caller-supplied handles placed at indices
// 1..N of the bootstrap handle list (spec §6 "Process bootstrap
// handoff"). Index 0 is always the bootstrap Channel handle, if one
// exists.
func (p *Process_t) SetInitHandles(hs []handle.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initHandles = hs
}

// GetInitHandle returns the handle at the given bootstrap index: index
// 0 is the bootstrap Channel handle (spec §6), subsequent indices are
// the caller-supplied initial handles.
func (p *Process_t) GetInitHandle(index int) (handle.Handle, kerr.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index == 0 {
		if !p.hasBootstrap {
			return handle.Invalid, kerr.ENOENT
		}
		return p.bootstrapChannelHandle, 0
	}
	i := index - 1
	if i < 0 || i >= len(p.initHandles) {
		return handle.Invalid, kerr.ENOENT
	}
	return p.initHandles[i], 0
}

// AddThread adds t to the thread set and, if t.IsMain(), records it as
// the main thread. It does not check whether a main thread already
// exists: adding a second main thread replaces the recorded one.
func (p *Process_t) AddThread(t Thread) {
	p.mu.Lock()
	p.threads[t.Tid()] = t
	if t.IsMain() {
		p.mainThread = t
	}
	p.mu.Unlock()
}

// HasMainThread reports whether AddThread has recorded a main thread.
func (p *Process_t) HasMainThread() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mainThread != nil
}

// State returns the current lifecycle state.
func (p *Process_t) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start transitions Created or Stopped -> Running and clears
// Terminated (spec §4.8). It returns the set of threads the caller
// (internal/sched) must move into their CPU's ready queue.
func (p *Process_t) Start() ([]Thread, kerr.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Created && p.state != Stopped {
		return nil, kerr.EINVAL
	}
	p.state = Running
	p.SignalClear(signal.Terminated)
	out := make([]Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out, 0
}

// ThreadExited is called by internal/sched when a thread belonging to
// p exits. If it was the main thread or the thread set becomes empty,
// p's own exit is triggered (spec §4.8 "Thread exit cascade").
func (p *Process_t) ThreadExited(t Thread, releaseHandle func(kobject.Object)) {
	p.mu.Lock()
	delete(p.threads, t.Tid())
	wasMain := p.mainThread != nil && p.mainThread.Tid() == t.Tid()
	empty := len(p.threads) == 0
	p.mu.Unlock()
	if wasMain || empty {
		p.Exit(t.ExitCode(), releaseHandle)
	}
}

// Exit sets state=Exited, stores the exit code, and sets Terminated.
// Handles are released by dropping the handle table (spec §4.8);
// releaseHandle is invoked once per surviving handle's object so the
// caller (which knows each concrete type's teardown) can close
// Channels, drop VMO/VMAR references, etc. Idempotent: a second call
// after the process has already exited is a no-op.
func (p *Process_t) Exit(code int, releaseHandle func(kobject.Object)) {
	p.mu.Lock()
	if p.state == Exited {
		p.mu.Unlock()
		return
	}
	p.state = Exited
	p.exitCode = code
	p.threads = make(map[uint64]Thread)
	p.mu.Unlock()

	p.RootVmar.Destroy()
	if releaseHandle != nil {
		p.Handles.Close(releaseHandle)
	}
	p.SignalSet(signal.Terminated)
}

// ExitCode returns the stored exit code; meaningful only once State()
// == Exited.
func (p *Process_t) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}
