// Package physmem is the host-side stand-in for the frame allocator
// spec §6 lists under "CPU-side interfaces consumed by the core"
// (allocate/free/allocate_one). Biscuit's own mem.Page_i plays this
// role over real physical RAM; running as a hosted simulator instead
// of bare metal, this package plays it over anonymous mmap regions via
// golang.org/x/sys/unix, so "physical address" here is a stable,
// process-lifetime-valid offset into a byte arena rather than a real
// PA — exactly the abstraction VMO/VMAR need and no more.
package physmem

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/oichkatzele/radonkernel/internal/kerr"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Addr is a "physical address": an index into the arena, page-aligned.
type Addr uintptr

// Allocator_t hands out individually mmap'd pages and tracks refcounts
// so that COW sharing (spec §4.4) can be implemented as a simple
// increment/decrement instead of real page-table reference tracking.
type Allocator_t struct {
	mu     sync.Mutex
	frames map[Addr][]byte
	refs   map[Addr]int
	next   Addr
}

func New() *Allocator_t {
	return &Allocator_t{
		frames: make(map[Addr][]byte),
		refs:   make(map[Addr]int),
		next:   PageSize,
	}
}

// AllocateOne maps a single fresh zero-filled page and returns its
// address with a refcount of 1.
func (a *Allocator_t) AllocateOne() (Addr, kerr.Err_t) {
	mem, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, kerr.ENORES
	}
	a.mu.Lock()
	pa := a.next
	a.next += PageSize
	a.frames[pa] = mem
	a.refs[pa] = 1
	a.mu.Unlock()
	return pa, 0
}

// AllocateContiguous maps count pages as a single contiguous mmap
// region, backing VMOs created with the Contiguous option (spec §4.4).
func (a *Allocator_t) AllocateContiguous(count int) (Addr, kerr.Err_t) {
	if count <= 0 {
		return 0, kerr.EINVAL
	}
	size := count * PageSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, kerr.ENORES
	}
	a.mu.Lock()
	base := a.next
	a.next += Addr(size)
	for i := 0; i < count; i++ {
		pa := base + Addr(i*PageSize)
		a.frames[pa] = mem[i*PageSize : (i+1)*PageSize : (i+1)*PageSize]
		a.refs[pa] = 1
	}
	a.mu.Unlock()
	return base, 0
}

// Bytes returns the byte slice backing pa. Panics if pa is unknown:
// that indicates a kernel-internal invariant violation (spec §7), not
// a recoverable API misuse, since callers only ever hold addresses
// this allocator itself issued.
func (a *Allocator_t) Bytes(pa Addr) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.frames[pa]
	if !ok {
		panic("physmem: unknown frame address")
	}
	return b
}

// Ref increments pa's refcount, used when a CoW page is shared by a
// clone without being copied yet.
func (a *Allocator_t) Ref(pa Addr) {
	a.mu.Lock()
	a.refs[pa]++
	a.mu.Unlock()
}

// Free decrements pa's refcount and unmaps it once it reaches zero.
func (a *Allocator_t) Free(pa Addr) {
	a.mu.Lock()
	a.refs[pa]--
	done := a.refs[pa] <= 0
	var mem []byte
	if done {
		mem = a.frames[pa]
		delete(a.frames, pa)
		delete(a.refs, pa)
	}
	a.mu.Unlock()
	if done && mem != nil {
		unix.Munmap(mem)
	}
}
