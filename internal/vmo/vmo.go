// Package vmo implements the Virtual Memory Object of spec §3 and
// §4.4: a page-granular backing store with demand paging,
// copy-on-write clones, and physically-contiguous allocation.
package vmo

import (
	"sync"

	"github.com/oichkatzele/radonkernel/internal/kerr"
	"github.com/oichkatzele/radonkernel/internal/kobject"
	"github.com/oichkatzele/radonkernel/internal/physmem"
	"github.com/oichkatzele/radonkernel/internal/signal"
	"github.com/oichkatzele/radonkernel/internal/ustr2"
)

const (
	PageSize  = physmem.PageSize
	pageShift = physmem.PageShift
)

// Options is the creation-time bitmask of spec §3.
type Options uint32

const (
	Commit Options = 1 << iota
	Contiguous
	Resizable
	Discardable
)

type pageKind int

const (
	uncommitted pageKind = iota
	committed
	copyOnWrite
)

type pageState struct {
	kind        pageKind
	phys        physmem.Addr
	owned       bool
	parentIndex int
}

// Vmo_t is one VMO. It embeds kobject.Base for the type tag, signal
// state, and refcounting every kernel object shares.
type Vmo_t struct {
	kobject.Base

	mu      sync.Mutex
	size    int64
	options Options
	pages   []pageState
	parent  *Vmo_t
	alloc   *physmem.Allocator_t
	name    ustr2.Name
}

func pageCount(size int64) int {
	return int((size + PageSize - 1) / PageSize)
}

func alignUp(n int64) int64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// New creates a VMO of the given size (rounded up to a page multiple).
// If Commit is set, every page is eagerly allocated; if Contiguous is
// also set, they are allocated as a single physical run and decommit
// is subsequently disallowed (spec §4.4).
func New(size int64, opts Options, alloc *physmem.Allocator_t) (*Vmo_t, kerr.Err_t) {
	if size < 0 {
		return nil, kerr.EINVAL
	}
	v := &Vmo_t{size: alignUp(size), options: opts, alloc: alloc}
	v.Base.Init(kobject.TypeVmo)
	n := pageCount(v.size)
	v.pages = make([]pageState, n)

	if opts&Commit != 0 {
		if opts&Contiguous != 0 {
			if n == 0 {
				return v, 0
			}
			base, err := alloc.AllocateContiguous(n)
			if err != 0 {
				return nil, err
			}
			for i := 0; i < n; i++ {
				v.pages[i] = pageState{kind: committed, phys: base + physmem.Addr(i*PageSize), owned: true}
			}
		} else {
			for i := 0; i < n; i++ {
				pa, err := alloc.AllocateOne()
				if err != 0 {
					for j := 0; j < i; j++ {
						alloc.Free(v.pages[j].phys)
					}
					return nil, err
				}
				v.pages[i] = pageState{kind: committed, phys: pa, owned: true}
			}
		}
	}
	v.SignalSet(signal.Writable) // a freshly created VMO is always writable
	return v, 0
}

// CreatePhysical yields a VMO whose pages are all Committed(owned=false)
// so MMIO ranges can be mapped but never freed (spec §4.4). phys is the
// caller-supplied base address of an externally-owned region (e.g. a
// driver's DMA buffer); this core never allocates or frees it.
func CreatePhysical(phys physmem.Addr, size int64, alloc *physmem.Allocator_t) (*Vmo_t, kerr.Err_t) {
	if size < 0 {
		return nil, kerr.EINVAL
	}
	v := &Vmo_t{size: alignUp(size), alloc: alloc}
	v.Base.Init(kobject.TypeVmo)
	n := pageCount(v.size)
	v.pages = make([]pageState, n)
	for i := 0; i < n; i++ {
		v.pages[i] = pageState{kind: committed, phys: phys + physmem.Addr(i*PageSize), owned: false}
	}
	v.SignalSet(signal.Writable)
	return v, 0
}

func (v *Vmo_t) Size() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// SetName validates and stores name, leaving the prior name in place on
// a validation failure.
func (v *Vmo_t) SetName(name string) kerr.Err_t {
	n, err := ustr2.New(name)
	if err != 0 {
		return err
	}
	v.mu.Lock()
	v.name = n
	v.mu.Unlock()
	return 0
}

func (v *Vmo_t) Name() ustr2.Name { v.mu.Lock(); defer v.mu.Unlock(); return v.name }

// commitNewLocked allocates a fresh owned frame for page i.
func (v *Vmo_t) commitNewLocked(i int) (physmem.Addr, kerr.Err_t) {
	pa, err := v.alloc.AllocateOne()
	if err != 0 {
		return 0, err
	}
	v.pages[i] = pageState{kind: committed, phys: pa, owned: true}
	return pa, 0
}

// GetPage is the single resolver named in spec §4.4. It returns the
// physical address backing offset, resolving Uncommitted->Committed
// demand paging and CopyOnWrite->Committed copy-on-first-write, and
// reads of a CoW page recurse into the parent chain without mutating
// this VMO.
func (v *Vmo_t) GetPage(offset int64, forWrite bool) (physmem.Addr, kerr.Err_t) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.getPageLocked(offset, forWrite)
}

func (v *Vmo_t) getPageLocked(offset int64, forWrite bool) (physmem.Addr, kerr.Err_t) {
	if offset < 0 || offset >= v.size {
		return 0, kerr.EINVAL
	}
	i := int(offset >> pageShift)
	p := &v.pages[i]
	switch p.kind {
	case committed:
		return p.phys, 0
	case uncommitted:
		if !forWrite {
			// Demand paging for reads still requires a zero page to
			// exist so the returned address is dereferenceable.
			pa, err := v.commitNewLocked(i)
			return pa, err
		}
		pa, err := v.commitNewLocked(i)
		return pa, err
	case copyOnWrite:
		if !forWrite {
			parentOff := int64(p.parentIndex) * PageSize
			v.parent.mu.Lock()
			pa, err := v.parent.getPageLocked(parentOff, false)
			v.parent.mu.Unlock()
			return pa, err
		}
		// First write: copy the parent's current page into a fresh
		// owned frame.
		parentOff := int64(p.parentIndex) * PageSize
		v.parent.mu.Lock()
		srcPa, err := v.parent.getPageLocked(parentOff, false)
		v.parent.mu.Unlock()
		if err != 0 {
			return 0, err
		}
		dstPa, err := v.alloc.AllocateOne()
		if err != 0 {
			return 0, err
		}
		copy(v.alloc.Bytes(dstPa), v.alloc.Bytes(srcPa))
		v.pages[i] = pageState{kind: committed, phys: dstPa, owned: true}
		return dstPa, 0
	}
	panic("vmo: unreachable page state")
}

// Commit eagerly resolves every page in [offset, offset+size).
func (v *Vmo_t) Commit(offset, size int64) kerr.Err_t {
	end := offset + size
	for o := offset; o < end; o += PageSize {
		if _, err := v.GetPage(o, true); err != 0 {
			return err
		}
	}
	return 0
}

// Decommit frees owned frames in [offset, offset+size), returning
// those pages to Uncommitted. Disallowed on Contiguous VMOs (spec
// §4.4).
func (v *Vmo_t) Decommit(offset, size int64) kerr.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.options&Contiguous != 0 {
		return kerr.ENOTSUP
	}
	start := int(offset >> pageShift)
	end := int((offset + size + PageSize - 1) >> pageShift)
	for i := start; i < end && i < len(v.pages); i++ {
		p := &v.pages[i]
		if p.kind == committed && p.owned {
			v.alloc.Free(p.phys)
		}
		*p = pageState{kind: uncommitted}
	}
	return 0
}

// Read copies up to len(buf) bytes starting at offset into buf,
// clamped to size; it returns the number of bytes actually read.
func (v *Vmo_t) Read(offset int64, buf []byte) (int, kerr.Err_t) {
	v.mu.Lock()
	size := v.size
	v.mu.Unlock()
	if offset < 0 || offset > size {
		return 0, kerr.EINVAL
	}
	n := int64(len(buf))
	if offset+n > size {
		n = size - offset
	}
	var done int64
	for done < n {
		pageOff := (offset + done) & (PageSize - 1)
		chunk := PageSize - pageOff
		if chunk > n-done {
			chunk = n - done
		}
		pa, err := v.GetPage(offset+done, false)
		if err != 0 {
			return int(done), err
		}
		src := v.alloc.Bytes(pa)
		copy(buf[done:done+chunk], src[pageOff:pageOff+chunk])
		done += chunk
	}
	return int(done), 0
}

// Write copies buf into the VMO starting at offset. Writes past size
// are truncated, not extended (spec §4.4).
func (v *Vmo_t) Write(offset int64, buf []byte) (int, kerr.Err_t) {
	v.mu.Lock()
	size := v.size
	v.mu.Unlock()
	if offset < 0 || offset > size {
		return 0, kerr.EINVAL
	}
	n := int64(len(buf))
	if offset+n > size {
		n = size - offset
	}
	var done int64
	for done < n {
		pageOff := (offset + done) & (PageSize - 1)
		chunk := PageSize - pageOff
		if chunk > n-done {
			chunk = n - done
		}
		pa, err := v.GetPage(offset+done, true)
		if err != 0 {
			return int(done), err
		}
		dst := v.alloc.Bytes(pa)
		copy(dst[pageOff:pageOff+chunk], buf[done:done+chunk])
		done += chunk
	}
	return int(done), 0
}

// Resize requires Resizable; shrinking frees owned tail pages.
func (v *Vmo_t) Resize(newSize int64) kerr.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.options&Resizable == 0 {
		return kerr.ENOTSUP
	}
	if newSize < 0 {
		return kerr.EINVAL
	}
	newSize = alignUp(newSize)
	newN := pageCount(newSize)
	if newN < len(v.pages) {
		for i := newN; i < len(v.pages); i++ {
			p := &v.pages[i]
			if p.kind == committed && p.owned {
				v.alloc.Free(p.phys)
			}
		}
		v.pages = v.pages[:newN]
	} else if newN > len(v.pages) {
		grown := make([]pageState, newN)
		copy(grown, v.pages)
		v.pages = grown
	}
	v.size = newSize
	return 0
}

// CreateCowClone returns a new VMO covering size bytes whose pages all
// reference this VMO's pages [offset/page .. (offset+size)/page) as
// CopyOnWrite. The parent remains independently usable (spec §4.4).
func (v *Vmo_t) CreateCowClone(offset, size int64) (*Vmo_t, kerr.Err_t) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if offset < 0 || size < 0 || offset+size > v.size {
		return nil, kerr.EINVAL
	}
	size = alignUp(size)
	n := pageCount(size)
	startPage := int(offset >> pageShift)

	c := &Vmo_t{size: size, alloc: v.alloc, parent: v}
	c.Base.Init(kobject.TypeVmo)
	c.pages = make([]pageState, n)
	for i := 0; i < n; i++ {
		c.pages[i] = pageState{kind: copyOnWrite, parentIndex: startPage + i}
	}
	c.SignalSet(signal.Writable)
	v.Ref()
	return c, 0
}
