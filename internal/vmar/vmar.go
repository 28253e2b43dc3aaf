// Package vmar implements the Virtual Memory Address Region of spec
// §3 and §4.5: a hierarchical address-space region that maps VMOs with
// permission bits and resolves page faults into a simulated page
// table.
package vmar

import (
	"sort"
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"github.com/oichkatzele/radonkernel/internal/kerr"
	"github.com/oichkatzele/radonkernel/internal/kobject"
	"github.com/oichkatzele/radonkernel/internal/vmo"
)

const PageSize = vmo.PageSize

// Flags is the permission/placement bitmask for a mapping.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExecute
	FlagSpecific // honor the caller-supplied vaddr instead of allocating one
)

// Mapping is a single VMO mapping inside a VMAR (spec §3).
type Mapping struct {
	Base      uintptr
	Size      int64
	Vmo       *vmo.Vmo_t
	VmoOffset int64
	Flags     Flags
}

func (m Mapping) end() uintptr { return m.Base + uintptr(m.Size) }

// objBase names the embedded kobject.Base so that it does not clash
// with the Base() accessor below.
type objBase = kobject.Base

// Vmar_t is one VMAR: either the root of an address space or a child
// reserving a subrange of its parent.
type Vmar_t struct {
	objBase

	mu sync.Mutex

	base     uintptr
	size     int64
	isRoot   bool
	root     *Vmar_t // self, if isRoot
	parent   *Vmar_t
	nextAlloc uintptr

	mappings []Mapping // sorted by Base
	children []*Vmar_t

	// page table, root-only: vaddr (page-aligned) -> installed entry
	table map[uintptr]tableEntry
}

type tableEntry struct {
	phys  uintptr
	flags Flags
}

// NewRoot creates a root VMAR spanning [base, base+size).
func NewRoot(base uintptr, size int64) *Vmar_t {
	r := &Vmar_t{base: base, size: size, isRoot: true, nextAlloc: base}
	r.objBase.Init(kobject.TypeVmar)
	r.root = r
	r.table = make(map[uintptr]tableEntry)
	return r
}

func (r *Vmar_t) Base() uintptr { return r.base }
func (r *Vmar_t) Size() int64  { return r.size }

func alignUpAddr(v uintptr, a int64) uintptr {
	al := uintptr(a)
	return (v + al - 1) &^ (al - 1)
}

func alignUpSize(v int64) int64 {
	return (v + PageSize - 1) &^ (PageSize - 1)
}

// overlapsLocked reports whether [s,e) overlaps any existing mapping
// or child in this VMAR. Caller holds r.mu (the owning VMAR's lock;
// for cross-VMAR checks this is always the VMAR being inserted into).
func (v *Vmar_t) overlapsLocked(s, e uintptr) bool {
	for _, m := range v.mappings {
		if s < m.end() && m.Base < e {
			return true
		}
	}
	for _, c := range v.children {
		if s < c.base+uintptr(c.size) && c.base < e {
			return true
		}
	}
	return false
}

// Map installs a mapping of vmoObj at vmoOffset into this VMAR. Size
// is page-aligned up. If flags includes FlagSpecific, vaddr is honored
// (and must lie fully within range); otherwise the bump allocator
// picks the next free address. On success the root page table is
// updated for every page in range (spec §4.5).
func (v *Vmar_t) Map(vmoObj *vmo.Vmo_t, vmoOffset int64, size int64, flags Flags, vaddr uintptr) (uintptr, kerr.Err_t) {
	size = alignUpSize(size)
	if size <= 0 {
		return 0, kerr.EINVAL
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var base uintptr
	if flags&FlagSpecific != 0 {
		base = vaddr
		if base < v.base || base+uintptr(size) > v.base+uintptr(v.size) {
			return 0, kerr.EINVAL
		}
		if v.overlapsLocked(base, base+uintptr(size)) {
			return 0, kerr.EOVERLAP
		}
	} else {
		base = alignUpAddr(v.nextAlloc, PageSize)
		if base+uintptr(size) > v.base+uintptr(v.size) {
			return 0, kerr.ENORES
		}
		if v.overlapsLocked(base, base+uintptr(size)) {
			return 0, kerr.EOVERLAP
		}
		v.nextAlloc = base + uintptr(size)
	}

	m := Mapping{Base: base, Size: size, Vmo: vmoObj, VmoOffset: vmoOffset, Flags: flags}
	v.mappings = append(v.mappings, m)
	sort.Slice(v.mappings, func(i, j int) bool { return v.mappings[i].Base < v.mappings[j].Base })

	root := v.root
	v.lockRootTable()
	for off := int64(0); off < size; off += PageSize {
		pa, err := vmoObj.GetPage(vmoOffset+off, false)
		if err != 0 {
			v.unlockRootTable()
			return 0, err
		}
		root.installLocked(base+uintptr(off), uintptr(pa), flags)
	}
	v.unlockRootTable()
	return base, 0
}

func (r *Vmar_t) installLocked(vaddr uintptr, phys uintptr, flags Flags) {
	r.table[vaddr] = tableEntry{phys: phys, flags: flags}
}

func (r *Vmar_t) clearLocked(vaddr uintptr) {
	delete(r.table, vaddr)
}

// lockRootTable locks the root VMAR's page-table mutex before a caller
// touches installLocked/clearLocked/table directly, unless v is itself
// the root -- whose table is already protected by the v.mu the caller
// holds, since root.mu and v.mu are then the same mutex.
func (v *Vmar_t) lockRootTable() {
	if v.root != v {
		v.root.mu.Lock()
	}
}

func (v *Vmar_t) unlockRootTable() {
	if v.root != v {
		v.root.mu.Unlock()
	}
}

// Unmap requires an exact match on base and size (spec §4.5: partial
// unmaps are rejected, per §9's open-question resolution preserving
// the source's behavior).
func (v *Vmar_t) Unmap(vaddr uintptr, size int64) kerr.Err_t {
	size = alignUpSize(size)
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, m := range v.mappings {
		if m.Base == vaddr && m.Size == size {
			v.mappings = append(v.mappings[:i], v.mappings[i+1:]...)
			root := v.root
			v.lockRootTable()
			for off := int64(0); off < size; off += PageSize {
				root.clearLocked(vaddr + uintptr(off))
			}
			v.unlockRootTable()
			return 0
		}
	}
	return kerr.EINVAL
}

// Protect updates a mapping's flags and remaps its page-table entries
// with the new permission mask; VMO backing is unchanged (spec §4.5).
func (v *Vmar_t) Protect(vaddr uintptr, size int64, flags Flags) kerr.Err_t {
	size = alignUpSize(size)
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, m := range v.mappings {
		if m.Base == vaddr && m.Size == size {
			v.mappings[i].Flags = flags
			root := v.root
			v.lockRootTable()
			for off := int64(0); off < size; off += PageSize {
				a := vaddr + uintptr(off)
				if e, ok := root.table[a]; ok {
					root.installLocked(a, e.phys, flags)
				}
			}
			v.unlockRootTable()
			return 0
		}
	}
	return kerr.EINVAL
}

// CreateChild reserves a subrange of this VMAR for a new child VMAR,
// checking range and non-overlap with siblings and existing mappings.
// The child inherits the root's page table (spec §4.5).
func (v *Vmar_t) CreateChild(offset int64, size int64) (*Vmar_t, kerr.Err_t) {
	size = alignUpSize(size)
	v.mu.Lock()
	defer v.mu.Unlock()
	base := v.base + uintptr(offset)
	if offset < 0 || size <= 0 || int64(offset)+size > v.size {
		return nil, kerr.EINVAL
	}
	if v.overlapsLocked(base, base+uintptr(size)) {
		return nil, kerr.EOVERLAP
	}
	c := &Vmar_t{base: base, size: size, isRoot: false, parent: v, root: v.root, nextAlloc: base}
	c.objBase.Init(kobject.TypeVmar)
	v.children = append(v.children, c)
	return c, 0
}

// findMapping locates the mapping containing vaddr, if any.
func (v *Vmar_t) findMappingLocked(vaddr uintptr) *Mapping {
	for i, m := range v.mappings {
		if vaddr >= m.Base && vaddr < m.end() {
			return &v.mappings[i]
		}
	}
	for _, c := range v.children {
		c.mu.Lock()
		m := c.findMappingLocked(vaddr)
		c.mu.Unlock()
		if m != nil {
			return m
		}
	}
	return nil
}

// HandlePageFault resolves a fault at vaddr. It locates the mapping
// containing vaddr (absent -> NotFound, which
// ksyscall.Dispatcher_t.VmarHandlePageFault returns unchanged), rejects a write fault against a
// read-only mapping (PermissionDenied), otherwise calls
// vmo.GetPage(vmo_offset + (vaddr - base), forWrite) -- the path that
// triggers CoW resolution -- and installs/refreshes the PTE (spec
// §4.5).
func (v *Vmar_t) HandlePageFault(vaddr uintptr, forWrite bool) kerr.Err_t {
	v.mu.Lock()
	m := v.findMappingLocked(vaddr)
	v.mu.Unlock()
	if m == nil {
		return kerr.ENOENT
	}
	if forWrite && m.Flags&FlagWrite == 0 {
		return kerr.EPERM
	}
	pageBase := vaddr - (vaddr-m.Base)%PageSize
	vmoOff := m.VmoOffset + int64(pageBase-m.Base)
	pa, err := m.Vmo.GetPage(vmoOff, forWrite)
	if err != 0 {
		return err
	}
	root := v.root
	root.mu.Lock()
	root.installLocked(pageBase, uintptr(pa), m.Flags)
	root.mu.Unlock()
	return 0
}

// ClassifyAccess decodes a single faulting x86-64 instruction and
// reports whether it accesses memory as a write. Real page-fault trap
// frames usually carry the access direction directly in the error
// code, but some fault sources (an emulator, a hypervisor trapping an
// MMIO region, a trace replayed from a core dump) hand the kernel only
// the raw instruction bytes at the faulting IP, exactly what this
// decodes. The first operand that refers to memory decides it: a
// memory destination is a write, a memory source any later position is
// a read.
func ClassifyAccess(instr []byte) (forWrite bool, ok bool) {
	inst, err := x86asm.Decode(instr, 64)
	if err != nil {
		return false, false
	}
	for i, arg := range inst.Args {
		if arg == nil {
			continue
		}
		if _, isMem := arg.(x86asm.Mem); isMem {
			return i == 0, true
		}
	}
	return false, true
}

// HandlePageFaultAt resolves a fault at vaddr the way HandlePageFault
// does, but derives the read/write direction by decoding the faulting
// instruction's bytes via ClassifyAccess instead of taking a
// pre-classified forWrite flag.
func (v *Vmar_t) HandlePageFaultAt(vaddr uintptr, instr []byte) kerr.Err_t {
	forWrite, ok := ClassifyAccess(instr)
	if !ok {
		return kerr.EINVAL
	}
	return v.HandlePageFault(vaddr, forWrite)
}

// Translate returns the currently-installed physical address for
// vaddr, used by tests to assert page-table contents without
// poking at a real MMU.
func (r *Vmar_t) Translate(vaddr uintptr) (uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.table[vaddr-((vaddr)%PageSize)]
	return e.phys, ok
}

// Destroy unmaps every mapping in this VMAR and recursively destroys
// every child, per spec §4.5 "when a VMAR is destroyed all its
// mappings are unmapped transitively."
func (v *Vmar_t) Destroy() {
	v.mu.Lock()
	mappings := v.mappings
	children := v.children
	v.mappings = nil
	v.children = nil
	root := v.root
	v.lockRootTable()
	for _, m := range mappings {
		for off := int64(0); off < m.Size; off += PageSize {
			root.clearLocked(m.Base + uintptr(off))
		}
	}
	v.unlockRootTable()
	v.mu.Unlock()
	for _, c := range children {
		c.Destroy()
	}
}
