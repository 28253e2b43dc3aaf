// Package handle implements the per-process handle table of spec §3
// and §4.3: a mapping from a 32-bit opaque integer to a (strong
// reference, rights) pair, with transfer and duplication semantics.
package handle

import (
	"sync"

	"github.com/oichkatzele/radonkernel/internal/kerr"
	"github.com/oichkatzele/radonkernel/internal/kobject"
)

// Handle is the 32-bit opaque integer of spec §3. Bit 31 is reserved
// and always zero in a value this package hands out.
type Handle uint32

// Invalid is the handle value that never identifies a live entry.
const Invalid Handle = 0

const reservedBit = uint32(1) << 31

// Rights is a subset of {Duplicate, Transfer, Read, Write, Execute,
// Map, Wait, Signal, Manage}.
type Rights uint32

const (
	Duplicate Rights = 1 << iota
	Transfer
	Read
	Write
	Execute
	Map
	Wait
	Signal
	Manage
)

// Basic is conventional (spec §6), not enforced by this package.
const Basic = Read | Write | Wait

type entry struct {
	obj    kobject.Object
	rights Rights
}

// Table_t is a single process's handle table. The zero value is not
// usable; use New.
type Table_t struct {
	mu      sync.RWMutex
	entries map[Handle]entry
	next    uint32
}

func New() *Table_t {
	return &Table_t{entries: make(map[Handle]entry), next: 1}
}

// allocLocked finds a free handle ID. Monotonic with wraparound; slot
// reuse is permitted once a slot has been empty (spec §4.3 grace
// period is satisfied trivially here because this package never
// reuses a ever-issued ID within the same table lifetime below 2^31,
// which is far larger than any realistic handle table occupancy).
func (t *Table_t) allocLocked() (Handle, kerr.Err_t) {
	start := t.next
	for {
		cand := t.next
		t.next++
		if t.next&reservedBit != 0 {
			t.next = 1
		}
		h := Handle(cand)
		if h == Invalid {
			continue
		}
		if _, taken := t.entries[h]; !taken {
			return h, 0
		}
		if t.next == start {
			return Invalid, kerr.ENORES
		}
	}
}

// Insert allocates a fresh handle for obj with the given rights. Never
// returns Invalid on success.
func (t *Table_t) Insert(obj kobject.Object, rights Rights) (Handle, kerr.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, err := t.allocLocked()
	if err != 0 {
		return Invalid, err
	}
	t.entries[h] = entry{obj: obj, rights: rights}
	return h, 0
}

// Get returns the object stored at h iff h exists and its rights are a
// superset of required.
func (t *Table_t) Get(h Handle, required Rights) (kobject.Object, kerr.Err_t) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[h]
	if !ok {
		return nil, kerr.EBADH
	}
	if e.rights&required != required {
		return nil, kerr.EBADH
	}
	return e.obj, 0
}

// Rights returns the rights bitmask stored at h, for object_get_info.
func (t *Table_t) Rights(h Handle) (Rights, kerr.Err_t) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[h]
	if !ok {
		return 0, kerr.EBADH
	}
	return e.rights, 0
}

// Remove drops the entry for h and returns its object so the caller
// can enforce a type assertion.
func (t *Table_t) Remove(h Handle) (kobject.Object, kerr.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		return nil, kerr.EBADH
	}
	delete(t.entries, h)
	return e.obj, 0
}

// Duplicate fails unless the source handle carries Duplicate and
// newRights is a subset of the source's rights; rights on duplication
// are subtractive (spec §3).
func (t *Table_t) Duplicate(h Handle, newRights Rights) (Handle, kerr.Err_t) {
	t.mu.Lock()
	e, ok := t.entries[h]
	if !ok {
		t.mu.Unlock()
		return Invalid, kerr.EBADH
	}
	if e.rights&Duplicate == 0 {
		t.mu.Unlock()
		return Invalid, kerr.EPERM
	}
	if newRights&^e.rights != 0 {
		t.mu.Unlock()
		return Invalid, kerr.EINVAL
	}
	nh, err := t.allocLocked()
	if err != 0 {
		t.mu.Unlock()
		return Invalid, err
	}
	t.entries[nh] = entry{obj: e.obj, rights: newRights}
	t.mu.Unlock()
	return nh, 0
}

// TransferItem is one (object, rights) pair produced by TransferMany
// and consumed by ReceiveMany.
type TransferItem struct {
	Obj    kobject.Object
	Rights Rights
}

// TransferMany atomically removes every handle in hs, failing with no
// side effect if any is missing or lacks Transfer (spec §4.3).
func (t *Table_t) TransferMany(hs []Handle) ([]TransferItem, kerr.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range hs {
		e, ok := t.entries[h]
		if !ok {
			return nil, kerr.EBADH
		}
		if e.rights&Transfer == 0 {
			return nil, kerr.EPERM
		}
	}
	out := make([]TransferItem, 0, len(hs))
	for _, h := range hs {
		e := t.entries[h]
		delete(t.entries, h)
		out = append(out, TransferItem{Obj: e.obj, Rights: e.rights})
	}
	return out, 0
}

// ReceiveMany inserts each (object, rights) pair and returns the
// assigned handles in order. A partial failure (e.g. ENORES partway
// through) unwinds every entry this call already inserted before
// returning, per spec §7 "partial work MUST be unwound before return."
func (t *Table_t) ReceiveMany(items []TransferItem) ([]Handle, kerr.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(items))
	for _, it := range items {
		h, err := t.allocLocked()
		if err != 0 {
			for _, inserted := range out {
				delete(t.entries, inserted)
			}
			return nil, err
		}
		t.entries[h] = entry{obj: it.Obj, rights: it.Rights}
		out = append(out, h)
	}
	return out, 0
}

// Len reports the number of live entries, for diagnostics and the
// exit cascade's "handles released by dropping the handle table" step.
func (t *Table_t) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Close empties the table and passes every entry's object to release,
// simulating "dropping the handle table" (spec §4.8 exit). It does not
// change any object's refcount itself. release is supplied by the
// caller since kobject.Object itself has no generic teardown hook (each
// concrete type's teardown differs).
func (t *Table_t) Close(release func(kobject.Object)) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[Handle]entry)
	t.mu.Unlock()
	for _, e := range entries {
		release(e.obj)
	}
}
