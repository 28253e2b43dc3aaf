// Package kobject provides the uniform base every typed kernel object
// (Process, Thread, Vmo, Vmar, Channel, Port) embeds: a type tag, the
// signal/observer API of spec §4.1, and a monotonic strong reference
// count whose exhaustion ends the object's lifetime (spec §3).
package kobject

import (
	"sync/atomic"

	"github.com/oichkatzele/radonkernel/internal/signal"
)

// Type is the polymorphic tag named in spec §3.
type Type int

const (
	TypeProcess Type = iota
	TypeThread
	TypeVmo
	TypeVmar
	TypeChannel
	TypePort
)

func (t Type) String() string {
	switch t {
	case TypeProcess:
		return "Process"
	case TypeThread:
		return "Thread"
	case TypeVmo:
		return "Vmo"
	case TypeVmar:
		return "Vmar"
	case TypeChannel:
		return "Channel"
	case TypePort:
		return "Port"
	default:
		return "Unknown"
	}
}

// Koid is a process-independent, globally unique object identifier,
// restored from original_source's object_get_info (see SPEC_FULL.md).
type Koid uint64

var nextKoid uint64

func newKoid() Koid {
	return Koid(atomic.AddUint64(&nextKoid, 1))
}

// Base is embedded by every concrete kernel object. It supplies the
// type tag, signal state, koid, and strong refcount; concrete types add
// their own fields and call Base methods for the uniform parts.
type Base struct {
	signal.State_t

	typ    Type
	koid   Koid
	strong int64
}

// Init must be called once by a concrete object's constructor.
func (b *Base) Init(t Type) {
	b.typ = t
	b.koid = newKoid()
	b.strong = 1
}

func (b *Base) Type() Type { return b.typ }
func (b *Base) Koid() Koid { return b.koid }

// Ref increments the strong refcount. Returns the new count.
func (b *Base) Ref() int64 {
	return atomic.AddInt64(&b.strong, 1)
}

// Unref decrements the strong refcount and reports whether this was
// the last reference (lifetime end, per spec §3).
func (b *Base) Unref() bool {
	return atomic.AddInt64(&b.strong, -1) == 0
}

// RefCount returns the current strong refcount, for tests/diagnostics.
func (b *Base) RefCount() int64 {
	return atomic.LoadInt64(&b.strong)
}

// Object is the interface every concrete kernel object satisfies via
// Base, used wherever code needs to hold a typed object and check its
// tag before downcasting (handle table entries, Channel carried
// references, Port bindings).
type Object interface {
	Type() Type
	Koid() Koid
	Signals() signal.Mask
	SignalSet(signal.Mask)
	SignalClear(signal.Mask)
	AddObserver(signal.Observer)
	RemoveObserver(uint64)
}
