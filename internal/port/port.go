// Package port implements the multiplexed event queue of spec §3 and
// §4.7: bindings on signal sources, deduplicated by key, feeding a
// single blocking packet queue alongside directly-queued user packets.
package port

import (
	"sync"
	"time"

	"github.com/oichkatzele/radonkernel/internal/kerr"
	"github.com/oichkatzele/radonkernel/internal/kobject"
	"github.com/oichkatzele/radonkernel/internal/signal"
	"github.com/oichkatzele/radonkernel/internal/waitq"
)

// PacketType distinguishes the three packet flavors (spec §6 wire
// format: type 0=Signal, 1=User, 2=Timer).
type PacketType uint32

const (
	PacketSignal PacketType = 0
	PacketUser   PacketType = 1
	PacketTimer  PacketType = 2
)

// Packet mirrors the 64-byte wire format of spec §6: key, signals,
// type, and four u64 user-data words.
type Packet struct {
	Key     uint64
	Signals signal.Mask
	Type    PacketType
	Data    [4]uint64
}

// Mode selects whether a binding survives past its first triggering
// packet.
type Mode int

const (
	Persistent Mode = iota
	Once
)

type binding struct {
	key    uint64
	obj    kobject.Object
	mode   Mode
	active bool // false once a Once binding's packet has been dequeued
}

// Port_t is one Port.
type Port_t struct {
	kobject.Base

	mu       sync.Mutex
	packets  []Packet
	bindings map[uint64]*binding
	waiters  *waitq.WaitQueue_t
}

func New() *Port_t {
	p := &Port_t{bindings: make(map[uint64]*binding), waiters: waitq.New()}
	p.Base.Init(kobject.TypePort)
	return p
}

// Bind registers an observer on obj whose callback enqueues a Signal
// packet and wakes one waiter. Duplicate keys fail AlreadyBound (spec
// §4.7: modelled here as kerr.EEXIST, the taxonomy's AlreadyExists).
func (p *Port_t) Bind(key uint64, obj kobject.Object, triggerMask signal.Mask, mode Mode) kerr.Err_t {
	p.mu.Lock()
	if _, exists := p.bindings[key]; exists {
		p.mu.Unlock()
		return kerr.EEXIST
	}
	b := &binding{key: key, obj: obj, mode: mode, active: true}
	p.bindings[key] = b
	p.mu.Unlock()

	obj.AddObserver(signal.Observer{
		Key:         key,
		TriggerMask: triggerMask,
		Once:        false, // Port owns Once-removal timing (at dequeue, not enqueue; spec §4.7)
		Callback: func(k uint64, signals signal.Mask) {
			p.onSignal(b, k, signals)
		},
	})
	return 0
}

func (p *Port_t) onSignal(b *binding, key uint64, signals signal.Mask) {
	p.mu.Lock()
	if cur, ok := p.bindings[key]; !ok || cur != b || !b.active {
		p.mu.Unlock()
		return
	}
	p.packets = append(p.packets, Packet{Key: key, Signals: signals, Type: PacketSignal})
	p.mu.Unlock()
	p.waiters.WakeOne()
}

// Unbind removes the observer from obj and the binding record. Fails
// NotFound if key is not present; otherwise idempotent (spec §4.7).
func (p *Port_t) Unbind(key uint64) kerr.Err_t {
	p.mu.Lock()
	b, ok := p.bindings[key]
	if !ok {
		p.mu.Unlock()
		return kerr.ENOENT
	}
	delete(p.bindings, key)
	p.mu.Unlock()
	b.obj.RemoveObserver(key)
	return 0
}

// QueueUser appends a User packet directly and wakes one waiter. This
// is the cross-thread wake primitive of spec §4.7.
func (p *Port_t) QueueUser(key uint64, data [4]uint64) {
	p.mu.Lock()
	p.packets = append(p.packets, Packet{Key: key, Type: PacketUser, Data: data})
	p.mu.Unlock()
	p.waiters.WakeOne()
}

// dequeueUpTo drains up to max packets, removing the binding of any
// Once packet at the moment it is dequeued (spec §4.7: "the binding is
// removed at that moment, not at enqueue time").
func (p *Port_t) dequeueUpTo(max int) []Packet {
	p.mu.Lock()
	if max > len(p.packets) {
		max = len(p.packets)
	}
	out := append([]Packet(nil), p.packets[:max]...)
	p.packets = p.packets[max:]

	var toRemove []*binding
	for _, pk := range out {
		if pk.Type != PacketSignal {
			continue
		}
		if b, ok := p.bindings[pk.Key]; ok && b.mode == Once {
			b.active = false
			delete(p.bindings, pk.Key)
			toRemove = append(toRemove, b)
		}
	}
	p.mu.Unlock()

	for _, b := range toRemove {
		b.obj.RemoveObserver(b.key)
	}
	return out
}

// Wait drains up to len(out) packets per spec §4.7: immediate return
// if the queue is non-empty, WouldBlock on an Immediate deadline with
// an empty queue, or park until a packet arrives or the deadline
// passes.
func (p *Port_t) Wait(out []Packet, d kerr.Deadline) (int, kerr.Err_t) {
	if d.Kind == kerr.Relative {
		d = kerr.AbsoluteDeadline(time.Now().UnixNano() + d.Ns)
	}
	for {
		p.mu.Lock()
		n := len(p.packets)
		p.mu.Unlock()
		if n > 0 && len(out) > 0 {
			got := p.dequeueUpTo(len(out))
			copy(out, got)
			return len(got), 0
		}
		if d.Kind == kerr.Immediate {
			return 0, kerr.EAGAIN
		}
		if err := p.waiters.Wait(d); err != 0 {
			return 0, err
		}
	}
}
