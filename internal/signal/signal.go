// Package signal implements the per-object signal bitmask and
// edge-triggered observer list described in spec §3 and §4.1.
package signal

import "sync"

// Mask is a bitmask of signal bits. The low bits are the well-known
// signals from spec §3; bits 8..15 are UserSignal0..7.
type Mask uint32

const (
	Readable Mask = 1 << iota
	Writable
	PeerClosed
	Terminated
	Signaled
	_reserved0
	_reserved1
	_reserved2
	UserSignal0
	UserSignal1
	UserSignal2
	UserSignal3
	UserSignal4
	UserSignal5
	UserSignal6
	UserSignal7
)

// Callback fires synchronously from signal_set/signal_clear under the
// constraints of spec §4.1: it runs in the signalling call's context
// and must not block or re-acquire the source object's own lock. In
// practice every callback in this codebase enqueues a packet on a Port
// and wakes a wait queue, per §9 "Signal callback re-entrancy".
type Callback func(key uint64, signals Mask)

// Observer is a registered interest in a signal transition.
type Observer struct {
	Key         uint64
	TriggerMask Mask
	Callback    Callback
	Once        bool
}

// State_t is the signal bitmask plus ordered observer list embedded in
// every KernelObject. The zero value is ready to use.
type State_t struct {
	mu        sync.Mutex
	bits      Mask
	observers []Observer
}

// Signals returns the current bitmask.
func (s *State_t) Signals() Mask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bits
}

// SignalSet computes new = old | mask, fires observers whose trigger
// bits intersect the newly-set edge (new &^ old) in registration order,
// removes Once observers that fired, then returns. Observer callbacks
// run with the object's own lock dropped: the list of firing observers
// is snapshotted and Once entries removed from the live list under
// s.mu, then s.mu is released before any callback runs (spec §9).
func (s *State_t) SignalSet(mask Mask) {
	s.mu.Lock()
	old := s.bits
	s.bits = old | mask
	edge := s.bits &^ old
	if edge == 0 {
		s.mu.Unlock()
		return
	}
	var firing []Observer
	kept := s.observers[:0:0]
	for _, o := range s.observers {
		if o.TriggerMask&edge != 0 {
			firing = append(firing, o)
			if o.Once {
				continue
			}
		}
		kept = append(kept, o)
	}
	s.observers = kept
	s.mu.Unlock()

	for _, o := range firing {
		o.Callback(o.Key, s.Signals())
	}
}

// SignalClear clears the given bits. Clearing never fires observers:
// only edges from 0->1 are observable (spec §4.1 is edge-triggered on
// the set direction only).
func (s *State_t) SignalClear(mask Mask) {
	s.mu.Lock()
	s.bits &^= mask
	s.mu.Unlock()
}

// AddObserver registers o. If o's trigger bits are already set in the
// current bitmask, it fires immediately (and is not retained if Once),
// per spec §4.1.
func (s *State_t) AddObserver(o Observer) {
	s.mu.Lock()
	already := s.bits & o.TriggerMask
	if already != 0 {
		if !o.Once {
			s.observers = append(s.observers, o)
		}
		bits := s.bits
		s.mu.Unlock()
		o.Callback(o.Key, bits)
		return
	}
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// RemoveObserver removes the observer registered under key, if present.
func (s *State_t) RemoveObserver(key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.observers {
		if o.Key == key {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}
