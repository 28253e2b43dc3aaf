// Package waitq implements the FIFO parking primitive described in
// spec §4.2: threads block on a condition and are woken in arrival
// order, with spurious wakeups permitted (callers must re-check their
// condition in a loop, as every caller in this codebase does).
package waitq

import (
	"sync"
	"time"

	"github.com/oichkatzele/radonkernel/internal/kerr"
)

// Waiter is a single parked thread's ticket. It is a thin wrapper
// around a channel rather than a condvar so that cross-CPU wake (spec
// §4.9 "Cross-CPU wake") never needs to hold the waking side's lock
// while signalling.
type Waiter struct {
	ch chan struct{}
}

// WaitQueue_t is a FIFO park/wake queue. The zero value is not usable;
// use New.
type WaitQueue_t struct {
	mu      sync.Mutex
	parked  []*Waiter
}

func New() *WaitQueue_t {
	return &WaitQueue_t{}
}

func (wq *WaitQueue_t) enqueue() *Waiter {
	w := &Waiter{ch: make(chan struct{}, 1)}
	wq.mu.Lock()
	wq.parked = append(wq.parked, w)
	wq.mu.Unlock()
	return w
}

func (wq *WaitQueue_t) remove(w *Waiter) {
	wq.mu.Lock()
	for i, p := range wq.parked {
		if p == w {
			wq.parked = append(wq.parked[:i], wq.parked[i+1:]...)
			break
		}
	}
	wq.mu.Unlock()
}

// Wait blocks until woken by WakeOne/WakeAll or until the deadline
// passes. It returns kerr.ETIMEOUT on timeout and 0 on a (possibly
// spurious) wakeup; the caller is responsible for re-checking its
// condition, per spec §4.2.
func (wq *WaitQueue_t) Wait(d kerr.Deadline) kerr.Err_t {
	if d.Kind == kerr.Immediate {
		return kerr.EAGAIN
	}
	w := wq.enqueue()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	switch d.Kind {
	case kerr.Relative:
		timer = time.NewTimer(time.Duration(d.Ns))
		timeoutCh = timer.C
	case kerr.Absolute:
		delay := time.Duration(d.Ns) - time.Duration(time.Now().UnixNano())
		if delay < 0 {
			delay = 0
		}
		timer = time.NewTimer(delay)
		timeoutCh = timer.C
	}
	if timer != nil {
		defer timer.Stop()
	}

	select {
	case <-w.ch:
		return 0
	case <-timeoutCh:
		wq.remove(w)
		return kerr.ETIMEOUT
	}
}

// Cancel removes a thread that is being torn down while blocked, per
// spec §4.9 "Cancellation": the thread is taken off the queue before
// teardown rather than ever being woken normally.
func (wq *WaitQueue_t) Cancel(w *Waiter) {
	wq.remove(w)
}

// WakeOne wakes the longest-waiting parked thread, if any, and reports
// whether anything was woken.
func (wq *WaitQueue_t) WakeOne() bool {
	wq.mu.Lock()
	if len(wq.parked) == 0 {
		wq.mu.Unlock()
		return false
	}
	w := wq.parked[0]
	wq.parked = wq.parked[1:]
	wq.mu.Unlock()
	select {
	case w.ch <- struct{}{}:
	default:
	}
	return true
}

// WakeAll wakes every parked thread.
func (wq *WaitQueue_t) WakeAll() {
	wq.mu.Lock()
	all := wq.parked
	wq.parked = nil
	wq.mu.Unlock()
	for _, w := range all {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of currently parked waiters.
func (wq *WaitQueue_t) Len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return len(wq.parked)
}
