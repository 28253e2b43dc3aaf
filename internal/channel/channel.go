// Package channel implements the bidirectional IPC endpoint of spec
// §3 and §4.6: paired queues of messages carrying data plus
// transferable object references.
package channel

import (
	"sync"
	"time"

	"github.com/oichkatzele/radonkernel/internal/handle"
	"github.com/oichkatzele/radonkernel/internal/kerr"
	"github.com/oichkatzele/radonkernel/internal/kobject"
	"github.com/oichkatzele/radonkernel/internal/signal"
	"github.com/oichkatzele/radonkernel/internal/waitq"
)

// DefaultCapacity bounds the number of queued messages before Send
// fails with WouldBlock (spec §3's capacity field).
const DefaultCapacity = 256

// Carried is one transferred object reference, carried by value (the
// object, not a handle integer) per spec §3: "carried entries are
// object references, not handle integers, because a handle is
// meaningful only in one process."
type Carried struct {
	Obj    kobject.Object
	Rights handle.Rights
}

// Message is one datagram in a Channel's queue.
type Message struct {
	Bytes   []byte
	Carried []Carried
}

// Channel_t is one end of a channel pair.
type Channel_t struct {
	kobject.Base

	mu       sync.Mutex
	queue    []Message
	peer     *Channel_t // weak in spirit: cleared on close, never the sole owner
	capacity int
	closed   bool
	waiters  *waitq.WaitQueue_t
}

// NewPair creates a Channel pair with symmetric peer pointers. Both
// ends start Writable and not Readable (spec §4.6).
func NewPair() (*Channel_t, *Channel_t) {
	a := &Channel_t{capacity: DefaultCapacity, waiters: waitq.New()}
	b := &Channel_t{capacity: DefaultCapacity, waiters: waitq.New()}
	a.Base.Init(kobject.TypeChannel)
	b.Base.Init(kobject.TypeChannel)
	a.peer = b
	b.peer = a
	a.SignalSet(signal.Writable)
	b.SignalSet(signal.Writable)
	return a, b
}

// Send appends msg to the peer's queue. Fails PeerClosed if the peer
// is gone, WouldBlock (kerr.EAGAIN) if the peer's queue is at capacity.
func (c *Channel_t) Send(msg Message) kerr.Err_t {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return kerr.EPEERC
	}

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return kerr.EPEERC
	}
	if len(peer.queue) >= peer.capacity {
		peer.mu.Unlock()
		return kerr.EAGAIN
	}
	peer.queue = append(peer.queue, msg)
	wasReadable := peer.Signals()&signal.Readable != 0
	peer.mu.Unlock()

	if !wasReadable {
		peer.SignalSet(signal.Readable)
	}
	peer.waiters.WakeOne()
	return 0
}

// popLocked removes and returns the front message, if any.
func (c *Channel_t) popLocked() (Message, bool) {
	if len(c.queue) == 0 {
		return Message{}, false
	}
	m := c.queue[0]
	c.queue = c.queue[1:]
	return m, true
}

// TryRecv pops the front message without blocking.
func (c *Channel_t) TryRecv() (Message, kerr.Err_t) {
	c.mu.Lock()
	wasFull := len(c.queue) >= c.capacity
	m, ok := c.popLocked()
	empty := len(c.queue) == 0
	peer := c.peer
	c.mu.Unlock()

	if !ok {
		if peer == nil {
			return Message{}, kerr.EPEERC
		}
		return Message{}, kerr.EAGAIN
	}
	if empty {
		c.SignalClear(signal.Readable)
	}
	if wasFull && peer != nil {
		peer.SignalSet(signal.Writable)
	}
	return m, 0
}

// Recv blocks (per deadline) until a message is available or the peer
// closes with the queue drained.
func (c *Channel_t) Recv(d kerr.Deadline) (Message, kerr.Err_t) {
	if d.Kind == kerr.Relative {
		d = kerr.AbsoluteDeadline(time.Now().UnixNano() + d.Ns)
	}
	for {
		m, err := c.TryRecv()
		if err == 0 {
			return m, 0
		}
		if err == kerr.EPEERC {
			return Message{}, kerr.EPEERC
		}
		// err == EAGAIN: queue empty, peer still open.
		if werr := c.waiters.Wait(d); werr != 0 {
			return Message{}, werr
		}
	}
}

// Close sets PeerClosed on the peer, clears its peer reference, and
// wakes all its waiters. The peer's already-queued messages remain
// drainable afterward (spec §4.6).
func (c *Channel_t) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()

	if peer == nil {
		return
	}
	peer.mu.Lock()
	peer.peer = nil
	peer.mu.Unlock()
	peer.SignalSet(signal.PeerClosed)
	peer.waiters.WakeAll()
}

// Len reports the number of queued messages, for tests.
func (c *Channel_t) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
