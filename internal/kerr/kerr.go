// Package kerr defines the core's closed error taxonomy and the deadline
// sum type used by every blocking primitive.
//
// The convention follows biscuit's defs.Err_t: a handler returns an
// int-typed Err_t, success is 0, and failure is one of the named
// positive constants below, returned as is (e.g. "return kerr.EBADH").
// Syscall dispatch maps the enum 1:1 onto the user-visible ABI return
// value; nothing above this package ever invents a new error number.
package kerr

// Err_t is a component-level error. Zero means success. Callers never
// construct an Err_t directly; they return one of the named constants.
// String also accepts a negated constant.
type Err_t int

// Argument errors: malformed request, no state change.
const (
	EINVAL    Err_t = 1 // InvalidArgument
	EBADADDR  Err_t = 2 // BadAddress
	EBADH     Err_t = 3 // BadHandle
	EPERM     Err_t = 4 // PermissionDenied
)

// Resource errors: exhaustion. Partial work must be unwound before return.
const (
	ENORES Err_t = 10 // NoResources
)

// State errors: operation conflicts with current object state.
const (
	EEXIST   Err_t = 20 // AlreadyExists
	ENOENT   Err_t = 21 // NotFound
	EOVERLAP Err_t = 22 // Overlap
	EPEERC   Err_t = 23 // PeerClosed
	ENOTSUP  Err_t = 24 // NotSupported
)

// Transient errors: caller may retry.
const (
	EAGAIN   Err_t = 30 // WouldBlock
	ETIMEOUT Err_t = 31 // Timeout
)

var names = map[Err_t]string{
	EINVAL:   "InvalidArgument",
	EBADADDR: "BadAddress",
	EBADH:    "BadHandle",
	EPERM:    "PermissionDenied",
	ENORES:   "NoResources",
	EEXIST:   "AlreadyExists",
	ENOENT:   "NotFound",
	EOVERLAP: "Overlap",
	EPEERC:   "PeerClosed",
	ENOTSUP:  "NotSupported",
	EAGAIN:   "WouldBlock",
	ETIMEOUT: "Timeout",
}

// String renders the symbolic name of an error, e.g. "BadHandle". Zero
// renders as "ok"; unknown values render as a numeric fallback so a
// mistaken direct print never silently produces an empty string.
func (e Err_t) String() string {
	if e == 0 {
		return "ok"
	}
	mag := e
	if mag < 0 {
		mag = -mag
	}
	if s, ok := names[mag]; ok {
		return s
	}
	return "Err(" + itoa(int(e)) + ")"
}

func (e Err_t) Error() string {
	return e.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// DeadlineKind distinguishes the four deadline flavors the ABI may
// express. The core never overloads 0 or max-uint64 as a sentinel for
// "no deadline"; callers convert at the ABI boundary into one of these.
type DeadlineKind int

const (
	Immediate DeadlineKind = iota
	Infinite
	Absolute
	Relative
)

// Deadline is the sum type every blocking primitive (WaitQueue.Wait,
// Port.Wait, Channel.Recv) accepts.
type Deadline struct {
	Kind DeadlineKind
	Ns   int64 // meaningful only for Absolute/Relative
}

// ImmediateDeadline never parks the caller.
func ImmediateDeadline() Deadline { return Deadline{Kind: Immediate} }

// InfiniteDeadline parks until woken, with no timeout.
func InfiniteDeadline() Deadline { return Deadline{Kind: Infinite} }

// AbsoluteDeadline parks until time.Now().UnixNano() >= ns.
func AbsoluteDeadline(ns int64) Deadline { return Deadline{Kind: Absolute, Ns: ns} }

// RelativeDeadline parks for ns nanoseconds from the moment it is first
// evaluated by the wait loop.
func RelativeDeadline(ns int64) Deadline { return Deadline{Kind: Relative, Ns: ns} }
