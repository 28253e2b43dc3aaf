// Package kprof renders a scheduler snapshot as a pprof profile, using
// github.com/google/pprof's profile package the way a real Zircon-style
// kernel's ktrace/kprofile counterpart would: as a sampled snapshot a
// userspace tool can pull over a Channel or Vmo and feed to any
// pprof-compatible viewer, rather than a kernel-private text dump.
package kprof

import (
	"bytes"
	"time"

	"github.com/google/pprof/profile"

	"github.com/oichkatzele/radonkernel/internal/sched"
)

// ThreadSample is one Thread_t's state at snapshot time, as much as
// internal/sched exposes without kprof reaching into its locks.
type ThreadSample struct {
	Pid   int64
	Tid   uint64
	CPU   int
	State sched.ThreadState
	Name  string
}

var stateNames = map[sched.ThreadState]string{
	sched.Created: "created",
	sched.Ready:   "ready",
	sched.Running: "running",
	sched.Blocked: "blocked",
	sched.Stopped: "stopped",
	sched.Exited:  "exited",
}

// Snapshot builds a pprof Profile with one sample per thread: the
// sample's single value is a constant unit count (1), and its location
// stack is a single synthetic frame "pid=<pid> tid=<tid> cpu=<cpu>
// <state>", with the thread's name and state as sample labels, so a
// standard pprof viewer renders a flat
// occupancy-by-state profile without this package needing pprof's
// full call-graph machinery.
func Snapshot(threads []ThreadSample, at time.Time) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "threads", Unit: "count"}},
		TimeNanos:  at.UnixNano(),
	}

	funcsByName := make(map[string]*profile.Function)
	var nextID uint64

	locFor := func(name string) *profile.Location {
		fn, ok := funcsByName[name]
		if !ok {
			nextID++
			fn = &profile.Function{ID: nextID, Name: name}
			funcsByName[name] = fn
			p.Function = append(p.Function, fn)
		}
		nextID++
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, t := range threads {
		state := stateNames[t.State]
		if state == "" {
			state = "unknown"
		}
		loc := locFor("pid=" + itoa(t.Pid) + " tid=" + uitoa(t.Tid) + " cpu=" + itoa(int64(t.CPU)) + " " + state)
		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{1},
			Location: []*profile.Location{loc},
			Label:    map[string][]string{"name": {t.Name}, "state": {state}},
		})
	}
	return p
}

// Write serializes p in pprof's native gzip-compressed wire format, the
// format any pprof-compatible client expects.
func Write(p *profile.Profile) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

func uitoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}
