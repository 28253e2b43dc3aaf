// Command kernelsim boots the kernel core in-process: it builds a
// Scheduler_t with a configurable CPU count, creates a root Process
// with a bootstrap Channel, starts its main Thread, and through the
// syscall dispatcher sends and receives one message over a freshly
// created Channel pair and drains one Port packet bound to a new Vmo,
// logging each step. It exists to exercise every object
// package wired together end to end, the way biscuit's kernel/chentry.go
// is a small single-purpose tool driving one real subsystem rather than
// a test harness.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/oichkatzele/radonkernel/internal/handle"
	"github.com/oichkatzele/radonkernel/internal/kerr"
	"github.com/oichkatzele/radonkernel/internal/klog"
	"github.com/oichkatzele/radonkernel/internal/kprof"
	"github.com/oichkatzele/radonkernel/internal/ksyscall"
	"github.com/oichkatzele/radonkernel/internal/physmem"
	"github.com/oichkatzele/radonkernel/internal/port"
	"github.com/oichkatzele/radonkernel/internal/proc"
	"github.com/oichkatzele/radonkernel/internal/sched"
	"github.com/oichkatzele/radonkernel/internal/signal"
)

// BootConfig holds the simulator's command-line-configurable boot
// parameters.
type BootConfig struct {
	NumCPUs  int
	RootName string
	LogLevel string
	ProfOut  string
}

func parseLevel(s string) klog.Level {
	switch s {
	case "debug":
		return klog.LevelDebug
	case "warn":
		return klog.LevelWarn
	case "error":
		return klog.LevelError
	default:
		return klog.LevelInfo
	}
}

func main() {
	cfg := BootConfig{}
	flag.IntVar(&cfg.NumCPUs, "cpus", 4, "number of simulated per-CPU scheduler queues")
	flag.StringVar(&cfg.RootName, "root-name", "root", "name of the initial root process")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "debug|info|warn|error")
	flag.StringVar(&cfg.ProfOut, "profile-out", "", "optional path to write a pprof snapshot of thread state")
	flag.Parse()

	klog.SetDefault(klog.New(&klog.Config{Level: parseLevel(cfg.LogLevel), Output: os.Stderr}))
	log := klog.Default().With("component", "kernelsim")

	log.Info("booting", "cpus", cfg.NumCPUs)
	scheduler := sched.New(cfg.NumCPUs)
	alloc := physmem.New()

	rootProc, _ := proc.New(cfg.RootName, nil, true)
	mainThread := scheduler.NewThread(rootProc, "main", true, nil, 0, 0)
	rootProc.AddThread(mainThread)

	disp := &ksyscall.Dispatcher_t{Proc: rootProc, Scheduler: scheduler, Phys: alloc}

	if err := disp.ProcessStart(mustHandle(rootProc)); err != 0 {
		log.Error("process start failed", "err", err)
		os.Exit(1)
	}
	log.Info("root process running", "pid", rootProc.Pid, "state", rootProc.State())

	runEchoDemo(disp, log)
	runPortDemo(disp, log)

	if cfg.ProfOut != "" {
		dumpProfile(rootProc, mainThread, cfg.ProfOut, log)
	}

	disp.Exit(0)
	log.Info("root process exited", "code", rootProc.ExitCode())
}

// mustHandle is a bootstrap-only convenience: kernelsim is its own
// privileged caller, so it inserts a process handle for itself to
// drive ProcessStart through the same dispatcher path a real client
// process would use.
func mustHandle(p *proc.Process_t) handle.Handle {
	h, err := p.Handles.Insert(p, handle.Basic|handle.Manage)
	if err != 0 {
		panic(err)
	}
	return h
}

// runEchoDemo exercises Channel create/send/recv directly: one message
// sent on one end of a freshly created pair and received on the other.
func runEchoDemo(disp *ksyscall.Dispatcher_t, log *klog.Logger) {
	ha, hb, err := disp.ChannelCreate()
	if err != 0 {
		log.Error("channel create failed", "err", err)
		return
	}
	if err := disp.ChannelSend(ha, []byte("ping"), nil); err != 0 {
		log.Error("channel send failed", "err", err)
		return
	}
	res, err := disp.ChannelRecv(hb, kerr.ImmediateDeadline())
	if err != 0 {
		log.Error("channel recv failed", "err", err)
		return
	}
	log.Info("echo demo", "received", string(res.Data))
}

// runPortDemo binds a Port to a freshly created Vmo's Writable signal
// (already set at creation) and drains the resulting packet, exercising
// port.Bind/Wait and the Vmo/Port/signal wiring together.
func runPortDemo(disp *ksyscall.Dispatcher_t, log *klog.Logger) {
	vh, err := disp.VmoCreate(ksyscall.VmoCreateArgs{Size: 4096})
	if err != 0 {
		log.Error("vmo create failed", "err", err)
		return
	}
	ph, err := disp.PortCreate()
	if err != 0 {
		log.Error("port create failed", "err", err)
		return
	}
	if err := disp.PortBind(ph, 1, vh, signal.Writable, port.Persistent); err != 0 {
		log.Error("port bind failed", "err", err)
		return
	}
	out := make([]port.Packet, 1)
	n, err := disp.PortWait(ph, out, kerr.ImmediateDeadline())
	if err != 0 {
		log.Error("port wait failed", "err", err)
		return
	}
	log.Info("port demo", "packets", n)
}

// dumpProfile snapshots the threads kernelsim itself created. A real
// boot harness driving many processes would instead walk every
// Process's thread set; this demo only ever creates rootProc's single
// main thread, so the sample list is exactly that one entry.
func dumpProfile(p *proc.Process_t, t *sched.Thread_t, path string, log *klog.Logger) {
	samples := []kprof.ThreadSample{{
		Pid:   p.Pid,
		Tid:   t.Tid(),
		CPU:   t.CPU(),
		State: t.State(),
		Name:  t.Name.String(),
	}}
	prof := kprof.Snapshot(samples, time.Now())
	data, err := kprof.Write(prof)
	if err != nil {
		log.Error("profile write failed", "err", err)
		return
	}
	if werr := os.WriteFile(path, data, 0o644); werr != nil {
		log.Error("profile file write failed", "err", werr)
		return
	}
	fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", len(data), path)
}
