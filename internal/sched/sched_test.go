package sched_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/radonkernel/internal/kobject"
	"github.com/oichkatzele/radonkernel/internal/proc"
	"github.com/oichkatzele/radonkernel/internal/sched"
	"github.com/oichkatzele/radonkernel/internal/signal"
)

func TestNewThreadAssignedRoundRobin(t *testing.T) {
	s := sched.New(2)
	p, _ := proc.New("p", nil, false)

	t0 := s.NewThread(p, "t0", true, nil, 0, 0)
	t1 := s.NewThread(p, "t1", false, nil, 0, 0)
	require.NotEqual(t, t0.CPU(), t1.CPU(), "round-robin assignment must spread consecutive threads across CPUs")
}

func TestScheduleReturnsReadyThreadAndDemotesPrevious(t *testing.T) {
	s := sched.New(1)
	p, _ := proc.New("p", nil, false)
	cpu := s.CPU(0)

	a := s.NewThread(p, "a", true, nil, 0, 0)
	b := s.NewThread(p, "b", false, nil, 0, 0)
	s.Enqueue(a)
	s.Enqueue(b)

	first := s.Schedule(cpu)
	require.Equal(t, a.Tid(), first.Tid())
	require.Equal(t, sched.Running, first.State())

	second := s.Schedule(cpu)
	require.Equal(t, b.Tid(), second.Tid(), "Schedule must pop the next ready thread")
	require.Equal(t, sched.Ready, first.State(), "the previously-running thread must be demoted back to Ready")
}

func TestBlockAndWakeCrossCPU(t *testing.T) {
	s := sched.New(2)
	p, _ := proc.New("p", nil, false)
	th := s.NewThread(p, "blocker", true, nil, 0, 0)
	s.Enqueue(th)
	s.Schedule(s.CPU(th.CPU()))

	s.Block(th)
	require.Equal(t, sched.Blocked, th.State())

	s.WakeCrossCPU(th)
	require.Equal(t, sched.Ready, th.State())
}

func TestProcessExitCascadesFromMainThreadExit(t *testing.T) {
	s := sched.New(1)
	p, _ := proc.New("p", nil, false)
	main := s.NewThread(p, "main", true, nil, 0, 0)
	p.AddThread(main)
	p.Start()

	s.Exit(main, 7, func(kobject.Object) {})
	require.Equal(t, proc.Exited, p.State())
	require.Equal(t, 7, p.ExitCode())
	require.NotZero(t, p.Signals()&signal.Terminated, "process exit must set the Terminated signal")
}

func TestFrameAndRunInvokeEntry(t *testing.T) {
	s := sched.New(1)
	p, _ := proc.New("p", nil, false)
	ran := false
	th := s.NewThread(p, "worker", true, func() { ran = true }, 0x1000, 0x2000)

	ip, stackTop := th.Frame()
	require.Equal(t, uintptr(0x2000), ip)
	require.Equal(t, uintptr(0x1000), stackTop)

	th.Run()
	require.True(t, ran)
}
