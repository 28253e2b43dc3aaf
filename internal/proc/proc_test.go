package proc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/radonkernel/internal/handle"
	"github.com/oichkatzele/radonkernel/internal/kerr"
	"github.com/oichkatzele/radonkernel/internal/kobject"
	"github.com/oichkatzele/radonkernel/internal/proc"
)

type fakeThread struct {
	tid      uint64
	isMain   bool
	exitCode int
}

func (f *fakeThread) Tid() uint64   { return f.tid }
func (f *fakeThread) IsMain() bool  { return f.isMain }
func (f *fakeThread) ExitCode() int { return f.exitCode }

func TestNewWithBootstrapInsertsChildEndHandle(t *testing.T) {
	child, parentEnd := proc.New("child", nil, true)
	require.NotNil(t, parentEnd)

	h, err := child.GetInitHandle(0)
	require.Zero(t, err)
	require.NotEqual(t, handle.Invalid, h)
}

func TestGetInitHandleWithoutBootstrapFails(t *testing.T) {
	p, parentEnd := proc.New("p", nil, false)
	require.Nil(t, parentEnd)
	_, err := p.GetInitHandle(0)
	require.Equal(t, kerr.ENOENT, err)
}

func TestSetInitHandlesIndexing(t *testing.T) {
	p, _ := proc.New("p", nil, true)
	hs := []handle.Handle{5, 6, 7}
	p.SetInitHandles(hs)

	got, err := p.GetInitHandle(1)
	require.Zero(t, err)
	require.Equal(t, handle.Handle(5), got)

	got, err = p.GetInitHandle(3)
	require.Zero(t, err)
	require.Equal(t, handle.Handle(7), got)

	_, err = p.GetInitHandle(4)
	require.Equal(t, kerr.ENOENT, err)
}

func TestStartRequiresCreatedOrStopped(t *testing.T) {
	p, _ := proc.New("p", nil, false)
	_, err := p.Start()
	require.Zero(t, err)

	_, err = p.Start()
	require.Equal(t, kerr.EINVAL, err, "starting an already-Running process must fail")
}

func TestThreadExitedCascadesOnEmptyThreadSet(t *testing.T) {
	p, _ := proc.New("p", nil, false)
	th := &fakeThread{tid: 1, isMain: false}
	p.AddThread(th)
	p.Start()

	p.ThreadExited(th, func(kobject.Object) {})
	require.Equal(t, proc.Exited, p.State(), "exiting the last thread must cascade into process exit")
}

func TestExitIsIdempotent(t *testing.T) {
	p, _ := proc.New("p", nil, false)
	released := 0
	release := func(kobject.Object) { released++ }

	p.Exit(3, release)
	p.Exit(9, release)

	require.Equal(t, 3, p.ExitCode(), "a second Exit call must not overwrite the first exit code")
}
