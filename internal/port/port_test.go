package port_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/radonkernel/internal/kerr"
	"github.com/oichkatzele/radonkernel/internal/kobject"
	"github.com/oichkatzele/radonkernel/internal/port"
	"github.com/oichkatzele/radonkernel/internal/signal"
)

type fakeObj struct{ kobject.Base }

func newFake() *fakeObj {
	f := &fakeObj{}
	f.Base.Init(kobject.TypeVmo)
	return f
}

func TestBindFiresOnSignal(t *testing.T) {
	p := port.New()
	obj := newFake()
	require.Zero(t, p.Bind(1, obj, signal.UserSignal0, port.Persistent))

	obj.SignalSet(signal.UserSignal0)

	out := make([]port.Packet, 1)
	n, err := p.Wait(out, kerr.ImmediateDeadline())
	require.Zero(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(1), out[0].Key)
	require.Equal(t, port.PacketSignal, out[0].Type)
}

func TestBindDuplicateKeyFails(t *testing.T) {
	p := port.New()
	obj := newFake()
	require.Zero(t, p.Bind(1, obj, signal.UserSignal0, port.Persistent))
	require.Equal(t, kerr.EEXIST, p.Bind(1, obj, signal.UserSignal0, port.Persistent))
}

func TestOnceBindingRemovedAtDequeue(t *testing.T) {
	p := port.New()
	obj := newFake()
	require.Zero(t, p.Bind(7, obj, signal.UserSignal0, port.Once))

	obj.SignalSet(signal.UserSignal0)
	obj.SignalClear(signal.UserSignal0)
	obj.SignalSet(signal.UserSignal0) // second edge: binding still registered until dequeued

	out := make([]port.Packet, 2)
	n, err := p.Wait(out, kerr.ImmediateDeadline())
	require.Zero(t, err)
	require.GreaterOrEqual(t, n, 1)

	require.Equal(t, kerr.ENOENT, p.Unbind(7), "a Once binding must be gone once its packet has been dequeued")
}

func TestQueueUserWakesWaiter(t *testing.T) {
	p := port.New()
	p.QueueUser(42, [4]uint64{1, 2, 3, 4})

	out := make([]port.Packet, 1)
	n, err := p.Wait(out, kerr.ImmediateDeadline())
	require.Zero(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, port.PacketUser, out[0].Type)
	require.Equal(t, uint64(42), out[0].Key)
}

func TestWaitOnEmptyQueueImmediateFails(t *testing.T) {
	p := port.New()
	out := make([]port.Packet, 1)
	_, err := p.Wait(out, kerr.ImmediateDeadline())
	require.Equal(t, kerr.EAGAIN, err)
}

func TestUnbindRemovesObserver(t *testing.T) {
	p := port.New()
	obj := newFake()
	require.Zero(t, p.Bind(3, obj, signal.UserSignal1, port.Persistent))
	require.Zero(t, p.Unbind(3))

	obj.SignalSet(signal.UserSignal1)
	out := make([]port.Packet, 1)
	_, err := p.Wait(out, kerr.ImmediateDeadline())
	require.Equal(t, kerr.EAGAIN, err, "an unbound source's signal must not enqueue a packet")
}
