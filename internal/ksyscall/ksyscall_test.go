package ksyscall_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/radonkernel/internal/handle"
	"github.com/oichkatzele/radonkernel/internal/kerr"
	"github.com/oichkatzele/radonkernel/internal/kobject"
	"github.com/oichkatzele/radonkernel/internal/ksyscall"
	"github.com/oichkatzele/radonkernel/internal/physmem"
	"github.com/oichkatzele/radonkernel/internal/port"
	"github.com/oichkatzele/radonkernel/internal/proc"
	"github.com/oichkatzele/radonkernel/internal/sched"
	"github.com/oichkatzele/radonkernel/internal/signal"
	"github.com/oichkatzele/radonkernel/internal/vmar"
	"github.com/oichkatzele/radonkernel/internal/vmo"
)

func newDispatcher(t *testing.T) (*ksyscall.Dispatcher_t, handle.Handle) {
	t.Helper()
	scheduler := sched.New(2)
	alloc := physmem.New()
	p, _ := proc.New("test", nil, false)
	main := scheduler.NewThread(p, "main", true, nil, 0, 0)
	p.AddThread(main)

	d := &ksyscall.Dispatcher_t{Proc: p, Scheduler: scheduler, Phys: alloc}
	selfHandle, err := p.Handles.Insert(p, handle.Manage)
	require.Zero(t, err)
	return d, selfHandle
}

func TestProcessStartEnqueuesThreads(t *testing.T) {
	d, self := newDispatcher(t)
	require.Zero(t, d.ProcessStart(self))
	require.Equal(t, proc.Running, d.Proc.State())
}

func TestHandleCloseAndObjectGetInfo(t *testing.T) {
	d, _ := newDispatcher(t)
	vh, err := d.VmoCreate(ksyscall.VmoCreateArgs{Size: 4096})
	require.Zero(t, err)

	info, err := d.ObjectGetInfo(vh)
	require.Zero(t, err)
	require.Equal(t, kobject.TypeVmo, info.Type)
	require.NotZero(t, info.Koid)

	require.Zero(t, d.HandleClose(vh))
	_, err = d.ObjectGetInfo(vh)
	require.Equal(t, kerr.EBADH, err, "a closed handle must no longer resolve")
}

func TestChannelSendRecvThroughDispatcher(t *testing.T) {
	d, _ := newDispatcher(t)
	ha, hb, err := d.ChannelCreate()
	require.Zero(t, err)

	require.Zero(t, d.ChannelSend(ha, []byte("ping"), nil))
	res, err := d.ChannelRecv(hb, kerr.ImmediateDeadline())
	require.Zero(t, err)
	require.Equal(t, []byte("ping"), res.Data)
}

func TestChannelTransfersHandleOwnership(t *testing.T) {
	d, _ := newDispatcher(t)
	ha, hb, err := d.ChannelCreate()
	require.Zero(t, err)

	vh, err := d.VmoCreate(ksyscall.VmoCreateArgs{Size: 4096})
	require.Zero(t, err)

	require.Zero(t, d.ChannelSend(ha, []byte("take this"), []handle.Handle{vh}))

	_, err = d.VmoGetSize(vh)
	require.Equal(t, kerr.EBADH, err, "a transferred handle must no longer resolve in the sender's table")

	res, err := d.ChannelRecv(hb, kerr.ImmediateDeadline())
	require.Zero(t, err)
	require.Len(t, res.Handles, 1)

	size, err := d.VmoGetSize(res.Handles[0])
	require.Zero(t, err)
	require.Equal(t, int64(4096), size)
}

func TestVmoCreateChildIsolatesWrites(t *testing.T) {
	d, _ := newDispatcher(t)
	vh, err := d.VmoCreate(ksyscall.VmoCreateArgs{Size: vmo.PageSize})
	require.Zero(t, err)
	_, err = d.VmoWrite(vh, 0, []byte("parent"))
	require.Zero(t, err)

	ch, err := d.VmoCreateChild(vh, 0, vmo.PageSize)
	require.Zero(t, err)

	buf := make([]byte, 6)
	n, err := d.VmoRead(ch, 0, buf)
	require.Zero(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, []byte("parent"), buf)

	_, err = d.VmoWrite(ch, 0, []byte("cloned"))
	require.Zero(t, err)
	parentBuf := make([]byte, 6)
	d.VmoRead(vh, 0, parentBuf)
	require.Equal(t, []byte("parent"), parentBuf, "writing the child clone must not affect the parent VMO")
}

func TestVmarMapUnmapThroughDispatcher(t *testing.T) {
	d, _ := newDispatcher(t)
	vmarHandle, err := d.Proc.Handles.Insert(d.Proc.RootVmar, handle.Map)
	require.Zero(t, err)
	vh, err := d.VmoCreate(ksyscall.VmoCreateArgs{Size: vmo.PageSize, Options: vmo.Commit})
	require.Zero(t, err)

	addr, err := d.VmarMap(ksyscall.VmarMapArgs{
		VmarHandle: vmarHandle,
		VmoHandle:  vh,
		Size:       vmo.PageSize,
		Flags:      vmar.FlagRead | vmar.FlagWrite,
	})
	require.Zero(t, err)
	require.NotZero(t, addr)

	require.Zero(t, d.VmarUnmap(vmarHandle, addr, vmo.PageSize))
	require.NotZero(t, d.VmarUnmap(vmarHandle, addr, vmo.PageSize), "unmapping twice must fail")
}

func TestVmarHandlePageFaultThroughDispatcher(t *testing.T) {
	d, _ := newDispatcher(t)
	vmarHandle, err := d.Proc.Handles.Insert(d.Proc.RootVmar, handle.Map)
	require.Zero(t, err)
	vh, err := d.VmoCreate(ksyscall.VmoCreateArgs{Size: vmo.PageSize, Options: vmo.Commit})
	require.Zero(t, err)

	addr, err := d.VmarMap(ksyscall.VmarMapArgs{
		VmarHandle: vmarHandle,
		VmoHandle:  vh,
		Size:       vmo.PageSize,
		Flags:      vmar.FlagRead | vmar.FlagWrite,
	})
	require.Zero(t, err)

	require.Zero(t, d.VmarHandlePageFault(vmarHandle, addr, []byte{0x8B, 0x03}), "mov eax, [rbx]: a read fault against a writable mapping must succeed")
	require.NotZero(t, d.VmarHandlePageFault(vmarHandle, addr, []byte{0xFF}), "an undecodable instruction must be rejected")
}

func TestPortBindAndQueueThroughDispatcher(t *testing.T) {
	d, _ := newDispatcher(t)
	ph, err := d.PortCreate()
	require.Zero(t, err)
	vh, err := d.VmoCreate(ksyscall.VmoCreateArgs{Size: 4096})
	require.Zero(t, err)

	require.Zero(t, d.PortBind(ph, 9, vh, signal.Writable, port.Persistent))

	out := make([]port.Packet, 1)
	n, err := d.PortWait(ph, out, kerr.ImmediateDeadline())
	require.Zero(t, err)
	require.Equal(t, 1, n, "a VMO is created already Writable, so binding on Writable fires immediately")

	require.Zero(t, d.PortQueue(ph, 1, [4]uint64{9, 9, 9, 9}))
	n, err = d.PortWait(ph, out, kerr.ImmediateDeadline())
	require.Zero(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, port.PacketUser, out[0].Type)
}
