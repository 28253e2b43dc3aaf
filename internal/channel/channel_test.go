package channel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/radonkernel/internal/channel"
	"github.com/oichkatzele/radonkernel/internal/kerr"
	"github.com/oichkatzele/radonkernel/internal/signal"
)

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := channel.NewPair()
	require.Zero(t, a.Send(channel.Message{Bytes: []byte("hello")}))

	msg, err := b.Recv(kerr.ImmediateDeadline())
	require.Zero(t, err)
	require.Equal(t, []byte("hello"), msg.Bytes)
}

func TestTryRecvEmptyReturnsWouldBlock(t *testing.T) {
	_, b := channel.NewPair()
	_, err := b.TryRecv()
	require.Equal(t, kerr.EAGAIN, err)
}

func TestCloseSetsPeerClosedAndDrainsQueuedMessages(t *testing.T) {
	a, b := channel.NewPair()
	require.Zero(t, a.Send(channel.Message{Bytes: []byte("still here")}))
	a.Close()

	require.NotZero(t, b.Signals()&signal.PeerClosed, "closing one end must set PeerClosed on the peer")

	msg, err := b.TryRecv()
	require.Zero(t, err, "a message queued before close must still be drainable")
	require.Equal(t, []byte("still here"), msg.Bytes)

	_, err = b.TryRecv()
	require.Equal(t, kerr.EPEERC, err, "once drained, recv against a closed peer must report PeerClosed")
}

func TestSendAfterPeerClosedFails(t *testing.T) {
	a, b := channel.NewPair()
	b.Close()
	require.Equal(t, kerr.EPEERC, a.Send(channel.Message{Bytes: []byte("x")}))
}

func TestCapacityBoundedSendFails(t *testing.T) {
	a, b := channel.NewPair()
	for i := 0; i < channel.DefaultCapacity; i++ {
		require.Zero(t, a.Send(channel.Message{Bytes: []byte{byte(i)}}))
	}
	err := a.Send(channel.Message{Bytes: []byte("overflow")})
	require.Equal(t, kerr.EAGAIN, err, "sending past capacity must fail with WouldBlock")
	_ = b
}
