package vmo_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/radonkernel/internal/physmem"
	"github.com/oichkatzele/radonkernel/internal/vmo"
)

func TestNewRoundsUpToPageMultiple(t *testing.T) {
	alloc := physmem.New()
	v, err := vmo.New(1, 0, alloc)
	require.Zero(t, err)
	require.Equal(t, int64(vmo.PageSize), v.Size())
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	alloc := physmem.New()
	v, err := vmo.New(vmo.PageSize*2, 0, alloc)
	require.Zero(t, err)

	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	n, err := v.Write(vmo.PageSize-5, payload)
	require.Zero(t, err)
	require.Equal(t, len(payload), n)

	out := make([]byte, 10)
	n, err = v.Read(vmo.PageSize-5, out)
	require.Zero(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out, "read must return exactly what was written, across the page boundary")
}

func TestWriteClampsAtSize(t *testing.T) {
	alloc := physmem.New()
	v, err := vmo.New(vmo.PageSize, 0, alloc)
	require.Zero(t, err)

	buf := make([]byte, vmo.PageSize+100)
	n, err := v.Write(0, buf)
	require.Zero(t, err)
	require.Equal(t, vmo.PageSize, n, "a write past size must be truncated, not extended")
}

func TestCowCloneIsolatesWrites(t *testing.T) {
	alloc := physmem.New()
	parent, err := vmo.New(vmo.PageSize, 0, alloc)
	require.Zero(t, err)
	parent.Write(0, []byte("parent-data"))

	child, err := parent.CreateCowClone(0, vmo.PageSize)
	require.Zero(t, err)

	buf := make([]byte, len("parent-data"))
	child.Read(0, buf)
	require.Equal(t, []byte("parent-data"), buf, "a fresh CoW clone must read the parent's current contents")

	child.Write(0, []byte("child-datum"))
	childBuf := make([]byte, len("child-datum"))
	child.Read(0, childBuf)
	require.Equal(t, []byte("child-datum"), childBuf)

	parentBuf := make([]byte, len("parent-data"))
	parent.Read(0, parentBuf)
	require.Equal(t, []byte("parent-data"), parentBuf, "writing the clone must not mutate the parent")
}

func TestDecommitRejectedOnContiguous(t *testing.T) {
	alloc := physmem.New()
	v, err := vmo.New(vmo.PageSize, vmo.Commit|vmo.Contiguous, alloc)
	require.Zero(t, err)
	err = v.Decommit(0, vmo.PageSize)
	require.NotZero(t, err, "decommit must be rejected on a physically-contiguous VMO")
}

func TestResizeRequiresResizableOption(t *testing.T) {
	alloc := physmem.New()
	v, err := vmo.New(vmo.PageSize, 0, alloc)
	require.Zero(t, err)
	require.NotZero(t, v.Resize(vmo.PageSize*2), "resize must fail without the Resizable option")

	v2, err := vmo.New(vmo.PageSize, vmo.Resizable, alloc)
	require.Zero(t, err)
	require.Zero(t, v2.Resize(vmo.PageSize*3))
	require.Equal(t, int64(vmo.PageSize*3), v2.Size())
}

func TestSetNameRejectsEmbeddedNul(t *testing.T) {
	alloc := physmem.New()
	v, err := vmo.New(vmo.PageSize, 0, alloc)
	require.Zero(t, err)
	require.NotZero(t, v.SetName("bad\x00name"))
	require.Zero(t, v.SetName("display-buffer"))
	require.Equal(t, "display-buffer", v.Name().String())
}
