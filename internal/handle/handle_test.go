package handle_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/radonkernel/internal/handle"
	"github.com/oichkatzele/radonkernel/internal/kobject"
	"github.com/oichkatzele/radonkernel/internal/signal"
)

type fakeObj struct{ kobject.Base }

func newFake() *fakeObj {
	f := &fakeObj{}
	f.Base.Init(kobject.TypeVmo)
	return f
}

func TestInsertGetRemove(t *testing.T) {
	tbl := handle.New()
	obj := newFake()

	h, err := tbl.Insert(obj, handle.Read|handle.Write)
	require.Zero(t, err)
	require.NotEqual(t, handle.Invalid, h)

	got, err := tbl.Get(h, handle.Read)
	require.Zero(t, err)
	require.Same(t, kobject.Object(obj), got)

	_, err = tbl.Get(h, handle.Execute)
	require.NotZero(t, err, "Get must fail when required rights exceed stored rights")

	removed, err := tbl.Remove(h)
	require.Zero(t, err)
	require.Same(t, kobject.Object(obj), removed)

	_, err = tbl.Get(h, 0)
	require.NotZero(t, err, "a removed handle must no longer resolve")
}

func TestDuplicateIsSubtractive(t *testing.T) {
	tbl := handle.New()
	obj := newFake()
	h, _ := tbl.Insert(obj, handle.Read|handle.Write|handle.Duplicate)

	dup, err := tbl.Duplicate(h, handle.Read)
	require.Zero(t, err)
	require.NotEqual(t, h, dup)

	_, err = tbl.Duplicate(h, handle.Execute)
	require.NotZero(t, err, "duplicating with a right the source lacks must fail")

	noDup, _ := tbl.Insert(obj, handle.Read)
	_, err = tbl.Duplicate(noDup, handle.Read)
	require.NotZero(t, err, "a handle without Duplicate must refuse duplication")
}

func TestTransferManyAtomic(t *testing.T) {
	tbl := handle.New()
	a := newFake()
	b := newFake()
	ha, _ := tbl.Insert(a, handle.Transfer)
	hb, _ := tbl.Insert(b, handle.Read) // lacks Transfer

	_, err := tbl.TransferMany([]handle.Handle{ha, hb})
	require.NotZero(t, err, "TransferMany must fail if any handle lacks Transfer")

	// ha must still be present: no partial transfer occurred.
	_, err = tbl.Get(ha, 0)
	require.Zero(t, err)
}

func TestReceiveManyAssignsFreshHandles(t *testing.T) {
	src := handle.New()
	dst := handle.New()
	obj := newFake()
	h, _ := src.Insert(obj, handle.Transfer|handle.Read)

	items, err := src.TransferMany([]handle.Handle{h})
	require.Zero(t, err)
	require.Len(t, items, 1)

	hs, err := dst.ReceiveMany(items)
	require.Zero(t, err)
	require.Len(t, hs, 1)

	got, err := dst.Get(hs[0], handle.Read)
	require.Zero(t, err)
	require.Same(t, kobject.Object(obj), got)
}

func TestCloseReleasesEveryEntry(t *testing.T) {
	tbl := handle.New()
	a := newFake()
	b := newFake()
	tbl.Insert(a, 0)
	tbl.Insert(b, 0)

	var released []kobject.Object
	tbl.Close(func(o kobject.Object) { released = append(released, o) })

	require.Len(t, released, 2)
	require.Zero(t, tbl.Len())
}

func TestSignalsExposedThroughObject(t *testing.T) {
	obj := newFake()
	require.Zero(t, obj.Signals())
	obj.SignalSet(signal.UserSignal0)
	require.Equal(t, signal.UserSignal0, obj.Signals())
}
