package dlisten_test

import (
	"testing"

	"github.com/gordian-engine/dgrid/dcall"
	"github.com/gordian-engine/dgrid/dconn"
	"github.com/gordian-engine/dgrid/dlisten"
	"github.com/stretchr/testify/require"
)

var _ dconn.ListenerSource = (*dlisten.Registry)(nil)

func requests(calls []*dcall.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = string(c.Request())
	}
	return out
}

func TestRegistry_ListenerCalls_registrationOrder(t *testing.T) {
	t.Parallel()

	var ids dcall.IDSource
	r := dlisten.NewRegistry(&ids)

	r.Register([]byte("a"))
	r.Register([]byte("b"))
	r.Register([]byte("c"))

	calls := r.ListenerCalls()
	require.Equal(t, []string{"a", "b", "c"}, requests(calls))

	// Answered calls are replaced with fresh, increasing IDs.
	for _, c := range calls {
		c.Resolve(nil)
	}
	again := r.ListenerCalls()
	require.Greater(t, again[0].ID(), calls[2].ID())
	require.Less(t, again[0].ID(), again[1].ID())
}

func TestRegistry_ListenerCalls_reusesUnansweredCall(t *testing.T) {
	t.Parallel()

	var ids dcall.IDSource
	r := dlisten.NewRegistry(&ids)

	_, first := r.Add([]byte("a"))
	r.Register([]byte("b"))

	calls := r.ListenerCalls()
	require.Equal(t, []string{"a", "b"}, requests(calls))
	require.Same(t, first, calls[0])

	// b's replay call was never answered either.
	again := r.ListenerCalls()
	require.Same(t, first, again[0])
	require.Same(t, calls[1], again[1])

	// A failed call counts as answered.
	first.Fail(dcall.NoMemberAvailableError{Reason: "test"})
	again = r.ListenerCalls()
	require.NotSame(t, first, again[0])
	require.Greater(t, again[0].ID(), calls[1].ID())
	require.Same(t, calls[1], again[1])
}

func TestRegistry_Deregister(t *testing.T) {
	t.Parallel()

	var ids dcall.IDSource
	r := dlisten.NewRegistry(&ids)

	a := r.Register([]byte("a"))
	b := r.Register([]byte("b"))
	r.Register([]byte("c"))

	require.True(t, r.Deregister(b))
	require.False(t, r.Deregister(b))
	require.Equal(t, 2, r.Len())
	require.Equal(t, []string{"a", "c"}, requests(r.ListenerCalls()))

	// Removing a causes compaction; order must survive it.
	require.True(t, r.Deregister(a))
	d := r.Register([]byte("d"))
	require.Equal(t, []string{"c", "d"}, requests(r.ListenerCalls()))

	require.True(t, r.Deregister(d))
	require.Equal(t, 1, r.Len())
}

func TestRegistry_empty(t *testing.T) {
	t.Parallel()

	var ids dcall.IDSource
	r := dlisten.NewRegistry(&ids)

	require.Empty(t, r.ListenerCalls())
	require.False(t, r.Deregister(1))
}
