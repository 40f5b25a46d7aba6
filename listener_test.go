package greenhub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type alwaysAlive struct{}

func (alwaysAlive) Dead() bool { return false }

func TestRegistryAddPrimaryThenSecondaryFails(t *testing.T) {
	r := newRegistry()

	l1, isNew, err := r.add(Read, 5, noopResume, func(error) {}, nil, alwaysAlive{})
	require.NoError(t, err)
	require.True(t, isNew)
	require.NotNil(t, l1)

	_, isNew2, err := r.add(Read, 5, noopResume, func(error) {}, nil, alwaysAlive{})
	require.ErrorIs(t, err, ErrMultipleWaiters)
	require.False(t, isNew2)
}

func TestRegistryAllowsSecondaryWhenPolicyOff(t *testing.T) {
	r := newRegistry()
	r.preventMultipleWaiters = false

	l1, isNew, err := r.add(Read, 5, noopResume, func(error) {}, nil, alwaysAlive{})
	require.NoError(t, err)
	require.True(t, isNew)

	l2, isNew2, err := r.add(Read, 5, noopResume, func(error) {}, nil, alwaysAlive{})
	require.NoError(t, err)
	require.False(t, isNew2)

	wantRead, _ := r.mask(5)
	require.True(t, wantRead)

	r.remove(l1)
	wantRead, _ = r.mask(5)
	require.True(t, wantRead, "secondary should have been promoted to primary")

	r.remove(l2)
	wantRead, wantWrite := r.mask(5)
	require.False(t, wantRead)
	require.False(t, wantWrite)
	require.False(t, r.hasAny(5), "registry entry should be garbage collected once empty")
}

func TestRegistryAddRemoveRestoresEmptyState(t *testing.T) {
	r := newRegistry()
	l, _, err := r.add(Write, 9, noopResume, func(error) {}, nil, alwaysAlive{})
	require.NoError(t, err)
	r.remove(l)
	require.False(t, r.hasAny(9))
}

func TestRegistryObsoleteDefangsEveryWaiter(t *testing.T) {
	r := newRegistry()
	r.preventMultipleWaiters = false

	var thrown []error
	tb := func(err error) { thrown = append(thrown, err) }

	_, _, err := r.add(Read, 3, noopResume, tb, nil, alwaysAlive{})
	require.NoError(t, err)
	_, _, err = r.add(Read, 3, noopResume, tb, nil, alwaysAlive{})
	require.NoError(t, err)
	_, _, err = r.add(Write, 3, noopResume, tb, nil, alwaysAlive{})
	require.NoError(t, err)

	found := r.obsolete(3)
	require.Len(t, found, 3)
	for _, l := range found {
		require.True(t, l.Spent())
	}
	require.False(t, r.hasAny(3))
}

func TestRegistryRemoveDescriptorCollectsAllDirections(t *testing.T) {
	r := newRegistry()
	r.preventMultipleWaiters = false

	_, _, err := r.add(Read, 7, noopResume, func(error) {}, nil, alwaysAlive{})
	require.NoError(t, err)
	_, _, err = r.add(Read, 7, noopResume, func(error) {}, nil, alwaysAlive{})
	require.NoError(t, err)
	_, _, err = r.add(Write, 7, noopResume, func(error) {}, nil, alwaysAlive{})
	require.NoError(t, err)

	all := r.allListeners(7)
	require.Len(t, all, 3)
}

func TestDefangReplacesCallbackAndMarksSpent(t *testing.T) {
	closedCalled := false
	l := &Listener{cb: func(int) { t.Fatal("defanged cb must never run") }}
	l.markAsClosed = func() { closedCalled = true }

	l.defang()

	require.True(t, l.Spent())
	require.True(t, closedCalled)
	l.cb(123) // must be a no-op now, not a panic
}
