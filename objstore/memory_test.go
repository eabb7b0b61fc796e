package objstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "archive/a", []byte("alpha")))
	require.NoError(t, m.Put(ctx, "archive/b", []byte("beta")))
	require.NoError(t, m.Put(ctx, "other/c", []byte("gamma")))

	got, err := m.Get(ctx, "archive/a")
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), got)

	// Returned data is a copy.
	got[0] = 'X'
	again, err := m.Get(ctx, "archive/a")
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), again)

	keys, err := m.List(ctx, "archive/")
	require.NoError(t, err)
	require.Equal(t, []string{"archive/a", "archive/b"}, keys)

	require.NoError(t, m.Delete(ctx, "archive/a"))
	_, err = m.Get(ctx, "archive/a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Delete(ctx, "archive/a")) // idempotent
	require.Equal(t, 2, m.Len())
}

func TestMemoryFaultInjection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	boom := errors.New("remote down")
	m.FailPuts(boom)
	require.ErrorIs(t, m.Put(ctx, "k", []byte("v")), boom)

	m.FailPuts(nil)
	require.NoError(t, m.Put(ctx, "k", []byte("v")))

	m.FailGets(boom)
	_, err := m.Get(ctx, "k")
	require.ErrorIs(t, err, boom)
}
