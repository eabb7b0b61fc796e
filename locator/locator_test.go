package locator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiermem/model"
)

func TestLookupSetDelete(t *testing.T) {
	l := New()

	_, ok := l.Lookup("a")
	require.False(t, ok)

	l.Set("a", model.TierFastKV)
	tier, ok := l.Lookup("a")
	require.True(t, ok)
	require.Equal(t, model.TierFastKV, tier)

	l.Delete("a")
	_, ok = l.Lookup("a")
	require.False(t, ok)
	require.Zero(t, l.Len())
}

func TestCompareAndSet(t *testing.T) {
	l := New()
	l.Set("a", model.TierFastKV)

	require.False(t, l.CompareAndSet("a", model.TierColumnar, model.TierArchive))
	require.True(t, l.CompareAndSet("a", model.TierFastKV, model.TierArchive))

	tier, _ := l.Lookup("a")
	require.Equal(t, model.TierArchive, tier)

	require.False(t, l.CompareAndSet("missing", model.TierFastKV, model.TierArchive))
}

func TestDeleteIf(t *testing.T) {
	l := New()
	l.Set("a", model.TierFastKV)

	require.False(t, l.DeleteIf("a", model.TierArchive))
	require.True(t, l.DeleteIf("a", model.TierFastKV))
	require.False(t, l.DeleteIf("a", model.TierFastKV))
}
