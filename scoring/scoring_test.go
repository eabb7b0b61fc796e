package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiermem/model"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	return e
}

func baseMeta(now time.Time) model.Metadata {
	return model.Metadata{
		ID:             "item-1",
		SizeBytes:      1024,
		CreatedAt:      now.Add(-time.Hour),
		LastAccessedAt: now.Add(-time.Hour),
		AccessCount:    3,
		Relevance:      0.5,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("normalizes weights", func(t *testing.T) {
		cfg := Config{
			RecencyWeight:       2,
			FrequencyWeight:     2,
			SizeWeight:          2,
			RelevanceWeight:     2,
			HalfLife:            time.Hour,
			FrequencySaturation: 5,
		}
		norm, err := cfg.Validate()
		require.NoError(t, err)
		require.InDelta(t, 0.25, norm.RecencyWeight, 1e-12)
		require.InDelta(t, 1.0, norm.RecencyWeight+norm.FrequencyWeight+norm.SizeWeight+norm.RelevanceWeight, 1e-12)
	})

	t.Run("rejects negative weight", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SizeWeight = -0.1
		_, err := cfg.Validate()
		require.Error(t, err)
	})

	t.Run("rejects zero half-life", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.HalfLife = 0
		_, err := cfg.Validate()
		require.Error(t, err)
	})
}

func TestScoreBounds(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now()

	metas := []model.Metadata{
		{},
		{LastAccessedAt: now, AccessCount: 1 << 60, Relevance: 1},
		{LastAccessedAt: now.Add(-1000 * time.Hour), SizeBytes: 1 << 40, Relevance: -5},
		{LastAccessedAt: now.Add(time.Hour), Relevance: 5}, // clock skew + out-of-range relevance
	}
	for _, m := range metas {
		s := e.Score(m, now, 1<<20)
		require.GreaterOrEqual(t, s, 0.0)
		require.LessOrEqual(t, s, 1.0)
	}
}

func TestScoreMonotonicity(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now()

	t.Run("more recent access scores higher", func(t *testing.T) {
		old := baseMeta(now)
		old.LastAccessedAt = now.Add(-24 * time.Hour)
		fresh := baseMeta(now)
		fresh.LastAccessedAt = now.Add(-time.Minute)
		require.Greater(t, e.Score(fresh, now, 1<<20), e.Score(old, now, 1<<20))
	})

	t.Run("more accesses score higher", func(t *testing.T) {
		cold := baseMeta(now)
		cold.AccessCount = 1
		hot := baseMeta(now)
		hot.AccessCount = 100
		require.Greater(t, e.Score(hot, now, 1<<20), e.Score(cold, now, 1<<20))
	})

	t.Run("smaller items score higher", func(t *testing.T) {
		big := baseMeta(now)
		big.SizeBytes = 1 << 20
		small := baseMeta(now)
		small.SizeBytes = 128
		require.Greater(t, e.Score(small, now, 1<<20), e.Score(big, now, 1<<20))
	})

	t.Run("higher relevance scores higher", func(t *testing.T) {
		lo := baseMeta(now)
		lo.Relevance = 0.1
		hi := baseMeta(now)
		hi.Relevance = 0.9
		require.Greater(t, e.Score(hi, now, 1<<20), e.Score(lo, now, 1<<20))
	})
}

func TestScoreRecencyDecay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HalfLife = time.Hour
	e, err := NewEngine(cfg)
	require.NoError(t, err)

	now := time.Now()
	m := baseMeta(now)
	m.LastAccessedAt = now.Add(-5 * time.Hour)

	aged := e.Score(m, now, 1<<20)
	m.LastAccessedAt = now
	fresh := e.Score(m, now, 1<<20)

	// After five half-lives the recency component is below 1% of its fresh
	// value, so the gap is dominated by the recency weight.
	require.Greater(t, fresh-aged, cfg.RecencyWeight*0.9)
}

func TestScoreZeroMaxSize(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now()

	a := baseMeta(now)
	a.SizeBytes = 10
	b := baseMeta(now)
	b.SizeBytes = 1 << 30

	// Without a size anchor the size component cannot discriminate.
	require.Equal(t, e.Score(a, now, 0), e.Score(b, now, 0))
}
