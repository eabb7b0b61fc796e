package columnar

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiermem/model"
	"github.com/hupe1980/tiermem/tier"
)

func newTestStore(t *testing.T, mutate func(*Config)) *Store {
	t.Helper()
	cfg := Config{
		Path:          filepath.Join(t.TempDir(), "columnar.db"),
		BatchSize:     8,
		FlushInterval: time.Hour, // flushes in tests are explicit
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newItem(id string, payload []byte) *model.Item {
	now := time.Now()
	return &model.Item{
		Metadata: model.Metadata{
			ID:             id,
			ContentType:    model.ContentTypeTabular,
			SizeBytes:      int64(len(payload)),
			CreatedAt:      now,
			LastAccessedAt: now,
			Relevance:      0.5,
			Codec:          model.CodecLZ4,
		},
		Payload: payload,
	}
}

func TestPutGetBeforeFlush(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newItem("a", []byte("buffered"))))

	// Readable straight from the batch buffer.
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("buffered"), got.Payload)
	require.EqualValues(t, 1, got.AccessCount)
}

func TestFlushPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "columnar.db")

	s, err := Open(Config{Path: path, FlushInterval: time.Hour})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, newItem("a", []byte("durable"))))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close())

	// Reopen and verify the row survived, including occupancy stats.
	s2, err := Open(Config{Path: path, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), got.Payload)
	require.EqualValues(t, 1, s2.Stats().Items)
	require.EqualValues(t, 7, s2.Stats().Bytes)
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	s := newTestStore(t, func(c *Config) { c.BatchSize = 4 })
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Put(ctx, newItem(fmt.Sprintf("b-%d", i), []byte("x"))))
	}

	s.mu.Lock()
	buffered := len(s.buf)
	s.mu.Unlock()
	require.Zero(t, buffered, "hitting the batch size should flush the buffer")
}

func TestAccessBumpSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "columnar.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path, FlushInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, newItem("a", []byte("data"))))
	require.NoError(t, s.Flush(ctx))

	for i := 0; i < 3; i++ {
		_, err := s.Get(ctx, "a")
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s2, err := Open(Config{Path: path, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer s2.Close()

	meta, err := s2.Meta(ctx, "a")
	require.NoError(t, err)
	require.EqualValues(t, 3, meta.AccessCount)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	// Buffered delete.
	require.NoError(t, s.Put(ctx, newItem("buf", []byte("x"))))
	require.NoError(t, s.Delete(ctx, "buf"))
	_, err := s.Get(ctx, "buf")
	require.ErrorIs(t, err, tier.ErrNotFound)

	// Flushed delete.
	require.NoError(t, s.Put(ctx, newItem("db", []byte("xx"))))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Delete(ctx, "db"))
	_, err = s.Get(ctx, "db")
	require.ErrorIs(t, err, tier.ErrNotFound)
	require.EqualValues(t, 0, s.Stats().Items)
	require.EqualValues(t, 0, s.Stats().Bytes)

	// Absent id is not an error.
	require.NoError(t, s.Delete(ctx, "missing"))
}

func TestUpdateMeta(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newItem("a", []byte("x"))))
	require.NoError(t, s.Flush(ctx))

	require.NoError(t, s.UpdateMeta(ctx, "a", func(m *model.Metadata) {
		m.Relevance = 0.9
	}))

	// Idempotent: applying the same update twice leaves the same state.
	require.NoError(t, s.UpdateMeta(ctx, "a", func(m *model.Metadata) {
		m.Relevance = 0.9
	}))

	meta, err := s.Meta(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 0.9, meta.Relevance)
}

func TestScanKeysetPagination(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	const n = 23
	for i := 0; i < n; i++ {
		require.NoError(t, s.Put(ctx, newItem(fmt.Sprintf("row-%03d", i), []byte("p"))))
	}

	seen := map[string]bool{}
	token := ""
	pages := 0
	for {
		page, err := s.Scan(ctx, token, 10)
		require.NoError(t, err)
		pages++
		for _, m := range page.Metas {
			require.False(t, seen[m.ID])
			require.Equal(t, model.TierColumnar, m.Tier)
			seen[m.ID] = true
		}
		if page.Next == "" {
			break
		}
		token = page.Next
	}
	require.Len(t, seen, n)
	require.GreaterOrEqual(t, pages, 3)
}

func TestCapacityDenied(t *testing.T) {
	s := newTestStore(t, func(c *Config) { c.Capacity = tier.Capacity{MaxBytes: 10} })
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newItem("a", []byte("12345678"))))
	require.ErrorIs(t, s.Put(ctx, newItem("b", []byte("12345678"))), tier.ErrCapacityExceeded)
}
