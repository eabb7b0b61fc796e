package fastkv

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiermem/model"
	"github.com/hupe1980/tiermem/tier"
)

func newItem(id string, size int) *model.Item {
	now := time.Now()
	return &model.Item{
		Metadata: model.Metadata{
			ID:             id,
			ContentType:    model.ContentTypeBlob,
			SizeBytes:      int64(size),
			CreatedAt:      now,
			LastAccessedAt: now,
			Tier:           model.TierFastKV,
		},
		Payload: make([]byte, size),
	}
}

func TestPutGetDelete(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	ctx := context.Background()

	item := newItem("a", 64)
	item.Payload[0] = 0x42
	require.NoError(t, s.Put(ctx, item))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, byte(0x42), got.Payload[0])
	require.EqualValues(t, 1, got.AccessCount)

	// Returned item is a clone; mutating it must not affect the store.
	got.Payload[0] = 0xFF
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, byte(0x42), again.Payload[0])
	require.EqualValues(t, 2, again.AccessCount)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, tier.ErrNotFound)

	// Deleting an absent id is not an error.
	require.NoError(t, s.Delete(ctx, "a"))
}

func TestConcurrentAccessBump(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newItem("hot", 8)))

	const readers = 8
	const readsEach = 50

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < readsEach; j++ {
				_, err := s.Get(ctx, "hot")
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	meta, err := s.Meta(ctx, "hot")
	require.NoError(t, err)
	require.EqualValues(t, readers*readsEach, meta.AccessCount)
}

func TestTTLExpiry(t *testing.T) {
	var expiredMu sync.Mutex
	var expired []string

	s := New(Config{
		TTL:           30 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		OnExpire: func(id string) {
			expiredMu.Lock()
			expired = append(expired, id)
			expiredMu.Unlock()
		},
	})
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newItem("ephemeral", 16)))

	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, "ephemeral")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	expiredMu.Lock()
	defer expiredMu.Unlock()
	require.Contains(t, expired, "ephemeral")
	require.EqualValues(t, 0, s.Stats().Items)
}

func TestSetOnExpireReplacesCallback(t *testing.T) {
	s := New(Config{TTL: 10 * time.Millisecond, SweepInterval: time.Hour})
	defer s.Close()
	ctx := context.Background()

	var expiredMu sync.Mutex
	var expired []string
	s.SetOnExpire(func(id string) {
		expiredMu.Lock()
		expired = append(expired, id)
		expiredMu.Unlock()
	})

	require.NoError(t, s.Put(ctx, newItem("late-wired", 16)))
	time.Sleep(30 * time.Millisecond)

	// The lazy drop on access fires the late-installed callback.
	_, err := s.Get(ctx, "late-wired")
	require.ErrorIs(t, err, tier.ErrNotFound)

	expiredMu.Lock()
	defer expiredMu.Unlock()
	require.Equal(t, []string{"late-wired"}, expired)
}

func TestTTLRefreshedOnRead(t *testing.T) {
	s := New(Config{TTL: 60 * time.Millisecond, SweepInterval: time.Hour})
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newItem("busy", 16)))

	// Keep touching the entry past its original deadline.
	for i := 0; i < 5; i++ {
		time.Sleep(25 * time.Millisecond)
		_, err := s.Get(ctx, "busy")
		require.NoError(t, err)
	}
}

func TestCapacity(t *testing.T) {
	s := New(Config{Capacity: tier.Capacity{MaxItems: 2}})
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newItem("a", 8)))
	require.NoError(t, s.Put(ctx, newItem("b", 8)))
	require.ErrorIs(t, s.Put(ctx, newItem("c", 8)), tier.ErrCapacityExceeded)

	// Overwriting an existing id does not consume a slot.
	require.NoError(t, s.Put(ctx, newItem("b", 16)))
	require.EqualValues(t, 2, s.Stats().Items)
	require.EqualValues(t, 24, s.Stats().Bytes)
}

func TestScanPagination(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	ctx := context.Background()

	const n = 37
	want := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("item-%03d", i)
		require.NoError(t, s.Put(ctx, newItem(id, 8)))
		want[id] = true
	}

	seen := make(map[string]bool)
	token := ""
	for {
		page, err := s.Scan(ctx, token, 10)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page.Metas), 10)
		for _, m := range page.Metas {
			require.False(t, seen[m.ID], "id %s returned twice", m.ID)
			seen[m.ID] = true
		}
		if page.Next == "" {
			break
		}
		token = page.Next
	}
	require.Equal(t, want, seen)
}

func TestScanInvalidToken(t *testing.T) {
	s := New(Config{})
	defer s.Close()

	_, err := s.Scan(context.Background(), "not-a-token", 10)
	require.Error(t, err)
}

func TestUpdateMeta(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newItem("a", 8)))
	require.NoError(t, s.UpdateMeta(ctx, "a", func(m *model.Metadata) {
		m.Relevance = 0.9
	}))

	meta, err := s.Meta(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 0.9, meta.Relevance)

	require.ErrorIs(t, s.UpdateMeta(ctx, "missing", func(*model.Metadata) {}), tier.ErrNotFound)
}
