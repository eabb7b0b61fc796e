package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiermem/codec"
	"github.com/hupe1980/tiermem/locator"
	"github.com/hupe1980/tiermem/model"
	"github.com/hupe1980/tiermem/policy"
	"github.com/hupe1980/tiermem/scoring"
	"github.com/hupe1980/tiermem/tier"
)

// memBackend is a minimal in-memory tier.Backend for scheduler tests, with
// per-call fault injection.
type memBackend struct {
	mu       sync.Mutex
	tierID   model.Tier
	items    map[string]*model.Item
	capacity tier.Capacity

	failPuts    bool
	failDeletes bool
	onPut       func() // runs before the write lands, outside the lock
}

var _ tier.Backend = (*memBackend)(nil)

var errInjected = errors.New("injected failure")

func newMemBackend(t model.Tier) *memBackend {
	return &memBackend{tierID: t, items: make(map[string]*model.Item)}
}

func (b *memBackend) Tier() model.Tier { return b.tierID }

func (b *memBackend) Put(_ context.Context, item *model.Item) error {
	if b.onPut != nil {
		b.onPut()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPuts {
		return errInjected
	}
	var prev int64
	if old, ok := b.items[item.ID]; ok {
		prev = int64(len(old.Payload))
	} else {
		prev = -1
	}
	st := b.stats()
	if prev >= 0 {
		st.Items--
		st.Bytes -= prev
	}
	if !b.capacity.HasRoomFor(st, int64(len(item.Payload))) {
		return tier.ErrCapacityExceeded
	}
	b.items[item.ID] = item.Clone()
	return nil
}

func (b *memBackend) Get(_ context.Context, id string) (*model.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[id]
	if !ok {
		return nil, tier.ErrNotFound
	}
	it.AccessCount++
	it.LastAccessedAt = time.Now()
	return it.Clone(), nil
}

func (b *memBackend) Peek(_ context.Context, id string) (*model.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[id]
	if !ok {
		return nil, tier.ErrNotFound
	}
	return it.Clone(), nil
}

func (b *memBackend) Meta(_ context.Context, id string) (model.Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[id]
	if !ok {
		return model.Metadata{}, tier.ErrNotFound
	}
	return it.Metadata, nil
}

func (b *memBackend) UpdateMeta(_ context.Context, id string, fn func(*model.Metadata)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[id]
	if !ok {
		return tier.ErrNotFound
	}
	fn(&it.Metadata)
	return nil
}

func (b *memBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDeletes {
		return errInjected
	}
	delete(b.items, id)
	return nil
}

func (b *memBackend) Scan(_ context.Context, token string, limit int) (tier.ScanPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.items))
	for id := range b.items {
		if id > token {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var page tier.ScanPage
	for _, id := range ids {
		if len(page.Metas) == limit {
			page.Next = page.Metas[len(page.Metas)-1].ID
			return page, nil
		}
		page.Metas = append(page.Metas, b.items[id].Metadata)
	}
	return page, nil
}

func (b *memBackend) stats() tier.Stats {
	var st tier.Stats
	for _, it := range b.items {
		st.Items++
		st.Bytes += int64(len(it.Payload))
	}
	return st
}

func (b *memBackend) Stats() tier.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats()
}

func (b *memBackend) Capacity() tier.Capacity { return b.capacity }

func (b *memBackend) Close() error { return nil }

func (b *memBackend) has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[id]
	return ok
}

type fixture struct {
	backends [model.TierCount]*memBackend
	loc      *locator.Locator
	sched    *Scheduler
}

func newFixture(t *testing.T, polCfg policy.Config) *fixture {
	t.Helper()

	scorer, err := scoring.NewEngine(scoring.DefaultConfig())
	require.NoError(t, err)
	pol, err := policy.New(polCfg)
	require.NoError(t, err)

	f := &fixture{loc: locator.New()}
	var backends [model.TierCount]tier.Backend
	for i := range f.backends {
		f.backends[i] = newMemBackend(model.Tier(i))
		backends[i] = f.backends[i]
	}

	f.sched = New(DefaultConfig(), backends, scorer, pol, codec.DefaultSelector(), f.loc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) put(t *testing.T, item *model.Item) {
	t.Helper()
	require.NoError(t, f.backends[item.Tier].Put(context.Background(), item))
	f.loc.Set(item.ID, item.Tier)
}

func blobItem(id string, tr model.Tier, lastAccess time.Time, accesses uint64, relevance float64) *model.Item {
	payload, _ := codec.Encode(model.CodecNone, []byte("payload-"+id))
	return &model.Item{
		Metadata: model.Metadata{
			ID:             id,
			ContentType:    model.ContentTypeBlob,
			SizeBytes:      int64(len(payload)),
			CreatedAt:      lastAccess,
			LastAccessedAt: lastAccess,
			AccessCount:    accesses,
			Relevance:      relevance,
			Tier:           tr,
		},
		Payload: payload,
	}
}

func TestColdItemDemotedToArchive(t *testing.T) {
	f := newFixture(t, policy.DefaultConfig())
	ctx := context.Background()

	// Untouched for far longer than the half-life, never relevant.
	cold := blobItem("cold", model.TierFastKV, time.Now().Add(-48*time.Hour), 0, 0)
	f.put(t, cold)
	f.sched.ObserveSize(cold.SizeBytes) // size component fully discounted

	require.NoError(t, f.sched.Pass(ctx))

	require.False(t, f.backends[model.TierFastKV].has("cold"))
	require.True(t, f.backends[model.TierArchive].has("cold"))

	owner, ok := f.loc.Lookup("cold")
	require.True(t, ok)
	require.Equal(t, model.TierArchive, owner)

	// Archive payloads are re-framed with zstd.
	got, err := f.backends[model.TierArchive].Peek(ctx, "cold")
	require.NoError(t, err)
	require.Equal(t, model.CodecZstd, got.Codec)
	raw, err := codec.Decode(got.Payload)
	require.NoError(t, err)
	require.Equal(t, []byte("payload-cold"), raw)
}

func vectorItem(id string, lastAccess time.Time, accesses uint64, relevance float64) *model.Item {
	payload, _ := codec.Encode(model.CodecNone, model.EncodeVector([]float32{1, 2, 3, 4}))
	return &model.Item{
		Metadata: model.Metadata{
			ID:             id,
			ContentType:    model.ContentTypeVector,
			SizeBytes:      int64(len(payload)),
			CreatedAt:      lastAccess,
			LastAccessedAt: lastAccess,
			AccessCount:    accesses,
			Relevance:      relevance,
			Tier:           model.TierFastVector,
		},
		Payload: payload,
	}
}

func TestAgedVectorsLeaveFastVector(t *testing.T) {
	f := newFixture(t, policy.DefaultConfig())
	ctx := context.Background()
	now := time.Now()

	// Pin the observed-size maximum so the size component is identical
	// for every item.
	f.sched.ObserveSize(1 << 20)

	aged := now.Add(-5 * scoring.DefaultConfig().HalfLife)
	for i := 0; i < 20; i++ {
		last := now
		if i%2 == 0 {
			last = aged
		}
		f.put(t, vectorItem(fmt.Sprintf("vec-%02d", i), last, 40, 1))
	}

	require.NoError(t, f.sched.Pass(ctx))

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("vec-%02d", i)
		if i%2 == 0 {
			require.False(t, f.backends[model.TierFastVector].has(id), id)
			owner, ok := f.loc.Lookup(id)
			require.True(t, ok, id)
			require.Equal(t, model.TierFastKV, owner, id)
		} else {
			require.True(t, f.backends[model.TierFastVector].has(id), id)
		}
	}
}

func TestHotBlobPromotedNoFurtherThanFastKV(t *testing.T) {
	f := newFixture(t, policy.DefaultConfig())
	ctx := context.Background()

	// Fresh, frequently accessed, fully relevant: score lands in the top
	// band, but blobs cannot live in the vector tier.
	hot := blobItem("hot", model.TierColumnar, time.Now(), 100, 1)
	f.put(t, hot)

	require.NoError(t, f.sched.Pass(ctx))

	require.True(t, f.backends[model.TierFastKV].has("hot"))
	require.False(t, f.backends[model.TierColumnar].has("hot"))
	require.False(t, f.backends[model.TierFastVector].has("hot"))
}

func TestHysteresisKeepsBorderlineItemInPlace(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.HysteresisMargin = 0.5 // widen every band past any score
	f := newFixture(t, cfg)

	stale := blobItem("edge", model.TierFastKV, time.Now().Add(-48*time.Hour), 0, 0)
	f.put(t, stale)

	require.NoError(t, f.sched.Pass(context.Background()))

	require.True(t, f.backends[model.TierFastKV].has("edge"))
	require.EqualValues(t, 0, f.sched.Stats().Migrations)
}

func TestOscillatingScoreDoesNotChurnMigrations(t *testing.T) {
	f := newFixture(t, policy.DefaultConfig())
	ctx := context.Background()

	// Zero accesses and a size equal to the observed maximum zero out the
	// frequency and size components; the score is recency (~0.35) plus
	// 0.25·relevance.
	item := blobItem("wobble", model.TierFastKV, time.Now(), 0, 0.62)
	f.put(t, item)

	// Alternate the relevance so the score lands just above and just
	// below the FastKV/Columnar boundary at 0.5, inside the default
	// hysteresis margin.
	for pass := 0; pass < 6; pass++ {
		r := 0.62
		if pass%2 == 1 {
			r = 0.58
		}
		require.NoError(t, f.backends[model.TierFastKV].UpdateMeta(ctx, "wobble", func(meta *model.Metadata) {
			meta.Relevance = r
		}))
		require.NoError(t, f.sched.Pass(ctx))
	}

	require.True(t, f.backends[model.TierFastKV].has("wobble"))
	require.Zero(t, f.sched.Stats().Migrations)
}

func TestDestinationFailureLeavesSourceIntact(t *testing.T) {
	f := newFixture(t, policy.DefaultConfig())
	ctx := context.Background()

	cold := blobItem("cold", model.TierFastKV, time.Now().Add(-48*time.Hour), 0, 0)
	f.put(t, cold)
	f.backends[model.TierArchive].failPuts = true

	require.NoError(t, f.sched.Pass(ctx))

	// Rolled back: the item is still readable from the source and the
	// routing index never flipped.
	require.True(t, f.backends[model.TierFastKV].has("cold"))
	require.False(t, f.backends[model.TierArchive].has("cold"))
	owner, ok := f.loc.Lookup("cold")
	require.True(t, ok)
	require.Equal(t, model.TierFastKV, owner)

	st := f.sched.Stats()
	require.EqualValues(t, 0, st.Migrations)
	require.EqualValues(t, 1, st.Rollbacks)

	// The destination heals; the next pass completes the move.
	f.backends[model.TierArchive].failPuts = false
	require.NoError(t, f.sched.Pass(ctx))
	require.True(t, f.backends[model.TierArchive].has("cold"))
	require.False(t, f.backends[model.TierFastKV].has("cold"))
}

func TestInterruptedSourceDeleteRepairedNextPass(t *testing.T) {
	f := newFixture(t, policy.DefaultConfig())
	ctx := context.Background()

	cold := blobItem("cold", model.TierFastKV, time.Now().Add(-48*time.Hour), 0, 0)
	f.put(t, cold)

	// Destination write succeeds, source delete fails: the move commits
	// and leaves a stale source copy behind.
	f.backends[model.TierFastKV].failDeletes = true
	require.NoError(t, f.sched.Pass(ctx))

	require.True(t, f.backends[model.TierArchive].has("cold"))
	require.True(t, f.backends[model.TierFastKV].has("cold"))
	owner, _ := f.loc.Lookup("cold")
	require.Equal(t, model.TierArchive, owner)

	// Next pass: the destination copy wins, the stale copy is dropped.
	f.backends[model.TierFastKV].failDeletes = false
	require.NoError(t, f.sched.Pass(ctx))
	require.False(t, f.backends[model.TierFastKV].has("cold"))
	require.True(t, f.backends[model.TierArchive].has("cold"))
}

func TestArchiveDenyHoldsDemotion(t *testing.T) {
	f := newFixture(t, policy.DefaultConfig()) // EvictionDeny
	ctx := context.Background()

	resident := blobItem("resident", model.TierArchive, time.Now().Add(-96*time.Hour), 0, 0)
	f.put(t, resident)
	f.backends[model.TierArchive].capacity = tier.Capacity{MaxItems: 1}

	cold := blobItem("cold", model.TierFastKV, time.Now().Add(-48*time.Hour), 0, 0)
	f.put(t, cold)

	require.NoError(t, f.sched.Pass(ctx))

	// Full terminal tier under the Deny policy: nothing moves, nothing
	// is deleted.
	require.True(t, f.backends[model.TierFastKV].has("cold"))
	require.True(t, f.backends[model.TierArchive].has("resident"))
	require.EqualValues(t, 0, f.sched.Stats().Evictions)
}

func TestArchiveEvictOldestMakesRoom(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.Eviction = policy.EvictionEvictOldest
	f := newFixture(t, cfg)
	ctx := context.Background()

	resident := blobItem("resident", model.TierArchive, time.Now().Add(-96*time.Hour), 0, 0)
	f.put(t, resident)
	f.backends[model.TierArchive].capacity = tier.Capacity{MaxItems: 1}

	cold := blobItem("cold", model.TierFastKV, time.Now().Add(-48*time.Hour), 0, 0)
	f.put(t, cold)

	require.NoError(t, f.sched.Pass(ctx))

	require.False(t, f.backends[model.TierArchive].has("resident"))
	require.True(t, f.backends[model.TierArchive].has("cold"))
	_, ok := f.loc.Lookup("resident")
	require.False(t, ok)
	require.EqualValues(t, 1, f.sched.Stats().Evictions)
}

func TestDeleteDuringMigrationStaysDeleted(t *testing.T) {
	f := newFixture(t, policy.DefaultConfig())
	ctx := context.Background()

	item := blobItem("fleeting", model.TierFastKV, time.Now(), 5, 0.5)
	f.put(t, item)

	// A caller delete lands after the scheduler has read the source but
	// before the routing flip: backend delete, then index retirement.
	f.backends[model.TierColumnar].onPut = func() {
		require.NoError(t, f.backends[model.TierFastKV].Delete(ctx, "fleeting"))
		require.True(t, f.loc.DeleteIf("fleeting", model.TierFastKV))
	}

	require.NoError(t, f.sched.Move(ctx, "fleeting", model.TierFastKV, model.TierColumnar))

	// The delete wins: no copy survives in any tier and the routing index
	// stays empty.
	_, ok := f.loc.Lookup("fleeting")
	require.False(t, ok)
	require.False(t, f.backends[model.TierColumnar].has("fleeting"))
	require.False(t, f.backends[model.TierFastKV].has("fleeting"))
	require.Zero(t, f.sched.Stats().Migrations)
}

func TestMoveConflictWhenLockHeld(t *testing.T) {
	f := newFixture(t, policy.DefaultConfig())

	cold := blobItem("busy", model.TierFastKV, time.Now().Add(-48*time.Hour), 0, 0)
	f.put(t, cold)

	require.True(t, f.sched.locks.TryAcquire("busy"))
	defer f.sched.locks.Release("busy")

	err := f.sched.Move(context.Background(), "busy", model.TierFastKV, model.TierColumnar)
	require.ErrorIs(t, err, ErrConflict)
	require.True(t, f.backends[model.TierFastKV].has("busy"))
}

func TestExplicitMovePromotes(t *testing.T) {
	f := newFixture(t, policy.DefaultConfig())
	ctx := context.Background()

	it := blobItem("pin", model.TierArchive, time.Now().Add(-96*time.Hour), 0, 0)
	it.Codec = model.CodecZstd
	raw := []byte("payload-pin")
	var err error
	it.Payload, err = codec.Encode(model.CodecZstd, raw)
	require.NoError(t, err)
	it.SizeBytes = int64(len(it.Payload))
	f.put(t, it)

	require.NoError(t, f.sched.Move(ctx, "pin", model.TierArchive, model.TierFastKV))

	got, err := f.backends[model.TierFastKV].Peek(ctx, "pin")
	require.NoError(t, err)
	require.Equal(t, model.CodecNone, got.Codec)
	decoded, err := codec.Decode(got.Payload)
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
	require.False(t, f.backends[model.TierArchive].has("pin"))
}

func TestRunRespectsTriggerAndClose(t *testing.T) {
	f := newFixture(t, policy.DefaultConfig())
	f.sched.cfg.Interval = time.Hour // only the trigger fires passes

	cold := blobItem("cold", model.TierFastKV, time.Now().Add(-48*time.Hour), 0, 0)
	f.put(t, cold)

	go f.sched.Run(context.Background())
	f.sched.Trigger()

	require.Eventually(t, func() bool {
		return f.backends[model.TierArchive].has("cold")
	}, 2*time.Second, 10*time.Millisecond)

	f.sched.Close()
}
