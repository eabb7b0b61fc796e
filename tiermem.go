// Package tiermem provides an embedded multi-tier memory store for Go.
//
// Items are placed across four tiers with different cost/latency trade-offs
// and migrate between them in the background based on a composite score of
// recency, access frequency, size and caller-assigned relevance:
//
//   - FastVector: in-memory, similarity-searchable float32 vectors
//   - FastKV: in-memory key-value with TTL expiry
//   - Columnar: SQLite-backed, LZ4-compressed batched storage
//   - Archive: remote object storage (S3/MinIO), zstd-compressed, manifest-tracked
//
// External callers interact only with the Manager facade: Ingest, Get,
// UpdateRelevance, Delete, ForcePromote, Search, Stats, Close. Reads are
// O(1) through a routing index and never invoke scoring synchronously; all
// tier movement happens on the migration scheduler's goroutine.
//
// # Quick Start
//
//	mm, err := tiermem.New(tiermem.Config{
//	    FastVector: fastvector.New(fastvector.Config{Capacity: tier.Capacity{MaxItems: 10000}}),
//	    FastKV:     fastkv.New(fastkv.Config{TTL: time.Hour}),
//	    Columnar:   columnarStore,
//	    Archive:    archiveStore,
//	})
//	if err != nil {
//	    panic(err)
//	}
//	defer mm.Close()
//
//	id, err := mm.Ingest(ctx, payload, model.ContentTypeBlob, 0.8)
//	data, err := mm.Get(ctx, id, tiermem.WithTimeout(time.Second))
package tiermem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hupe1980/tiermem/codec"
	"github.com/hupe1980/tiermem/locator"
	"github.com/hupe1980/tiermem/migrate"
	"github.com/hupe1980/tiermem/model"
	"github.com/hupe1980/tiermem/policy"
	"github.com/hupe1980/tiermem/scoring"
	"github.com/hupe1980/tiermem/tier"
	"github.com/hupe1980/tiermem/tier/fastvector"
)

// Config wires the four tier backends into a Manager. All four are required.
// The FastVector backend is concrete because the facade exposes its
// similarity search surface.
type Config struct {
	FastVector *fastvector.Store
	FastKV     tier.Backend
	Columnar   tier.Backend
	Archive    tier.Backend
}

// Manager is the facade over the tiered store. All methods are safe for
// concurrent use. The request path never takes a global lock; cross-tier
// coordination happens via per-id migration locks on the scheduler side.
type Manager struct {
	backends [model.TierCount]tier.Backend
	fv       *fastvector.Store
	loc      *locator.Locator
	sched    *migrate.Scheduler
	pol      *policy.Policy
	selector *codec.Selector
	metrics  MetricsCollector
	logger   *Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	mu     sync.RWMutex
	closed bool
}

// New creates a Manager over the given tier backends, rebuilds the routing
// index from tier scans, and starts the background migration scheduler.
func New(cfg Config, optFns ...Option) (*Manager, error) {
	if cfg.FastVector == nil || cfg.FastKV == nil || cfg.Columnar == nil || cfg.Archive == nil {
		return nil, errors.New("tiermem: all four tier backends are required")
	}

	opts := applyOptions(optFns)

	scorer, err := scoring.NewEngine(opts.scoring)
	if err != nil {
		return nil, err
	}
	pol, err := policy.New(opts.policy)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		backends: [model.TierCount]tier.Backend{
			cfg.FastVector, cfg.FastKV, cfg.Columnar, cfg.Archive,
		},
		fv:       cfg.FastVector,
		loc:      locator.New(),
		pol:      pol,
		selector: opts.selector,
		metrics:  opts.metricsCollector,
		logger:   opts.logger,
	}

	// TTL expiry removes entries behind the routing index's back; retire
	// the index entry when the backend reports one gone.
	if exp, ok := cfg.FastKV.(interface{ SetOnExpire(func(id string)) }); ok {
		exp.SetOnExpire(func(id string) {
			m.loc.DeleteIf(id, model.TierFastKV)
		})
	}

	if err := m.rebuildLocator(context.Background(), opts.scheduler.ScanBatch); err != nil {
		return nil, fmt.Errorf("tiermem: rebuild routing index: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.sched = migrate.New(opts.scheduler, m.backends, scorer, pol, opts.selector, m.loc, opts.logger.Logger)
	go m.sched.Run(runCtx)

	return m, nil
}

// rebuildLocator repopulates the routing index from full tier scans. When an
// id is found in more than one tier (interrupted migration), the copy with
// the newer LastAccessedAt wins; the stale copy is cleaned up by the
// scheduler's duplicate repair on its first pass.
func (m *Manager) rebuildLocator(ctx context.Context, batch int) error {
	if batch <= 0 {
		batch = 256
	}
	lastAccess := make(map[string]time.Time)
	items := 0

	for t := model.Tier(0); t < model.TierCount; t++ {
		token := ""
		for {
			page, err := m.backends[t].Scan(ctx, token, batch)
			if err != nil {
				m.logger.LogRebuild(ctx, items, err)
				return fmt.Errorf("scan %s: %w", t, err)
			}
			for _, meta := range page.Metas {
				if seen, ok := lastAccess[meta.ID]; ok && !meta.LastAccessedAt.After(seen) {
					continue
				}
				lastAccess[meta.ID] = meta.LastAccessedAt
				m.loc.Set(meta.ID, t)
				items++
			}
			if page.Next == "" {
				break
			}
			token = page.Next
		}
	}

	m.logger.LogRebuild(ctx, items, nil)
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Ingest stores a payload and returns its generated id. The item lands in
// the hinted tier (default FastKV); when that tier and every slower one is
// full and the eviction policy denies making room, Ingest fails with
// ErrCapacityExceeded.
//
// relevance must be in [0,1]. Vector payloads destined for the FastVector
// tier must be float32-encoded (model.EncodeVector).
func (m *Manager) Ingest(ctx context.Context, payload []byte, contentType model.ContentType, relevance float64, optFns ...IngestOption) (string, error) {
	start := time.Now()
	id, t, err := m.ingest(ctx, payload, contentType, relevance, optFns)
	err = translateError(id, err)
	m.metrics.RecordIngest(time.Since(start), err)
	m.logger.LogIngest(ctx, id, t, int64(len(payload)), err)
	return id, err
}

func (m *Manager) ingest(ctx context.Context, payload []byte, contentType model.ContentType, relevance float64, optFns []IngestOption) (string, model.Tier, error) {
	if m.isClosed() {
		return "", 0, ErrClosed
	}
	if relevance < 0 || relevance > 1 {
		return "", 0, fmt.Errorf("%w: got %v", ErrInvalidRelevance, relevance)
	}

	var iopts ingestOptions
	for _, fn := range optFns {
		if fn != nil {
			fn(&iopts)
		}
	}

	target := model.TierFastKV
	if iopts.hasHint {
		if !iopts.hint.Valid() {
			return "", 0, fmt.Errorf("tiermem: invalid hint tier %d", iopts.hint)
		}
		target = iopts.hint
	}
	if target == model.TierFastVector && contentType != model.ContentTypeVector {
		// The vector tier only holds decodable vectors.
		target = model.TierFastKV
	}

	id := ulid.Make().String()
	now := time.Now()

	// Walk toward slower tiers until one accepts the item.
	for {
		c := m.selector.Select(target, contentType)
		framed, err := codec.Encode(c, payload)
		if err != nil {
			return id, target, err
		}

		item := &model.Item{
			Metadata: model.Metadata{
				ID:             id,
				ContentType:    contentType,
				SizeBytes:      int64(len(framed)),
				CreatedAt:      now,
				LastAccessedAt: now,
				Relevance:      relevance,
				Tier:           target,
				Codec:          c,
			},
			Payload: framed,
		}

		err = m.backends[target].Put(ctx, item)
		if err == nil {
			m.loc.Set(id, target)
			m.sched.ObserveSize(item.SizeBytes)
			if m.sched.OverWatermark() {
				m.sched.Trigger()
			}
			return id, target, nil
		}
		if !errors.Is(err, tier.ErrCapacityExceeded) {
			return id, target, err
		}

		if target == model.TierArchive {
			if m.pol.Eviction() != policy.EvictionEvictOldest {
				return id, target, tier.ErrCapacityExceeded
			}
			if evictErr := m.sched.EvictLowest(ctx); evictErr != nil {
				return id, target, tier.ErrCapacityExceeded
			}
			continue // retry the archive with the freed slot
		}

		next, ok := target.Slower()
		if !ok {
			return id, target, tier.ErrCapacityExceeded
		}
		target = next
	}
}

// Get returns the decoded payload of id from whichever tier currently owns
// it. Every successful read bumps the item's access metadata; scoring reacts
// on the next scheduler pass, never synchronously.
func (m *Manager) Get(ctx context.Context, id string, optFns ...GetOption) ([]byte, error) {
	start := time.Now()
	payload, t, err := m.get(ctx, id, optFns)
	err = translateError(id, err)
	m.metrics.RecordGet(time.Since(start), err)
	m.logger.LogGet(ctx, id, t, err)
	return payload, err
}

func (m *Manager) get(ctx context.Context, id string, optFns []GetOption) ([]byte, model.Tier, error) {
	if m.isClosed() {
		return nil, 0, ErrClosed
	}

	var gopts getOptions
	for _, fn := range optFns {
		if fn != nil {
			fn(&gopts)
		}
	}
	if gopts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gopts.timeout)
		defer cancel()
	}

	// A concurrent migration can flip ownership between the index lookup
	// and the backend read; one re-lookup is enough because the index is
	// updated before the source copy disappears.
	var lastTier model.Tier
	for attempt := 0; attempt < 2; attempt++ {
		t, ok := m.loc.Lookup(id)
		if !ok {
			return nil, lastTier, tier.ErrNotFound
		}
		lastTier = t

		item, err := m.backends[t].Get(ctx, id)
		if errors.Is(err, tier.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, t, err
		}

		raw, err := codec.Decode(item.Payload)
		if err != nil {
			return nil, t, err
		}
		return raw, t, nil
	}
	return nil, lastTier, tier.ErrNotFound
}

// UpdateRelevance sets the caller-assigned relevance of id. The update is
// metadata-only and idempotent; tier placement reacts on the next scheduler
// pass.
func (m *Manager) UpdateRelevance(ctx context.Context, id string, relevance float64) error {
	start := time.Now()
	err := translateError(id, m.updateRelevance(ctx, id, relevance))
	m.metrics.RecordUpdate(time.Since(start), err)
	m.logger.LogUpdate(ctx, id, relevance, err)
	return err
}

func (m *Manager) updateRelevance(ctx context.Context, id string, relevance float64) error {
	if m.isClosed() {
		return ErrClosed
	}
	if relevance < 0 || relevance > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidRelevance, relevance)
	}

	for attempt := 0; attempt < 2; attempt++ {
		t, ok := m.loc.Lookup(id)
		if !ok {
			return tier.ErrNotFound
		}
		err := m.backends[t].UpdateMeta(ctx, id, func(meta *model.Metadata) {
			meta.Relevance = relevance
		})
		if errors.Is(err, tier.ErrNotFound) {
			continue
		}
		return err
	}
	return tier.ErrNotFound
}

// Delete removes id from whichever tier currently owns it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := translateError(id, m.delete(ctx, id))
	m.metrics.RecordDelete(time.Since(start), err)
	m.logger.LogDelete(ctx, id, err)
	return err
}

func (m *Manager) delete(ctx context.Context, id string) error {
	if m.isClosed() {
		return ErrClosed
	}

	for attempt := 0; attempt < 2; attempt++ {
		t, ok := m.loc.Lookup(id)
		if !ok {
			return tier.ErrNotFound
		}
		if err := m.backends[t].Delete(ctx, id); err != nil {
			return err
		}
		// A migration may have flipped ownership mid-delete; only retire
		// the index entry if it still points at the tier we emptied.
		if m.loc.DeleteIf(id, t) {
			return nil
		}
	}
	// Ownership kept moving; the copy we deleted was stale either way and
	// duplicate repair handles the rest.
	m.loc.Delete(id)
	return nil
}

// ForcePromote synchronously moves id into the given tier, bypassing
// scoring. It fails with ErrMigrationConflict when the item is mid-migration.
func (m *Manager) ForcePromote(ctx context.Context, id string, target model.Tier) error {
	if m.isClosed() {
		return ErrClosed
	}
	if !target.Valid() {
		return fmt.Errorf("tiermem: invalid tier %d", target)
	}

	cur, ok := m.loc.Lookup(id)
	if !ok {
		return translateError(id, tier.ErrNotFound)
	}
	if cur == target {
		return nil
	}

	if target == model.TierFastVector {
		meta, err := m.backends[cur].Meta(ctx, id)
		if err != nil {
			return translateError(id, err)
		}
		if meta.ContentType != model.ContentTypeVector {
			return fmt.Errorf("tiermem: cannot promote %s content into the vector tier", meta.ContentType)
		}
	}

	err := translateError(id, m.sched.Move(ctx, id, cur, target))
	m.logger.LogPromote(ctx, id, cur, target, err)
	return err
}

// SearchResult is one similarity match from the FastVector tier.
type SearchResult struct {
	ID string
	// Similarity is the cosine similarity to the query, in [-1,1].
	Similarity float32
}

// Search runs a top-k cosine similarity query against the FastVector tier.
// Only items currently resident in that tier are visible.
func (m *Manager) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	start := time.Now()
	results, err := m.search(ctx, query, k)
	err = translateError("", err)
	m.metrics.RecordSearch(k, time.Since(start), err)
	m.logger.LogSearch(ctx, k, len(results), err)
	return results, err
}

func (m *Manager) search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}
	if len(query) == 0 {
		return nil, errors.New("tiermem: empty query vector")
	}

	neighbors, err := m.fv.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, len(neighbors))
	for i, n := range neighbors {
		results[i] = SearchResult{ID: n.ID, Similarity: n.Similarity}
	}
	return results, nil
}

// TierStats is the occupancy of one tier.
type TierStats struct {
	Tier  model.Tier
	Items int64
	Bytes int64
}

// Stats is a point-in-time snapshot of store occupancy and scheduler
// activity.
type Stats struct {
	Tiers      [model.TierCount]TierStats
	Items      int
	Migrations int64
	Rollbacks  int64
	Evictions  int64
}

// Stats returns a snapshot of per-tier occupancy and cumulative migration
// counters.
func (m *Manager) Stats() Stats {
	var st Stats
	for t := model.Tier(0); t < model.TierCount; t++ {
		s := m.backends[t].Stats()
		st.Tiers[t] = TierStats{Tier: t, Items: s.Items, Bytes: s.Bytes}
	}
	st.Items = m.loc.Len()

	ss := m.sched.Stats()
	st.Migrations = ss.Migrations
	st.Rollbacks = ss.Rollbacks
	st.Evictions = ss.Evictions
	return st
}

// Close stops the migration scheduler, waits for any in-flight pass, and
// closes all tier backends. Close is idempotent; operations after Close
// fail with ErrClosed.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.cancel()
		m.sched.Close()

		for _, b := range m.backends {
			if err := b.Close(); err != nil && m.closeErr == nil {
				m.closeErr = err
			}
		}
	})
	return m.closeErr
}
