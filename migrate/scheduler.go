// Package migrate runs the background migration scheduler: it scans tiers,
// recomputes item scores, consults the placement policy and moves items
// between tier backends with a copy-verify-delete protocol. It never runs on
// a caller's request path.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tiermem/codec"
	"github.com/hupe1980/tiermem/locator"
	"github.com/hupe1980/tiermem/model"
	"github.com/hupe1980/tiermem/policy"
	"github.com/hupe1980/tiermem/scoring"
	"github.com/hupe1980/tiermem/tier"
)

// ErrConflict is returned when an item's migration lock is already held.
// Scheduled passes treat it as "skip, retry next pass"; explicit Move calls
// surface it to the caller.
var ErrConflict = errors.New("migrate: migration already in flight for id")

// Config holds scheduler settings.
type Config struct {
	// Interval between scheduled passes.
	Interval time.Duration

	// ScanBatch is the page size for tier scans.
	ScanBatch int

	// Workers bounds concurrent item migrations within a pass.
	Workers int

	// HighWatermark is the occupancy ratio (of bytes, or items for
	// count-bounded tiers) above which a tier is considered under
	// pressure and an off-schedule pass should be triggered.
	HighWatermark float64
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Minute,
		ScanBatch:     256,
		Workers:       4,
		HighWatermark: 0.9,
	}
}

// Scheduler moves items between tiers in the background.
type Scheduler struct {
	cfg      Config
	backends [model.TierCount]tier.Backend
	scorer   *scoring.Engine
	policy   *policy.Policy
	selector *codec.Selector
	loc      *locator.Locator
	logger   *slog.Logger

	locks       *lockTable
	maxSeenSize atomic.Int64

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	migrations atomic.Int64
	rollbacks  atomic.Int64
	evictions  atomic.Int64
}

// New creates a Scheduler. backends must hold one backend per tier, indexed
// by model.Tier.
func New(cfg Config, backends [model.TierCount]tier.Backend, scorer *scoring.Engine, pol *policy.Policy, sel *codec.Selector, loc *locator.Locator, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ScanBatch <= 0 {
		cfg.ScanBatch = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HighWatermark <= 0 || cfg.HighWatermark > 1 {
		cfg.HighWatermark = 0.9
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Scheduler{
		cfg:      cfg,
		backends: backends,
		scorer:   scorer,
		policy:   pol,
		selector: sel,
		loc:      loc,
		logger:   logger,
		locks:    newLockTable(),
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ObserveSize feeds a payload size into the relative size normalization.
// The manager calls this on ingest so scoring has an anchor before the
// first scan completes.
func (s *Scheduler) ObserveSize(size int64) {
	for {
		cur := s.maxSeenSize.Load()
		if size <= cur || s.maxSeenSize.CompareAndSwap(cur, size) {
			return
		}
	}
}

// Trigger requests an immediate off-schedule pass, typically on capacity
// pressure. Non-blocking; coalesces with a pending trigger.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run executes passes until ctx is cancelled or Close is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.trigger:
		}

		if err := s.Pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("migration pass failed", "error", err)
		}
	}
}

// Close stops the Run loop and waits for the in-flight pass to finish.
func (s *Scheduler) Close() {
	s.once.Do(func() {
		close(s.stop)
	})
	<-s.done
}

// Stats reports scheduler counters.
type Stats struct {
	Migrations int64
	Rollbacks  int64
	Evictions  int64
}

// Stats returns cumulative scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Migrations: s.migrations.Load(),
		Rollbacks:  s.rollbacks.Load(),
		Evictions:  s.evictions.Load(),
	}
}

// Pass runs one full scan-score-migrate cycle over all tiers. One item's
// failure never aborts the batch: it is logged, rolled back and retried on
// a later pass.
func (s *Scheduler) Pass(ctx context.Context) error {
	now := time.Now()

	for t := model.Tier(0); t < model.TierCount; t++ {
		if err := s.scanTier(ctx, s.backends[t], now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) scanTier(ctx context.Context, src tier.Backend, now time.Time) error {
	token := ""
	for {
		page, err := src.Scan(ctx, token, s.cfg.ScanBatch)
		if err != nil {
			return fmt.Errorf("scan %s: %w", src.Tier(), err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Workers)
		for _, meta := range page.Metas {
			meta := meta
			g.Go(func() error {
				s.evaluate(gctx, src, meta, now)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if page.Next == "" {
			return nil
		}
		token = page.Next
	}
}

// evaluate runs the per-item state machine: score, plan, then migrate or
// evict. Errors are absorbed here; they affect only this item.
func (s *Scheduler) evaluate(ctx context.Context, src tier.Backend, meta model.Metadata, now time.Time) {
	s.ObserveSize(meta.SizeBytes)

	// Duplicate repair: if the routing index says this id lives
	// elsewhere, this copy is a leftover from an interrupted migration.
	if owner, ok := s.loc.Lookup(meta.ID); ok && owner != src.Tier() {
		s.repairDuplicate(ctx, src, meta, owner)
		return
	}

	score := s.scorer.Score(meta, now, s.maxSeenSize.Load())
	plan := s.plan(ctx, score, meta, src.Tier(), now)

	switch plan.Decision {
	case policy.Stay, policy.Deny:
		return
	case policy.Move:
		s.tryMove(ctx, meta.ID, src.Tier(), plan.Target)
	case policy.Swap:
		// Make room first: demote the target tier's weakest resident
		// one band. If that fails the incoming move is denied for
		// this pass.
		victim, ok := s.lowestScored(ctx, s.backends[plan.Target], now)
		if !ok {
			return
		}
		lower, ok := plan.Target.Slower()
		if !ok {
			return
		}
		if err := s.move(ctx, victim.ID, plan.Target, lower); err != nil {
			s.logMoveFailure(victim.ID, plan.Target, lower, err)
			return
		}
		s.tryMove(ctx, meta.ID, src.Tier(), plan.Target)
	case policy.Evict:
		victim, ok := s.lowestScored(ctx, s.backends[model.TierArchive], now)
		if !ok {
			return
		}
		if err := s.evict(ctx, victim.ID); err != nil {
			s.logger.Warn("archive eviction failed", "id", victim.ID, "error", err)
			return
		}
		s.tryMove(ctx, meta.ID, src.Tier(), plan.Target)
	}
}

// plan wraps the placement policy with one tier-affinity rule: the
// FastVector tier only stores decodable float32 vectors, so non-vector
// content tops out at FastKV regardless of score.
func (s *Scheduler) plan(ctx context.Context, score float64, meta model.Metadata, current model.Tier, now time.Time) policy.Plan {
	view := s.capacityView(ctx, now, meta.SizeBytes)

	if meta.ContentType != model.ContentTypeVector &&
		s.policy.Target(score, current) == model.TierFastVector {
		if current == model.TierFastKV {
			return policy.Plan{Decision: policy.Stay, Target: current}
		}
		if view(model.TierFastKV).Full {
			return policy.Plan{Decision: policy.Deny, Target: current}
		}
		return policy.Plan{Decision: policy.Move, Target: model.TierFastKV}
	}

	return s.policy.Plan(score, current, view)
}

func (s *Scheduler) capacityView(ctx context.Context, now time.Time, sizeBytes int64) func(model.Tier) policy.CapacityView {
	return func(t model.Tier) policy.CapacityView {
		b := s.backends[t]
		view := policy.CapacityView{
			Full: !b.Capacity().HasRoomFor(b.Stats(), sizeBytes),
		}
		if view.Full {
			if victim, ok := s.lowestScored(ctx, b, now); ok {
				view.HasVictim = true
				view.VictimScore = s.scorer.Score(victim, now, s.maxSeenSize.Load())
			}
		}
		return view
	}
}

// lowestScored scans a tier for its lowest-scoring resident.
func (s *Scheduler) lowestScored(ctx context.Context, b tier.Backend, now time.Time) (model.Metadata, bool) {
	var (
		best      model.Metadata
		bestScore float64
		found     bool
	)

	token := ""
	for {
		page, err := b.Scan(ctx, token, s.cfg.ScanBatch)
		if err != nil {
			return model.Metadata{}, false
		}
		for _, meta := range page.Metas {
			score := s.scorer.Score(meta, now, s.maxSeenSize.Load())
			if !found || score < bestScore {
				best = meta
				bestScore = score
				found = true
			}
		}
		if page.Next == "" {
			return best, found
		}
		token = page.Next
	}
}

// tryMove migrates id and logs failures without propagating them.
func (s *Scheduler) tryMove(ctx context.Context, id string, src, dst model.Tier) {
	if err := s.move(ctx, id, src, dst); err != nil && !errors.Is(err, ErrConflict) {
		s.logMoveFailure(id, src, dst, err)
	}
}

func (s *Scheduler) logMoveFailure(id string, src, dst model.Tier, err error) {
	s.rollbacks.Add(1)
	s.logger.Warn("migration rolled back",
		"id", id, "source", src.String(), "destination", dst.String(), "error", err)
}

// Move migrates a single item now, bypassing scoring. Used by the manager's
// explicit force-promote path. Returns ErrConflict if the item already has
// an in-flight migration.
func (s *Scheduler) Move(ctx context.Context, id string, src, dst model.Tier) error {
	return s.move(ctx, id, src, dst)
}

// move is the copy-verify-delete protocol under the per-id lock. Until the
// destination write is verified, the item remains readable from the source;
// a failure at any point before the source delete leaves the source copy
// untouched.
func (s *Scheduler) move(ctx context.Context, id string, src, dst model.Tier) error {
	if src == dst {
		return nil
	}
	if !s.locks.TryAcquire(id) {
		return ErrConflict
	}
	defer s.locks.Release(id)

	source := s.backends[src]
	dest := s.backends[dst]

	item, err := source.Peek(ctx, id)
	if err != nil {
		if errors.Is(err, tier.ErrNotFound) {
			// Deleted, expired or already moved since the scan.
			return nil
		}
		return fmt.Errorf("read source: %w", err)
	}

	raw, err := codec.Decode(item.Payload)
	if err != nil {
		return fmt.Errorf("decode source payload: %w", err)
	}

	target := item.Clone()
	target.Codec = s.selector.Select(dst, item.ContentType)
	target.Payload, err = codec.Encode(target.Codec, raw)
	if err != nil {
		return fmt.Errorf("encode for %s: %w", dst, err)
	}
	target.SizeBytes = int64(len(target.Payload))
	target.Tier = dst

	if err := dest.Put(ctx, target); err != nil {
		return fmt.Errorf("write destination: %w", err)
	}

	// Verify the destination write before deleting the source.
	if m, err := dest.Meta(ctx, id); err != nil || m.SizeBytes != target.SizeBytes {
		// Best effort cleanup; the source copy stays authoritative.
		_ = dest.Delete(ctx, id)
		if err == nil {
			err = fmt.Errorf("size mismatch after write: want %d, got %d", target.SizeBytes, m.SizeBytes)
		}
		return fmt.Errorf("verify destination: %w", err)
	}

	// Commit: destination is durable, flip the routing index and drop the
	// source copy. The flip is conditional on the mapping still naming the
	// source; if it is gone a caller delete completed mid-move and must
	// stay final, so the fresh destination copy is dropped instead. From
	// here the move is final; if the source delete is interrupted,
	// duplicate repair finishes it on the next pass.
	if !s.loc.CompareAndSet(id, src, dst) {
		_ = dest.Delete(ctx, id)
		return nil
	}
	if err := source.Delete(ctx, id); err != nil {
		s.logger.Warn("source delete deferred to next pass",
			"id", id, "source", src.String(), "error", err)
	}

	s.migrations.Add(1)
	s.ObserveSize(target.SizeBytes)
	return nil
}

// EvictLowest permanently deletes the archive's lowest-scoring resident to
// make room for an incoming demotion. The caller is responsible for checking
// that the eviction policy permits it.
func (s *Scheduler) EvictLowest(ctx context.Context) error {
	victim, ok := s.lowestScored(ctx, s.backends[model.TierArchive], time.Now())
	if !ok {
		return tier.ErrNotFound
	}
	return s.evict(ctx, victim.ID)
}

// evict permanently deletes an archive resident under its migration lock.
func (s *Scheduler) evict(ctx context.Context, id string) error {
	if !s.locks.TryAcquire(id) {
		return ErrConflict
	}
	defer s.locks.Release(id)

	if err := s.backends[model.TierArchive].Delete(ctx, id); err != nil {
		return err
	}
	s.loc.DeleteIf(id, model.TierArchive)
	s.evictions.Add(1)
	s.logger.Info("archive item evicted", "id", id)
	return nil
}

// repairDuplicate resolves a leftover copy from an interrupted migration.
// The destination copy (the one the routing index points at) wins; the
// stale copy is deleted once the authoritative one is confirmed present.
func (s *Scheduler) repairDuplicate(ctx context.Context, stale tier.Backend, meta model.Metadata, owner model.Tier) {
	if !s.locks.TryAcquire(meta.ID) {
		return
	}
	defer s.locks.Release(meta.ID)

	if cur, ok := s.loc.Lookup(meta.ID); !ok || cur != owner {
		return // resolved concurrently
	}
	if _, err := s.backends[owner].Meta(ctx, meta.ID); err != nil {
		// The authoritative copy is gone; adopt this one instead. The
		// conditional flip keeps a delete that retired the mapping in
		// the meantime final.
		if errors.Is(err, tier.ErrNotFound) {
			s.loc.CompareAndSet(meta.ID, owner, stale.Tier())
		}
		return
	}

	if err := stale.Delete(ctx, meta.ID); err != nil {
		s.logger.Warn("duplicate cleanup failed",
			"id", meta.ID, "tier", stale.Tier().String(), "error", err)
		return
	}
	s.logger.Info("duplicate copy repaired",
		"id", meta.ID, "kept", owner.String(), "dropped", stale.Tier().String())
}

// OverWatermark reports whether any tier's occupancy exceeds the high
// watermark. The manager uses this to decide on an immediate trigger.
func (s *Scheduler) OverWatermark() bool {
	for _, b := range s.backends {
		if !s.belowWatermark(b, s.cfg.HighWatermark) {
			return true
		}
	}
	return false
}

func (s *Scheduler) belowWatermark(b tier.Backend, mark float64) bool {
	limits := b.Capacity()
	st := b.Stats()

	if limits.MaxItems > 0 && float64(st.Items) > mark*float64(limits.MaxItems) {
		return false
	}
	if limits.MaxBytes > 0 && float64(st.Bytes) > mark*float64(limits.MaxBytes) {
		return false
	}
	return true
}
