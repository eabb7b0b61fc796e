// Package archive implements the Archive tier: the terminal, cheapest tier,
// backed by remote object storage. Every read and write is a network
// operation; calls are rate limited and retried with exponential backoff. A
// local manifest maps each item id to its remote key, codec and checksum so
// a restart reattaches to existing objects without re-uploading. Hot reads
// are served from a ristretto cache in front of the remote.
package archive

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math/rand"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/time/rate"

	"github.com/hupe1980/tiermem/codec"
	"github.com/hupe1980/tiermem/manifest"
	"github.com/hupe1980/tiermem/model"
	"github.com/hupe1980/tiermem/objstore"
	"github.com/hupe1980/tiermem/tier"
)

// Config holds Archive tier settings.
type Config struct {
	// Remote is the object storage backend.
	Remote objstore.Store

	// ManifestDir is the local directory for manifest persistence.
	ManifestDir string

	// KeyPrefix is prepended to every remote key.
	KeyPrefix string

	// Capacity limits the tier. Zero means unbounded.
	Capacity tier.Capacity

	// MaxAttempts bounds retries per remote operation (including the
	// first attempt). Defaults to 4.
	MaxAttempts int

	// InitialBackoff is the delay after the first failure; it doubles per
	// attempt up to MaxBackoff. Defaults to 100ms / 5s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestsPerSecond paces remote calls. Zero means unpaced.
	RequestsPerSecond float64

	// CacheMaxBytes bounds the read cache. Zero disables caching.
	CacheMaxBytes int64

	// Logger receives retry and failure events. Nil discards.
	Logger *slog.Logger
}

// Store is the Archive tier backend.
type Store struct {
	cfg     Config
	remote  objstore.Store
	logger  *slog.Logger
	limiter *rate.Limiter
	cache   *ristretto.Cache

	mu       sync.Mutex
	entries  map[string]manifest.Entry
	bytes    int64
	mstore   *manifest.Store
	manifest *manifest.Manifest

	// In-flight Put reservations, counted against capacity so concurrent
	// writers cannot overshoot while the remote upload is outstanding.
	reservedItems int64
	reservedBytes int64
}

var _ tier.Backend = (*Store)(nil)

// Open creates an Archive store and reattaches to any previously persisted
// manifest.
func Open(cfg Config) (*Store, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("archive: remote store is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	mstore, err := manifest.NewStore(cfg.ManifestDir)
	if err != nil {
		return nil, err
	}
	m, err := mstore.Load()
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:      cfg,
		remote:   cfg.Remote,
		logger:   cfg.Logger,
		mstore:   mstore,
		manifest: m,
		entries:  m.Entries,
	}
	for _, e := range m.Entries {
		s.bytes += e.SizeBytes
	}

	if cfg.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}
	if cfg.CacheMaxBytes > 0 {
		s.cache, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: 1 << 16,
			MaxCost:     cfg.CacheMaxBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: create cache: %w", err)
		}
	}
	return s, nil
}

// Tier implements tier.Backend.
func (s *Store) Tier() model.Tier { return model.TierArchive }

func (s *Store) remoteKey(id string) string {
	return path.Join(s.cfg.KeyPrefix, id)
}

// Put implements tier.Backend. The write is durable on the remote and
// recorded in the manifest before Put returns.
func (s *Store) Put(ctx context.Context, item *model.Item) error {
	s.mu.Lock()
	prev, exists := s.entries[item.ID]
	st := tier.Stats{
		Items: int64(len(s.entries)) + s.reservedItems,
		Bytes: s.bytes + s.reservedBytes,
	}
	if exists {
		st.Items--
		st.Bytes -= prev.SizeBytes
	}
	if !s.cfg.Capacity.HasRoomFor(st, item.SizeBytes) {
		s.mu.Unlock()
		return tier.ErrCapacityExceeded
	}
	// Reserve the slot while the upload is in flight; released once the
	// manifest entry lands or the upload fails.
	if !exists {
		s.reservedItems++
	}
	s.reservedBytes += item.SizeBytes
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if !exists {
			s.reservedItems--
		}
		s.reservedBytes -= item.SizeBytes
		s.mu.Unlock()
	}

	key := s.remoteKey(item.ID)
	sum := crc32.ChecksumIEEE(item.Payload)

	if err := s.withRetry(ctx, "put", func(ctx context.Context) error {
		return s.remote.Put(ctx, key, item.Payload)
	}); err != nil {
		release()
		return err
	}

	if s.cache != nil {
		s.cache.Del(key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !exists {
		s.reservedItems--
	}
	s.reservedBytes -= item.SizeBytes

	if exists {
		s.bytes -= prev.SizeBytes
	}
	s.entries[item.ID] = manifest.Entry{
		ID:             item.ID,
		RemoteKey:      key,
		Codec:          uint8(item.Codec),
		Checksum:       sum,
		ContentType:    string(item.ContentType),
		SizeBytes:      item.SizeBytes,
		CreatedAt:      item.CreatedAt,
		LastAccessedAt: item.LastAccessedAt,
		AccessCount:    item.AccessCount,
		Relevance:      item.Relevance,
	}
	s.bytes += item.SizeBytes
	return s.saveLocked()
}

// Get implements tier.Backend. The payload checksum is verified before the
// item is returned; a mismatch surfaces as a *codec.DecodeError rather than
// corrupt bytes.
func (s *Store) Get(ctx context.Context, id string) (*model.Item, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, tier.ErrNotFound
	}
	s.mu.Unlock()

	payload, err := s.fetch(ctx, e)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	s.mu.Lock()
	// Re-read the entry: it may have changed while the payload was in
	// flight. The access bump is applied to the current state, so
	// concurrent readers never lose increments.
	cur, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, tier.ErrNotFound
	}
	cur.AccessCount++
	cur.LastAccessedAt = now
	s.entries[id] = cur
	s.mu.Unlock()

	return &model.Item{
		Metadata: entryMeta(cur),
		Payload:  payload,
	}, nil
}

func (s *Store) fetch(ctx context.Context, e manifest.Entry) ([]byte, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(e.RemoteKey); ok {
			if payload, ok := v.([]byte); ok {
				cp := make([]byte, len(payload))
				copy(cp, payload)
				return cp, nil
			}
		}
	}

	var payload []byte
	err := s.withRetry(ctx, "get", func(ctx context.Context) error {
		data, err := s.remote.Get(ctx, e.RemoteKey)
		if err != nil {
			return err
		}
		payload = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	if sum := crc32.ChecksumIEEE(payload); sum != e.Checksum {
		return nil, &codec.DecodeError{
			Codec: e.Codec,
			Cause: fmt.Errorf("archive: checksum mismatch for %s: stored %08x, got %08x", e.ID, e.Checksum, sum),
		}
	}

	if s.cache != nil {
		s.cache.Set(e.RemoteKey, payload, int64(len(payload)))
	}
	return payload, nil
}

// Peek implements tier.Backend.
func (s *Store) Peek(ctx context.Context, id string) (*model.Item, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil, tier.ErrNotFound
	}

	payload, err := s.fetch(ctx, e)
	if err != nil {
		return nil, err
	}
	return &model.Item{Metadata: entryMeta(e), Payload: payload}, nil
}

// Meta implements tier.Backend.
func (s *Store) Meta(_ context.Context, id string) (model.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return model.Metadata{}, tier.ErrNotFound
	}
	return entryMeta(e), nil
}

// UpdateMeta implements tier.Backend. The change is persisted to the
// manifest before returning.
func (s *Store) UpdateMeta(_ context.Context, id string, fn func(*model.Metadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return tier.ErrNotFound
	}

	meta := entryMeta(e)
	fn(&meta)

	e.LastAccessedAt = meta.LastAccessedAt
	e.AccessCount = meta.AccessCount
	e.Relevance = meta.Relevance
	s.entries[id] = e
	return s.saveLocked()
}

// Delete implements tier.Backend.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.withRetry(ctx, "delete", func(ctx context.Context) error {
		return s.remote.Delete(ctx, e.RemoteKey)
	}); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Del(e.RemoteKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[id]; ok {
		s.bytes -= cur.SizeBytes
		delete(s.entries, id)
		return s.saveLocked()
	}
	return nil
}

// Scan implements tier.Backend. Scans run entirely off the local manifest;
// no remote traffic.
func (s *Store) Scan(_ context.Context, token string, limit int) (tier.ScanPage, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		if token == "" || id > token {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var page tier.ScanPage
	for _, id := range ids {
		page.Metas = append(page.Metas, entryMeta(s.entries[id]))
		if len(page.Metas) == limit {
			page.Next = id
			break
		}
	}
	return page, nil
}

// Stats implements tier.Backend.
func (s *Store) Stats() tier.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tier.Stats{Items: int64(len(s.entries)), Bytes: s.bytes}
}

// Capacity implements tier.Backend.
func (s *Store) Capacity() tier.Capacity { return s.cfg.Capacity }

// OldestByScore returns the id and metadata of the entry with the lowest
// (LastAccessedAt, AccessCount) ordering, used by evict-oldest policy. ok is
// false when the tier is empty.
func (s *Store) OldestByScore() (model.Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  manifest.Entry
		found bool
	)
	for _, e := range s.entries {
		if !found || e.LastAccessedAt.Before(best.LastAccessedAt) {
			best = e
			found = true
		}
	}
	if !found {
		return model.Metadata{}, false
	}
	return entryMeta(best), true
}

// Close persists the manifest, including access metadata accumulated since
// the last membership change.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.saveLocked()
	if s.cache != nil {
		s.cache.Close()
	}
	return err
}

// saveLocked persists the manifest. Caller holds s.mu.
func (s *Store) saveLocked() error {
	s.manifest.Entries = s.entries
	if err := s.mstore.Save(s.manifest); err != nil {
		return fmt.Errorf("archive: persist manifest: %w", err)
	}
	return nil
}

// withRetry runs op with rate limiting and exponential backoff. After the
// attempt budget is exhausted the error is wrapped in tier.ErrUnavailable so
// callers can distinguish a degraded remote from local failures.
func (s *Store) withRetry(ctx context.Context, name string, op func(context.Context) error) error {
	backoff := s.cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, objstore.ErrNotFound) {
			return tier.ErrNotFound
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if attempt == s.cfg.MaxAttempts {
			break
		}

		// Full jitter keeps concurrent retries from synchronizing.
		sleep := time.Duration(rand.Int63n(int64(backoff)) + 1)
		s.logger.Warn("archive: remote operation failed, retrying",
			"op", name, "attempt", attempt, "backoff", sleep, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}

	s.logger.Error("archive: remote operation failed permanently",
		"op", name, "attempts", s.cfg.MaxAttempts, "error", lastErr)
	return fmt.Errorf("%w: %s: %w", tier.ErrUnavailable, name, lastErr)
}

func entryMeta(e manifest.Entry) model.Metadata {
	return model.Metadata{
		ID:             e.ID,
		ContentType:    model.ContentType(e.ContentType),
		SizeBytes:      e.SizeBytes,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
		Relevance:      e.Relevance,
		Tier:           model.TierArchive,
		Codec:          model.Codec(e.Codec),
	}
}
