// Package fastkv implements the FastKV tier: an in-memory, sharded
// key-value store optimized for point lookup by id. Entries carry a
// time-to-live and may expire independently of score-driven demotion.
package fastkv

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/tiermem/model"
	"github.com/hupe1980/tiermem/tier"
)

const defaultShards = 16

// Config holds FastKV tier settings.
type Config struct {
	// Capacity limits the tier. Zero means unbounded.
	Capacity tier.Capacity

	// TTL is the per-entry time-to-live, refreshed on every write and
	// read. Zero disables expiry.
	TTL time.Duration

	// SweepInterval is how often the janitor removes expired entries.
	// Expired entries are additionally dropped lazily on access.
	SweepInterval time.Duration

	// OnExpire, if set, is called with the id of every entry removed by
	// TTL expiry (janitor sweep or lazy drop). It must not call back into
	// the store.
	OnExpire func(id string)
}

type entry struct {
	item      *model.Item
	expiresAt time.Time // zero means no expiry
}

type shard struct {
	mu    sync.RWMutex
	items map[string]*entry
}

// Store is the FastKV tier backend.
type Store struct {
	cfg      Config
	shards   [defaultShards]*shard
	onExpire atomic.Pointer[func(string)]

	statsMu sync.Mutex
	stats   tier.Stats

	janitorStop chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
}

var _ tier.Backend = (*Store)(nil)

// New creates a FastKV store and starts its janitor if a TTL is configured.
func New(cfg Config) *Store {
	if cfg.TTL > 0 && cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL / 4
		if cfg.SweepInterval < time.Second {
			cfg.SweepInterval = time.Second
		}
	}

	s := &Store{
		cfg:         cfg,
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*entry)}
	}
	if cfg.OnExpire != nil {
		s.SetOnExpire(cfg.OnExpire)
	}

	if cfg.TTL > 0 {
		go s.janitor()
	} else {
		close(s.janitorDone)
	}
	return s
}

// Tier implements tier.Backend.
func (s *Store) Tier() model.Tier { return model.TierFastKV }

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%defaultShards]
}

// Put implements tier.Backend.
func (s *Store) Put(_ context.Context, item *model.Item) error {
	sh := s.shardFor(item.ID)

	sh.mu.Lock()
	prev, exists := sh.items[item.ID]

	var prevSize int64
	if exists {
		prevSize = prev.item.SizeBytes
	}
	if !s.hasRoom(exists, prevSize, item.SizeBytes) {
		sh.mu.Unlock()
		return tier.ErrCapacityExceeded
	}

	e := &entry{item: item.Clone()}
	e.item.Tier = model.TierFastKV
	if s.cfg.TTL > 0 {
		e.expiresAt = time.Now().Add(s.cfg.TTL)
	}
	sh.items[item.ID] = e
	sh.mu.Unlock()

	s.adjustStats(boolToDelta(!exists), item.SizeBytes-prevSize)
	return nil
}

// Get implements tier.Backend. The access bump happens under the shard
// write lock, so concurrent readers never lose an increment.
func (s *Store) Get(_ context.Context, id string) (*model.Item, error) {
	sh := s.shardFor(id)

	sh.mu.Lock()
	e, ok := sh.items[id]
	if !ok {
		sh.mu.Unlock()
		return nil, tier.ErrNotFound
	}

	now := time.Now()
	if s.expired(e, now) {
		size := e.item.SizeBytes
		delete(sh.items, id)
		sh.mu.Unlock()
		s.adjustStats(-1, -size)
		s.notifyExpire(id)
		return nil, tier.ErrNotFound
	}

	e.item.AccessCount++
	e.item.LastAccessedAt = now
	if s.cfg.TTL > 0 {
		e.expiresAt = now.Add(s.cfg.TTL)
	}
	out := e.item.Clone()
	sh.mu.Unlock()

	return out, nil
}

// Peek implements tier.Backend.
func (s *Store) Peek(_ context.Context, id string) (*model.Item, error) {
	sh := s.shardFor(id)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.items[id]
	if !ok || s.expired(e, time.Now()) {
		return nil, tier.ErrNotFound
	}
	return e.item.Clone(), nil
}

// Meta implements tier.Backend.
func (s *Store) Meta(_ context.Context, id string) (model.Metadata, error) {
	sh := s.shardFor(id)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.items[id]
	if !ok || s.expired(e, time.Now()) {
		return model.Metadata{}, tier.ErrNotFound
	}
	return e.item.Metadata, nil
}

// UpdateMeta applies fn to the stored metadata of id under the shard lock.
// Used for relevance updates and access-count decay without payload I/O.
func (s *Store) UpdateMeta(_ context.Context, id string, fn func(*model.Metadata)) error {
	sh := s.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[id]
	if !ok || s.expired(e, time.Now()) {
		return tier.ErrNotFound
	}
	fn(&e.item.Metadata)
	return nil
}

// Delete implements tier.Backend.
func (s *Store) Delete(_ context.Context, id string) error {
	sh := s.shardFor(id)

	sh.mu.Lock()
	e, ok := sh.items[id]
	if ok {
		delete(sh.items, id)
	}
	sh.mu.Unlock()

	if ok {
		s.adjustStats(-1, -e.item.SizeBytes)
	}
	return nil
}

// Scan implements tier.Backend. The continuation token encodes the shard
// index and the last id returned from it; ids within a shard are visited in
// sorted order so a scan is restartable even across mutations.
func (s *Store) Scan(_ context.Context, token string, limit int) (tier.ScanPage, error) {
	startShard, afterID, err := parseToken(token)
	if err != nil {
		return tier.ScanPage{}, err
	}
	if limit <= 0 {
		limit = 100
	}

	var page tier.ScanPage
	now := time.Now()

	for si := startShard; si < defaultShards; si++ {
		sh := s.shards[si]

		sh.mu.RLock()
		ids := make([]string, 0, len(sh.items))
		for id := range sh.items {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			if si == startShard && afterID != "" && id <= afterID {
				continue
			}
			e := sh.items[id]
			if s.expired(e, now) {
				continue
			}
			page.Metas = append(page.Metas, e.item.Metadata)
			if len(page.Metas) == limit {
				page.Next = formatToken(si, id)
				sh.mu.RUnlock()
				return page, nil
			}
		}
		sh.mu.RUnlock()

		afterID = ""
	}
	return page, nil
}

// Stats implements tier.Backend.
func (s *Store) Stats() tier.Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Capacity implements tier.Backend.
func (s *Store) Capacity() tier.Capacity { return s.cfg.Capacity }

// Close stops the janitor.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.janitorStop)
	})
	if s.cfg.TTL > 0 {
		<-s.janitorDone
	}
	return nil
}

func (s *Store) janitor() {
	defer close(s.janitorDone)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Store) sweep(now time.Time) {
	for _, sh := range s.shards {
		var removed []string
		var freed int64

		sh.mu.Lock()
		for id, e := range sh.items {
			if s.expired(e, now) {
				removed = append(removed, id)
				freed += e.item.SizeBytes
				delete(sh.items, id)
			}
		}
		sh.mu.Unlock()

		if len(removed) > 0 {
			s.adjustStats(-int64(len(removed)), -freed)
			for _, id := range removed {
				s.notifyExpire(id)
			}
		}
	}
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// SetOnExpire replaces the expiry callback. Safe to call while the janitor
// is running; the callback must not call back into the store.
func (s *Store) SetOnExpire(fn func(id string)) {
	if fn == nil {
		s.onExpire.Store(nil)
		return
	}
	s.onExpire.Store(&fn)
}

func (s *Store) notifyExpire(id string) {
	if fn := s.onExpire.Load(); fn != nil {
		(*fn)(id)
	}
}

func (s *Store) hasRoom(overwrite bool, prevSize, newSize int64) bool {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	st := s.stats
	if overwrite {
		st.Items--
		st.Bytes -= prevSize
	}
	return s.cfg.Capacity.HasRoomFor(st, newSize)
}

func (s *Store) adjustStats(items, bytes int64) {
	s.statsMu.Lock()
	s.stats.Items += items
	s.stats.Bytes += bytes
	s.statsMu.Unlock()
}

func boolToDelta(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func parseToken(token string) (shard int, afterID string, err error) {
	if token == "" {
		return 0, "", nil
	}
	i := strings.IndexByte(token, ':')
	if i < 0 {
		return 0, "", errInvalidToken(token)
	}
	shard, convErr := strconv.Atoi(token[:i])
	if convErr != nil || shard < 0 || shard >= defaultShards {
		return 0, "", errInvalidToken(token)
	}
	return shard, token[i+1:], nil
}

func formatToken(shard int, id string) string {
	return strconv.Itoa(shard) + ":" + id
}

type errInvalidToken string

func (e errInvalidToken) Error() string {
	return "fastkv: invalid scan token: " + string(e)
}
