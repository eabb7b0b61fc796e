// Package fastvector implements the FastVector tier: an in-memory store
// that, in addition to id lookup, supports similarity search over items whose
// payloads are float32 vectors. The tier is bounded by item count rather
// than byte size.
package fastvector

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/tiermem/codec"
	"github.com/hupe1980/tiermem/model"
	"github.com/hupe1980/tiermem/tier"
)

// Config holds FastVector tier settings.
type Config struct {
	// Capacity limits the tier; MaxItems is the operative bound.
	Capacity tier.Capacity
}

// Neighbor is one similarity search result.
type Neighbor struct {
	ID string
	// Similarity is the cosine similarity to the query, in [-1,1].
	Similarity float32
}

type entry struct {
	item   *model.Item
	vector []float32 // nil when the payload is not a vector
}

// Store is the FastVector tier backend.
type Store struct {
	cfg Config

	mu    sync.RWMutex
	items map[string]*entry
	bytes int64
}

var _ tier.Backend = (*Store)(nil)

// New creates a FastVector store.
func New(cfg Config) *Store {
	return &Store{
		cfg:   cfg,
		items: make(map[string]*entry),
	}
}

// Tier implements tier.Backend.
func (s *Store) Tier() model.Tier { return model.TierFastVector }

// Put implements tier.Backend. Vector payloads are decoded once at write
// time so searches never re-parse payload bytes.
func (s *Store) Put(_ context.Context, item *model.Item) error {
	var vec []float32
	if item.ContentType == model.ContentTypeVector {
		raw, err := codec.Decode(item.Payload)
		if err != nil {
			return err
		}
		v, err := model.DecodeVector(raw)
		if err != nil {
			return err
		}
		vec = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.items[item.ID]

	st := tier.Stats{Items: int64(len(s.items)), Bytes: s.bytes}
	if exists {
		st.Items--
		st.Bytes -= prev.item.SizeBytes
	}
	if !s.cfg.Capacity.HasRoomFor(st, item.SizeBytes) {
		return tier.ErrCapacityExceeded
	}

	e := &entry{item: item.Clone(), vector: vec}
	e.item.Tier = model.TierFastVector
	s.items[item.ID] = e

	s.bytes = st.Bytes + item.SizeBytes
	return nil
}

// Get implements tier.Backend.
func (s *Store) Get(_ context.Context, id string) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return nil, tier.ErrNotFound
	}
	e.item.AccessCount++
	e.item.LastAccessedAt = time.Now()
	return e.item.Clone(), nil
}

// Peek implements tier.Backend.
func (s *Store) Peek(_ context.Context, id string) (*model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[id]
	if !ok {
		return nil, tier.ErrNotFound
	}
	return e.item.Clone(), nil
}

// Meta implements tier.Backend.
func (s *Store) Meta(_ context.Context, id string) (model.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[id]
	if !ok {
		return model.Metadata{}, tier.ErrNotFound
	}
	return e.item.Metadata, nil
}

// UpdateMeta implements tier.Backend.
func (s *Store) UpdateMeta(_ context.Context, id string, fn func(*model.Metadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return tier.ErrNotFound
	}
	fn(&e.item.Metadata)
	return nil
}

// Delete implements tier.Backend.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[id]; ok {
		s.bytes -= e.item.SizeBytes
		delete(s.items, id)
	}
	return nil
}

// Scan implements tier.Backend. Ids are visited in sorted order; the token
// is the last id returned.
func (s *Store) Scan(_ context.Context, token string, limit int) (tier.ScanPage, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		if token == "" || id > token {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var page tier.ScanPage
	for _, id := range ids {
		page.Metas = append(page.Metas, s.items[id].item.Metadata)
		if len(page.Metas) == limit {
			page.Next = id
			break
		}
	}
	return page, nil
}

// Search returns the k most similar vector items to query by cosine
// similarity. Items whose payload is not a vector, or whose dimension
// differs from the query, are skipped. Search does not update access
// metadata; it is a bulk read path, not a point lookup.
func (s *Store) Search(_ context.Context, query []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Min-heap of the k best candidates seen so far.
	h := &neighborHeap{}
	heap.Init(h)

	for id, e := range s.items {
		if e.vector == nil || len(e.vector) != len(query) {
			continue
		}
		sim := cosineSimilarity(query, e.vector)
		if h.Len() < k {
			heap.Push(h, Neighbor{ID: id, Similarity: sim})
		} else if sim > (*h)[0].Similarity {
			(*h)[0] = Neighbor{ID: id, Similarity: sim}
			heap.Fix(h, 0)
		}
	}

	out := make([]Neighbor, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Neighbor)
	}
	return out, nil
}

// Stats implements tier.Backend.
func (s *Store) Stats() tier.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tier.Stats{Items: int64(len(s.items)), Bytes: s.bytes}
}

// Capacity implements tier.Backend.
func (s *Store) Capacity() tier.Capacity { return s.cfg.Capacity }

// Close implements tier.Backend.
func (s *Store) Close() error { return nil }

type neighborHeap []Neighbor

func (h neighborHeap) Len() int           { return len(h) }
func (h neighborHeap) Less(i, j int) bool { return h[i].Similarity < h[j].Similarity }
func (h neighborHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *neighborHeap) Push(x any)        { *h = append(*h, x.(Neighbor)) }
func (h *neighborHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
