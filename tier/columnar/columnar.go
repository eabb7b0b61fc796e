// Package columnar implements the Columnar tier: an embedded SQLite-backed
// store optimized for scan and aggregate access. Writes are buffered and
// flushed in batched transactions rather than committed row by row.
package columnar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/tiermem/model"
	"github.com/hupe1980/tiermem/tier"
)

// Config holds Columnar tier settings.
type Config struct {
	// Path is the SQLite database file. Parent directories are created.
	Path string

	// Capacity limits the tier. Zero means unbounded.
	Capacity tier.Capacity

	// BatchSize is the number of buffered writes that triggers a flush.
	BatchSize int

	// FlushInterval bounds how long a buffered write may stay unflushed.
	FlushInterval time.Duration
}

// Store is the Columnar tier backend.
type Store struct {
	cfg Config
	db  *sql.DB

	mu       sync.Mutex
	buf      map[string]*model.Item
	bufBytes int64
	dbItems  int64
	dbBytes  int64

	flushStop chan struct{}
	flushDone chan struct{}
	closeOnce sync.Once
}

var _ tier.Backend = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id               TEXT PRIMARY KEY,
	content_type     TEXT NOT NULL,
	size_bytes       INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	access_count     INTEGER NOT NULL DEFAULT 0,
	relevance        REAL NOT NULL DEFAULT 0,
	codec            INTEGER NOT NULL DEFAULT 0,
	payload          BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_last_accessed ON items(last_accessed_at);
`

// Open opens or creates the Columnar store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("columnar: create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("columnar: open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("columnar: migrate: %w", err)
	}

	s := &Store{
		cfg:       cfg,
		db:        db,
		buf:       make(map[string]*model.Item),
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}

	// Reattach to existing occupancy.
	row := db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM items`)
	if err := row.Scan(&s.dbItems, &s.dbBytes); err != nil {
		db.Close()
		return nil, fmt.Errorf("columnar: load stats: %w", err)
	}

	go s.flusher()
	return s, nil
}

// Tier implements tier.Backend.
func (s *Store) Tier() model.Tier { return model.TierColumnar }

// Put implements tier.Backend. The write lands in the batch buffer and is
// durable after the next flush (size- or age-triggered, or explicit Flush).
func (s *Store) Put(ctx context.Context, item *model.Item) error {
	s.mu.Lock()

	combined := tier.Stats{
		Items: s.dbItems + int64(len(s.buf)),
		Bytes: s.dbBytes + s.bufBytes,
	}
	if prev, ok := s.buf[item.ID]; ok {
		combined.Items--
		combined.Bytes -= prev.SizeBytes
	}
	// An id already flushed to the database is an overwrite too; the exact
	// byte delta is settled at flush time, so the room check here is
	// conservative for that case.
	if !s.cfg.Capacity.HasRoomFor(combined, item.SizeBytes) {
		s.mu.Unlock()
		return tier.ErrCapacityExceeded
	}

	if prev, ok := s.buf[item.ID]; ok {
		s.bufBytes -= prev.SizeBytes
	}
	cp := item.Clone()
	cp.Tier = model.TierColumnar
	s.buf[item.ID] = cp
	s.bufBytes += cp.SizeBytes

	var err error
	if len(s.buf) >= s.cfg.BatchSize {
		err = s.flushLocked(ctx)
	}
	s.mu.Unlock()
	return err
}

// Flush commits all buffered writes.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// flushLocked writes the buffer in one transaction. Caller holds s.mu.
func (s *Store) flushLocked(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("columnar: begin flush: %w", err)
	}
	defer tx.Rollback()

	var newItems, deltaBytes int64

	for id, it := range s.buf {
		var prevSize int64
		err := tx.QueryRowContext(ctx, `SELECT size_bytes FROM items WHERE id = ?`, id).Scan(&prevSize)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			newItems++
			deltaBytes += it.SizeBytes
		case err != nil:
			return fmt.Errorf("columnar: flush lookup: %w", err)
		default:
			deltaBytes += it.SizeBytes - prevSize
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO items (id, content_type, size_bytes, created_at, last_accessed_at, access_count, relevance, codec, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				content_type = excluded.content_type,
				size_bytes = excluded.size_bytes,
				created_at = excluded.created_at,
				last_accessed_at = excluded.last_accessed_at,
				access_count = excluded.access_count,
				relevance = excluded.relevance,
				codec = excluded.codec,
				payload = excluded.payload`,
			it.ID, string(it.ContentType), it.SizeBytes,
			it.CreatedAt.UnixNano(), it.LastAccessedAt.UnixNano(),
			it.AccessCount, it.Relevance, uint8(it.Codec), it.Payload,
		)
		if err != nil {
			return fmt.Errorf("columnar: flush upsert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("columnar: commit flush: %w", err)
	}

	s.dbItems += newItems
	s.dbBytes += deltaBytes
	s.buf = make(map[string]*model.Item)
	s.bufBytes = 0
	return nil
}

// Get implements tier.Backend. The access bump is committed in the same
// transaction as the read.
func (s *Store) Get(ctx context.Context, id string) (*model.Item, error) {
	s.mu.Lock()
	if it, ok := s.buf[id]; ok {
		it.AccessCount++
		it.LastAccessedAt = time.Now()
		out := it.Clone()
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("columnar: begin get: %w", err)
	}
	defer tx.Rollback()

	item, err := scanItem(tx.QueryRowContext(ctx, selectItem+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		now.UnixNano(), id,
	); err != nil {
		return nil, fmt.Errorf("columnar: access bump: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("columnar: commit get: %w", err)
	}

	item.AccessCount++
	item.LastAccessedAt = now
	return item, nil
}

// Peek implements tier.Backend.
func (s *Store) Peek(ctx context.Context, id string) (*model.Item, error) {
	s.mu.Lock()
	if it, ok := s.buf[id]; ok {
		out := it.Clone()
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	return scanItem(s.db.QueryRowContext(ctx, selectItem+` WHERE id = ?`, id))
}

// Meta implements tier.Backend.
func (s *Store) Meta(ctx context.Context, id string) (model.Metadata, error) {
	s.mu.Lock()
	if it, ok := s.buf[id]; ok {
		meta := it.Metadata
		s.mu.Unlock()
		return meta, nil
	}
	s.mu.Unlock()

	item, err := scanItemNoPayload(s.db.QueryRowContext(ctx, selectMeta+` WHERE id = ?`, id))
	if err != nil {
		return model.Metadata{}, err
	}
	return item, nil
}

// UpdateMeta implements tier.Backend.
func (s *Store) UpdateMeta(ctx context.Context, id string, fn func(*model.Metadata)) error {
	s.mu.Lock()
	if it, ok := s.buf[id]; ok {
		fn(&it.Metadata)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("columnar: begin update: %w", err)
	}
	defer tx.Rollback()

	meta, err := scanItemNoPayload(tx.QueryRowContext(ctx, selectMeta+` WHERE id = ?`, id))
	if err != nil {
		return err
	}
	fn(&meta)

	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET last_accessed_at = ?, access_count = ?, relevance = ? WHERE id = ?`,
		meta.LastAccessedAt.UnixNano(), meta.AccessCount, meta.Relevance, id,
	); err != nil {
		return fmt.Errorf("columnar: update meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("columnar: commit update: %w", err)
	}
	return nil
}

// Delete implements tier.Backend.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if it, ok := s.buf[id]; ok {
		s.bufBytes -= it.SizeBytes
		delete(s.buf, id)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("columnar: begin delete: %w", err)
	}
	defer tx.Rollback()

	var size int64
	err = tx.QueryRowContext(ctx, `SELECT size_bytes FROM items WHERE id = ?`, id).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("columnar: delete lookup: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("columnar: delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("columnar: commit delete: %w", err)
	}

	s.mu.Lock()
	s.dbItems--
	s.dbBytes -= size
	s.mu.Unlock()
	return nil
}

// Scan implements tier.Backend. Buffered writes are flushed first so the
// scan observes a single consistent source; pagination is keyset-based on
// the primary key.
func (s *Store) Scan(ctx context.Context, token string, limit int) (tier.ScanPage, error) {
	if limit <= 0 {
		limit = 100
	}
	if err := s.Flush(ctx); err != nil {
		return tier.ScanPage{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		selectMeta+` WHERE id > ? ORDER BY id LIMIT ?`, token, limit)
	if err != nil {
		return tier.ScanPage{}, fmt.Errorf("columnar: scan: %w", err)
	}
	defer rows.Close()

	var page tier.ScanPage
	for rows.Next() {
		meta, err := scanMetaRows(rows)
		if err != nil {
			return tier.ScanPage{}, err
		}
		page.Metas = append(page.Metas, meta)
	}
	if err := rows.Err(); err != nil {
		return tier.ScanPage{}, fmt.Errorf("columnar: scan rows: %w", err)
	}
	if len(page.Metas) == limit {
		page.Next = page.Metas[len(page.Metas)-1].ID
	}
	return page, nil
}

// Stats implements tier.Backend.
func (s *Store) Stats() tier.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tier.Stats{
		Items: s.dbItems + int64(len(s.buf)),
		Bytes: s.dbBytes + s.bufBytes,
	}
}

// Capacity implements tier.Backend.
func (s *Store) Capacity() tier.Capacity { return s.cfg.Capacity }

// Close flushes the buffer and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.flushStop)
	})
	<-s.flushDone

	err := s.Flush(context.Background())
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) flusher() {
	defer close(s.flushDone)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.flushStop:
			return
		case <-ticker.C:
			// Age-triggered flush; errors surface on the next explicit
			// flush or write.
			_ = s.Flush(context.Background())
		}
	}
}

const (
	selectItem = `SELECT id, content_type, size_bytes, created_at, last_accessed_at, access_count, relevance, codec, payload FROM items`
	selectMeta = `SELECT id, content_type, size_bytes, created_at, last_accessed_at, access_count, relevance, codec FROM items`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.Item, error) {
	var (
		it                  model.Item
		ct                  string
		createdNs, accessNs int64
		codec               uint8
	)
	err := row.Scan(&it.ID, &ct, &it.SizeBytes, &createdNs, &accessNs, &it.AccessCount, &it.Relevance, &codec, &it.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("columnar: scan row: %w", err)
	}
	it.ContentType = model.ContentType(ct)
	it.CreatedAt = time.Unix(0, createdNs)
	it.LastAccessedAt = time.Unix(0, accessNs)
	it.Codec = model.Codec(codec)
	it.Tier = model.TierColumnar
	return &it, nil
}

func scanItemNoPayload(row rowScanner) (model.Metadata, error) {
	meta, err := scanMetaRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Metadata{}, tier.ErrNotFound
	}
	return meta, err
}

func scanMetaRows(row rowScanner) (model.Metadata, error) {
	var (
		m                   model.Metadata
		ct                  string
		createdNs, accessNs int64
		codec               uint8
	)
	err := row.Scan(&m.ID, &ct, &m.SizeBytes, &createdNs, &accessNs, &m.AccessCount, &m.Relevance, &codec)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Metadata{}, sql.ErrNoRows
	}
	if err != nil {
		return model.Metadata{}, fmt.Errorf("columnar: scan meta: %w", err)
	}
	m.ContentType = model.ContentType(ct)
	m.CreatedAt = time.Unix(0, createdNs)
	m.LastAccessedAt = time.Unix(0, accessNs)
	m.Codec = model.Codec(codec)
	m.Tier = model.TierColumnar
	return m, nil
}
