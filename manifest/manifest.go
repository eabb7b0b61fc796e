// Package manifest persists the Archive tier's local view of its remote
// objects: for every archived item id, the remote key, codec, checksum and
// metadata snapshot. A process restart reattaches to existing remote objects
// by loading the manifest instead of re-uploading.
//
// Updates are atomic: a new MANIFEST-<id>.json is written and synced, then
// the CURRENT pointer file is swapped via rename.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	manifestFilePrefix = "MANIFEST"
	currentFileName    = "CURRENT"
	currentVersion     = 1
)

// Entry describes one archived item.
type Entry struct {
	ID             string    `json:"id"`
	RemoteKey      string    `json:"remote_key"`
	Codec          uint8     `json:"codec"`
	Checksum       uint32    `json:"checksum"`
	ContentType    string    `json:"content_type"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    uint64    `json:"access_count"`
	Relevance      float64   `json:"relevance"`
}

// Manifest is the serialized archive state.
type Manifest struct {
	Version int              `json:"version"`
	ID      uint64           `json:"id"`
	Entries map[string]Entry `json:"entries"`
}

// Store manages the manifest files and atomic updates.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a manifest store in dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("manifest: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Load reads the current manifest. A missing manifest yields an empty one.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := os.ReadFile(filepath.Join(s.dir, currentFileName))
	if os.IsNotExist(err) {
		return &Manifest{Version: currentVersion, Entries: map[string]Entry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: read CURRENT: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, string(current)))
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", current, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if m.Version != currentVersion {
		return nil, fmt.Errorf("manifest: unsupported version %d (expected %d)", m.Version, currentVersion)
	}
	if m.Entries == nil {
		m.Entries = map[string]Entry{}
	}
	return &m, nil
}

// Save atomically persists a new manifest generation and retires the
// previous one.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = currentVersion
	m.ID++

	filename := fmt.Sprintf("%s-%06d.json", manifestFilePrefix, m.ID)
	path := filepath.Join(s.dir, filename)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}

	if err := writeFileSync(path, data); err != nil {
		return err
	}

	prev, _ := os.ReadFile(filepath.Join(s.dir, currentFileName))

	if err := writeFileSync(filepath.Join(s.dir, currentFileName+".tmp"), []byte(filename)); err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(s.dir, currentFileName+".tmp"), filepath.Join(s.dir, currentFileName)); err != nil {
		return fmt.Errorf("manifest: swap CURRENT: %w", err)
	}
	if err := syncDir(s.dir); err != nil {
		return err
	}

	// Retire the previous generation; failure is harmless.
	if len(prev) > 0 && string(prev) != filename {
		_ = os.Remove(filepath.Join(s.dir, string(prev)))
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("manifest: open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("manifest: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("manifest: sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("manifest: close %s: %w", path, err)
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("manifest: open dir: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("manifest: sync dir: %w", err)
	}
	return nil
}
