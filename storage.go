package codeshare

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// KeyValueStore is durable string storage for the persisted session.
type KeyValueStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// BatchStore is implemented by stores that can write or delete several
// entries as one unit.
type BatchStore interface {
	SetAll(entries map[string]string) error
	DeleteAll(keys ...string) error
}

func setAll(s KeyValueStore, entries map[string]string) error {
	if b, ok := s.(BatchStore); ok {
		return b.SetAll(entries)
	}
	for k, v := range entries {
		if err := s.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func deleteAll(s KeyValueStore, keys ...string) error {
	if b, ok := s.(BatchStore); ok {
		return b.DeleteAll(keys...)
	}
	for _, k := range keys {
		if err := s.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory KeyValueStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) SetAll(entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range entries {
		s.entries[k] = v
	}
	return nil
}

func (s *MemoryStore) DeleteAll(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ============================================================================
// FileStore
// ============================================================================

// FileStore persists entries as a flat TOML table. Every write rewrites the
// file through a temp file and rename.
type FileStore struct {
	path    string
	mu      sync.Mutex
	entries map[string]string
}

// OpenFileStore loads path, treating a missing file as empty.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, entries: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("cannot read store: %w", err)
	}
	if err := toml.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("cannot parse store %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok
}

func (s *FileStore) Set(key, value string) error {
	return s.SetAll(map[string]string{key: value})
}

func (s *FileStore) Delete(key string) error {
	return s.DeleteAll(key)
}

func (s *FileStore) SetAll(entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.copyLocked()
	for k, v := range entries {
		next[k] = v
	}
	return s.commitLocked(next)
}

func (s *FileStore) DeleteAll(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.copyLocked()
	for _, k := range keys {
		delete(next, k)
	}
	return s.commitLocked(next)
}

func (s *FileStore) copyLocked() map[string]string {
	next := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		next[k] = v
	}
	return next
}

// commitLocked writes next to disk and only then makes it visible.
func (s *FileStore) commitLocked(next map[string]string) error {
	data, err := toml.Marshal(next)
	if err != nil {
		return fmt.Errorf("cannot marshal store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return fmt.Errorf("cannot write store: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write store: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot write store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("cannot write store: %w", err)
	}
	s.entries = next
	return nil
}
