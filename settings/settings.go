// Package settings provides the key-value store for last-known counters,
// configuration values and the rolling log mirror.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Well-known keys.
const (
	KeyKDSPackage     = "kds_package"
	KeyLastCount      = "last_count"
	KeyLastUploadTime = "last_upload_time"
	KeyLog            = "log_text"
	KeyGitHubToken    = "github_token"
	KeyGistID         = "gist_id"
)

// Store is the get/set-by-key contract the relay relies on.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// GetInt returns the integer stored under key, or def.
func GetInt(s Store, key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetInt64 returns the int64 stored under key, or def.
func GetInt64(s Store, key string, def int64) int64 {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// FileStore persists a flat JSON object shared with the front-end. Writes take
// an exclusive file lock and merge into the file's current contents, so keys
// written by other processes survive. Get reloads when the file changes.
type FileStore struct {
	path string
	lock *flock.Flock

	mu      sync.Mutex
	values  map[string]string
	modTime time.Time
	size    int64
}

// OpenFileStore loads path (a missing file is an empty store).
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("settings path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}

	s := &FileStore{
		path:   path,
		lock:   flock.New(path + ".lock"),
		values: make(map[string]string),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.changed() {
		// A half-written foreign file keeps the cached values.
		_ = s.reload()
	}
	v, ok := s.values[key]
	return v, ok
}

// Set merges key into the file's current contents and rewrites it atomically.
// The cached values change only after the rename succeeded.
func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock settings: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	current, err := s.read()
	if err != nil {
		return err
	}
	if cur, ok := current[key]; ok && cur == value {
		s.values = current
		s.stamp()
		return nil
	}
	current[key] = value

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace settings: %w", err)
	}

	s.values = current
	s.stamp()
	return nil
}

// read parses the file as it is on disk now.
func (s *FileStore) read() (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("failed to parse settings %s: %w", s.path, err)
		}
	}
	return values, nil
}

func (s *FileStore) reload() error {
	values, err := s.read()
	if err != nil {
		return err
	}
	s.values = values
	s.stamp()
	return nil
}

// changed reports whether the file differs from the last read or write.
func (s *FileStore) changed() bool {
	info, err := os.Stat(s.path)
	if err != nil {
		return !s.modTime.IsZero()
	}
	return !info.ModTime().Equal(s.modTime) || info.Size() != s.size
}

func (s *FileStore) stamp() {
	info, err := os.Stat(s.path)
	if err != nil {
		s.modTime, s.size = time.Time{}, 0
		return
	}
	s.modTime, s.size = info.ModTime(), info.Size()
}
