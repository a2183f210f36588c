// Package settings is the opaque key-value store the tracker reads its knobs from.
package settings

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrEmptyKey = errors.New("settings: empty key")

// Store is read and written by key only; callers never see the backing format.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
	Keys() []string
}

// MemoryStore keeps values in a map. Used by tests and as the fallback when no file is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewMemoryStore(initial map[string]any) *MemoryStore {
	m := &MemoryStore{values: make(map[string]any, len(initial))}
	maps.Copy(m.values, initial)
	return m
}

func (m *MemoryStore) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryStore) Set(key string, value any) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FileStore is a MemoryStore persisted as a flat yaml map after every Set.
type FileStore struct {
	*MemoryStore
	path string
	wmu  sync.Mutex
}

// OpenFileStore loads path if it exists; a missing file starts empty and is created on first Set.
func OpenFileStore(path string) (*FileStore, error) {
	values := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	return &FileStore{MemoryStore: NewMemoryStore(values), path: path}, nil
}

func (f *FileStore) Set(key string, value any) error {
	if err := f.MemoryStore.Set(key, value); err != nil {
		return err
	}
	return f.Save()
}

func (f *FileStore) Save() error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.mu.RLock()
	data, err := yaml.Marshal(f.values)
	f.mu.RUnlock()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Path() string {
	return f.path
}

func String(s Store, key, def string) string {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func Bool(s Store, key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return b
	case int:
		return t != 0
	}
	return def
}

func Float(s Store, key string, def float64) float64 {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return def
		}
		return f
	}
	return def
}

func Int(s Store, key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return i
	}
	return def
}
