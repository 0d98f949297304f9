package allocator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// State is the durable allocation record. It only ever grows: used addresses
// are never returned to the pool.
type State struct {
	NextIndex     int      `json:"next_index"`
	UsedAddresses []string `json:"used_addresses"`
}

// StateStore persists allocation state across restarts.
type StateStore interface {
	Load() (State, error)
	Save(State) error
}

// FileStore keeps allocation state in a JSON file, replaced atomically on
// every save so a crash never leaves a torn state behind.
type FileStore struct {
	path string
}

var _ StateStore = (*FileStore)(nil)

// NewFileStore creates a file-backed state store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load() (State, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read allocation state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("parse allocation state: %w", err)
	}
	return st, nil
}

func (f *FileStore) Save(st State) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode allocation state: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "allocation-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// MemStore keeps allocation state in memory. Useful for tests.
type MemStore struct {
	mu sync.Mutex
	st State
}

var _ StateStore = (*MemStore)(nil)

func NewMemStore() *MemStore { return &MemStore{} }

func (m *MemStore) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.st
	st.UsedAddresses = append([]string(nil), m.st.UsedAddresses...)
	return st, nil
}

func (m *MemStore) Save(st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.UsedAddresses = append([]string(nil), st.UsedAddresses...)
	m.st = st
	return nil
}
