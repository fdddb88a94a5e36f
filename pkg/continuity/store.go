package continuity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/holon-run/agentrelay/pkg/backend"
)

// MemoryStore keeps context ids in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[backend.Kind]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[backend.Kind]string)}
}

func (s *MemoryStore) Get(conversationID string, kind backend.Kind) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.data[conversationID][kind]
	return id, ok, nil
}

func (s *MemoryStore) Put(conversationID string, kind backend.Kind, contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[conversationID] == nil {
		s.data[conversationID] = make(map[backend.Kind]string)
	}
	s.data[conversationID][kind] = contextID
	return nil
}

const fileVersion = 1

type fileContents struct {
	Version       int                                `json:"version"`
	Conversations map[string]map[backend.Kind]string `json:"conversations"`
}

// FileStore is a MemoryStore mirrored to a JSON file after every change.
type FileStore struct {
	path string

	mu  sync.Mutex
	mem *MemoryStore
}

// OpenFileStore loads path if it exists. A missing file starts empty.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, mem: NewMemoryStore()}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation store %s: %w", path, err)
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("failed to parse conversation store %s: %w", path, err)
	}
	if contents.Version != fileVersion {
		return nil, fmt.Errorf("unsupported conversation store version %d in %s", contents.Version, path)
	}
	for conv, ids := range contents.Conversations {
		for kind, id := range ids {
			_ = s.mem.Put(conv, kind, id)
		}
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(conversationID string, kind backend.Kind) (string, bool, error) {
	return s.mem.Get(conversationID, kind)
}

func (s *FileStore) Put(conversationID string, kind backend.Kind, contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok, _ := s.mem.Get(conversationID, kind); ok && prev == contextID {
		return nil
	}
	_ = s.mem.Put(conversationID, kind, contextID)
	return s.writeLocked()
}

func (s *FileStore) writeLocked() error {
	s.mem.mu.RLock()
	contents := fileContents{Version: fileVersion, Conversations: s.mem.data}
	data, err := json.MarshalIndent(contents, "", "  ")
	s.mem.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal conversation store: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state dir for conversation store: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".conversations-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp conversation store: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp conversation store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp conversation store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace conversation store: %w", err)
	}
	return nil
}
