// Package store persists JSON documents as one file per key.
//
// Invariants:
// - Keys are validated and path-safe before touching the filesystem.
// - Writes for the same key are serialized and land atomically (temp file + rename).
// - A missing key is reported as ErrNotFound, never as a raw fs error.
//
// Usage:
//
//	fs, _ := store.NewFileStore("/tmp/ranya/jobs")
//	_ = fs.Put("job-1", job)
//	var out Job
//	_ = fs.Get("job-1", &out)
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const fileExt = ".json"

var (
	// ErrInvalidID is returned when a key could escape the store directory
	ErrInvalidID = errors.New("invalid store id")

	// ErrNotFound is returned when no document exists for a key
	ErrNotFound = errors.New("document not found")
)

// FileStore is a directory of <id>.json documents
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewFileStore creates the directory if needed and returns a store rooted at it
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// ValidateID rejects empty ids and ids carrying path traversal characters
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: id cannot contain '..'", ErrInvalidID)
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: id cannot contain path separators", ErrInvalidID)
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("%w: id cannot contain null bytes", ErrInvalidID)
	}
	return nil
}

// Dir returns the root directory of the store
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file path for an id
func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[id] = lock
	return lock
}

// WithLock runs fn while holding the write lock for id.
// Read-modify-write sequences built on Get and Put must run inside it.
func (s *FileStore) WithLock(id string, fn func() error) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// Put marshals v and writes it under id
func (s *FileStore) Put(id string, v any) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", id, err)
	}

	return s.PutRaw(id, data)
}

// PutRaw writes already-encoded bytes under id
func (s *FileStore) PutRaw(id string, data []byte) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write document %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close document %s: %w", id, err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod document %s: %w", id, err)
	}
	if err := os.Rename(tmpName, s.Path(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit document %s: %w", id, err)
	}

	return nil
}

// GetRaw returns the stored bytes for id
func (s *FileStore) GetRaw(id string) ([]byte, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	return data, nil
}

// Get unmarshals the document stored under id into v
func (s *FileStore) Get(id string, v any) error {
	data, err := s.GetRaw(id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse document %s: %w", id, err)
	}
	return nil
}

// Delete removes the document for id. Deleting a missing id is not an error.
func (s *FileStore) Delete(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	if err := os.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, id)
	s.locksMu.Unlock()

	return nil
}

// Keys lists stored ids in lexical order
func (s *FileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(keys)

	return keys, nil
}
