package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/inercia/parley/internal/fileutil"
)

// ErrUnavailable is returned by a Store whose backing substrate cannot be used
// (cookies refused, read-only filesystem). The Manager degrades to an
// in-memory identifier when storage reports it.
var ErrUnavailable = errors.New("identity store unavailable")

// Store is one place the session identifier is reflected into.
// Read returns "" when nothing is stored. Write("") discards the value.
type Store interface {
	Read() (string, error)
	Write(value string) error
}

// MemoryStore is a Store kept in process memory.
// It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	value   string
	onWrite func(value string)
}

// NewMemoryStore returns a MemoryStore holding value.
func NewMemoryStore(value string) *MemoryStore {
	return &MemoryStore{value: value}
}

// OnWrite registers a callback invoked after every Write.
func (s *MemoryStore) OnWrite(fn func(value string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = fn
}

// Read implements Store.
func (s *MemoryStore) Read() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

// Write implements Store.
func (s *MemoryStore) Write(value string) error {
	s.mu.Lock()
	s.value = value
	fn := s.onWrite
	s.mu.Unlock()

	if fn != nil {
		fn(value)
	}
	return nil
}

// Value returns the stored value.
func (s *MemoryStore) Value() string {
	v, _ := s.Read()
	return v
}

// FileStore keeps the identifier in a single file.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Read implements Store. A missing file reads as "".
func (s *FileStore) Read() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Write implements Store. Writing "" removes the file.
func (s *FileStore) Write(value string) error {
	if value == "" {
		if err := fileutil.RemoveIfExists(s.path); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}
	if err := fileutil.WriteFileAtomic(s.path, []byte(value+"\n"), 0600); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
