package resource

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound indicates the document does not exist in the store.
var ErrNotFound = errors.New("task document not found")

// Store is the persistence interface the lifecycle coordinator depends on.
// Apply is the conflict-safe mutation path: implementations must re-read
// the current document and touch only the patch's owned fields, so edits
// made outside runward between enqueue and completion survive.
type Store interface {
	Load(key string) (*Document, error)
	Save(key string, doc *Document) error
	Apply(key string, patch Patch) (*Document, error)
}

// FileStore stores each document as a YAML file. Keys are file paths,
// resolved relative to the store root unless absolute. Writes are atomic
// (temp file plus rename), and Apply serializes through a mutex so two
// completions cannot interleave a read-modify-write.
type FileStore struct {
	mu   sync.Mutex
	root string
}

// NewFileStore creates a FileStore rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Path resolves a document key to its file path.
func (s *FileStore) Path(key string) string {
	if filepath.IsAbs(key) {
		return key
	}
	return filepath.Join(s.root, key)
}

// Load reads and parses the document for key.
func (s *FileStore) Load(key string) (*Document, error) {
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read document: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document %s: %w", key, err)
	}
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	return &doc, nil
}

// Save writes the full document for key, creating parent directories.
func (s *FileStore) Save(key string, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(key, doc)
}

// Apply re-reads the document from disk, applies only the patch's owned
// fields, and writes the merged result back. Concurrent external edits to
// unowned fields are preserved.
func (s *FileStore) Apply(key string, patch Patch) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Load(key)
	if err != nil {
		return nil, err
	}
	patch.apply(doc)

	if err := s.writeLocked(key, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *FileStore) writeLocked(key string, doc *Document) error {
	target := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create document directory: %w", err)
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
