package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/stuschach/bunkr-sub005/pkg/constants"
)

// Storage persists the operation log. Save must replace the whole log
// atomically; the queue serializes calls, so implementations need no
// internal locking against the queue, only against other processes if the
// deployment shares the log file.
type Storage interface {
	Load() ([]Operation, error)
	Save(ops []Operation) error
}

// MemoryStorage keeps the log in memory. Useful in tests and on hosts where
// the platform provides its own durable key/value layer.
type MemoryStorage struct {
	ops []Operation
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load() ([]Operation, error) {
	return append([]Operation(nil), s.ops...), nil
}

func (s *MemoryStorage) Save(ops []Operation) error {
	s.ops = append([]Operation(nil), ops...)
	return nil
}

// fileLayout is the on-disk shape: the log lives under the
// "offline_operations" key.
type fileLayout map[string][]Operation

// FileStorage persists the log as JSON on disk. Saves write a temp file and
// rename it over the target, so a crash mid-save leaves the previous log
// intact.
type FileStorage struct {
	path string
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (s *FileStorage) Load() ([]Operation, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("decoding offline log %s: %w", s.path, err)
	}
	return layout[constants.OfflineOperationsKey], nil
}

func (s *FileStorage) Save(ops []Operation) error {
	if ops == nil {
		ops = []Operation{}
	}
	data, err := json.Marshal(fileLayout{constants.OfflineOperationsKey: ops})
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".offline-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
