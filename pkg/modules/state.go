package modules

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/havenlabs/haven/pkg/errdefs"
)

// StateFile persists the ordered enabled-module set as a newline-delimited
// list of module ids. Writes are atomic (temp file + rename) so a crash
// never leaves a half-written set.
type StateFile struct {
	path string
	mu   sync.Mutex
}

// NewStateFile creates a state file handle at the given path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the state file location.
func (s *StateFile) Path() string {
	return s.path
}

// Load reads the enabled set from disk, deduplicating while preserving
// order. On first run the file is seeded with exactly the permanent
// modules.
func (s *StateFile) Load() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *StateFile) loadLocked() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		seed := PermanentModules()
		if err := s.saveLocked(seed); err != nil {
			return nil, err
		}
		return seed, nil
	}
	if err != nil {
		return nil, errdefs.NewInternal("read state file", err).WithCode(errdefs.ErrCodeStateFile)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, line := range strings.Split(string(data), "\n") {
		id := strings.TrimSpace(line)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// Save writes the enabled set to disk atomically.
func (s *StateFile) Save(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ids)
}

func (s *StateFile) saveLocked(ids []string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errdefs.NewInternal("create state directory", err).WithCode(errdefs.ErrCodeStateFile)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".enabled-modules-*")
	if err != nil {
		return errdefs.NewInternal("create state temp file", err).WithCode(errdefs.ErrCodeStateFile)
	}
	tmpName := tmp.Name()

	content := strings.Join(ids, "\n") + "\n"
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errdefs.NewInternal("write state file", err).WithCode(errdefs.ErrCodeStateFile)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errdefs.NewInternal("close state file", err).WithCode(errdefs.ErrCodeStateFile)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errdefs.NewInternal("rename state file", err).WithCode(errdefs.ErrCodeStateFile)
	}
	return nil
}

// Append adds the id to the end of the enabled set and persists it,
// atomically with respect to other mutations. Returns false when the id
// was already present.
func (s *StateFile) Append(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	for _, v := range ids {
		if v == id {
			return false, nil
		}
	}
	if err := s.saveLocked(append(ids, id)); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the id from the enabled set and persists it, atomically
// with respect to other mutations. Returns false when the id was not
// present.
func (s *StateFile) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	kept := ids[:0]
	found := false
	for _, v := range ids {
		if v == id {
			found = true
			continue
		}
		kept = append(kept, v)
	}
	if !found {
		return false, nil
	}
	if err := s.saveLocked(kept); err != nil {
		return false, err
	}
	return true, nil
}

// Contains reports whether the id is currently in the enabled set.
func (s *StateFile) Contains(id string) (bool, error) {
	ids, err := s.Load()
	if err != nil {
		return false, err
	}
	for _, v := range ids {
		if v == id {
			return true, nil
		}
	}
	return false, nil
}
