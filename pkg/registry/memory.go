package registry

import (
	"sort"
	"sync"
)

// MemoryStore is a threadsafe in-memory Store, used by tests and the
// simulator stack.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]ModelVersion
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: map[string][]ModelVersion{}}
}

var _ Store = (*MemoryStore)(nil)

// EnsureSchema is a no-op for the in-memory store.
func (s *MemoryStore) EnsureSchema() error { return nil }

// Append assigns the next version number under the store lock, so versions
// per name are gapless and monotonic even under concurrent registration.
func (s *MemoryStore) Append(version ModelVersion) (ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.versions[version.Name]
	next := 1
	if len(existing) > 0 {
		next = existing[len(existing)-1].Version + 1
	}
	version.Version = next
	s.versions[version.Name] = append(existing, version)
	return version, nil
}

// FindByJob returns the version registered for a job id, if any.
func (s *MemoryStore) FindByJob(name, jobID string) (ModelVersion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, version := range s.versions[name] {
		if version.JobID == jobID {
			return version, true, nil
		}
	}
	return ModelVersion{}, false, nil
}

// FindByChecksum returns the version holding an identical artifact, if any.
func (s *MemoryStore) FindByChecksum(name, checksum string) (ModelVersion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, version := range s.versions[name] {
		if version.Checksum != "" && version.Checksum == checksum {
			return version, true, nil
		}
	}
	return ModelVersion{}, false, nil
}

// Get fetches one version.
func (s *MemoryStore) Get(name string, number int) (ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, version := range s.versions[name] {
		if version.Version == number {
			return version, nil
		}
	}
	return ModelVersion{}, ErrNotFound
}

// Latest fetches the highest version of a model.
func (s *MemoryStore) Latest(name string) (ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[name]
	if len(versions) == 0 {
		return ModelVersion{}, ErrNotFound
	}
	return versions[len(versions)-1], nil
}

// List returns all versions ascending.
func (s *MemoryStore) List(name string) ([]ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := append([]ModelVersion(nil), s.versions[name]...)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	return versions, nil
}
