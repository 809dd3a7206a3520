package image

import (
	"fmt"
	"io/fs"
	"slices"
	"sync"

	"github.com/openfroyo/froyopkg/pkg/fmri"
)

// MemoryStore is an in-memory StateStore with the same semantics as FSStore.
type MemoryStore struct {
	mu        sync.RWMutex
	installed map[string]*fmri.FMRI
	filters   map[string][]string
	index     map[string]map[string]string // "index/value" -> name -> target
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		installed: make(map[string]*fmri.FMRI),
		filters:   make(map[string][]string),
		index:     make(map[string]map[string]string),
	}
}

func (s *MemoryStore) IsInstalled(f *fmri.FMRI) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.installed[f.DirPath()]
	return ok, nil
}

func (s *MemoryStore) MarkInstalled(f *fmri.FMRI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installed[f.DirPath()] = f
	return nil
}

func (s *MemoryStore) ClearInstalled(f *fmri.FMRI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.installed[f.DirPath()]; !ok {
		return fmt.Errorf("failed to clear installed marker of %s: %w", f, fs.ErrNotExist)
	}
	delete(s.installed, f.DirPath())
	return nil
}

func (s *MemoryStore) ReadFilters(f *fmri.FMRI) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.filters[f.DirPath()]), nil
}

func (s *MemoryStore) WriteFilters(f *fmri.FMRI, filters []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters[f.DirPath()] = append([]string{}, filters...)
	return nil
}

func (s *MemoryStore) DeleteFilters(f *fmri.FMRI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.filters[f.DirPath()]; !ok {
		return fmt.Errorf("failed to delete filters of %s: %w", f, fs.ErrNotExist)
	}
	delete(s.filters, f.DirPath())
	return nil
}

// HasFilters reports whether a filter list was saved for f.
func (s *MemoryStore) HasFilters(f *fmri.FMRI) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.filters[f.DirPath()]
	return ok
}

func (s *MemoryStore) InstalledVersion(name string) (*fmri.FMRI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *fmri.FMRI
	for _, f := range s.installed {
		if f.Name() != name {
			continue
		}
		if best == nil || best.Less(f) {
			best = f
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}
	return best, nil
}

func (s *MemoryStore) LinkIndex(index, value string, f *fmri.FMRI) error {
	value, err := cleanIndexValue(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := index + "/" + value
	if s.index[bucket] == nil {
		s.index[bucket] = make(map[string]string)
	}
	if _, ok := s.index[bucket][f.URLPath()]; !ok {
		s.index[bucket][f.URLPath()] = IndexTarget(value, f)
	}
	return nil
}

func (s *MemoryStore) IndexEntries(index, value string) ([]IndexEntry, error) {
	value, err := cleanIndexValue(value)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []IndexEntry
	for name, target := range s.index[index+"/"+value] {
		out = append(out, IndexEntry{Name: name, Target: target})
	}
	sortEntries(out)
	return out, nil
}
