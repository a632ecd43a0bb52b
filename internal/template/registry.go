package template

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound reports a lookup for an unregistered sheet version.
var ErrNotFound = errors.New("template not found")

// Registry publishes immutable sheets to concurrent evaluations.
// Register is the only write path; once a sheet is in, it is never
// mutated, so lookups hand out the shared instance.
type Registry struct {
	mu     sync.RWMutex
	sheets map[string]*Sheet
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sheets: make(map[string]*Sheet)}
}

// Register validates and publishes a sheet. The sheet is deep-copied
// in, so later mutations by the caller cannot reach evaluations. The
// answer key must already be applied: a keyless layout is not
// evaluable.
func (r *Registry) Register(s *Sheet) error {
	if s == nil {
		return fmt.Errorf("nil sheet")
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid sheet %q: %w", s.Version, err)
	}
	if err := s.ValidateKey(); err != nil {
		return fmt.Errorf("invalid answer key for %q: %w", s.Version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sheets[s.Version]; exists {
		return fmt.Errorf("sheet version %q already registered", s.Version)
	}
	r.sheets[s.Version] = s.Clone()
	return nil
}

// Lookup returns the sheet for a version.
func (r *Registry) Lookup(version string) (*Sheet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sheets[version]
	if !ok {
		return nil, fmt.Errorf("%w: version %q", ErrNotFound, version)
	}
	return s, nil
}

// Versions returns the registered version ids, sorted.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sheets))
	for v := range r.sheets {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered sheets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sheets)
}

// Candidates resolves a candidate version list to sheets. An empty
// list means every registered version. Unknown versions fail with
// ErrNotFound rather than being silently skipped.
func (r *Registry) Candidates(versions []string) ([]*Sheet, error) {
	if len(versions) == 0 {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if len(r.sheets) == 0 {
			return nil, fmt.Errorf("%w: registry is empty", ErrNotFound)
		}
		ids := make([]string, 0, len(r.sheets))
		for v := range r.sheets {
			ids = append(ids, v)
		}
		sort.Strings(ids)
		out := make([]*Sheet, len(ids))
		for i, id := range ids {
			out[i] = r.sheets[id]
		}
		return out, nil
	}

	out := make([]*Sheet, 0, len(versions))
	for _, v := range versions {
		s, err := r.Lookup(v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
