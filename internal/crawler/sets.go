package crawler

import (
	"sort"
	"sync"
)

// VisitKey identifies a request for deduplication. Discovery only marks GET
// keys: POST descriptors bypass the set, since each form body is a distinct
// query even when several forms share one action URL. HasBody keeps the key
// shape of (URL, has-body) so a POST key can never shadow a GET of the same URL.
type VisitKey struct {
	URL     string
	HasBody bool
}

// VisitedSet provides thread-safe visited tracking to prevent revisits.
type VisitedSet struct {
	seen sync.Map
}

// NewVisitedSet returns an empty set scoped to one crawl run.
func NewVisitedSet() *VisitedSet {
	return &VisitedSet{}
}

// MarkIfNew stores the key if it has not been seen before and returns true.
func (s *VisitedSet) MarkIfNew(key VisitKey) bool {
	if key.URL == "" {
		return false
	}
	_, loaded := s.seen.LoadOrStore(key, struct{}{})
	return !loaded
}

// PathSet collects artifact paths from concurrent workers.
type PathSet struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// NewPathSet returns an empty PathSet.
func NewPathSet() *PathSet {
	return &PathSet{paths: make(map[string]struct{})}
}

// Add records paths in the set.
func (s *PathSet) Add(paths ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		if p != "" {
			s.paths[p] = struct{}{}
		}
	}
}

// Sorted returns the paths in lexical order.
func (s *PathSet) Sorted() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}
