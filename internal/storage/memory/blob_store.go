// Package memory stores artifacts in-memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/tabnet-cells/internal/metrics"
	"github.com/JakeFAU/tabnet-cells/internal/storage"
)

// Store keeps artifacts in a map keyed by relative path. It applies the
// same rename-on-collision rule as the filesystem store.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Create persists the content and returns the relative path used.
func (s *Store) Create(ctx context.Context, relPath string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("create canceled: %w", err)
	}
	rel, err := storage.CleanRelPath(relPath)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := rel
	if _, taken := s.data[rel]; taken {
		stem, ext := storage.SplitName(rel)
		target = storage.Renamed(rel, storage.NextSuffix(stem, ext, s.siblingsLocked(path.Dir(rel))))
		metrics.IncArtifactCollisions()
	}
	s.data[target] = append([]byte(nil), data...)
	return target, nil
}

// Get returns a copy of the stored artifact.
func (s *Store) Get(relPath string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[relPath]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Paths lists stored paths in lexical order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.data))
	for p := range s.data {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Store) siblingsLocked(dir string) []string {
	var names []string
	for p := range s.data {
		if path.Dir(p) == dir {
			names = append(names, strings.TrimPrefix(p, dir+"/"))
		}
	}
	return names
}

// WriteFile stores data at relPath, replacing any previous content.
func (s *Store) WriteFile(relPath string, data []byte) (string, error) {
	rel, err := storage.CleanRelPath(relPath)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[rel] = append([]byte(nil), data...)
	return rel, nil
}
