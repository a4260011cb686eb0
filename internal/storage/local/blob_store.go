// Package local implements a local filesystem artifact store.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabnet-cells/internal/metrics"
	"github.com/JakeFAU/tabnet-cells/internal/storage"
)

// Config captures the parameters for the local filesystem store.
type Config struct {
	// BaseDir is the root directory where artifacts will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// Logger receives collision renames. Defaults to a no-op logger.
	Logger *zap.Logger `mapstructure:"-" yaml:"-"`
}

// Store writes artifacts to the local filesystem without ever overwriting.
type Store struct {
	baseDir string
	logger  *zap.Logger
	dirLock sync.Map // dir -> *sync.Mutex
}

// New creates a new local filesystem-backed store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	// Check if the directory exists and is writable.
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{baseDir: filepath.Clean(cfg.BaseDir), logger: logger}, nil
}

// BaseDir returns the root directory of the store.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Create writes data under relPath and returns the relative path used. When
// the path is taken the artifact is written as name(n).ext instead. The
// existence check and the create happen under a per-directory lock and with
// O_EXCL, so concurrent writers never clobber each other.
func (s *Store) Create(ctx context.Context, relPath string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("create canceled: %w", err)
	}
	rel, err := storage.CleanRelPath(relPath)
	if err != nil {
		return "", err
	}
	fullPath, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	mu := s.lockFor(dir)
	mu.Lock()
	defer mu.Unlock()

	err = writeExclusive(fullPath, data)
	if err == nil {
		return rel, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return "", err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	stem, ext := storage.SplitName(rel)
	for n := storage.NextSuffix(stem, ext, names); ; n++ {
		candidate := storage.Renamed(rel, n)
		full, err := s.resolve(candidate)
		if err != nil {
			return "", err
		}
		err = writeExclusive(full, data)
		if err == nil {
			metrics.IncArtifactCollisions()
			s.logger.Debug("artifact renamed", zap.String("path", rel), zap.String("renamed", candidate))
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
}

// WriteFile writes data to relPath, replacing any previous content, and
// returns the cleaned relative path. It is used for run-level outputs such as
// the index, not for cell artifacts.
func (s *Store) WriteFile(relPath string, data []byte) (string, error) {
	rel, err := storage.CleanRelPath(relPath)
	if err != nil {
		return "", err
	}
	fullPath, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return rel, nil
}

func (s *Store) resolve(rel string) (string, error) {
	fullPath := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(rel)))
	// Verify the path stays within baseDir to prevent path traversal.
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path traversal detected", storage.ErrInvalidPath)
	}
	return fullPath, nil
}

func (s *Store) lockFor(dir string) *sync.Mutex {
	mu, _ := s.dirLock.LoadOrStore(dir, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func writeExclusive(fullPath string, data []byte) error {
	// #nosec G304 -- fullPath is validated against baseDir by resolve.
	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return err
		}
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}
