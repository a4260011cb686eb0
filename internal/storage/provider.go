// Package storage holds the naming rules shared by artifact store backends.
// Stores never overwrite: a colliding artifact is written as name(n).ext,
// where n is one more than the largest suffix already present.
package storage

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidPath is returned for empty, absolute or escaping relative paths.
var ErrInvalidPath = errors.New("invalid artifact path")

// CleanRelPath validates a slash-separated relative path and returns its clean form.
func CleanRelPath(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidPath)
	}
	if strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: path traversal detected in %q", ErrInvalidPath, rel)
	}
	return clean, nil
}

// SplitName splits "dir/name.ext" into its stem "name" and extension ".ext".
func SplitName(rel string) (stem, ext string) {
	base := path.Base(rel)
	ext = path.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

// NextSuffix returns 1 + the largest n among names of the form stem(n)ext.
func NextSuffix(stem, ext string, names []string) int {
	pat := regexp.MustCompile("^" + regexp.QuoteMeta(stem) + `\((\d+)\)` + regexp.QuoteMeta(ext) + "$")
	maxN := 0
	for _, name := range names {
		m := pat.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > maxN {
			maxN = n
		}
	}
	return maxN + 1
}

// Renamed returns the sibling path dir/stem(n)ext.
func Renamed(rel string, n int) string {
	stem, ext := SplitName(rel)
	return path.Join(path.Dir(rel), fmt.Sprintf("%s(%d)%s", stem, n, ext))
}
