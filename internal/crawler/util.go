package crawler

import (
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SourceBaseName returns the text between the last '/' and the last '.' of
// rawURL, made safe for use in a file name. TabNet form targets carry the
// table file in the query (tabcgi.exe?idb2011/a01.def), so the whole string
// is inspected rather than just the URL path.
func SourceBaseName(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "."); i > 0 {
		s = s[:i]
	}
	s = strings.Trim(invalidFilenameChars.ReplaceAllString(s, "_"), "_.")
	if s == "" {
		return "table"
	}
	return s
}

// SafePathSegment sanitizes one relative path segment.
func SafePathSegment(raw string) string {
	s := strings.Trim(invalidFilenameChars.ReplaceAllString(strings.TrimSpace(raw), "_"), "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
