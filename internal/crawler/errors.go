package crawler

import "errors"

// Error classes. Callers wrap these with context and test with errors.Is.
var (
	// ErrTransport marks a failed fetch: unreachable host or non-success status.
	ErrTransport = errors.New("transport failure")
	// ErrMarkup marks a page missing an expected anchor, form or field attribute.
	ErrMarkup = errors.New("unexpected markup")
	// ErrParse marks a tabular export that violates the report grammar.
	ErrParse = errors.New("report parse failure")
	// ErrMaterialize marks a failure to derive or write a cell artifact.
	ErrMaterialize = errors.New("materialization failure")
	// ErrRootFetch is returned when the crawl cannot start at all.
	ErrRootFetch = errors.New("root fetch failed")
)
