// Package progress carries harvest milestones from the discovery workers to
// pluggable sinks. Emit never blocks; a background goroutine batches events
// and flushes them by size or by time.
package progress
