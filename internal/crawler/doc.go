// Package crawler holds the types, interfaces and shared primitives used by the
// TabNet harvester: request descriptors, reports, cells, provenance, the
// visited set, and the error classes each subsystem reports.
package crawler
