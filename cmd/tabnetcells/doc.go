// Command tabnetcells harvests TabNet statistical tables into one HTML
// artifact per data cell.
//
// Usage:
//
//	tabnetcells [--config file] [--root-url url] [--dev] <output-dir>
//
// Every config key can also be set through TABNET_* environment variables,
// e.g. TABNET_CRAWLER_MAX_LEVEL=3.
package main
