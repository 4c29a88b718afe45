// Package metadata fetches and caches upstream identity provider
// metadata. Resolution order is cache, then HTTP fetch, then a local
// fallback file; documents are round-trip validated before use.
// Concurrent cache misses for the same URL collapse into a single
// fetch.
package metadata
