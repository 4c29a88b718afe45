// Package correlation stores pending downstream authentication
// requests between ingest and the upstream callback. Entries are
// consumed exactly once: Take removes the entry it returns, so two
// callbacks racing on the same request ID produce at most one issued
// response. Entries not consumed within their lifetime expire.
package correlation
