// Package audit records the security-relevant events of the proxy:
// brokered logins, access control decisions, and issued assertions.
// Events fan out to any combination of a JSON-lines file and a
// PostgreSQL table. Audit failures never block the authentication
// path; callers log and continue.
package audit
