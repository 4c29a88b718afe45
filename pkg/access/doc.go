// Package access evaluates authorization policy over canonical user
// profiles. Checks run in a fixed order: whitelist, blocked groups,
// required groups, department. The whitelist short-circuits: a
// whitelisted user is authorized regardless of later checks, and when
// a non-empty whitelist is enabled, everyone else is denied.
package access
