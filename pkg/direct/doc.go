// Package direct implements the service's own upstream login: a user
// authenticates against the upstream identity provider and gets a
// local session, without a downstream service provider involved. The
// assertion consumer endpoint is shared with the proxy flow and
// dispatches on the relay state.
package direct
