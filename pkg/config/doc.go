// Package config loads the proxy configuration.
//
// Process-level settings (ports, key material, upstream IdP endpoints,
// store backends) come from environment variables with the SAMLPROXY_
// prefix. Operator policy (attribute mapping, access control, client
// allow-list, exposed attributes) lives in a YAML policy file that can
// be hot-reloaded without restarting the process.
package config
