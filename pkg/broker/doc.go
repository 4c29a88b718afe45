// Package broker implements the federation proxy core: ingesting
// downstream authentication requests, relaying them upstream with a
// correlation token, validating the upstream assertion, applying
// access control, and issuing the signed downstream response.
package broker
