// Package saml implements the wire-level SAML 2.0 pieces of the
// proxy: parsing downstream authentication requests, encoding the
// relay-state token that survives the upstream round trip, issuing
// signed responses, and the service-provider client for the upstream
// identity provider.
package saml
