// Package claims maps raw SAML attribute statements to a canonical
// user profile. Upstream identity providers disagree on claim URIs, so
// each canonical field resolves through an ordered list of aliases;
// the first alias with a non-empty value wins. Group values arriving
// in LDAP distinguished-name form are reduced to their CN.
package claims
