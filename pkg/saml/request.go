package saml

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	xrv "github.com/mattermost/xml-roundtrip-validator"
)

// ErrInvalidRequest marks downstream authentication requests that
// cannot be parsed or fail validation.
var ErrInvalidRequest = errors.New("invalid authentication request")

// maxRequestSize bounds the decoded AuthnRequest
const maxRequestSize = 1 << 20

// AuthnRequest is the subset of a downstream SAML AuthnRequest the
// proxy needs to relay and answer it.
type AuthnRequest struct {
	XMLName                     xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol AuthnRequest"`
	ID                          string   `xml:"ID,attr"`
	Version                     string   `xml:"Version,attr"`
	IssueInstant                string   `xml:"IssueInstant,attr"`
	AssertionConsumerServiceURL string   `xml:"AssertionConsumerServiceURL,attr"`
	Issuer                      string   `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
}

// ParseAuthnRequest decodes a SAMLRequest parameter. Redirect-binding
// requests arrive deflated; POST-binding requests are plain base64.
// Both are tried.
func ParseAuthnRequest(encoded string) (*AuthnRequest, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: missing SAMLRequest parameter", ErrInvalidRequest)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: SAMLRequest is not valid base64: %v", ErrInvalidRequest, err)
	}

	decoded, err := inflate(raw)
	if err != nil {
		// Not deflated, assume the POST binding's plain encoding.
		decoded = raw
	}

	if err := xrv.Validate(bytes.NewReader(decoded)); err != nil {
		return nil, fmt.Errorf("%w: request failed round-trip validation: %v", ErrInvalidRequest, err)
	}

	req := &AuthnRequest{}
	if err := xml.Unmarshal(decoded, req); err != nil {
		return nil, fmt.Errorf("%w: failed to parse request XML: %v", ErrInvalidRequest, err)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func inflate(raw []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(raw))
	defer reader.Close()

	decoded, err := io.ReadAll(io.LimitReader(reader, maxRequestSize))
	if err != nil {
		return nil, err
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("empty deflate stream")
	}
	return decoded, nil
}

// Validate checks the fields the proxy depends on
func (r *AuthnRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: request has no ID", ErrInvalidRequest)
	}
	if r.Version != "2.0" {
		return fmt.Errorf("%w: unsupported SAML version %q", ErrInvalidRequest, r.Version)
	}
	if r.Issuer == "" {
		return fmt.Errorf("%w: request has no Issuer", ErrInvalidRequest)
	}
	if r.AssertionConsumerServiceURL == "" {
		return fmt.Errorf("%w: request has no AssertionConsumerServiceURL", ErrInvalidRequest)
	}
	return nil
}
