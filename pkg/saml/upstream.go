package saml

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/waterloobae/samlproxy/pkg/claims"
)

// ErrUpstreamAuth marks upstream responses that fail validation.
var ErrUpstreamAuth = errors.New("upstream authentication failed")

// UpstreamOptions configures the service-provider client talking to
// the upstream identity provider
type UpstreamOptions struct {
	IDPSSOURL string
	IDPIssuer string
	IDPSLSURL string

	// SPIssuer is our entity ID as seen by the upstream IdP
	SPIssuer string
	ACSURL   string

	// AudienceURI is the audience the upstream restricts assertions
	// to, usually the same as SPIssuer
	AudienceURI string

	NameIDFormat string
	SignRequests bool
}

// UpstreamClient wraps the gosaml2 service provider for the upstream
// identity provider
type UpstreamClient struct {
	opts UpstreamOptions
	sp   *saml2.SAMLServiceProvider
}

// NewUpstreamClient creates a client validating upstream responses
// against the given base64 DER signing certificates. With no
// certificates available, signature validation is skipped; callers
// should treat that as a degraded configuration and log it.
func NewUpstreamClient(opts UpstreamOptions, signingCerts []string, keys *KeyPair) (*UpstreamClient, error) {
	certStore := &dsig.MemoryX509CertificateStore{}
	for _, encoded := range signingCerts {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode IdP certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse IdP certificate: %w", err)
		}
		certStore.Roots = append(certStore.Roots, cert)
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      opts.IDPSSOURL,
		IdentityProviderIssuer:      opts.IDPIssuer,
		ServiceProviderIssuer:       opts.SPIssuer,
		AssertionConsumerServiceURL: opts.ACSURL,
		SignAuthnRequests:           opts.SignRequests,
		AudienceURI:                 opts.AudienceURI,
		IDPCertificateStore:         certStore,
		SkipSignatureValidation:     len(certStore.Roots) == 0,
	}
	if opts.AudienceURI == "" {
		sp.AudienceURI = opts.SPIssuer
	}
	if opts.NameIDFormat != "" {
		sp.NameIdFormat = opts.NameIDFormat
	}
	if keys != nil {
		sp.SPKeyStore = keys.KeyStore()
	}

	return &UpstreamClient{opts: opts, sp: sp}, nil
}

// ValidatesSignatures reports whether upstream responses are checked
// against a known certificate
func (c *UpstreamClient) ValidatesSignatures() bool {
	return !c.sp.SkipSignatureValidation
}

// AuthURL builds the redirect URL initiating an upstream login,
// carrying relayState through the round trip
func (c *UpstreamClient) AuthURL(relayState string) (string, error) {
	authURL, err := c.sp.BuildAuthURL(relayState)
	if err != nil {
		return "", fmt.Errorf("failed to build upstream auth URL: %w", err)
	}
	return authURL, nil
}

// ParseResponse validates a base64 SAMLResponse from the upstream IdP
// and extracts the federated identity
func (c *UpstreamClient) ParseResponse(samlResponse string) (claims.FederatedIdentity, error) {
	assertionInfo, err := c.sp.RetrieveAssertionInfo(samlResponse)
	if err != nil {
		return claims.FederatedIdentity{}, fmt.Errorf("%w: %v", ErrUpstreamAuth, err)
	}

	if assertionInfo.WarningInfo != nil {
		if assertionInfo.WarningInfo.InvalidTime {
			return claims.FederatedIdentity{}, fmt.Errorf("%w: assertion outside its validity window", ErrUpstreamAuth)
		}
		if assertionInfo.WarningInfo.NotInAudience {
			return claims.FederatedIdentity{}, fmt.Errorf("%w: assertion not addressed to this service", ErrUpstreamAuth)
		}
	}

	if assertionInfo.NameID == "" {
		return claims.FederatedIdentity{}, fmt.Errorf("%w: assertion has no subject", ErrUpstreamAuth)
	}

	identity := claims.FederatedIdentity{
		SubjectID:    assertionInfo.NameID,
		SessionIndex: assertionInfo.SessionIndex,
		Attributes:   make(map[string][]string, len(assertionInfo.Values)),
	}
	for _, attr := range assertionInfo.Values {
		for _, value := range attr.Values {
			identity.Attributes[attr.Name] = append(identity.Attributes[attr.Name], value.Value)
		}
	}
	return identity, nil
}

// LogoutURL builds the redirect URL terminating the upstream session.
// Returns empty when the upstream advertises no logout endpoint.
func (c *UpstreamClient) LogoutURL(sessionIndex string) (string, error) {
	if c.opts.IDPSLSURL == "" {
		return "", nil
	}

	logoutRequestXML := fmt.Sprintf(`<?xml version="1.0"?>
<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
                     xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
                     ID="%s"
                     Version="2.0"
                     IssueInstant="%s"
                     Destination="%s">
  <saml:Issuer>%s</saml:Issuer>
  <saml:NameID Format="urn:oasis:names:tc:SAML:2.0:nameid-format:transient"></saml:NameID>
  <samlp:SessionIndex>%s</samlp:SessionIndex>
</samlp:LogoutRequest>`,
		generateID(),
		time.Now().UTC().Format(samlTimeFormat),
		c.opts.IDPSLSURL,
		c.opts.SPIssuer,
		sessionIndex)

	logoutURL, err := url.Parse(c.opts.IDPSLSURL)
	if err != nil {
		return "", fmt.Errorf("invalid upstream logout URL: %w", err)
	}
	query := logoutURL.Query()
	query.Set("SAMLRequest", base64.StdEncoding.EncodeToString([]byte(logoutRequestXML)))
	logoutURL.RawQuery = query.Encode()
	return logoutURL.String(), nil
}
