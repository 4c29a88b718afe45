package saml

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAuthnRequest(id string) string {
	return fmt.Sprintf(`<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
  xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
  ID=%q Version="2.0" IssueInstant="2026-08-31T12:00:00Z"
  AssertionConsumerServiceURL="https://portal.example.edu/saml/acs">
  <saml:Issuer>https://portal.example.edu</saml:Issuer>
</samlp:AuthnRequest>`, id)
}

func TestParseAuthnRequestRedirectBinding(t *testing.T) {
	encoded := deflateEncode(t, sampleAuthnRequest("_req1"))

	req, err := ParseAuthnRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, "_req1", req.ID)
	assert.Equal(t, "https://portal.example.edu", req.Issuer)
	assert.Equal(t, "https://portal.example.edu/saml/acs", req.AssertionConsumerServiceURL)
}

func TestParseAuthnRequestPostBinding(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(sampleAuthnRequest("_req2")))

	req, err := ParseAuthnRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, "_req2", req.ID)
}

func TestParseAuthnRequestMissing(t *testing.T) {
	_, err := ParseAuthnRequest("")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestParseAuthnRequestBadBase64(t *testing.T) {
	_, err := ParseAuthnRequest("!!! not base64 !!!")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestParseAuthnRequestNotXML(t *testing.T) {
	_, err := ParseAuthnRequest(base64.StdEncoding.EncodeToString([]byte("this is not xml")))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestParseAuthnRequestMissingID(t *testing.T) {
	xml := `<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
  xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
  Version="2.0" AssertionConsumerServiceURL="https://portal.example.edu/saml/acs">
  <saml:Issuer>https://portal.example.edu</saml:Issuer>
</samlp:AuthnRequest>`
	_, err := ParseAuthnRequest(base64.StdEncoding.EncodeToString([]byte(xml)))
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "no ID")
}

func TestParseAuthnRequestMissingIssuer(t *testing.T) {
	xml := `<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
  ID="_x" Version="2.0" AssertionConsumerServiceURL="https://portal.example.edu/saml/acs">
</samlp:AuthnRequest>`
	_, err := ParseAuthnRequest(base64.StdEncoding.EncodeToString([]byte(xml)))
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "no Issuer")
}

func TestParseAuthnRequestMissingACS(t *testing.T) {
	xml := `<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
  xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_x" Version="2.0">
  <saml:Issuer>https://portal.example.edu</saml:Issuer>
</samlp:AuthnRequest>`
	_, err := ParseAuthnRequest(base64.StdEncoding.EncodeToString([]byte(xml)))
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "AssertionConsumerServiceURL")
}

func TestParseAuthnRequestWrongVersion(t *testing.T) {
	xml := `<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
  xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
  ID="_x" Version="1.1" AssertionConsumerServiceURL="https://portal.example.edu/saml/acs">
  <saml:Issuer>https://portal.example.edu</saml:Issuer>
</samlp:AuthnRequest>`
	_, err := ParseAuthnRequest(base64.StdEncoding.EncodeToString([]byte(xml)))
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "unsupported SAML version")
}
