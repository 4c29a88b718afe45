package saml

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIssuer(t *testing.T, sign bool, clock clockwork.Clock) (*Issuer, *KeyPair) {
	t.Helper()
	keys := newTestKeyPair(t)
	issuer, err := NewIssuer(IssuerOptions{
		EntityID:        "https://sso.example.edu/proxy",
		SessionLifetime: time.Hour,
		ClockSkew:       time.Minute,
		SignAssertions:  sign,
		NameIDFormat:    "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified",
	}, keys, clock)
	require.NoError(t, err)
	return issuer, keys
}

func testIssueParams() IssueParams {
	return IssueParams{
		InResponseTo:     "_req42",
		ACSURL:           "https://portal.example.edu/saml/acs",
		AudienceEntityID: "https://portal.example.edu",
		Subject:          "jdoe@example.edu",
		SessionIndex:     "_session9",
		Attributes: map[string][]string{
			"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress": {"jdoe@example.edu"},
			"http://schemas.xmlsoap.org/claims/Group":                            {"Faculty", "Math"},
		},
	}
}

func parseResponse(t *testing.T, responseXML []byte) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(responseXML))
	return doc
}

func TestIssueResponseStructure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	issuer, _ := testIssuer(t, false, clock)

	out, err := issuer.IssueResponse(testIssueParams())
	require.NoError(t, err)

	doc := parseResponse(t, out)
	response := doc.Root()
	require.NotNil(t, response)

	assert.Equal(t, "_req42", response.SelectAttrValue("InResponseTo", ""))
	assert.Equal(t, "https://portal.example.edu/saml/acs", response.SelectAttrValue("Destination", ""))
	assert.Equal(t, "2.0", response.SelectAttrValue("Version", ""))
	assert.Equal(t, "2026-08-31T12:00:00Z", response.SelectAttrValue("IssueInstant", ""))

	statusCode := doc.FindElement("//StatusCode")
	require.NotNil(t, statusCode)
	assert.Equal(t, statusSuccess, statusCode.SelectAttrValue("Value", ""))

	issuerEl := doc.FindElement("/Response/Issuer")
	require.NotNil(t, issuerEl)
	assert.Equal(t, "https://sso.example.edu/proxy", issuerEl.Text())
}

func TestIssueResponseValidityWindow(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	issuer, _ := testIssuer(t, false, clock)

	out, err := issuer.IssueResponse(testIssueParams())
	require.NoError(t, err)

	doc := parseResponse(t, out)
	conditions := doc.FindElement("//Conditions")
	require.NotNil(t, conditions)
	assert.Equal(t, "2026-08-31T11:59:00Z", conditions.SelectAttrValue("NotBefore", ""))
	assert.Equal(t, "2026-08-31T13:00:00Z", conditions.SelectAttrValue("NotOnOrAfter", ""))

	audience := doc.FindElement("//Audience")
	require.NotNil(t, audience)
	assert.Equal(t, "https://portal.example.edu", audience.Text())
}

func TestIssueResponseSubjectConfirmation(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	issuer, _ := testIssuer(t, false, clock)

	out, err := issuer.IssueResponse(testIssueParams())
	require.NoError(t, err)

	doc := parseResponse(t, out)

	nameID := doc.FindElement("//NameID")
	require.NotNil(t, nameID)
	assert.Equal(t, "jdoe@example.edu", nameID.Text())
	assert.Equal(t, "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified", nameID.SelectAttrValue("Format", ""))

	confirmation := doc.FindElement("//SubjectConfirmation")
	require.NotNil(t, confirmation)
	assert.Equal(t, bearerMethod, confirmation.SelectAttrValue("Method", ""))

	data := doc.FindElement("//SubjectConfirmationData")
	require.NotNil(t, data)
	assert.Equal(t, "_req42", data.SelectAttrValue("InResponseTo", ""))
	assert.Equal(t, "https://portal.example.edu/saml/acs", data.SelectAttrValue("Recipient", ""))
	assert.Equal(t, "2026-08-31T13:00:00Z", data.SelectAttrValue("NotOnOrAfter", ""))
}

func TestIssueResponseAttributes(t *testing.T) {
	issuer, _ := testIssuer(t, false, clockwork.NewFakeClock())

	out, err := issuer.IssueResponse(testIssueParams())
	require.NoError(t, err)

	doc := parseResponse(t, out)
	attrs := doc.FindElements("//Attribute")
	require.Len(t, attrs, 2)

	groupAttr := doc.FindElement(`//Attribute[@Name='http://schemas.xmlsoap.org/claims/Group']`)
	require.NotNil(t, groupAttr)
	values := groupAttr.FindElements("AttributeValue")
	require.Len(t, values, 2)
	assert.Equal(t, "Faculty", values[0].Text())
	assert.Equal(t, "Math", values[1].Text())
}

func TestIssueResponseSessionIndex(t *testing.T) {
	issuer, _ := testIssuer(t, false, clockwork.NewFakeClock())

	out, err := issuer.IssueResponse(testIssueParams())
	require.NoError(t, err)

	doc := parseResponse(t, out)
	authnStatement := doc.FindElement("//AuthnStatement")
	require.NotNil(t, authnStatement)
	assert.Equal(t, "_session9", authnStatement.SelectAttrValue("SessionIndex", ""))
}

func TestIssueResponseSignaturePlacement(t *testing.T) {
	issuer, _ := testIssuer(t, true, clockwork.NewRealClock())

	out, err := issuer.IssueResponse(testIssueParams())
	require.NoError(t, err)

	doc := parseResponse(t, out)
	assertion := doc.FindElement("//Assertion")
	require.NotNil(t, assertion)

	children := assertion.ChildElements()
	require.Greater(t, len(children), 2)
	assert.Equal(t, "Issuer", children[0].Tag)
	assert.Equal(t, "Signature", children[1].Tag)
}

func TestIssueResponseSignatureVerifies(t *testing.T) {
	issuer, keys := testIssuer(t, true, clockwork.NewRealClock())

	out, err := issuer.IssueResponse(testIssueParams())
	require.NoError(t, err)

	doc := parseResponse(t, out)
	assertion := doc.FindElement("//Assertion")
	require.NotNil(t, assertion)

	validationCtx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{keys.Certificate},
	})
	_, err = validationCtx.Validate(assertion)
	assert.NoError(t, err)
}

func TestIssueResponseUnsigned(t *testing.T) {
	issuer, err := NewIssuer(IssuerOptions{
		EntityID:        "https://sso.example.edu/proxy",
		SessionLifetime: time.Hour,
	}, nil, clockwork.NewFakeClock())
	require.NoError(t, err)

	out, err := issuer.IssueResponse(testIssueParams())
	require.NoError(t, err)

	doc := parseResponse(t, out)
	assert.Nil(t, doc.FindElement("//Signature"))
}

func TestNewIssuerSigningRequiresKeys(t *testing.T) {
	_, err := NewIssuer(IssuerOptions{SignAssertions: true}, nil, nil)
	assert.Error(t, err)
}
