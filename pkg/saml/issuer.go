package saml

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	dsig "github.com/russellhaering/goxmldsig"
)

// ErrSigning marks failures while signing an issued assertion.
var ErrSigning = errors.New("failed to sign assertion")

const (
	samlAssertionNS = "urn:oasis:names:tc:SAML:2.0:assertion"
	samlProtocolNS  = "urn:oasis:names:tc:SAML:2.0:protocol"

	statusSuccess         = "urn:oasis:names:tc:SAML:2.0:status:Success"
	bearerMethod          = "urn:oasis:names:tc:SAML:2.0:cm:bearer"
	passwordProtectedCtx  = "urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport"
	attributeNameFormatURI = "urn:oasis:names:tc:SAML:2.0:attrname-format:uri"

	// The Canonicalizer prefix list must stay empty; non-empty prefix
	// lists are poorly supported across C14N implementations.
	canonicalizerPrefixList = ""
)

const samlTimeFormat = "2006-01-02T15:04:05Z"

// IssuerOptions configures the proxy's identity-provider role
type IssuerOptions struct {
	// EntityID is the issuer value stamped on responses and assertions
	EntityID string

	// SessionLifetime bounds the assertion validity window and the
	// advertised session duration
	SessionLifetime time.Duration

	// ClockSkew widens the front of the validity window to tolerate
	// client clock drift
	ClockSkew time.Duration

	SignAssertions bool
	NameIDFormat   string
}

// IssueParams carries everything specific to one issued response
type IssueParams struct {
	// InResponseTo is the downstream request ID being answered
	InResponseTo string

	// ACSURL is the response destination and recipient
	ACSURL string

	// AudienceEntityID restricts the assertion to the downstream client
	AudienceEntityID string

	Subject      string
	SessionIndex string

	// Attributes are the already-filtered claims to relay downstream
	Attributes map[string][]string
}

// Issuer builds and signs downstream SAML responses
type Issuer struct {
	opts  IssuerOptions
	keys  *KeyPair
	clock clockwork.Clock
}

// NewIssuer creates an issuer. keys may be nil only when signing is
// disabled.
func NewIssuer(opts IssuerOptions, keys *KeyPair, clock clockwork.Clock) (*Issuer, error) {
	if opts.SignAssertions && keys == nil {
		return nil, fmt.Errorf("signing key pair is required when assertion signing is enabled")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{opts: opts, keys: keys, clock: clock}, nil
}

// IssueResponse builds the SAML response document for one completed
// brokered login
func (i *Issuer) IssueResponse(params IssueParams) ([]byte, error) {
	now := i.clock.Now().UTC()
	notBefore := now.Add(-i.opts.ClockSkew)
	notOnOrAfter := now.Add(i.opts.SessionLifetime)

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	response := doc.CreateElement("samlp:Response")
	response.CreateAttr("xmlns:samlp", samlProtocolNS)
	response.CreateAttr("xmlns:saml", samlAssertionNS)
	response.CreateAttr("ID", generateID())
	response.CreateAttr("Version", "2.0")
	response.CreateAttr("IssueInstant", now.Format(samlTimeFormat))
	response.CreateAttr("Destination", params.ACSURL)
	response.CreateAttr("InResponseTo", params.InResponseTo)

	issuer := response.CreateElement("saml:Issuer")
	issuer.SetText(i.opts.EntityID)

	status := response.CreateElement("samlp:Status")
	statusCode := status.CreateElement("samlp:StatusCode")
	statusCode.CreateAttr("Value", statusSuccess)

	assertion, err := i.buildAssertion(params, now, notBefore, notOnOrAfter)
	if err != nil {
		return nil, err
	}
	response.AddChild(assertion)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize response: %w", err)
	}
	return out, nil
}

func (i *Issuer) buildAssertion(params IssueParams, now, notBefore, notOnOrAfter time.Time) (*etree.Element, error) {
	assertion := etree.NewElement("saml:Assertion")
	// The assertion declares its own namespace so it canonicalizes
	// identically inside the response and on its own during signature
	// verification.
	assertion.CreateAttr("xmlns:saml", samlAssertionNS)
	assertion.CreateAttr("ID", generateID())
	assertion.CreateAttr("Version", "2.0")
	assertion.CreateAttr("IssueInstant", now.Format(samlTimeFormat))

	issuer := assertion.CreateElement("saml:Issuer")
	issuer.SetText(i.opts.EntityID)

	subject := assertion.CreateElement("saml:Subject")
	nameID := subject.CreateElement("saml:NameID")
	if i.opts.NameIDFormat != "" {
		nameID.CreateAttr("Format", i.opts.NameIDFormat)
	}
	nameID.SetText(params.Subject)

	confirmation := subject.CreateElement("saml:SubjectConfirmation")
	confirmation.CreateAttr("Method", bearerMethod)
	confirmationData := confirmation.CreateElement("saml:SubjectConfirmationData")
	confirmationData.CreateAttr("NotOnOrAfter", notOnOrAfter.Format(samlTimeFormat))
	confirmationData.CreateAttr("Recipient", params.ACSURL)
	confirmationData.CreateAttr("InResponseTo", params.InResponseTo)

	conditions := assertion.CreateElement("saml:Conditions")
	conditions.CreateAttr("NotBefore", notBefore.Format(samlTimeFormat))
	conditions.CreateAttr("NotOnOrAfter", notOnOrAfter.Format(samlTimeFormat))
	audienceRestriction := conditions.CreateElement("saml:AudienceRestriction")
	audience := audienceRestriction.CreateElement("saml:Audience")
	audience.SetText(params.AudienceEntityID)

	authnStatement := assertion.CreateElement("saml:AuthnStatement")
	authnStatement.CreateAttr("AuthnInstant", now.Format(samlTimeFormat))
	if params.SessionIndex != "" {
		authnStatement.CreateAttr("SessionIndex", params.SessionIndex)
	}
	authnStatement.CreateAttr("SessionNotOnOrAfter", notOnOrAfter.Format(samlTimeFormat))
	authnContext := authnStatement.CreateElement("saml:AuthnContext")
	classRef := authnContext.CreateElement("saml:AuthnContextClassRef")
	classRef.SetText(passwordProtectedCtx)

	if len(params.Attributes) > 0 {
		assertion.AddChild(buildAttributeStatement(params.Attributes))
	}

	if !i.opts.SignAssertions {
		return assertion, nil
	}
	return i.signAssertion(assertion)
}

func buildAttributeStatement(attributes map[string][]string) *etree.Element {
	statement := etree.NewElement("saml:AttributeStatement")

	names := make([]string, 0, len(attributes))
	for name := range attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		attribute := statement.CreateElement("saml:Attribute")
		attribute.CreateAttr("Name", name)
		attribute.CreateAttr("NameFormat", attributeNameFormatURI)
		for _, value := range attributes[name] {
			attrValue := attribute.CreateElement("saml:AttributeValue")
			attrValue.SetText(value)
		}
	}
	return statement
}

// signAssertion signs the assertion and repositions the signature
// element directly after the Issuer, where the schema requires it.
// The enveloped-signature transform excludes the Signature element
// from the digest, so moving it does not break verification.
func (i *Issuer) signAssertion(assertion *etree.Element) (*etree.Element, error) {
	signingContext := dsig.NewDefaultSigningContext(i.keys.KeyStore())
	signingContext.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(canonicalizerPrefixList)
	if err := signingContext.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	signed, err := signingContext.SignEnveloped(assertion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	children := signed.ChildElements()
	sig := children[len(children)-1]
	signed.RemoveChild(sig)
	signed.InsertChildAt(1, sig)

	return signed, nil
}

func generateID() string {
	return "_" + uuid.NewString()
}
