package saml

import (
	"fmt"

	"github.com/beevik/etree"
)

const (
	metadataNS = "urn:oasis:names:tc:SAML:2.0:metadata"
	dsigNS     = "http://www.w3.org/2000/09/xmldsig#"

	postBinding     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	redirectBinding = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
)

// EndpointDescriptor describes one metadata document to build
type EndpointDescriptor struct {
	EntityID string

	// SSOURL is required for IdP metadata, ACSURL for SP metadata
	SSOURL string
	ACSURL string
	SLSURL string

	NameIDFormat string

	// CertificateBase64 is the base64 DER signing certificate; empty
	// omits the KeyDescriptor
	CertificateBase64 string
}

// BuildIDPMetadata renders the metadata document for the proxy's
// identity-provider role, consumed by downstream clients.
func BuildIDPMetadata(desc EndpointDescriptor) ([]byte, error) {
	doc, entity := newEntityDescriptor(desc.EntityID)

	role := entity.CreateElement("md:IDPSSODescriptor")
	role.CreateAttr("protocolSupportEnumeration", samlProtocolNS)
	addKeyDescriptor(role, desc.CertificateBase64)
	addNameIDFormat(role, desc.NameIDFormat)

	if desc.SLSURL != "" {
		sls := role.CreateElement("md:SingleLogoutService")
		sls.CreateAttr("Binding", redirectBinding)
		sls.CreateAttr("Location", desc.SLSURL)
	}

	sso := role.CreateElement("md:SingleSignOnService")
	sso.CreateAttr("Binding", redirectBinding)
	sso.CreateAttr("Location", desc.SSOURL)
	ssoPost := role.CreateElement("md:SingleSignOnService")
	ssoPost.CreateAttr("Binding", postBinding)
	ssoPost.CreateAttr("Location", desc.SSOURL)

	return writeMetadata(doc)
}

// BuildSPMetadata renders the metadata document for the proxy's
// service-provider role, consumed by the upstream identity provider.
func BuildSPMetadata(desc EndpointDescriptor) ([]byte, error) {
	doc, entity := newEntityDescriptor(desc.EntityID)

	role := entity.CreateElement("md:SPSSODescriptor")
	role.CreateAttr("protocolSupportEnumeration", samlProtocolNS)
	role.CreateAttr("AuthnRequestsSigned", "false")
	role.CreateAttr("WantAssertionsSigned", "true")
	addKeyDescriptor(role, desc.CertificateBase64)
	addNameIDFormat(role, desc.NameIDFormat)

	if desc.SLSURL != "" {
		sls := role.CreateElement("md:SingleLogoutService")
		sls.CreateAttr("Binding", redirectBinding)
		sls.CreateAttr("Location", desc.SLSURL)
	}

	acs := role.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", postBinding)
	acs.CreateAttr("Location", desc.ACSURL)
	acs.CreateAttr("index", "0")
	acs.CreateAttr("isDefault", "true")

	return writeMetadata(doc)
}

func newEntityDescriptor(entityID string) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	entity := doc.CreateElement("md:EntityDescriptor")
	entity.CreateAttr("xmlns:md", metadataNS)
	entity.CreateAttr("entityID", entityID)
	return doc, entity
}

func addKeyDescriptor(role *etree.Element, certBase64 string) {
	if certBase64 == "" {
		return
	}
	key := role.CreateElement("md:KeyDescriptor")
	key.CreateAttr("use", "signing")
	keyInfo := key.CreateElement("ds:KeyInfo")
	keyInfo.CreateAttr("xmlns:ds", dsigNS)
	data := keyInfo.CreateElement("ds:X509Data")
	cert := data.CreateElement("ds:X509Certificate")
	cert.SetText(certBase64)
}

func addNameIDFormat(role *etree.Element, format string) {
	if format == "" {
		return
	}
	el := role.CreateElement("md:NameIDFormat")
	el.SetText(format)
}

func writeMetadata(doc *etree.Document) ([]byte, error) {
	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize metadata: %w", err)
	}
	return out, nil
}
