package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPolicyMergesDefaults(t *testing.T) {
	path := writePolicyFile(t, `
attribute_mapping:
  department: urn:example:department
access_control:
  group_restriction_enabled: true
  required_groups:
    - Faculty
`)

	doc, err := LoadPolicy(path)
	require.NoError(t, err)

	// Operator additions sit beside the default claim URIs.
	assert.Equal(t, StringList{"urn:example:department"}, doc.AttributeMapping["department"])
	assert.Equal(t,
		StringList{"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"},
		doc.AttributeMapping["email"])
	assert.Len(t, doc.AttributeMapping["groups"], 2)

	assert.True(t, doc.AccessControl.GroupRestrictionEnabled)
	assert.Equal(t, []string{"Faculty"}, doc.AccessControl.RequiredGroups)
}

func TestStringListAcceptsScalarOrSequence(t *testing.T) {
	path := writePolicyFile(t, `
attribute_mapping:
  email: mail
  groups:
    - urn:example:groups
    - urn:example:memberOf
`)

	doc, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, StringList{"mail"}, doc.AttributeMapping["email"])
	assert.Equal(t, StringList{"urn:example:groups", "urn:example:memberOf"}, doc.AttributeMapping["groups"])
}

func TestLoadPolicyRejectsClientWithoutEntityID(t *testing.T) {
	path := writePolicyFile(t, `
clients:
  - name: research portal
`)

	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity_id")
}

func TestLoadPolicyRejectsDuplicateClients(t *testing.T) {
	path := writePolicyFile(t, `
clients:
  - entity_id: https://portal.example.edu
  - entity_id: https://portal.example.edu
`)

	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate client")
}

func TestClientAllowed(t *testing.T) {
	doc := DefaultPolicy()
	assert.True(t, doc.ClientAllowed("https://anyone.example.edu"))

	doc.Clients = []Client{{EntityID: "https://portal.example.edu"}}
	assert.True(t, doc.ClientAllowed("https://portal.example.edu"))
	assert.False(t, doc.ClientAllowed("https://other.example.edu"))
}

func TestExposedAttributeSetDefaultsToMappingAliases(t *testing.T) {
	doc := DefaultPolicy()
	exposed := doc.ExposedAttributeSet()

	assert.True(t, exposed["http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"])
	assert.True(t, exposed["http://schemas.microsoft.com/ws/2008/06/identity/claims/groups"])
	assert.False(t, exposed["urn:example:secret"])
}

func TestExposedAttributeSetExplicit(t *testing.T) {
	doc := DefaultPolicy()
	doc.ExposedAttributes = []string{"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"}

	exposed := doc.ExposedAttributeSet()
	assert.Len(t, exposed, 1)
	assert.True(t, exposed["http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"])
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
