package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/waterloobae/samlproxy/pkg/access"
)

// StringList accepts either a single scalar or a sequence in YAML, so
// operators can write `groups: http://...` or a list of aliases.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*s = StringList{single}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = StringList(list)
		return nil
	default:
		return fmt.Errorf("expected string or list of strings, got yaml node kind %d", value.Kind)
	}
}

// Client identifies a downstream service provider allowed to use the
// proxy. An empty ACSURLs list accepts whatever consumer URL the
// client's request carries.
type Client struct {
	Name     string     `yaml:"name"`
	EntityID string     `yaml:"entity_id"`
	ACSURLs  StringList `yaml:"acs_urls"`
}

// PolicyDocument is the operator policy file: claim aliasing, access
// control rules, the downstream client allow-list, and the set of raw
// claims exposed to downstream clients.
type PolicyDocument struct {
	AttributeMapping  map[string]StringList `yaml:"attribute_mapping"`
	AccessControl     access.Policy         `yaml:"access_control"`
	Clients           []Client              `yaml:"clients"`
	ExposedAttributes []string              `yaml:"exposed_attributes"`
}

// DefaultAttributeMapping maps canonical profile fields to the claim
// URIs ADFS emits. The groups field carries two aliases because ADFS
// deployments differ on which URI they use.
func DefaultAttributeMapping() map[string]StringList {
	return map[string]StringList{
		"name":       {"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name"},
		"email":      {"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"},
		"first_name": {"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname"},
		"last_name":  {"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname"},
		"groups": {
			"http://schemas.xmlsoap.org/claims/Group",
			"http://schemas.microsoft.com/ws/2008/06/identity/claims/groups",
		},
	}
}

// DefaultPolicy returns the policy used when no policy file is
// configured: default claim mapping, no access restrictions, all
// clients accepted.
func DefaultPolicy() *PolicyDocument {
	return &PolicyDocument{
		AttributeMapping: DefaultAttributeMapping(),
	}
}

// LoadPolicy reads and parses the policy file at path. Canonical
// mapping fields absent from the file keep their defaults.
func LoadPolicy(path string) (*PolicyDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	doc := &PolicyDocument{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	if doc.AttributeMapping == nil {
		doc.AttributeMapping = make(map[string]StringList)
	}
	for field, aliases := range DefaultAttributeMapping() {
		if _, ok := doc.AttributeMapping[field]; !ok {
			doc.AttributeMapping[field] = aliases
		}
	}

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}

	return doc, nil
}

// Validate checks the policy document for inconsistencies
func (d *PolicyDocument) Validate() error {
	for field, aliases := range d.AttributeMapping {
		if len(aliases) == 0 {
			return fmt.Errorf("attribute mapping for %q has no aliases", field)
		}
	}
	seen := make(map[string]bool, len(d.Clients))
	for _, client := range d.Clients {
		if client.EntityID == "" {
			return fmt.Errorf("client %q has no entity_id", client.Name)
		}
		if seen[client.EntityID] {
			return fmt.Errorf("duplicate client entity_id %q", client.EntityID)
		}
		seen[client.EntityID] = true
	}
	return nil
}

// ClientAllowed reports whether a downstream entity ID may use the
// proxy. An empty client list accepts everyone.
func (d *PolicyDocument) ClientAllowed(entityID string) bool {
	if len(d.Clients) == 0 {
		return true
	}
	for _, client := range d.Clients {
		if client.EntityID == entityID {
			return true
		}
	}
	return false
}

// ExposedAttributeSet returns the raw claim names that may be relayed
// downstream. When the operator lists none explicitly, every alias in
// the attribute mapping is exposed.
func (d *PolicyDocument) ExposedAttributeSet() map[string]bool {
	exposed := make(map[string]bool)
	if len(d.ExposedAttributes) > 0 {
		for _, name := range d.ExposedAttributes {
			exposed[name] = true
		}
		return exposed
	}
	for _, aliases := range d.AttributeMapping {
		for _, alias := range aliases {
			exposed[alias] = true
		}
	}
	return exposed
}

// MappingAliases converts the document's mapping to the plain form
// consumed by the claims mapper
func (d *PolicyDocument) MappingAliases() map[string][]string {
	out := make(map[string][]string, len(d.AttributeMapping))
	for field, aliases := range d.AttributeMapping {
		out[field] = append([]string(nil), aliases...)
	}
	return out
}
