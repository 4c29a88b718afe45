package claims

import (
	"regexp"
	"strings"
	"sync"
)

// FederatedIdentity is the validated result of an upstream login: the
// subject, the upstream session, and the raw attribute statement.
type FederatedIdentity struct {
	SubjectID    string
	SessionIndex string
	Attributes   map[string][]string
}

// Profile is the canonical view of a federated identity after alias
// resolution and group normalization.
type Profile struct {
	Fields map[string]string
	Groups []string
}

// Email returns the canonical email field
func (p Profile) Email() string {
	return p.Fields["email"]
}

// Department returns the canonical department field
func (p Profile) Department() string {
	return p.Fields["department"]
}

// dnPattern matches group values in distinguished-name form, e.g.
// "CN=Faculty,OU=Groups,DC=example,DC=edu".
var dnPattern = regexp.MustCompile(`^CN=([^,]+),`)

// NormalizeGroup reduces a DN-form group value to its CN. Values not
// in DN form pass through unchanged.
func NormalizeGroup(raw string) string {
	if m := dnPattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return raw
}

// NormalizeGroups normalizes every group value and drops duplicates,
// preserving first-seen order.
func NormalizeGroups(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, g := range raw {
		clean := NormalizeGroup(g)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		out = append(out, clean)
	}
	return out
}

// Mapper resolves canonical profile fields through alias lists. It is
// safe for concurrent use; SetAliases swaps the mapping atomically on
// policy reload.
type Mapper struct {
	mu      sync.RWMutex
	aliases map[string][]string
}

// NewMapper creates a mapper with the given canonical-field alias lists
func NewMapper(aliases map[string][]string) *Mapper {
	return &Mapper{aliases: copyAliases(aliases)}
}

// SetAliases replaces the alias mapping
func (m *Mapper) SetAliases(aliases map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aliases = copyAliases(aliases)
}

func copyAliases(aliases map[string][]string) map[string][]string {
	out := make(map[string][]string, len(aliases))
	for field, list := range aliases {
		out[field] = append([]string(nil), list...)
	}
	return out
}

// Resolve returns the raw values of the first alias of field carrying
// a non-empty value, or nil if no alias matches.
func (m *Mapper) Resolve(identity FederatedIdentity, field string) []string {
	m.mu.RLock()
	aliases := m.aliases[field]
	m.mu.RUnlock()

	for _, alias := range aliases {
		if values, ok := identity.Attributes[alias]; ok && len(values) > 0 {
			nonEmpty := make([]string, 0, len(values))
			for _, v := range values {
				if strings.TrimSpace(v) != "" {
					nonEmpty = append(nonEmpty, v)
				}
			}
			if len(nonEmpty) > 0 {
				return nonEmpty
			}
		}
	}
	return nil
}

// Map builds the canonical profile for a federated identity
func (m *Mapper) Map(identity FederatedIdentity) Profile {
	m.mu.RLock()
	fields := make([]string, 0, len(m.aliases))
	for field := range m.aliases {
		fields = append(fields, field)
	}
	m.mu.RUnlock()

	profile := Profile{Fields: make(map[string]string)}
	for _, field := range fields {
		values := m.Resolve(identity, field)
		if len(values) == 0 {
			continue
		}
		if field == "groups" {
			profile.Groups = NormalizeGroups(values)
			continue
		}
		profile.Fields[field] = values[0]
	}
	return profile
}
