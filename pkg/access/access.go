package access

import (
	"fmt"
	"strings"
	"sync"

	"github.com/waterloobae/samlproxy/pkg/claims"
	"github.com/waterloobae/samlproxy/pkg/observability"
)

// Policy holds the access control rules. Group and department
// comparisons are case-insensitive.
type Policy struct {
	WhitelistEnabled bool     `yaml:"whitelist_enabled"`
	WhitelistEmails  []string `yaml:"whitelist_emails"`

	GroupRestrictionEnabled bool     `yaml:"group_restriction_enabled"`
	BlockedGroups           []string `yaml:"blocked_groups"`
	RequiredGroups          []string `yaml:"required_groups"`

	DepartmentRestrictionEnabled bool     `yaml:"department_restriction_enabled"`
	AllowedDepartments           []string `yaml:"allowed_departments"`
}

// Check records the outcome of a single policy stage
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Decision is the result of evaluating the policy for one user
type Decision struct {
	Authorized bool    `json:"authorized"`
	Reason     string  `json:"reason"`
	Checks     []Check `json:"checks"`
}

// FailedStage returns the name of the check that denied access, or
// empty when authorized
func (d Decision) FailedStage() string {
	for _, c := range d.Checks {
		if !c.Passed {
			return c.Name
		}
	}
	return ""
}

// Engine evaluates access policy. It is safe for concurrent use;
// SetPolicy swaps the rules atomically on policy reload.
type Engine struct {
	mu     sync.RWMutex
	policy Policy
}

// NewEngine creates an engine with the given policy
func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// SetPolicy replaces the policy
func (e *Engine) SetPolicy(policy Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy
}

// Policy returns a copy of the current policy
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Evaluate runs the policy checks against a profile, stopping at the
// first denial.
func (e *Engine) Evaluate(profile claims.Profile) Decision {
	e.mu.RLock()
	policy := e.policy
	e.mu.RUnlock()

	decision := Decision{}

	if policy.WhitelistEnabled {
		check := checkWhitelist(policy.WhitelistEmails, profile.Email())
		decision.Checks = append(decision.Checks, check)
		if check.Passed {
			decision.Authorized = true
			decision.Reason = "user is on the whitelist"
			return decision
		}
		// A non-empty whitelist is exclusive: not on it means denied
		// without consulting the remaining rules.
		if len(policy.WhitelistEmails) > 0 {
			decision.Reason = "user not on whitelist"
			return decision
		}
	}

	if policy.GroupRestrictionEnabled && len(policy.BlockedGroups) > 0 {
		check := checkBlockedGroups(policy.BlockedGroups, profile.Groups)
		decision.Checks = append(decision.Checks, check)
		if !check.Passed {
			decision.Reason = check.Detail
			return decision
		}
	}

	if policy.GroupRestrictionEnabled && len(policy.RequiredGroups) > 0 {
		check := checkRequiredGroups(policy.RequiredGroups, profile.Groups)
		decision.Checks = append(decision.Checks, check)
		if !check.Passed {
			decision.Reason = check.Detail
			return decision
		}
	}

	if policy.DepartmentRestrictionEnabled && len(policy.AllowedDepartments) > 0 {
		check := checkDepartment(policy.AllowedDepartments, profile.Department())
		decision.Checks = append(decision.Checks, check)
		if !check.Passed {
			decision.Reason = check.Detail
			return decision
		}
	}

	decision.Authorized = true
	decision.Reason = "user passed all access control checks"
	return decision
}

func checkWhitelist(whitelist []string, email string) Check {
	if len(whitelist) == 0 {
		return Check{Name: "whitelist", Passed: true, Detail: "no whitelist configured"}
	}

	needle := strings.ToLower(email)
	for _, entry := range whitelist {
		if strings.ToLower(entry) == needle {
			return Check{Name: "whitelist", Passed: true, Detail: "email is whitelisted"}
		}
	}
	return Check{Name: "whitelist", Passed: false, Detail: "email not on whitelist"}
}

func checkBlockedGroups(blocked []string, groups []string) Check {
	matched := intersect(groups, blocked)
	if len(matched) > 0 {
		return Check{
			Name:   "blocked_groups",
			Passed: false,
			Detail: "user belongs to blocked groups: " + strings.Join(matched, ", "),
		}
	}
	return Check{Name: "blocked_groups", Passed: true, Detail: "user does not belong to any blocked groups"}
}

func checkRequiredGroups(required []string, groups []string) Check {
	matched := intersect(groups, required)
	if len(matched) == 0 {
		return Check{
			Name:   "required_groups",
			Passed: false,
			Detail: "user must belong to at least one of: " + strings.Join(required, ", "),
		}
	}
	return Check{
		Name:   "required_groups",
		Passed: true,
		Detail: "user belongs to required groups: " + strings.Join(matched, ", "),
	}
}

func checkDepartment(allowed []string, department string) Check {
	if department == "" {
		return Check{
			Name:   "department",
			Passed: false,
			Detail: "no department information provided by the identity provider",
		}
	}

	needle := strings.ToLower(strings.TrimSpace(department))
	for _, entry := range allowed {
		if strings.ToLower(strings.TrimSpace(entry)) == needle {
			return Check{
				Name:   "department",
				Passed: true,
				Detail: fmt.Sprintf("department %q is allowed", department),
			}
		}
	}
	return Check{
		Name:   "department",
		Passed: false,
		Detail: fmt.Sprintf("department %q is not in the allowed list: %s", department, strings.Join(allowed, ", ")),
	}
}

// intersect returns the lowercased values present in both lists,
// preserving the order of the first.
func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[strings.ToLower(v)] = true
	}
	var out []string
	for _, v := range a {
		lower := strings.ToLower(v)
		if set[lower] {
			out = append(out, lower)
		}
	}
	return out
}

// LogDecision writes the decision to the structured log, at info for
// authorized users and warn for denials
func LogDecision(logger *observability.Logger, email string, decision Decision) {
	entry := logger.WithFields(map[string]interface{}{
		"email":      email,
		"authorized": decision.Authorized,
		"reason":     decision.Reason,
	})
	if stage := decision.FailedStage(); stage != "" {
		entry = entry.WithField("failed_stage", stage)
	}

	if decision.Authorized {
		entry.Info("Access control decision")
	} else {
		entry.Warn("Access control decision")
	}
}
