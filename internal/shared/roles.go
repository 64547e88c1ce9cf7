package shared

import (
	"fmt"
	"strings"
)

// Role is the closed set of agent roles. Permissions and limits are keyed by it.
type Role string

const (
	RoleFeature        Role = "feature"
	RoleBugfix         Role = "bugfix"
	RoleCodeReview     Role = "code-review"
	RoleSecurityReview Role = "security-review"
	RoleDocs           Role = "docs"
	RoleTriage         Role = "triage"
)

var knownRoles = map[Role]struct{}{
	RoleFeature:        {},
	RoleBugfix:         {},
	RoleCodeReview:     {},
	RoleSecurityReview: {},
	RoleDocs:           {},
	RoleTriage:         {},
}

// ParseRole validates a role tag from config, labels, or the registry.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownRoles[r]; !ok {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := knownRoles[r]
	return ok
}

// KnownRoles returns every role in a stable order.
func KnownRoles() []Role {
	return []Role{RoleFeature, RoleBugfix, RoleCodeReview, RoleSecurityReview, RoleDocs, RoleTriage}
}

// RoleLabelPrefix marks tracker items with the role that owns them ("agent:feature").
const RoleLabelPrefix = "agent:"

// RoleLabel returns the tracker label carried by items a role works on.
func RoleLabel(r Role) string {
	return RoleLabelPrefix + string(r)
}

// RoleFromLabel extracts the role from an "agent:<role>" label.
func RoleFromLabel(label string) (Role, bool) {
	if !strings.HasPrefix(label, RoleLabelPrefix) {
		return "", false
	}
	r, err := ParseRole(strings.TrimPrefix(label, RoleLabelPrefix))
	if err != nil {
		return "", false
	}
	return r, true
}
