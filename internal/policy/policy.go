package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-conductor/internal/shared"
)

// Checker gates what a role may do on the tracker and inside its runtime.
type Checker interface {
	AllowAction(role shared.Role, action string) bool
	AllowTool(role shared.Role, tool string) bool
	PolicyVersion() string
}

// Conditions is the policy data trigger-rule conditions are evaluated against.
type Conditions interface {
	RequiresRole(scope string, role shared.Role) bool
	ApprovalRequired(scope string) bool
}

// RolePolicy lists the tracker actions and runtime tools a role may use.
// Tool entries may be exact names, "*", or a "prefix.*" wildcard.
type RolePolicy struct {
	Actions []string `yaml:"actions"`
	Tools   []string `yaml:"tools"`
}

// ScopePolicy carries per-repository data used by trigger conditions.
// The "*" scope applies to every repository.
type ScopePolicy struct {
	RequireRoles     []string `yaml:"require_roles"`
	ApprovalRequired bool     `yaml:"approval_required"`
}

// Policy is the serializable permission table.
type Policy struct {
	Roles  map[string]RolePolicy  `yaml:"roles"`
	Scopes map[string]ScopePolicy `yaml:"scopes"`
}

// Default denies every action and tool.
func Default() Policy {
	return Policy{}
}

// Mutation actions on the system of record.
const (
	ActionComment      = "comment"
	ActionLabel        = "label"
	ActionUnlabel      = "unlabel"
	ActionCreateItem   = "create_item"
	ActionOpenReview   = "open_review"
	ActionUpdateReview = "update_review"
	ActionPostStatus   = "post_status"
	ActionCreateBranch = "create_branch"
	ActionDeleteBranch = "delete_branch"
)

var knownActions = map[string]struct{}{
	ActionComment:      {},
	ActionLabel:        {},
	ActionUnlabel:      {},
	ActionCreateItem:   {},
	ActionOpenReview:   {},
	ActionUpdateReview: {},
	ActionPostStatus:   {},
	ActionCreateBranch: {},
	ActionDeleteBranch: {},
}

// KnownAction reports whether action names a tracker mutation.
func KnownAction(action string) bool {
	_, ok := knownActions[action]
	return ok
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) AllowAction(role shared.Role, action string) bool {
	action = strings.ToLower(strings.TrimSpace(action))
	rp, ok := p.Roles[string(role)]
	if !ok || action == "" {
		return false
	}
	for _, allowed := range rp.Actions {
		if strings.ToLower(strings.TrimSpace(allowed)) == action {
			return true
		}
	}
	return false
}

func (p Policy) AllowTool(role shared.Role, tool string) bool {
	tool = strings.ToLower(strings.TrimSpace(tool))
	rp, ok := p.Roles[string(role)]
	if !ok || tool == "" {
		return false
	}
	for _, allowed := range rp.Tools {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		switch {
		case allowed == "*" || allowed == tool:
			return true
		case strings.HasSuffix(allowed, ".*") && strings.HasPrefix(tool, strings.TrimSuffix(allowed, "*")):
			return true
		}
	}
	return false
}

// ToolsFor returns the tool patterns bound to a role on activation.
func (p Policy) ToolsFor(role shared.Role) []string {
	return append([]string(nil), p.Roles[string(role)].Tools...)
}

func (p Policy) RequiresRole(scope string, role shared.Role) bool {
	for _, sp := range p.scopePolicies(scope) {
		for _, r := range sp.RequireRoles {
			if strings.ToLower(strings.TrimSpace(r)) == string(role) {
				return true
			}
		}
	}
	return false
}

func (p Policy) ApprovalRequired(scope string) bool {
	for _, sp := range p.scopePolicies(scope) {
		if sp.ApprovalRequired {
			return true
		}
	}
	return false
}

func (p Policy) scopePolicies(scope string) []ScopePolicy {
	var out []ScopePolicy
	if sp, ok := p.Scopes["*"]; ok {
		out = append(out, sp)
	}
	if scope != "" && scope != "*" {
		if sp, ok := p.Scopes[scope]; ok {
			out = append(out, sp)
		}
	}
	return out
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func (p Policy) validate() error {
	for roleName, rp := range p.Roles {
		if _, err := shared.ParseRole(roleName); err != nil {
			return fmt.Errorf("policy roles: %w", err)
		}
		for _, a := range rp.Actions {
			action := strings.ToLower(strings.TrimSpace(a))
			if action == "" {
				continue
			}
			if _, ok := knownActions[action]; !ok {
				return fmt.Errorf("role %s: unknown action %q", roleName, a)
			}
		}
	}
	for scope, sp := range p.Scopes {
		for _, r := range sp.RequireRoles {
			if _, err := shared.ParseRole(r); err != nil {
				return fmt.Errorf("scope %s: %w", scope, err)
			}
		}
	}
	return nil
}

// LivePolicy wraps a Policy for concurrent reads and hot reloads.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) AllowAction(role shared.Role, action string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowAction(role, action)
}

func (lp *LivePolicy) AllowTool(role shared.Role, tool string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowTool(role, tool)
}

func (lp *LivePolicy) ToolsFor(role shared.Role) []string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.ToolsFor(role)
}

func (lp *LivePolicy) RequiresRole(scope string, role shared.Role) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.RequiresRole(scope, role)
}

func (lp *LivePolicy) ApprovalRequired(scope string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.ApprovalRequired(scope)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a deep copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := Policy{
		Roles:  make(map[string]RolePolicy, len(lp.data.Roles)),
		Scopes: make(map[string]ScopePolicy, len(lp.data.Scopes)),
	}
	for k, v := range lp.data.Roles {
		cp.Roles[k] = RolePolicy{
			Actions: append([]string(nil), v.Actions...),
			Tools:   append([]string(nil), v.Tools...),
		}
	}
	for k, v := range lp.data.Scopes {
		cp.Scopes[k] = ScopePolicy{
			RequireRoles:     append([]string(nil), v.RequireRoles...),
			ApprovalRequired: v.ApprovalRequired,
		}
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	roles := make([]string, 0, len(p.Roles))
	for r := range p.Roles {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	for _, r := range roles {
		rp := p.Roles[r]
		_, _ = h.Write([]byte("role=" + r + "|"))
		for _, v := range rp.Actions {
			_, _ = h.Write([]byte("a:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
		}
		for _, v := range rp.Tools {
			_, _ = h.Write([]byte("t:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
		}
	}
	scopes := make([]string, 0, len(p.Scopes))
	for s := range p.Scopes {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	for _, s := range scopes {
		sp := p.Scopes[s]
		_, _ = h.Write([]byte("scope=" + s + "|"))
		for _, v := range sp.RequireRoles {
			_, _ = h.Write([]byte("r:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
		}
		if sp.ApprovalRequired {
			_, _ = h.Write([]byte("approval|"))
		}
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
