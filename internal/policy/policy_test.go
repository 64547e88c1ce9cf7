package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-conductor/internal/policy"
	"github.com/basket/go-conductor/internal/shared"
)

const samplePolicy = `
roles:
  feature:
    actions: [comment, label, create_item, open_review, update_review, create_branch]
    tools: ["shell.*", read_file, write_file]
  code-review:
    actions: [comment, post_status]
    tools: ["*"]
scopes:
  "*":
    require_roles: [code-review]
  acme/payments:
    require_roles: [security-review]
    approval_required: true
`

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoad_DefaultDenyWhenMissing(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "missing-policy.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if p.AllowAction(shared.RoleFeature, policy.ActionComment) {
		t.Fatalf("default policy must deny actions")
	}
	if p.AllowTool(shared.RoleFeature, "shell.exec") {
		t.Fatalf("default policy must deny tools")
	}
}

func TestPolicy_RoleActionsAndTools(t *testing.T) {
	p, err := policy.Load(writePolicy(t, samplePolicy))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !p.AllowAction(shared.RoleFeature, "create_branch") {
		t.Fatalf("expected feature to create branches")
	}
	if p.AllowAction(shared.RoleCodeReview, "create_branch") {
		t.Fatalf("expected code-review to be denied branch creation")
	}
	if !p.AllowTool(shared.RoleFeature, "shell.exec") {
		t.Fatalf("expected prefix wildcard to allow shell.exec")
	}
	if p.AllowTool(shared.RoleFeature, "network.fetch") {
		t.Fatalf("expected network.fetch to be denied for feature")
	}
	if !p.AllowTool(shared.RoleCodeReview, "anything") {
		t.Fatalf("expected * to allow any tool")
	}
	if p.AllowAction(shared.RoleDocs, policy.ActionComment) {
		t.Fatalf("expected role without entry to be denied")
	}
}

func TestPolicy_Conditions(t *testing.T) {
	p, err := policy.Load(writePolicy(t, samplePolicy))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !p.RequiresRole("acme/api", shared.RoleCodeReview) {
		t.Fatalf("expected wildcard scope to require code-review")
	}
	if p.RequiresRole("acme/api", shared.RoleSecurityReview) {
		t.Fatalf("expected acme/api not to require security-review")
	}
	if !p.RequiresRole("acme/payments", shared.RoleSecurityReview) {
		t.Fatalf("expected acme/payments to require security-review")
	}
	if !p.ApprovalRequired("acme/payments") || p.ApprovalRequired("acme/api") {
		t.Fatalf("unexpected approval flags")
	}
}

func TestLoad_UnknownActionRejected(t *testing.T) {
	if _, err := policy.Load(writePolicy(t, "roles:\n  feature:\n    actions: [comment, force_push]\n")); err == nil {
		t.Fatalf("expected unknown action to be rejected")
	}
	if _, err := policy.Load(writePolicy(t, "roles:\n  wizard:\n    actions: [comment]\n")); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
}

func TestReloadFromFile_InvalidRetainsPrevious(t *testing.T) {
	path := writePolicy(t, samplePolicy)
	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	lp := policy.NewLivePolicy(p)
	before := lp.PolicyVersion()

	if err := os.WriteFile(path, []byte("roles: [not a map"), 0o644); err != nil {
		t.Fatalf("write broken policy: %v", err)
	}
	if err := policy.ReloadFromFile(lp, path); err == nil {
		t.Fatalf("expected reload error")
	}
	if lp.PolicyVersion() != before {
		t.Fatalf("expected previous policy to remain active")
	}
	if !lp.AllowAction(shared.RoleFeature, policy.ActionComment) {
		t.Fatalf("expected previous grants to survive failed reload")
	}

	if err := os.WriteFile(path, []byte("roles:\n  feature:\n    actions: [comment]\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := policy.ReloadFromFile(lp, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if lp.PolicyVersion() == before {
		t.Fatalf("expected policy version to change")
	}
	if lp.AllowAction(shared.RoleFeature, policy.ActionCreateItem) {
		t.Fatalf("expected create_item to be revoked")
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	p, err := policy.Load(writePolicy(t, samplePolicy))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	lp := policy.NewLivePolicy(p)
	snap := lp.Snapshot()
	rp := snap.Roles["feature"]
	rp.Actions[0] = "delete_branch"
	if lp.AllowAction(shared.RoleFeature, policy.ActionDeleteBranch) {
		t.Fatalf("snapshot mutation leaked into live policy")
	}
}
