package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

const testDirectory = `
ceo: u-ceo
cross_department_delegation: [document-approval]
departments:
  engineering:
    manager: u-mgr
    director: u-dir
    vp: u-vp
    rules:
      - name: security review
        request_type: contract-execution
        approvers:
          - {user_id: u-sec, role: security_officer}
      - name: disabled
        active: false
        approvers:
          - {user_id: u-nobody, role: auditor}
      - name: finance controller
        approvers:
          - {user_id: u-ctl, role: controller}
  finance:
    manager: f-mgr
    director: f-dir
    escalation: {user_id: f-cfo, level: cfo}
users:
  u-bob: {department: engineering, permissions: [approval:budget-approval]}
  u-root: {department: engineering, permissions: ["approval:*"]}
  f-ann: {department: finance}
`

func loadTestDirectory(t *testing.T) *StaticDirectory {
	t.Helper()
	d, err := ParseDirectory([]byte(testDirectory))
	if err != nil {
		t.Fatalf("ParseDirectory: %v", err)
	}
	return d
}

func TestStaticDirectory_OrgChart(t *testing.T) {
	d := loadTestDirectory(t)
	ctx := context.Background()

	if got, _ := d.ManagerOf(ctx, "engineering"); got != "u-mgr" {
		t.Errorf("ManagerOf = %q", got)
	}
	if got, _ := d.DirectorOf(ctx, "finance"); got != "f-dir" {
		t.Errorf("DirectorOf = %q", got)
	}
	if got, _ := d.VPOf(ctx, "finance"); got != "" {
		t.Errorf("VPOf(finance) = %q, want empty", got)
	}
	if got, _ := d.CEO(ctx); got != "u-ceo" {
		t.Errorf("CEO = %q", got)
	}
}

func TestStaticDirectory_DepartmentOf(t *testing.T) {
	d := loadTestDirectory(t)
	ctx := context.Background()

	tests := []struct {
		user      string
		wantDept  string
		wantFound bool
	}{
		{"u-bob", "engineering", true},
		{"u-dir", "engineering", true},
		{"f-ann", "finance", true},
		{"u-ceo", "", true},
		{"ghost", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		dept, found, err := d.DepartmentOf(ctx, tt.user)
		if err != nil {
			t.Fatalf("DepartmentOf(%q): %v", tt.user, err)
		}
		if dept != tt.wantDept || found != tt.wantFound {
			t.Errorf("DepartmentOf(%q) = %q, %v; want %q, %v", tt.user, dept, found, tt.wantDept, tt.wantFound)
		}
	}
}

func TestStaticDirectory_Permissions(t *testing.T) {
	d := loadTestDirectory(t)
	ctx := context.Background()

	if ok, _ := d.HasPermission(ctx, "u-bob", "approval:budget-approval"); !ok {
		t.Error("u-bob should hold approval:budget-approval")
	}
	if ok, _ := d.HasPermission(ctx, "u-bob", "approval:award-decision"); ok {
		t.Error("u-bob should not hold approval:award-decision")
	}
	if ok, _ := d.HasPermission(ctx, "u-root", "approval:award-decision"); !ok {
		t.Error("wildcard permission not honoured")
	}
	if ok, _ := d.CrossDepartmentDelegationAllowed(ctx, repository.TypeDocumentApproval); !ok {
		t.Error("document-approval should allow cross-department delegation")
	}
	if ok, _ := d.CrossDepartmentDelegationAllowed(ctx, repository.TypeBudgetApproval); ok {
		t.Error("budget-approval should not allow cross-department delegation")
	}
}

func TestStaticDirectory_MandatoryApprovers(t *testing.T) {
	d := loadTestDirectory(t)
	ctx := context.Background()

	got, _ := d.MandatoryApprovers(ctx, "engineering", repository.TypeContractExecution)
	if len(got) != 1 || got[0].UserID != "u-sec" {
		t.Errorf("contract-execution approvers = %+v", got)
	}
	got, _ = d.MandatoryApprovers(ctx, "engineering", repository.TypeBudgetApproval)
	if len(got) != 1 || got[0].UserID != "u-ctl" {
		t.Errorf("budget-approval approvers = %+v (inactive rule must be skipped)", got)
	}
	got, _ = d.MandatoryApprovers(ctx, "finance", repository.TypeBudgetApproval)
	if len(got) != 0 {
		t.Errorf("finance approvers = %+v", got)
	}
}

func TestStaticDirectory_EscalationTarget(t *testing.T) {
	d := loadTestDirectory(t)
	ctx := context.Background()

	req := &repository.ApprovalRequest{
		Department:   "finance",
		Status:       repository.StatusPending,
		CurrentLevel: 1,
		ApprovalChain: []repository.ApprovalStep{
			{Level: 1, ApproverID: "f-mgr", Role: repository.RoleDepartmentManager},
		},
	}
	target, _ := d.EscalationTargetFor(ctx, req)
	if target == nil || target.UserID != "f-cfo" {
		t.Errorf("configured target = %+v", target)
	}

	req.Department = "engineering"
	req.ApprovalChain[0].ApproverID = "u-mgr"
	target, _ = d.EscalationTargetFor(ctx, req)
	if target == nil || target.UserID != "u-dir" || target.Level != repository.RoleDirector {
		t.Errorf("manager escalates to = %+v, want director", target)
	}

	req.ApprovalChain[0].Role = repository.RoleVP
	req.ApprovalChain[0].ApproverID = "u-vp"
	target, _ = d.EscalationTargetFor(ctx, req)
	if target == nil || target.UserID != "u-ceo" {
		t.Errorf("vp escalates to = %+v, want ceo", target)
	}

	req.ApprovalChain[0].Role = repository.RoleCEO
	if target, _ = d.EscalationTargetFor(ctx, req); target != nil {
		t.Errorf("ceo escalates to = %+v, want none", target)
	}
}

func TestParseDirectory_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":          "departments: [",
		"unknown cross":     "cross_department_delegation: [purchase]",
		"unknown rule type": "departments:\n  x:\n    rules:\n      - request_type: purchase\n",
		"approver w/o id":   "departments:\n  x:\n    rules:\n      - approvers: [{role: auditor}]\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseDirectory([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	if err := os.WriteFile(path, []byte(testDirectory), 0o600); err != nil {
		t.Fatal(err)
	}
	d, err := LoadDirectory(path)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if rules := d.DepartmentRules()["engineering"]; len(rules) != 3 || rules[0].Priority != 1 {
		t.Errorf("engineering rules = %d", len(rules))
	}

	if _, err := LoadDirectory(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
