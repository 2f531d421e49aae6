package repository

import (
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestCanAct(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *ApprovalRequest)
		user   string
		want   bool
	}{
		{"assignee", func(*ApprovalRequest) {}, "mgr", true},
		{"stranger", func(*ApprovalRequest) {}, "bob", false},
		{"empty user", func(*ApprovalRequest) {}, "", false},
		{"next level approver", func(*ApprovalRequest) {}, "dir", false},
		{"delegate", func(r *ApprovalRequest) {
			r.ApprovalChain[0].DelegatedTo = strPtr("bob")
		}, "bob", true},
		{"assignee alongside delegate", func(r *ApprovalRequest) {
			r.ApprovalChain[0].DelegatedTo = strPtr("bob")
		}, "mgr", true},
		{"escalation target", func(r *ApprovalRequest) {
			r.ApprovalChain[0].DelegatedTo = strPtr("vp")
			r.ApprovalChain[0].EscalatedTo = strPtr("vp")
			r.Status = StatusEscalated
		}, "vp", true},
		{"assignee after escalation", func(r *ApprovalRequest) {
			r.ApprovalChain[0].DelegatedTo = strPtr("vp")
			r.ApprovalChain[0].EscalatedTo = strPtr("vp")
			r.Status = StatusEscalated
		}, "mgr", false},
		{"terminal", func(r *ApprovalRequest) { r.Status = StatusRejected }, "mgr", false},
		{"chain exhausted", func(r *ApprovalRequest) { r.CurrentLevel = 3 }, "mgr", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newPendingRequest("r", time.Now(), "mgr", "dir")
			tt.mutate(req)
			if got := req.CanAct(tt.user); got != tt.want {
				t.Errorf("CanAct(%q) = %v, want %v", tt.user, got, tt.want)
			}
		})
	}
}

func TestCurrentApprover(t *testing.T) {
	req := newPendingRequest("r", time.Now(), "mgr", "dir")
	if got := req.CurrentApprover(); got != "mgr" {
		t.Errorf("CurrentApprover = %q, want mgr", got)
	}
	req.ApprovalChain[0].DelegatedTo = strPtr("bob")
	if got := req.CurrentApprover(); got != "bob" {
		t.Errorf("CurrentApprover after delegation = %q, want bob", got)
	}
	req.Status = StatusRecalled
	if got := req.CurrentApprover(); got != "" {
		t.Errorf("CurrentApprover of terminal request = %q", got)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:   false,
		StatusDelegated: false,
		StatusEscalated: false,
		StatusApproved:  true,
		StatusRejected:  true,
		StatusExpired:   true,
		StatusRecalled:  true,
	}
	for s, want := range terminal {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, !want, want)
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	value := int64(500_000)
	req := newPendingRequest("r", time.Now(), "mgr")
	req.Value = &value
	req.Metadata = map[string]string{"k": "v"}
	req.ApprovalChain[0].Conditions = []string{"c1"}
	req.ApprovalHistory = []HistoryEntry{{Action: ActionCreated, Metadata: map[string]any{"a": 1}}}

	c := req.Clone()
	*c.Value = 1
	c.Metadata["k"] = "changed"
	c.ApprovalChain[0].Conditions[0] = "changed"
	c.ApprovalChain[0].ApproverID = "changed"
	c.ApprovalHistory[0].Metadata["a"] = 2

	if *req.Value != value || req.Metadata["k"] != "v" {
		t.Error("Clone shares value or metadata")
	}
	if req.ApprovalChain[0].Conditions[0] != "c1" || req.ApprovalChain[0].ApproverID != "mgr" {
		t.Error("Clone shares the approval chain")
	}
	if req.ApprovalHistory[0].Metadata["a"] != 1 {
		t.Error("Clone shares history metadata")
	}

	var nilReq *ApprovalRequest
	if nilReq.Clone() != nil {
		t.Error("nil Clone should be nil")
	}
}

func TestRequestTypeValid(t *testing.T) {
	for _, rt := range RequestTypes {
		if !rt.Valid() {
			t.Errorf("%s should be valid", rt)
		}
	}
	if RequestType("purchase-order").Valid() {
		t.Error("unknown type reported valid")
	}
}

func TestFirstMatchingRule(t *testing.T) {
	contract := TypeContractExecution
	rules := []*DepartmentRule{
		{RuleName: "inactive contract", RequestType: &contract, IsActive: false},
		{RuleName: "contract", RequestType: &contract, IsActive: true},
		{RuleName: "catch-all", IsActive: true},
	}

	if got := FirstMatchingRule(rules, TypeContractExecution); got == nil || got.RuleName != "contract" {
		t.Errorf("contract match = %+v", got)
	}
	if got := FirstMatchingRule(rules, TypeBudgetApproval); got == nil || got.RuleName != "catch-all" {
		t.Errorf("budget match = %+v", got)
	}
	if got := FirstMatchingRule(rules[:2], TypeBudgetApproval); got != nil {
		t.Errorf("expected no match, got %+v", got)
	}
}

func TestCurrentAssignee(t *testing.T) {
	req := newPendingRequest("r", time.Now(), "mgr", "dir")
	req.ApprovalChain[0].DelegatedTo = strPtr("bob")
	if got := currentAssignee(req); got != "mgr" {
		t.Errorf("currentAssignee = %q, want mgr", got)
	}
	req.Status = StatusApproved
	if got := currentAssignee(req); got != "" {
		t.Errorf("currentAssignee of terminal = %q", got)
	}
}
