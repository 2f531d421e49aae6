package service

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

func TestChainRoles(t *testing.T) {
	standard := []string{repository.RoleDepartmentManager, repository.RoleDirector}
	withVP := []string{repository.RoleDepartmentManager, repository.RoleDirector, repository.RoleVP}
	withCEO := []string{repository.RoleDepartmentManager, repository.RoleDirector, repository.RoleVP, repository.RoleCEO}

	tests := []struct {
		name  string
		typ   repository.RequestType
		value *int64
		want  []string
	}{
		{"plan small", repository.TypeProcurementPlan, int64Ptr(99_999 * 100), standard},
		{"plan at vp threshold", repository.TypeProcurementPlan, int64Ptr(100_000 * 100), withVP},
		{"budget at ceo threshold", repository.TypeBudgetApproval, int64Ptr(1_000_000 * 100), withCEO},
		{"budget without value", repository.TypeBudgetApproval, nil, standard},
		{"award ignores value", repository.TypeAwardDecision, int64Ptr(5_000_000 * 100), standard},
		{"document", repository.TypeDocumentApproval, nil, standard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChainRoles(tt.typ, tt.value); !slices.Equal(got, tt.want) {
				t.Errorf("ChainRoles() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChainBuilder_Build(t *testing.T) {
	dir := newFakeDirectory()
	dir.mandatory["engineering"] = []repository.MandatoryApprover{
		{UserID: "carol", Role: "security_officer"},
		{UserID: "", Role: "ignored"},
	}
	b := NewChainBuilder(dir, dir)
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	steps, err := b.Build(context.Background(), repository.TypeProcurementPlan, int64Ptr(2_000_000*100), "engineering", now)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := []string{"carol", "mgr-eng", "dir-eng", "vp-eng", "ceo"}
	if len(steps) != len(want) {
		t.Fatalf("len(steps) = %d, want %d", len(steps), len(want))
	}
	for i, step := range steps {
		if step.ApproverID != want[i] {
			t.Errorf("step %d approver = %s, want %s", i+1, step.ApproverID, want[i])
		}
		if step.Level != i+1 || step.Status != repository.StepPending {
			t.Errorf("step %d = level %d status %s", i+1, step.Level, step.Status)
		}
	}
	if steps[0].AssignedAt == nil || !steps[0].AssignedAt.Equal(now) {
		t.Errorf("first step assigned_at = %v", steps[0].AssignedAt)
	}
	if steps[1].AssignedAt != nil {
		t.Error("later steps must not be assigned")
	}
}

func TestChainBuilder_MissingApprover(t *testing.T) {
	dir := newFakeDirectory()
	delete(dir.vps, "engineering")
	b := NewChainBuilder(dir, nil)

	_, err := b.Build(context.Background(), repository.TypeBudgetApproval, int64Ptr(200_000*100), "engineering", time.Now())
	if errors.CodeOf(err) != errors.ErrCodeInvalidRequest {
		t.Fatalf("err = %v, want INVALID_REQUEST", err)
	}
}
