package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

// Value thresholds in minor currency units.
const (
	vpChainThreshold  int64 = 100_000 * 100
	ceoChainThreshold int64 = 1_000_000 * 100
)

// ChainRoles returns the value-based roles for a request type, in order.
func ChainRoles(requestType repository.RequestType, value *int64) []string {
	standard := []string{repository.RoleDepartmentManager, repository.RoleDirector}

	switch requestType {
	case repository.TypeProcurementPlan, repository.TypeBudgetApproval:
		v := valueOf(value)
		switch {
		case v >= ceoChainThreshold:
			return []string{repository.RoleDepartmentManager, repository.RoleDirector, repository.RoleVP, repository.RoleCEO}
		case v >= vpChainThreshold:
			return []string{repository.RoleDepartmentManager, repository.RoleDirector, repository.RoleVP}
		}
	}
	return standard
}

// ChainBuilder turns request attributes into an ordered approval chain. The
// chain is fixed at creation; later changes to the directory or rules never
// reshape an existing request.
type ChainBuilder struct {
	directory DepartmentDirectory
	rules     MandatoryApproverSource
}

// NewChainBuilder creates a ChainBuilder. rules may be nil.
func NewChainBuilder(directory DepartmentDirectory, rules MandatoryApproverSource) *ChainBuilder {
	return &ChainBuilder{directory: directory, rules: rules}
}

// Build resolves mandatory department approvers followed by the value-based
// roles into steps numbered 1..N. Only the first step is assigned.
func (b *ChainBuilder) Build(
	ctx context.Context,
	requestType repository.RequestType,
	value *int64,
	department string,
	now time.Time,
) ([]repository.ApprovalStep, error) {
	var steps []repository.ApprovalStep

	if b.rules != nil {
		mandatory, err := b.rules.MandatoryApprovers(ctx, department, requestType)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load department approvers")
		}
		for _, m := range mandatory {
			if m.UserID == "" {
				continue
			}
			steps = append(steps, repository.ApprovalStep{
				ApproverID: m.UserID,
				Role:       m.Role,
				Mandatory:  true,
			})
		}
	}

	for _, role := range ChainRoles(requestType, value) {
		approver, err := b.resolve(ctx, role, department)
		if err != nil {
			return nil, err
		}
		steps = append(steps, repository.ApprovalStep{
			ApproverID: approver,
			Role:       role,
		})
	}

	for i := range steps {
		steps[i].Level = i + 1
		steps[i].Status = repository.StepPending
	}
	assignedAt := now
	steps[0].AssignedAt = &assignedAt

	return steps, nil
}

func (b *ChainBuilder) resolve(ctx context.Context, role, department string) (string, error) {
	var (
		id  string
		err error
	)
	switch role {
	case repository.RoleDepartmentManager:
		id, err = b.directory.ManagerOf(ctx, department)
	case repository.RoleDirector:
		id, err = b.directory.DirectorOf(ctx, department)
	case repository.RoleVP:
		id, err = b.directory.VPOf(ctx, department)
	case repository.RoleCEO:
		id, err = b.directory.CEO(ctx)
	default:
		return "", errors.Newf(errors.ErrCodeInternal, "unknown chain role %q", role)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to resolve %s", role))
	}
	if id == "" {
		return "", errors.InvalidInput("department",
			fmt.Sprintf("no %s configured for department %q", role, department))
	}
	return id, nil
}

func valueOf(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
