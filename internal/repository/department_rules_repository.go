package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-procurement-approvals/internal/database"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

// rulesDB is the part of database.DB the rules repository needs.
type rulesDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// DepartmentRulesRepository stores the mandatory approvers departments place
// ahead of the value-based approval chain.
type DepartmentRulesRepository struct {
	db rulesDB
}

// NewDepartmentRulesRepository creates a new DepartmentRulesRepository.
func NewDepartmentRulesRepository(db *database.DB) *DepartmentRulesRepository {
	return &DepartmentRulesRepository{db: db}
}

// List returns the rules of a department in evaluation order, optionally
// filtered to active only.
func (r *DepartmentRulesRepository) List(ctx context.Context, department string, activeOnly bool) ([]*DepartmentRule, error) {
	query := `
		SELECT id::text, rule_name, department, request_type, is_active,
		       approvers, priority, created_at, updated_at
		FROM department_approval_rules
		WHERE department = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY priority ASC, rule_name ASC"

	rows, err := r.db.Query(ctx, query, department)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list department rules")
	}
	defer rows.Close()

	var rules []*DepartmentRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list department rules")
	}
	return rules, nil
}

// MandatoryApprovers evaluates the department's active rules in priority
// order and returns the approvers of the first rule matching the request
// type. Returns nil (no error) when no rule matches.
func (r *DepartmentRulesRepository) MandatoryApprovers(
	ctx context.Context,
	department string,
	requestType RequestType,
) ([]MandatoryApprover, error) {
	// Load all active rules ordered by priority; evaluate in Go to keep SQL simple.
	rules, err := r.List(ctx, department, true)
	if err != nil {
		return nil, err
	}
	if rule := FirstMatchingRule(rules, requestType); rule != nil {
		return rule.Approvers, nil
	}
	return nil, nil
}

// ReplaceDepartment deletes every rule of a department and inserts rules in
// their place, in one transaction.
func (r *DepartmentRulesRepository) ReplaceDepartment(ctx context.Context, department string, rules []*DepartmentRule) error {
	for _, rule := range rules {
		if rule.Department != department {
			return errors.InvalidInput("department",
				fmt.Sprintf("rule %q belongs to %q, not %q", rule.RuleName, rule.Department, department))
		}
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM department_approval_rules WHERE department = $1`, department)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete department rules")
		}
		for _, rule := range rules {
			if err := insertRule(ctx, tx, rule); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertRule(ctx context.Context, tx pgx.Tx, rule *DepartmentRule) error {
	approversJSON, err := json.Marshal(rule.Approvers)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule approvers")
	}

	query := `
		INSERT INTO department_approval_rules
		    (rule_name, department, request_type, is_active,
		     approvers, priority)
		VALUES ($1, $2, $3, $4,
		        $5, $6)
		RETURNING id::text, created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		rule.RuleName,
		rule.Department,
		rule.RequestType,
		rule.IsActive,
		approversJSON,
		rule.Priority,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create department rule")
	}
	return nil
}

// FirstMatchingRule returns the first active rule, in slice order, that
// applies to requestType. Rules without a request type apply to every type.
func FirstMatchingRule(rules []*DepartmentRule, requestType RequestType) *DepartmentRule {
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		if rule.RequestType == nil || *rule.RequestType == requestType {
			return rule
		}
	}
	return nil
}

// ── scan helper ──────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *DepartmentRulesRepository) scanRule(row ruleScanner) (*DepartmentRule, error) {
	rule := &DepartmentRule{}
	var (
		requestType   *string
		approversJSON []byte
	)

	err := row.Scan(
		&rule.ID,
		&rule.RuleName,
		&rule.Department,
		&requestType,
		&rule.IsActive,
		&approversJSON,
		&rule.Priority,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan department rule")
	}

	if requestType != nil {
		t := RequestType(*requestType)
		rule.RequestType = &t
	}
	if err := json.Unmarshal(approversJSON, &rule.Approvers); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule approvers")
	}
	return rule, nil
}
