package client

import (
	"context"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

// DirectoryFile is the YAML layout of the organisation directory.
//
//	ceo: u-ceo
//	cross_department_delegation: [document-approval]
//	departments:
//	  engineering:
//	    manager: u-1
//	    director: u-2
//	    vp: u-3
//	    escalation: {user_id: u-3, level: vp}
//	    rules:
//	      - name: security review
//	        request_type: contract-execution
//	        approvers: [{user_id: u-9, role: security_officer}]
//	users:
//	  u-1: {department: engineering, permissions: [approval:budget-approval]}
type DirectoryFile struct {
	CEO                       string                   `yaml:"ceo"`
	CrossDepartmentDelegation []string                 `yaml:"cross_department_delegation"`
	Departments               map[string]Department    `yaml:"departments"`
	Users                     map[string]DirectoryUser `yaml:"users"`
}

// Department is one department's slice of the org chart.
type Department struct {
	Manager    string                       `yaml:"manager"`
	Director   string                       `yaml:"director"`
	VP         string                       `yaml:"vp"`
	Escalation *repository.EscalationTarget `yaml:"escalation"`
	Rules      []DirectoryRule              `yaml:"rules"`
}

// DirectoryRule attaches mandatory approvers to a department. An empty
// request type applies the rule to every type.
type DirectoryRule struct {
	Name        string                         `yaml:"name"`
	RequestType string                         `yaml:"request_type"`
	Active      *bool                          `yaml:"active"`
	Approvers   []repository.MandatoryApprover `yaml:"approvers"`
}

// DirectoryUser is a user known to the directory.
type DirectoryUser struct {
	Department  string   `yaml:"department"`
	Permissions []string `yaml:"permissions"`
}

// StaticDirectory answers org-chart, permission and mandatory approver
// lookups from a file loaded at startup.
type StaticDirectory struct {
	file  DirectoryFile
	rules map[string][]*repository.DepartmentRule
}

// LoadDirectory reads and parses a directory file.
func LoadDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file %s: %w", path, err)
	}
	return ParseDirectory(data)
}

// ParseDirectory parses a YAML directory document.
func ParseDirectory(data []byte) (*StaticDirectory, error) {
	var file DirectoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse directory: %w", err)
	}
	return NewStaticDirectory(file)
}

// NewStaticDirectory validates file and builds the lookup tables.
func NewStaticDirectory(file DirectoryFile) (*StaticDirectory, error) {
	for _, t := range file.CrossDepartmentDelegation {
		if !repository.RequestType(t).Valid() {
			return nil, fmt.Errorf("cross_department_delegation: unknown request type %q", t)
		}
	}

	d := &StaticDirectory{file: file, rules: make(map[string][]*repository.DepartmentRule)}
	for name, dept := range file.Departments {
		rules, err := departmentRules(name, dept.Rules)
		if err != nil {
			return nil, err
		}
		d.rules[name] = rules
	}
	return d, nil
}

// DepartmentRules returns the parsed rules keyed by department. File order is
// the evaluation priority.
func (d *StaticDirectory) DepartmentRules() map[string][]*repository.DepartmentRule {
	return d.rules
}

func departmentRules(department string, in []DirectoryRule) ([]*repository.DepartmentRule, error) {
	out := make([]*repository.DepartmentRule, 0, len(in))
	for i, r := range in {
		rule := &repository.DepartmentRule{
			RuleName:   r.Name,
			Department: department,
			IsActive:   r.Active == nil || *r.Active,
			Approvers:  r.Approvers,
			Priority:   i + 1,
		}
		if rule.RuleName == "" {
			rule.RuleName = fmt.Sprintf("%s-rule-%d", department, i+1)
		}
		if r.RequestType != "" {
			t := repository.RequestType(r.RequestType)
			if !t.Valid() {
				return nil, fmt.Errorf("departments.%s.rules[%d]: unknown request type %q", department, i, r.RequestType)
			}
			rule.RequestType = &t
		}
		for j, a := range r.Approvers {
			if a.UserID == "" {
				return nil, fmt.Errorf("departments.%s.rules[%d].approvers[%d]: user_id is required", department, i, j)
			}
		}
		out = append(out, rule)
	}
	return out, nil
}

func (d *StaticDirectory) ManagerOf(_ context.Context, department string) (string, error) {
	return d.file.Departments[department].Manager, nil
}

func (d *StaticDirectory) DirectorOf(_ context.Context, department string) (string, error) {
	return d.file.Departments[department].Director, nil
}

func (d *StaticDirectory) VPOf(_ context.Context, department string) (string, error) {
	return d.file.Departments[department].VP, nil
}

func (d *StaticDirectory) CEO(context.Context) (string, error) {
	return d.file.CEO, nil
}

// DepartmentOf reports the department of a listed user. Department heads that
// are not listed under users belong to the department they head.
func (d *StaticDirectory) DepartmentOf(_ context.Context, userID string) (string, bool, error) {
	if u, ok := d.file.Users[userID]; ok {
		return u.Department, true, nil
	}
	for name, dept := range d.file.Departments {
		if userID != "" && (dept.Manager == userID || dept.Director == userID || dept.VP == userID) {
			return name, true, nil
		}
	}
	if userID != "" && userID == d.file.CEO {
		return "", true, nil
	}
	return "", false, nil
}

// EscalationTargetFor returns the department's configured escalation target.
// Without one, the request escalates to the next role above the current
// step's role, up to the CEO.
func (d *StaticDirectory) EscalationTargetFor(_ context.Context, req *repository.ApprovalRequest) (*repository.EscalationTarget, error) {
	dept := d.file.Departments[req.Department]
	if dept.Escalation != nil && dept.Escalation.UserID != "" {
		target := *dept.Escalation
		return &target, nil
	}

	step := req.CurrentStep()
	if step == nil {
		return nil, nil
	}
	current := repository.EffectiveApprover(step)

	ladder := []struct {
		role string
		user string
	}{
		{repository.RoleDirector, dept.Director},
		{repository.RoleVP, dept.VP},
		{repository.RoleCEO, d.file.CEO},
	}
	start := 0
	switch step.Role {
	case repository.RoleDirector:
		start = 1
	case repository.RoleVP:
		start = 2
	case repository.RoleCEO:
		return nil, nil
	}
	for _, rung := range ladder[start:] {
		if rung.user != "" && rung.user != current {
			return &repository.EscalationTarget{UserID: rung.user, Level: rung.role}, nil
		}
	}
	return nil, nil
}

// HasPermission reports whether userID was granted permission.
func (d *StaticDirectory) HasPermission(_ context.Context, userID, permission string) (bool, error) {
	u, ok := d.file.Users[userID]
	if !ok {
		return false, nil
	}
	return slices.Contains(u.Permissions, permission) || slices.Contains(u.Permissions, "approval:*"), nil
}

func (d *StaticDirectory) CrossDepartmentDelegationAllowed(_ context.Context, requestType repository.RequestType) (bool, error) {
	return slices.Contains(d.file.CrossDepartmentDelegation, string(requestType)), nil
}

// MandatoryApprovers returns the approvers of the department's first rule
// matching requestType.
func (d *StaticDirectory) MandatoryApprovers(_ context.Context, department string, requestType repository.RequestType) ([]repository.MandatoryApprover, error) {
	if rule := repository.FirstMatchingRule(d.rules[department], requestType); rule != nil {
		return rule.Approvers, nil
	}
	return nil, nil
}
