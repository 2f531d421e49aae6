package service

import (
	"time"

	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

const (
	highPriorityThreshold     int64 = 500_000 * 100
	criticalPriorityThreshold int64 = 1_000_000 * 100

	defaultMaxExpiryDays = 14
)

var baseExpiryDays = map[repository.Priority]int{
	repository.PriorityCritical: 1,
	repository.PriorityHigh:     3,
	repository.PriorityMedium:   7,
	repository.PriorityLow:      14,
}

var maxExpiryDaysByType = map[repository.RequestType]int{
	repository.TypePolicyException:   2,
	repository.TypeBudgetApproval:    5,
	repository.TypeContractExecution: 10,
}

// DerivePriority classifies a request. Critical overrides high; anything
// else is medium.
func DerivePriority(value *int64, requestType repository.RequestType, urgent, emergency bool) repository.Priority {
	v := valueOf(value)
	switch {
	case v >= criticalPriorityThreshold || emergency:
		return repository.PriorityCritical
	case v >= highPriorityThreshold || requestType == repository.TypePolicyException || urgent:
		return repository.PriorityHigh
	default:
		return repository.PriorityMedium
	}
}

// ExpiryDays is min(base days for the priority, cap for the request type).
func ExpiryDays(requestType repository.RequestType, priority repository.Priority) int {
	base, ok := baseExpiryDays[priority]
	if !ok {
		base = baseExpiryDays[repository.PriorityMedium]
	}
	limit, ok := maxExpiryDaysByType[requestType]
	if !ok {
		limit = defaultMaxExpiryDays
	}
	return min(base, limit)
}

// ExpiresAt returns the deadline for a request created at now.
func ExpiresAt(now time.Time, requestType repository.RequestType, priority repository.Priority) time.Time {
	return now.Add(time.Duration(ExpiryDays(requestType, priority)) * 24 * time.Hour)
}
