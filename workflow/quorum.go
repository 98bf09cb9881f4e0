package workflow

import "github.com/songzhibin97/approval-engine/types"

// RequiredApprovals is the number of distinct approvals that satisfy step.
// Sequential steps need one; parallel steps need their quorum, at least one.
func RequiredApprovals(step types.StepDefinition) int {
	if !step.Parallel || step.QuorumCount <= 0 {
		return 1
	}
	return step.QuorumCount
}

// IsSatisfied reports whether the distinct approvers recorded for a step
// meet its threshold. Duplicate identities count once.
func IsSatisfied(step types.StepDefinition, approvers []string) bool {
	seen := make(map[string]struct{}, len(approvers))
	for _, a := range approvers {
		seen[a] = struct{}{}
	}
	return len(seen) >= RequiredApprovals(step)
}
