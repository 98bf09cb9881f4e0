package workflow

import (
	"slices"
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

// SystemActor is recorded for actions taken by the scheduler.
const SystemActor = "system"

// appendAction adds an entry to the audit trail. Seq is assigned here and
// equals the entry's 1-based position; entries are never rewritten.
func appendAction(req *types.ApprovalRequest, kind types.ActionKind, actor, comment string, at time.Time) types.ApprovalAction {
	action := types.ApprovalAction{
		Seq:       len(req.History) + 1,
		StepIndex: req.CurrentStepIndex,
		Actor:     actor,
		Kind:      kind,
		Comment:   comment,
		Timestamp: at,
	}
	req.History = append(req.History, action)
	return action
}

// approversAtStep returns the distinct actors that approved step idx.
func approversAtStep(history []types.ApprovalAction, idx int) []string {
	var out []string
	for _, a := range history {
		if a.Kind == types.ActionApprove && a.StepIndex == idx && !slices.Contains(out, a.Actor) {
			out = append(out, a.Actor)
		}
	}
	return out
}

// union appends the members of b missing from a, keeping order.
func union(a []string, b ...string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func without(list []string, s string) []string {
	return slices.DeleteFunc(append([]string(nil), list...), func(v string) bool { return v == s })
}
