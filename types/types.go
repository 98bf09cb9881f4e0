package types

import "time"

// Object types that can be routed through an approval workflow.
const (
	ObjectInvoice    = "INVOICE"
	ObjectCreditNote = "CREDIT_NOTE"
	ObjectQuote      = "QUOTE"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ActionKind identifies an entry in a request's audit trail.
type ActionKind string

const (
	ActionApprove  ActionKind = "APPROVE"
	ActionReject   ActionKind = "REJECT"
	ActionDelegate ActionKind = "DELEGATE"
	ActionEscalate ActionKind = "ESCALATE"
	ActionCancel   ActionKind = "CANCEL"
	ActionExpire   ActionKind = "EXPIRE"
)

// WorkflowDefinition is a configured approval chain for an object type and
// amount range. Amounts are in minor currency units.
type WorkflowDefinition struct {
	ID                uint64           `json:"id"`
	Name              string           `json:"name"`
	ObjectType        string           `json:"object_type"`
	AmountMin         int64            `json:"amount_min"`
	AmountMax         int64            `json:"amount_max"`
	Steps             []StepDefinition `json:"steps"`
	AutoApproveBelow  *int64           `json:"auto_approve_below,omitempty"`
	ExpirationHours   int              `json:"expiration_hours"`
	EscalationEnabled bool             `json:"escalation_enabled"`
	Active            bool             `json:"active"`
	Priority          int              `json:"priority"`
	Condition         string           `json:"condition,omitempty"` // optional expr-lang expression over object attributes
	RegisteredSeq     uint64           `json:"registered_seq"`
}

// Contains reports whether amount falls inside [AmountMin, AmountMax].
func (d WorkflowDefinition) Contains(amount int64) bool {
	return amount >= d.AmountMin && amount <= d.AmountMax
}

// StepDefinition is one stage of a workflow.
type StepDefinition struct {
	Order               int      `json:"order"`
	Approvers           []string `json:"approvers,omitempty"`
	Roles               []string `json:"roles,omitempty"`
	Parallel            bool     `json:"parallel"`
	QuorumCount         int      `json:"quorum_count"`
	MaxDelayHours       int      `json:"max_delay_hours,omitempty"` // 0 disables the per-step deadline
	EscalateTo          []string `json:"escalate_to,omitempty"`
	EscalateToRoles     []string `json:"escalate_to_roles,omitempty"`
	AllowFreeDelegation bool     `json:"allow_free_delegation"`
}

// ObjectRef points at the business object under approval.
type ObjectRef struct {
	ObjectID   string                 `json:"object_id"`
	ObjectType string                 `json:"object_type"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ApprovalAction is one immutable entry of the audit trail.
type ApprovalAction struct {
	Seq           int        `json:"seq"`
	StepIndex     int        `json:"step_index"`
	Actor         string     `json:"actor"`
	Kind          ActionKind `json:"kind"`
	Comment       string     `json:"comment,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	DelegatedFrom string     `json:"delegated_from,omitempty"`
}

// ApprovalRequest is the aggregate mutated by the engine. Steps and
// EscalationEnabled are copied from the workflow at submit, so later
// re-registrations of that workflow never reach an in-flight request.
type ApprovalRequest struct {
	ID               uint64           `json:"id"`
	WorkflowID       uint64           `json:"workflow_id"`
	ObjectRef        ObjectRef        `json:"object_ref"`
	Amount           int64            `json:"amount"`
	Requester        string           `json:"requester"`
	Status           Status           `json:"status"`
	CurrentStepIndex int              `json:"current_step_index"`
	PendingApprovers []string         `json:"pending_approvers"`
	StepEligible     []string         `json:"step_eligible"`
	History          []ApprovalAction `json:"history"`
	CreatedAt        time.Time        `json:"created_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
	LastActionAt     time.Time        `json:"last_action_at"`
	EscalationCount  int              `json:"escalation_count"`
	FinalizedAt      *time.Time       `json:"finalized_at,omitempty"`
	Version          uint64           `json:"version"`

	Steps             []StepDefinition `json:"steps,omitempty"`
	EscalationEnabled bool             `json:"escalation_enabled"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (r ApprovalRequest) Clone() ApprovalRequest {
	out := r
	out.PendingApprovers = append([]string(nil), r.PendingApprovers...)
	out.StepEligible = append([]string(nil), r.StepEligible...)
	out.History = append([]ApprovalAction(nil), r.History...)
	out.Steps = CloneSteps(r.Steps)
	if r.ObjectRef.Attributes != nil {
		out.ObjectRef.Attributes = make(map[string]interface{}, len(r.ObjectRef.Attributes))
		for k, v := range r.ObjectRef.Attributes {
			out.ObjectRef.Attributes[k] = v
		}
	}
	if r.FinalizedAt != nil {
		t := *r.FinalizedAt
		out.FinalizedAt = &t
	}
	return out
}

// CloneSteps deep-copies a step list.
func CloneSteps(steps []StepDefinition) []StepDefinition {
	if steps == nil {
		return nil
	}
	out := make([]StepDefinition, len(steps))
	for i, s := range steps {
		s.Approvers = append([]string(nil), s.Approvers...)
		s.Roles = append([]string(nil), s.Roles...)
		s.EscalateTo = append([]string(nil), s.EscalateTo...)
		s.EscalateToRoles = append([]string(nil), s.EscalateToRoles...)
		out[i] = s
	}
	return out
}

// RequestView is the read model returned by engine operations.
type RequestView struct {
	ApprovalRequest
}

// Summary holds finalized-request counters that survive retention purges.
type Summary struct {
	Approved  int64 `json:"approved"`
	Rejected  int64 `json:"rejected"`
	Cancelled int64 `json:"cancelled"`
	Expired   int64 `json:"expired"`
}
