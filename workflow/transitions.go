package workflow

import (
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

// Event is an input to the request state machine.
type Event string

const (
	EventApprove  Event = "approve"
	EventComplete Event = "complete" // last step satisfied
	EventReject   Event = "reject"
	EventDelegate Event = "delegate"
	EventCancel   Event = "cancel"
	EventEscalate Event = "escalate"
	EventExpire   Event = "expire"
)

// transitions is the single source of truth for legal status changes.
// Terminal statuses have no entries.
var transitions = map[types.Status]map[Event]types.Status{
	types.StatusPending: {
		EventApprove:  types.StatusInProgress,
		EventReject:   types.StatusRejected,
		EventDelegate: types.StatusPending,
		EventCancel:   types.StatusCancelled,
		EventEscalate: types.StatusPending,
		EventExpire:   types.StatusExpired,
	},
	types.StatusInProgress: {
		EventApprove:  types.StatusInProgress,
		EventComplete: types.StatusApproved,
		EventReject:   types.StatusRejected,
		EventDelegate: types.StatusInProgress,
		EventCancel:   types.StatusCancelled,
		EventEscalate: types.StatusInProgress,
		EventExpire:   types.StatusExpired,
	},
}

// transition returns the status reached from `from` on ev.
func transition(from types.Status, ev Event) (types.Status, error) {
	if from.IsTerminal() {
		return "", finalizedError(from)
	}
	next, ok := transitions[from][ev]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrInvalidState, ev, from)
	}
	return next, nil
}
