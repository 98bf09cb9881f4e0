package workflow

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

// Standard error definitions
var (
	ErrAmountOutOfRange       = errors.New("amount outside workflow range")
	ErrNotAuthorized          = errors.New("actor not authorized")
	ErrIneligibleDelegate     = errors.New("ineligible delegate")
	ErrInvalidState           = errors.New("invalid state for operation")
	ErrAlreadyFinalized       = errors.New("request already finalized")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrRequestNotFound        = errors.New("request not found")
	ErrNoEligibleApprovers    = errors.New("step has no eligible approvers")
	ErrInvalidDecision        = errors.New("decision must be APPROVE or REJECT")
)

// finalizedError matches both ErrInvalidState and ErrAlreadyFinalized.
func finalizedError(status types.Status) error {
	return fmt.Errorf("%w: %w: request is %s", ErrInvalidState, ErrAlreadyFinalized, status)
}
