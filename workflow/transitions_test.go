package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from types.Status
		ev   Event
		want types.Status
		err  error
	}{
		{types.StatusPending, EventApprove, types.StatusInProgress, nil},
		{types.StatusPending, EventDelegate, types.StatusPending, nil},
		{types.StatusPending, EventEscalate, types.StatusPending, nil},
		{types.StatusPending, EventComplete, "", ErrInvalidState},
		{types.StatusInProgress, EventComplete, types.StatusApproved, nil},
		{types.StatusInProgress, EventReject, types.StatusRejected, nil},
		{types.StatusInProgress, EventCancel, types.StatusCancelled, nil},
		{types.StatusInProgress, EventExpire, types.StatusExpired, nil},
		{types.StatusApproved, EventCancel, "", ErrAlreadyFinalized},
		{types.StatusExpired, EventEscalate, "", ErrAlreadyFinalized},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := transition(tt.from, tt.ev)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.ErrorIs(t, err, ErrInvalidState)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	for _, s := range []types.Status{types.StatusApproved, types.StatusRejected, types.StatusCancelled, types.StatusExpired} {
		assert.NotContains(t, transitions, s)
		for _, ev := range []Event{EventApprove, EventComplete, EventReject, EventDelegate, EventCancel, EventEscalate, EventExpire} {
			_, err := transition(s, ev)
			assert.ErrorIs(t, err, ErrAlreadyFinalized)
		}
	}
}

func TestIsSatisfied(t *testing.T) {
	tests := []struct {
		name      string
		step      types.StepDefinition
		approvers []string
		want      bool
	}{
		{"SequentialNone", types.StepDefinition{}, nil, false},
		{"SequentialOne", types.StepDefinition{}, []string{"a"}, true},
		{"SequentialIgnoresQuorum", types.StepDefinition{QuorumCount: 3}, []string{"a"}, true},
		{"ParallelBelowQuorum", types.StepDefinition{Parallel: true, QuorumCount: 2}, []string{"a"}, false},
		{"ParallelAtQuorum", types.StepDefinition{Parallel: true, QuorumCount: 2}, []string{"a", "b"}, true},
		{"ParallelDuplicatesCountOnce", types.StepDefinition{Parallel: true, QuorumCount: 2}, []string{"a", "a"}, false},
		{"ParallelZeroQuorumIsOne", types.StepDefinition{Parallel: true}, []string{"a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSatisfied(tt.step, tt.approvers))
		})
	}
}
