package work

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		wantErr error
	}{
		{
			name: "happy path",
			path: []Status{StatusRunning, StatusCompleted},
		},
		{
			name: "approval detour",
			path: []Status{StatusRunning, StatusAwaitingApproval, StatusRunning, StatusCompleted},
		},
		{
			name: "cancel while pending",
			path: []Status{StatusCancelled},
		},
		{
			name:    "skip running",
			path:    []Status{StatusCompleted},
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "terminal is immutable",
			path:    []Status{StatusRunning, StatusFailed, StatusRunning},
			wantErr: ErrTerminalImmutable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := NewUnit(KindRequest, "conv-1", nil)

			var err error
			for _, next := range tt.path {
				if err = u.TransitionTo(next); err != nil {
					break
				}
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestTerminalSetsCompletedAt(t *testing.T) {
	u := NewUnit(KindRequest, "conv-1", nil)
	require.NoError(t, u.TransitionTo(StatusRunning))
	assert.True(t, u.CompletedAt.IsZero())

	require.NoError(t, u.TransitionTo(StatusCompleted))
	assert.False(t, u.CompletedAt.IsZero())
	assert.True(t, u.Terminal())
}

func TestFailRecordsReasonOnce(t *testing.T) {
	u := NewUnit(KindRequest, "conv-1", nil)
	require.NoError(t, u.TransitionTo(StatusRunning))

	u.Fail(ReasonBudgetExceeded, errors.New("ledger spent"))
	assert.Equal(t, StatusFailed, u.Status)
	assert.Equal(t, ReasonBudgetExceeded, u.Reason)
	assert.Equal(t, "ledger spent", u.Error)

	// A second Fail on a frozen record is a no-op.
	u.Fail(ReasonHandlerError, errors.New("later"))
	assert.Equal(t, ReasonBudgetExceeded, u.Reason)
	assert.Equal(t, "ledger spent", u.Error)
}

func TestNewChildSharesConversation(t *testing.T) {
	parent := NewUnit(KindRequest, "conv-1", nil)
	child := NewChild(parent, map[string]any{"step": 2})

	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, parent.ConversationID, child.ConversationID)
	assert.Equal(t, KindSubTask, child.Kind)
	assert.NotEqual(t, parent.ID, child.ID)
}

func TestMergeOutputPreservesParentKeys(t *testing.T) {
	u := NewUnit(KindRequest, "conv-1", nil)
	u.Output = map[string]any{"own": "value"}

	u.MergeOutput("child-1", map[string]any{"a": 1})
	u.MergeOutput("child-2", map[string]any{"b": 2})

	assert.Equal(t, "value", u.Output["own"])
	delegated := u.Output["delegated"].(map[string]any)
	assert.Len(t, delegated, 2)
	assert.Equal(t, map[string]any{"a": 1}, delegated["child-1"])
}

func TestAppendTraceOrdered(t *testing.T) {
	u := NewUnit(KindRequest, "conv-1", nil)
	u.AppendTrace("safety_check", "passed")
	u.AppendTrace("handler", "ok")

	require.Len(t, u.Trace, 2)
	assert.Equal(t, "safety_check", u.Trace[0].Stage)
	assert.Equal(t, "handler", u.Trace[1].Stage)
}

func TestFailBeforeRunning(t *testing.T) {
	// Units rejected before their handler ever runs, such as a spent
	// deadline at intake, fail straight out of pending.
	u := NewUnit(KindRequest, "conv-1", nil)
	u.Fail(ReasonDeadlineExceeded, errors.New("deadline passed before delegation"))

	assert.Equal(t, StatusFailed, u.Status)
	assert.Equal(t, ReasonDeadlineExceeded, u.Reason)
	assert.True(t, u.Terminal())
}

func TestTerminalFreezesRecord(t *testing.T) {
	u := NewUnit(KindRequest, "conv-1", nil)
	require.NoError(t, u.TransitionTo(StatusRunning))
	u.AddCost(3)
	u.AppendTrace("handler", "ok")
	u.Fail(ReasonShutdownInterrupted, errors.New("drain timeout elapsed"))

	u.AddCost(5)
	u.AppendTrace("handler", "late")
	u.MergeOutput("child-1", map[string]any{"late": true})
	u.MergeHandlerOutput(map[string]any{"late": true})

	assert.Equal(t, 3.0, u.Cost)
	assert.Len(t, u.Trace, 1)
	assert.Nil(t, u.Output)
}

func TestConcurrentFailDuringMutation(t *testing.T) {
	// A shutdown goroutine may fail a unit while its owner is still
	// accruing cost and trace. Both sides serialize on the unit's lock.
	u := NewUnit(KindRequest, "conv-1", nil)
	require.NoError(t, u.TransitionTo(StatusRunning))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			u.AddCost(1)
			u.AppendTrace("work", "step")
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	u.Fail(ReasonShutdownInterrupted, errors.New("drain timeout elapsed"))
	close(stop)
	wg.Wait()

	assert.Equal(t, StatusFailed, u.Status)
	assert.Equal(t, ReasonShutdownInterrupted, u.Reason)
}

func TestMergeHandlerOutputPreservesDelegated(t *testing.T) {
	u := NewUnit(KindRequest, "conv-1", nil)
	u.MergeOutput("child-1", map[string]any{"a": 1})

	u.MergeHandlerOutput(map[string]any{"summary": "done", "delegated": "clobbered"})

	assert.Equal(t, "done", u.Output["summary"])
	delegated := u.Output["delegated"].(map[string]any)
	assert.Equal(t, map[string]any{"a": 1}, delegated["child-1"])
}
