package work

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetRecordsPastCeiling(t *testing.T) {
	b, err := NewBudget(10)
	require.NoError(t, err)

	require.NoError(t, b.Consume(4))
	assert.InDelta(t, 6, b.Remaining(), 0.001)

	// The overrunning spend is still recorded.
	assert.ErrorIs(t, b.Consume(7), ErrBudgetExceeded)
	assert.InDelta(t, 11, b.Used(), 0.001)
	assert.Less(t, b.Remaining(), 0.0)
}

func TestBudgetRejectsInvalid(t *testing.T) {
	_, err := NewBudget(0)
	assert.ErrorIs(t, err, ErrInvalidBudget)

	b, err := NewBudget(5)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Consume(-1), ErrInvalidBudget)
	assert.InDelta(t, 0, b.Used(), 0.001)
}

func TestBudgetConcurrentConsume(t *testing.T) {
	b, err := NewBudget(1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Consume(1)
		}()
	}
	wg.Wait()

	assert.InDelta(t, 100, b.Used(), 0.001)
}

func TestDelegationChildIncrementsDepth(t *testing.T) {
	b, err := NewBudget(10)
	require.NoError(t, err)
	root := NewDelegation("corr-1", b, time.Time{})

	child := root.Child("billing")
	grandchild := child.Child("reports")

	assert.Equal(t, 0, root.Depth)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, 2, grandchild.Depth)
	assert.Equal(t, []string{"billing", "reports"}, grandchild.Path())

	// Siblings never see each other's visited handlers.
	sibling := child.Child("audit")
	assert.True(t, grandchild.Visited("reports"))
	assert.False(t, sibling.Visited("reports"))
	assert.True(t, sibling.Visited("billing"))
}

func TestDelegationSharesBudget(t *testing.T) {
	b, err := NewBudget(10)
	require.NoError(t, err)
	root := NewDelegation("corr-1", b, time.Time{})
	child := root.Child("billing")

	require.NoError(t, child.Budget.Consume(3))
	assert.InDelta(t, 7, root.Budget.Remaining(), 0.001)
}

func TestDeadlinePassed(t *testing.T) {
	now := time.Now()
	b, err := NewBudget(10)
	require.NoError(t, err)

	unbounded := NewDelegation("corr-1", b, time.Time{})
	assert.False(t, unbounded.DeadlinePassed(now))

	bounded := NewDelegation("corr-1", b, now.Add(-time.Second))
	assert.True(t, bounded.DeadlinePassed(now))
	assert.False(t, bounded.DeadlinePassed(now.Add(-2*time.Second)))
}
