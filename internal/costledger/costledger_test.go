package costledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agentcom/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	h, err := store.Open(filepath.Join(t.TempDir(), "cost.db"), "cost_ledger", nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return New(h, nil)
}

func TestCheckBudgetAllowsUnderCap(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.CheckBudget(StateContemplating))
}

func TestCheckBudgetDeniesAtCap(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.RecordInvocation(StateContemplating, 10, "plan"))
	}
	err := l.CheckBudget(StateContemplating)
	require.Error(t, err)
	var denial *Denial
	require.ErrorAs(t, err, &denial)
	require.Equal(t, int64(5), denial.Count)
	require.Equal(t, int64(5), denial.Limit)
}

func TestRecordInvocationPersistsToHistory(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.RecordInvocation(StateExecuting, 100, "code_edit"))
	require.NoError(t, l.RecordInvocation(StateExecuting, 200, "code_edit"))

	hist, err := l.History(0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
}

func TestHistoryRespectsLimit(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.RecordInvocation(StateExecuting, 1, "x"))
	}
	hist, err := l.History(2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
}

func TestStatsReportsCountAgainstLimit(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.RecordInvocation(StateImproving, 1, "x"))

	var found bool
	for _, s := range l.Stats() {
		if s.HubState == StateImproving {
			found = true
			require.Equal(t, int64(1), s.Count)
			require.Equal(t, int64(10), s.Limit)
		}
	}
	require.True(t, found)
}

func TestFailsOpenWithNilHandle(t *testing.T) {
	l := New(nil, nil)
	require.NoError(t, l.CheckBudget(StateExecuting))
	require.NoError(t, l.RecordInvocation(StateExecuting, 1, "x"))

	hist, err := l.History(0)
	require.NoError(t, err)
	require.Nil(t, hist)
}

func TestLimitOverridesApplied(t *testing.T) {
	h, err := store.Open(filepath.Join(t.TempDir(), "cost.db"), "cost_ledger", nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	l := New(h, map[HubState]int64{StateExecuting: 2})
	require.NoError(t, l.RecordInvocation(StateExecuting, 1, "x"))
	require.NoError(t, l.RecordInvocation(StateExecuting, 1, "x"))

	err = l.CheckBudget(StateExecuting)
	require.Error(t, err)
}
