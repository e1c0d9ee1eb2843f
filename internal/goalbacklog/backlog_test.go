package goalbacklog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agentcom/internal/eventbus"
	"agentcom/internal/store"
)

func newTestBacklog(t *testing.T) *Backlog {
	t.Helper()
	h, err := store.Open(filepath.Join(t.TempDir(), "goals.db"), "goals", nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	b, err := New(h, eventbus.New())
	require.NoError(t, err)
	return b
}

func TestSubmitRequiresSuccessCriteria(t *testing.T) {
	b := newTestBacklog(t)
	_, err := b.Submit(SubmitParams{Description: "x"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubmitAndTransitionFullLifecycle(t *testing.T) {
	b := newTestBacklog(t)
	g, err := b.Submit(SubmitParams{Description: "ship feature", SuccessCriteria: []string{"tests pass"}})
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, g.Status)

	g, err = b.Transition(g.ID, StatusDecomposing, "")
	require.NoError(t, err)
	g, err = b.Transition(g.ID, StatusExecuting, "")
	require.NoError(t, err)
	g, err = b.Transition(g.ID, StatusVerifying, "")
	require.NoError(t, err)
	g, err = b.Transition(g.ID, StatusComplete, "")
	require.NoError(t, err)
	require.Equal(t, StatusComplete, g.Status)
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	b := newTestBacklog(t)
	g, err := b.Submit(SubmitParams{Description: "x", SuccessCriteria: []string{"y"}})
	require.NoError(t, err)

	_, err = b.Transition(g.ID, StatusComplete, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestVerifyingCanLoopBackToExecuting(t *testing.T) {
	b := newTestBacklog(t)
	g, err := b.Submit(SubmitParams{Description: "x", SuccessCriteria: []string{"y"}})
	require.NoError(t, err)
	g, err = b.Transition(g.ID, StatusDecomposing, "")
	require.NoError(t, err)
	g, err = b.Transition(g.ID, StatusExecuting, "")
	require.NoError(t, err)
	g, err = b.Transition(g.ID, StatusVerifying, "")
	require.NoError(t, err)

	g, err = b.Transition(g.ID, StatusExecuting, "verification found gaps")
	require.NoError(t, err)
	require.Equal(t, StatusExecuting, g.Status)
}

func TestAttachChildTask(t *testing.T) {
	b := newTestBacklog(t)
	g, err := b.Submit(SubmitParams{Description: "x", SuccessCriteria: []string{"y"}})
	require.NoError(t, err)

	g, err = b.AttachChildTask(g.ID, "task-1")
	require.NoError(t, err)
	g, err = b.AttachChildTask(g.ID, "task-2")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"task-1", "task-2"}, g.ChildTaskIDs)
}

func TestEvaluateProgressCompletesWhenAllTasksDone(t *testing.T) {
	b := newTestBacklog(t)
	g, err := b.Submit(SubmitParams{Description: "x", SuccessCriteria: []string{"y"}})
	require.NoError(t, err)
	_, err = b.Transition(g.ID, StatusDecomposing, "")
	require.NoError(t, err)
	_, err = b.Transition(g.ID, StatusExecuting, "")
	require.NoError(t, err)
	_, err = b.Transition(g.ID, StatusVerifying, "")
	require.NoError(t, err)

	g, err = b.EvaluateProgress(g.ID, 2, 2, 0, 0)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, g.Status)
}

func TestEvaluateProgressFailsOnDeadLetter(t *testing.T) {
	b := newTestBacklog(t)
	g, err := b.Submit(SubmitParams{Description: "x", SuccessCriteria: []string{"y"}})
	require.NoError(t, err)
	_, err = b.Transition(g.ID, StatusDecomposing, "")
	require.NoError(t, err)
	_, err = b.Transition(g.ID, StatusExecuting, "")
	require.NoError(t, err)
	_, err = b.Transition(g.ID, StatusVerifying, "")
	require.NoError(t, err)

	g, err = b.EvaluateProgress(g.ID, 2, 1, 0, 1)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, g.Status)
}

func TestEvaluateProgressNoOpOutsideVerifying(t *testing.T) {
	b := newTestBacklog(t)
	g, err := b.Submit(SubmitParams{Description: "x", SuccessCriteria: []string{"y"}})
	require.NoError(t, err)

	unchanged, err := b.EvaluateProgress(g.ID, 2, 2, 0, 0)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, unchanged.Status)
}
