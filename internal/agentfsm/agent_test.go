package agentfsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAgentStartsIdle(t *testing.T) {
	a := New("agent-1", "runner", []string{"go"})
	require.Equal(t, StateIdle, a.State())
	require.True(t, a.IsIdle())
}

func TestHasCapabilitiesRequiresSuperset(t *testing.T) {
	a := New("agent-1", "runner", []string{"go", "python"})
	require.True(t, a.HasCapabilities([]string{"go"}))
	require.True(t, a.HasCapabilities([]string{"go", "python"}))
	require.False(t, a.HasCapabilities([]string{"rust"}))
}

func TestFullLifecycleTransitions(t *testing.T) {
	a := New("agent-1", "runner", nil)

	require.NoError(t, a.Transition(EventAssign, "task-1"))
	require.Equal(t, StateAssigned, a.State())

	require.NoError(t, a.Transition(EventAcceptFrame, ""))
	require.Equal(t, StateWorking, a.State())

	require.NoError(t, a.Transition(EventProgressFrame, "halfway"))
	require.Equal(t, StateWorking, a.State())

	require.NoError(t, a.Transition(EventCompleteFrame, ""))
	require.Equal(t, StateIdle, a.State())
	require.Empty(t, a.Snapshot().CurrentTaskID)
}

func TestInvalidTransitionRejected(t *testing.T) {
	a := New("agent-1", "runner", nil)
	err := a.Transition(EventAcceptFrame, "")
	require.Error(t, err)
	require.Equal(t, StateIdle, a.State())
}

func TestDisconnectFromAnyNonOfflineState(t *testing.T) {
	a := New("agent-1", "runner", nil)
	require.NoError(t, a.Transition(EventAssign, "task-1"))
	require.NoError(t, a.Transition(EventDisconnect, "socket closed"))
	require.Equal(t, StateOffline, a.State())
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	a := New("agent-1", "runner", nil)
	ch := a.Subscribe(4)
	defer a.Unsubscribe(ch)

	require.NoError(t, a.Transition(EventAssign, "task-1"))

	tr := <-ch
	require.Equal(t, StateIdle, tr.From)
	require.Equal(t, StateAssigned, tr.To)
}

func TestHistoryCapped(t *testing.T) {
	a := New("agent-1", "runner", nil)
	for i := 0; i < historyCap+10; i++ {
		_ = a.Transition(EventAssign, "t")
		_ = a.Transition(EventAcceptFrame, "")
		_ = a.Transition(EventCompleteFrame, "")
	}
	require.LessOrEqual(t, len(a.History()), historyCap)
}
