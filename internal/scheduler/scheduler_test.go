package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcom/internal/agentfsm"
	"agentcom/internal/eventbus"
	"agentcom/internal/store"
	"agentcom/internal/taskqueue"
)

func newTestHarness(t *testing.T) (*Scheduler, *taskqueue.Queue, *agentfsm.Registry) {
	t.Helper()
	dir := t.TempDir()

	main, err := store.Open(filepath.Join(dir, "tasks.db"), "tasks", nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { main.Close() })
	dead, err := store.Open(filepath.Join(dir, "dead_letter.db"), "dead_letter", nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { dead.Close() })

	bus := eventbus.New()
	q, err := taskqueue.New(main, dead, bus)
	require.NoError(t, err)
	reg := agentfsm.NewRegistry(q, bus, time.Minute, 4)

	s := New(q, reg, bus, time.Hour)
	return s, q, reg
}

func TestTryScheduleAllMatchesCapableIdleAgent(t *testing.T) {
	s, q, reg := newTestHarness(t)
	reg.Identify("agent-1", "runner", []string{"go"})

	task, err := q.Submit(taskqueue.SubmitParams{Description: "x", NeededCapabilities: []string{"go"}})
	require.NoError(t, err)

	result := s.TryScheduleAll()
	require.Equal(t, 1, result.Matched)

	got, err := q.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, taskqueue.StatusAssigned, got.Status)
	require.Equal(t, "agent-1", got.AssignedTo)
}

func TestTryScheduleAllSkipsIncapableAgent(t *testing.T) {
	s, q, _ := newTestHarness(t)
	s.registry.Identify("agent-1", "runner", []string{"python"})

	_, err := q.Submit(taskqueue.SubmitParams{Description: "x", NeededCapabilities: []string{"go"}})
	require.NoError(t, err)

	result := s.TryScheduleAll()
	require.Equal(t, 0, result.Matched)
	require.Equal(t, 1, result.ReadyTasks)
}

func TestTryScheduleAllRespectsPriorityOrder(t *testing.T) {
	s, q, reg := newTestHarness(t)
	reg.Identify("agent-1", "runner", nil)

	_, err := q.Submit(taskqueue.SubmitParams{Description: "low", Priority: taskqueue.PriorityLow})
	require.NoError(t, err)
	urgent, err := q.Submit(taskqueue.SubmitParams{Description: "urgent", Priority: taskqueue.PriorityUrgent})
	require.NoError(t, err)

	result := s.TryScheduleAll()
	require.Equal(t, 1, result.Matched)

	got, err := q.Get(urgent.ID)
	require.NoError(t, err)
	require.Equal(t, taskqueue.StatusAssigned, got.Status)
}

func TestTryScheduleAllEmitsAttemptOnZeroIdle(t *testing.T) {
	s, q, _ := newTestHarness(t)
	bus := eventbus.New()
	_ = bus

	_, err := q.Submit(taskqueue.SubmitParams{Description: "x"})
	require.NoError(t, err)

	result := s.TryScheduleAll()
	require.Equal(t, 0, result.Matched)
	require.Equal(t, 0, result.IdleAgents)
	require.Equal(t, 1, result.ReadyTasks)
}

func TestRunReactsToSubmittedEvent(t *testing.T) {
	s, q, reg := newTestHarness(t)
	reg.Identify("agent-1", "runner", nil)

	go s.Run()
	defer s.Stop()

	task, err := q.Submit(taskqueue.SubmitParams{Description: "x"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.Get(task.ID)
		return err == nil && got.Status == taskqueue.StatusAssigned
	}, time.Second, 10*time.Millisecond)
}
