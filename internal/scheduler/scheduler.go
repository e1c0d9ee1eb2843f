// Package scheduler moves tasks from queued to assigned by matching them to
// idle agents. It is event-driven, grounded on the teacher's
// websocket.Hub.Run() select loop: a single goroutine selecting over a tick
// channel and an eventbus subscription, with no background polling beyond
// that tick as a safety net.
package scheduler

import (
	"time"

	"go.uber.org/zap"

	"agentcom/internal/agentfsm"
	"agentcom/internal/eventbus"
	"agentcom/internal/logging"
	"agentcom/internal/taskqueue"
)

// AttemptResult summarizes one TryScheduleAll pass, emitted as telemetry
// even on a 0-idle pass so capacity metrics have continuous data.
type AttemptResult struct {
	ReadyTasks  int
	IdleAgents  int
	Matched     int
	Timestamp   time.Time
}

// Scheduler runs the match loop between taskqueue.Queue's ready tasks and
// agentfsm.Registry's idle agents.
type Scheduler struct {
	queue    *taskqueue.Queue
	registry *agentfsm.Registry
	bus      *eventbus.Bus

	tickInterval time.Duration
	stop         chan struct{}
	done         chan struct{}
}

// New constructs a Scheduler. tickInterval is the periodic safety-net tick;
// the scheduler also runs a pass on every relevant eventbus event.
func New(queue *taskqueue.Queue, registry *agentfsm.Registry, bus *eventbus.Bus, tickInterval time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 2 * time.Second
	}
	return &Scheduler{
		queue:        queue,
		registry:     registry,
		bus:          bus,
		tickInterval: tickInterval,
	}
}

// Run subscribes to the relevant topics and drives TryScheduleAll on every
// tick or relevant event, until Stop is called. Intended to be started in
// its own goroutine.
func (s *Scheduler) Run() {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	defer close(s.done)

	taskEvents, unsubTasks := s.bus.Subscribe(eventbus.TopicTasks, 64)
	defer unsubTasks()
	presenceEvents, unsubPresence := s.bus.Subscribe(eventbus.TopicPresence, 64)
	defer unsubPresence()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.TryScheduleAll()
		case evt := <-taskEvents:
			if isSchedulingRelevant(evt.Type) {
				s.TryScheduleAll()
			}
		case <-presenceEvents:
			s.TryScheduleAll()
		}
	}
}

func isSchedulingRelevant(eventType string) bool {
	switch eventType {
	case "task_submitted", "task_completed", "task_failed", "task_reclaimed", "task_retried":
		return true
	default:
		return false
	}
}

// Stop halts Run's goroutine and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
}

// TryScheduleAll performs one greedy matching pass: ready tasks in strict
// priority+FIFO order, each matched against the first capability-superset
// idle agent in LRU order. No backtracking — if the head task cannot be
// matched it stays queued (head-of-line blocking is acceptable at this
// scale per spec).
func (s *Scheduler) TryScheduleAll() AttemptResult {
	ready := s.queue.ReadyTasks()
	idle := s.registry.IdleAgents()

	result := AttemptResult{ReadyTasks: len(ready), IdleAgents: len(idle), Timestamp: time.Now()}

	used := make(map[string]bool, len(idle))
	for _, t := range ready {
		pickID := ""
		for _, a := range idle {
			if used[a.ID] || !a.HasCapabilities(t.NeededCapabilities) {
				continue
			}
			pickID = a.ID
			break
		}
		if pickID == "" {
			continue
		}

		if _, err := s.queue.Assign(t.ID, pickID); err != nil {
			logging.L().Warn("scheduler: assign failed after match", zap.String("task_id", t.ID), zap.String("agent_id", pickID), zap.Error(err))
			continue
		}
		if err := s.registry.Assign(pickID, t.ID); err != nil {
			logging.L().Warn("scheduler: agent-side assign failed", zap.String("task_id", t.ID), zap.String("agent_id", pickID), zap.Error(err))
			continue
		}

		used[pickID] = true
		result.Matched++
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.TopicTasks, "scheduler_attempt", result)
	}
	return result
}
