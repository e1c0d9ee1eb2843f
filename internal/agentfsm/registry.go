package agentfsm

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentcom/internal/eventbus"
	"agentcom/internal/logging"
	"agentcom/internal/taskqueue"
)

// DefaultHeartbeatInterval and DefaultHeartbeatTimeoutMultiple are spec.md's
// suggested defaults: a sidecar heartbeats roughly every 15s, and a miss
// beyond 4x that interval (60s) triggers reclaim + offline.
const (
	DefaultHeartbeatInterval        = 15 * time.Second
	DefaultHeartbeatTimeoutMultiple = 4
)

// Registry owns every connected agent's Agent instance, keyed by agent_id.
// It is the single place that creates an Agent (on identify) and destroys
// one (after disconnect plus the reaper's grace period).
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	queue             *taskqueue.Queue
	bus               *eventbus.Bus
	heartbeatTimeout  time.Duration

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewRegistry constructs a Registry. heartbeatInterval*timeoutMultiple
// determines how long an agent may go silent before being reclaimed.
func NewRegistry(queue *taskqueue.Queue, bus *eventbus.Bus, heartbeatInterval time.Duration, timeoutMultiple int) *Registry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if timeoutMultiple <= 0 {
		timeoutMultiple = DefaultHeartbeatTimeoutMultiple
	}
	return &Registry{
		agents:           make(map[string]*Agent),
		queue:            queue,
		bus:              bus,
		heartbeatTimeout: heartbeatInterval * time.Duration(timeoutMultiple),
	}
}

// Identify registers a newly-connected sidecar and returns its fresh idle
// Agent. A reconnect under the same agent_id replaces any stale entry.
func (r *Registry) Identify(agentID, name string, capabilities []string) *Agent {
	a := New(agentID, name, capabilities)

	r.mu.Lock()
	r.agents[agentID] = a
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(eventbus.TopicPresence, "agent_connected", a.Snapshot())
	}
	logging.L().Info("agentfsm: agent identified", zap.String("agent_id", agentID), zap.Strings("capabilities", capabilities))
	return a
}

// Get returns the Agent for agentID, if connected.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// IdleAgents returns a snapshot of every agent currently eligible for
// assignment (idle, not rate-limited), ordered by least-recently-used
// (oldest LastAssignedAt first) per the scheduler's tie-break rule.
func (r *Registry) IdleAgents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.IsIdle() && !a.Snapshot().Flags["rate_limited"] {
			out = append(out, a)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].LastAssignedAt.After(out[j].LastAssignedAt); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Assign drives the assigned-side transition and records the assigned task.
func (r *Registry) Assign(agentID, taskID string) error {
	a, ok := r.Get(agentID)
	if !ok {
		return fmt.Errorf("agentfsm: unknown agent %s", agentID)
	}
	if err := a.Transition(EventAssign, taskID); err != nil {
		return err
	}
	a.mu.Lock()
	a.CurrentTaskID = taskID
	a.mu.Unlock()
	return nil
}

// HandleFrame applies one inbound sidecar lifecycle frame. generation is
// forwarded to TaskQueue, which is the sole arbiter of stale generations —
// a rejection here means the task was reclaimed out from under this agent,
// and is logged rather than surfaced as an error to the caller.
func (r *Registry) HandleFrame(agentID, taskID string, generation int64, frame string, detail string) {
	a, ok := r.Get(agentID)
	if !ok {
		logging.L().Warn("agentfsm: frame from unknown agent", zap.String("agent_id", agentID))
		return
	}

	var event Event
	var applyErr error
	switch frame {
	case "accept":
		event = EventAcceptFrame
		_, applyErr = r.queue.Accept(taskID, agentID, generation)
	case "progress":
		event = EventProgressFrame
		_, applyErr = r.queue.Progress(taskID, agentID, generation, detail)
	case "complete":
		event = EventCompleteFrame
		_, applyErr = r.queue.Complete(taskID, agentID, generation, detail)
	case "fail":
		event = EventFailFrame
		_, applyErr = r.queue.Fail(taskID, agentID, generation, detail)
	default:
		logging.L().Warn("agentfsm: unknown frame type", zap.String("frame", frame))
		return
	}

	if applyErr != nil {
		logging.L().Info("agentfsm: frame rejected by taskqueue, ignoring",
			zap.String("agent_id", agentID), zap.String("task_id", taskID), zap.Error(applyErr))
		return
	}

	if event == EventProgressFrame {
		a.Touch()
	}
	if err := a.Transition(event, detail); err != nil {
		logging.L().Warn("agentfsm: taskqueue accepted frame but local FSM rejected it",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// Disconnect marks an agent offline and reclaims any task it held.
func (r *Registry) Disconnect(agentID, reason string) {
	a, ok := r.Get(agentID)
	if !ok {
		return
	}
	r.reclaimAndOffline(a, EventDisconnect, reason)

	if r.bus != nil {
		r.bus.Publish(eventbus.TopicPresence, "agent_disconnected", a.Snapshot())
	}
}

func (r *Registry) reclaimAndOffline(a *Agent, event Event, reason string) {
	a.mu.RLock()
	taskID := a.CurrentTaskID
	a.mu.RUnlock()

	if taskID != "" && r.queue != nil {
		if _, err := r.queue.Reclaim(taskID, reason); err != nil {
			logging.L().Warn("agentfsm: reclaim on disconnect failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	if err := a.Transition(event, reason); err != nil {
		logging.L().Debug("agentfsm: offline transition no-op", zap.String("agent_id", a.ID), zap.Error(err))
	}
}

// Evict removes an agent's record entirely — called by the reaper once an
// offline agent's grace period has elapsed.
func (r *Registry) Evict(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// EvictStaleOffline purges every offline agent whose last heartbeat is
// older than grace — the reaper's grace period before actually destroying
// the Agent instance. The age is measured from the last heartbeat, not from
// the moment the agent went offline.
func (r *Registry) EvictStaleOffline(grace time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, a := range r.agents {
		if a.State() != StateOffline {
			continue
		}
		if a.SecondsSinceHeartbeat() > grace.Seconds() {
			delete(r.agents, id)
			evicted++
		}
	}
	return evicted
}

// Snapshot returns every currently-registered agent's record.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Snapshot())
	}
	return out
}

// StartHeartbeatSweep launches the background goroutine that reclaims and
// offlines any agent silent beyond the configured timeout. Stop with Stop.
func (r *Registry) StartHeartbeatSweep(tick time.Duration) {
	if tick <= 0 {
		tick = DefaultHeartbeatInterval
	}
	r.sweepStop = make(chan struct{})
	r.sweepDone = make(chan struct{})

	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-r.sweepStop:
				return
			case <-ticker.C:
				r.sweepTimedOutAgents()
			}
		}
	}()
}

func (r *Registry) sweepTimedOutAgents() {
	r.mu.RLock()
	candidates := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.State() != StateOffline && a.SecondsSinceHeartbeat() > r.heartbeatTimeout.Seconds() {
			candidates = append(candidates, a)
		}
	}
	r.mu.RUnlock()

	for _, a := range candidates {
		r.reclaimAndOffline(a, EventHeartbeatTimeout, "heartbeat timeout")
		logging.L().Warn("agentfsm: heartbeat timeout", zap.String("agent_id", a.ID))
	}
}

// Stop halts the heartbeat sweep goroutine, if running.
func (r *Registry) Stop() {
	if r.sweepStop == nil {
		return
	}
	close(r.sweepStop)
	<-r.sweepDone
}
