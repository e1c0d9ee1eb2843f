// Package agentfsm is the per-connection agent state machine: one instance
// per connected sidecar, created on successful identify and destroyed on
// disconnect plus the reaper's grace period. It encapsulates socket
// identity, FSM state, and heartbeat tracking — the transition-table,
// mutex-guarded, subscribe/unsubscribe shape is carried from the teacher's
// agents/core state machine, generalized from a per-build pipeline FSM to
// AgentCom's per-agent lifecycle FSM.
package agentfsm

import (
	"fmt"
	"sync"
	"time"
)

// State is one of an agent's lifecycle states.
type State string

const (
	StateIdle     State = "idle"
	StateAssigned State = "assigned"
	StateWorking  State = "working"
	StateBlocked  State = "blocked"
	StateOffline  State = "offline"
)

// Event drives a state transition.
type Event string

const (
	EventAssign           Event = "assign"
	EventAcceptFrame      Event = "accept_frame"
	EventProgressFrame    Event = "progress_frame"
	EventCompleteFrame    Event = "complete_frame"
	EventFailFrame        Event = "fail_frame"
	EventBlock            Event = "block"
	EventUnblock          Event = "unblock"
	EventHeartbeatTimeout Event = "heartbeat_timeout"
	EventDisconnect       Event = "disconnect"
)

type transition struct {
	From  State
	Event Event
	To    State
}

var validTransitions = []transition{
	{StateIdle, EventAssign, StateAssigned},
	{StateAssigned, EventAcceptFrame, StateWorking},
	{StateWorking, EventProgressFrame, StateWorking},
	{StateWorking, EventCompleteFrame, StateIdle},
	{StateWorking, EventFailFrame, StateIdle},
	{StateIdle, EventBlock, StateBlocked},
	{StateBlocked, EventUnblock, StateIdle},

	{StateIdle, EventHeartbeatTimeout, StateOffline},
	{StateAssigned, EventHeartbeatTimeout, StateOffline},
	{StateWorking, EventHeartbeatTimeout, StateOffline},
	{StateBlocked, EventHeartbeatTimeout, StateOffline},

	{StateIdle, EventDisconnect, StateOffline},
	{StateAssigned, EventDisconnect, StateOffline},
	{StateWorking, EventDisconnect, StateOffline},
	{StateBlocked, EventDisconnect, StateOffline},
}

func findTransition(from State, event Event) (State, bool) {
	for _, t := range validTransitions {
		if t.From == from && t.Event == event {
			return t.To, true
		}
	}
	return "", false
}

// Transition is emitted on every state change, for WebSocket bridging and
// audit logging.
type Transition struct {
	AgentID   string    `json:"agent_id"`
	From      State     `json:"from_state"`
	To        State     `json:"to_state"`
	Event     Event     `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

const historyCap = 100

// Agent is one logical instance per connected sidecar.
type Agent struct {
	mu sync.RWMutex

	ID             string
	Name           string
	Capabilities   []string
	state          State
	CurrentTaskID  string
	ConnectedAt    time.Time
	LastHeartbeat  time.Time
	LastAssignedAt time.Time
	Flags          map[string]bool

	subscribers []chan Transition
	history     []Transition
}

// New creates an Agent in the idle state, as happens on successful identify.
func New(id, name string, capabilities []string) *Agent {
	now := time.Now()
	return &Agent{
		ID:            id,
		Name:          name,
		Capabilities:  capabilities,
		state:         StateIdle,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Flags:         make(map[string]bool),
		history:       make([]Transition, 0, 16),
	}
}

// State returns the current FSM state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// IsIdle reports whether the agent is eligible for assignment.
func (a *Agent) IsIdle() bool {
	return a.State() == StateIdle
}

// HasCapabilities reports whether the agent's capability set is a superset
// of required.
func (a *Agent) HasCapabilities(required []string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// Transition attempts the (state, event) -> state edge, recording history
// and notifying subscribers non-blockingly on success.
func (a *Agent) Transition(event Event, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	to, ok := findTransition(a.state, event)
	if !ok {
		return fmt.Errorf("agentfsm: invalid transition: agent=%s state=%s event=%s", a.ID, a.state, event)
	}

	rec := Transition{
		AgentID:   a.ID,
		From:      a.state,
		To:        to,
		Event:     event,
		Timestamp: time.Now(),
		Reason:    reason,
	}

	a.state = to
	switch event {
	case EventAssign:
		a.LastAssignedAt = rec.Timestamp
	case EventCompleteFrame, EventFailFrame:
		a.CurrentTaskID = ""
	}

	a.history = append(a.history, rec)
	if len(a.history) > historyCap {
		a.history = a.history[len(a.history)-historyCap:]
	}

	for _, ch := range a.subscribers {
		select {
		case ch <- rec:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving this agent's transitions.
func (a *Agent) Subscribe(bufferSize int) chan Transition {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	ch := make(chan Transition, bufferSize)
	a.mu.Lock()
	a.subscribers = append(a.subscribers, ch)
	a.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (a *Agent) Unsubscribe(ch chan Transition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, sub := range a.subscribers {
		if sub == ch {
			a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// History returns a copy of this agent's recorded transitions.
func (a *Agent) History() []Transition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Transition, len(a.history))
	copy(out, a.history)
	return out
}

// Touch records a heartbeat received from the sidecar.
func (a *Agent) Touch() {
	a.mu.Lock()
	a.LastHeartbeat = time.Now()
	a.mu.Unlock()
}

// SecondsSinceHeartbeat reports elapsed time since the last heartbeat.
func (a *Agent) SecondsSinceHeartbeat() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return time.Since(a.LastHeartbeat).Seconds()
}

// Snapshot is a read-only view of an Agent's record fields (spec.md's Agent
// record).
type Snapshot struct {
	AgentID        string   `json:"agent_id"`
	Name           string   `json:"name"`
	FSMState       State    `json:"fsm_state"`
	CurrentTaskID  string   `json:"current_task_id,omitempty"`
	Capabilities   []string `json:"capabilities"`
	ConnectedAt    int64    `json:"connected_at"`
	LastHeartbeat  int64    `json:"last_heartbeat"`
	LastAssignedAt int64    `json:"last_assigned_at,omitempty"`
	Flags          map[string]bool `json:"flags,omitempty"`
}

// Snapshot returns a consistent, externally-safe copy of the agent's record.
func (a *Agent) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	flags := make(map[string]bool, len(a.Flags))
	for k, v := range a.Flags {
		flags[k] = v
	}
	var lastAssigned int64
	if !a.LastAssignedAt.IsZero() {
		lastAssigned = a.LastAssignedAt.UnixMilli()
	}
	return Snapshot{
		AgentID:        a.ID,
		Name:           a.Name,
		FSMState:       a.state,
		CurrentTaskID:  a.CurrentTaskID,
		Capabilities:   append([]string(nil), a.Capabilities...),
		ConnectedAt:    a.ConnectedAt.UnixMilli(),
		LastHeartbeat:  a.LastHeartbeat.UnixMilli(),
		LastAssignedAt: lastAssigned,
		Flags:          flags,
	}
}

// SetFlag sets or clears a named flag (e.g. "rate_limited").
func (a *Agent) SetFlag(name string, value bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if value {
		a.Flags[name] = true
	} else {
		delete(a.Flags, name)
	}
}
