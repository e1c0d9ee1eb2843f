// Package hubfsm drives the hub's overall autonomous behavior: a small,
// table-driven, mutex-guarded state machine in the same shape as
// internal/agentfsm and its teacher (agents/core's state machine), but with
// a single global instance instead of one per connection, a periodic tick
// instead of frame-driven events, and a 2-hour per-state watchdog.
package hubfsm

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentcom/internal/eventbus"
	"agentcom/internal/logging"
)

// State is one of the hub's top-level behavioral modes.
type State string

const (
	StateResting       State = "resting"
	StateExecuting      State = "executing"
	StateImproving      State = "improving"
	StateContemplating  State = "contemplating"
	StateHealing        State = "healing"
)

const watchdogTimeout = 2 * time.Hour
const historyCap = 200

type transition struct {
	From State
	To   State
}

// tickTransitions is the core, automatically-driven 2-state subset plus the
// critical-health escape hatch to healing, per spec.md §4.5's decision to
// implement a 2-state core with hooks for the full graph.
var tickTransitions = []transition{
	{StateResting, StateExecuting},
	{StateExecuting, StateResting},
	{StateExecuting, StateHealing},
	{StateHealing, StateResting},
}

// fullTransitions is the complete 5-state graph, reachable via
// ForceTransition (e.g. a GitHub webhook waking the improving/contemplating
// paths) even though the automatic tick never takes these edges itself.
var fullTransitions = append(append([]transition{}, tickTransitions...), []transition{
	{StateExecuting, StateImproving},
	{StateImproving, StateResting},
	{StateImproving, StateHealing},
	{StateExecuting, StateContemplating},
	{StateContemplating, StateResting},
	{StateContemplating, StateHealing},
}...)

func allowed(table []transition, from, to State) bool {
	for _, t := range table {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// TransitionRecord is one entry in the hub's capped history.
type TransitionRecord struct {
	From       State     `json:"from"`
	To         State     `json:"to"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"ts"`
	CycleCount int64     `json:"cycle_count"`
}

// SystemState is the tick's gathered snapshot, assembled by the caller from
// GoalBacklog.Stats, CostLedger.CheckBudget, and a health assessment.
type SystemState struct {
	GoalsPending   int
	BudgetDenied   bool
	BudgetReason   string
	HealthCritical bool
	HealthReason   string
}

// decision is evaluate's pure result.
type decision struct {
	transition bool
	to         State
	reason     string
}

// evaluate is the pure (fsm_state, system_state) -> decision function. It
// has no side effects so it can be tested in isolation from the tick loop.
func evaluate(state State, sys SystemState) decision {
	if sys.BudgetDenied {
		if state != StateResting {
			reason := sys.BudgetReason
			if reason == "" {
				reason = "budget exhausted"
			}
			return decision{transition: true, to: StateResting, reason: reason}
		}
		return decision{}
	}
	if sys.HealthCritical && state != StateHealing {
		reason := sys.HealthReason
		if reason == "" {
			reason = "critical health"
		}
		return decision{transition: true, to: StateHealing, reason: reason}
	}

	switch state {
	case StateResting:
		if sys.GoalsPending > 0 {
			return decision{transition: true, to: StateExecuting, reason: "goals pending"}
		}
	case StateExecuting:
		if sys.GoalsPending == 0 {
			return decision{transition: true, to: StateResting, reason: "no goals pending"}
		}
	case StateHealing:
		// Remediation completion is signaled externally via ForceTransition;
		// apart from the budget-exhaustion rule above, the tick never leaves
		// healing.
	}
	return decision{}
}

// Hub is the single global state machine instance.
type Hub struct {
	mu sync.Mutex

	state      State
	cycleCount int64
	history    []TransitionRecord

	bus *eventbus.Bus

	paused     bool
	stop       chan struct{}
	done       chan struct{}
	watchdog   *time.Timer

	subscribers []chan TransitionRecord
}

// New constructs a Hub starting in resting.
func New(bus *eventbus.Bus) *Hub {
	h := &Hub{
		state:   StateResting,
		bus:     bus,
		history: make([]TransitionRecord, 0, 32),
	}
	return h
}

// State returns the current state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// History returns up to limit most recent transitions (all, if limit <= 0).
func (h *Hub) History(limit int) []TransitionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.history) {
		limit = len(h.history)
	}
	out := make([]TransitionRecord, limit)
	copy(out, h.history[len(h.history)-limit:])
	return out
}

// Subscribe returns a channel receiving transition records.
func (h *Hub) Subscribe(bufferSize int) chan TransitionRecord {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	ch := make(chan TransitionRecord, bufferSize)
	h.mu.Lock()
	h.subscribers = append(h.subscribers, ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(ch chan TransitionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.subscribers {
		if sub == ch {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Tick gathers nothing itself — the caller passes the already-gathered
// SystemState — and applies evaluate's decision if any, following the
// tick-restricted transition table.
func (h *Hub) Tick(sys SystemState) {
	h.mu.Lock()
	if h.paused {
		h.mu.Unlock()
		return
	}
	current := h.state
	h.mu.Unlock()

	d := evaluate(current, sys)
	if !d.transition {
		return
	}
	if !allowed(tickTransitions, current, d.to) {
		logging.L().Warn("hubfsm: evaluate proposed a non-tick edge, ignoring",
			zap.String("from", string(current)), zap.String("to", string(d.to)))
		return
	}
	h.applyTransition(d.to, d.reason)
}

// ForceTransition is used by external events (e.g. a GitHub webhook) to wake
// the FSM along an edge of the full 5-state graph, even one the automatic
// tick never takes on its own.
func (h *Hub) ForceTransition(target State, reason string) error {
	h.mu.Lock()
	current := h.state
	h.mu.Unlock()

	if !allowed(fullTransitions, current, target) {
		return fmt.Errorf("hubfsm: invalid forced transition: %s -> %s", current, target)
	}
	h.applyTransition(target, reason)
	return nil
}

func (h *Hub) applyTransition(to State, reason string) {
	h.mu.Lock()
	from := h.state
	h.cycleCount++
	rec := TransitionRecord{From: from, To: to, Reason: reason, Timestamp: time.Now(), CycleCount: h.cycleCount}
	h.state = to
	h.history = append(h.history, rec)
	if len(h.history) > historyCap {
		h.history = h.history[len(h.history)-historyCap:]
	}
	subs := append([]chan TransitionRecord(nil), h.subscribers...)
	h.mu.Unlock()

	h.rearmWatchdog()

	for _, ch := range subs {
		select {
		case ch <- rec:
		default:
		}
	}
	if h.bus != nil {
		h.bus.Publish(eventbus.TopicHubFSM, "hub_fsm_state_change", rec)
	}
	logging.L().Info("hubfsm: state change", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
}

// rearmWatchdog resets the 2-hour per-state safety timer. On expiry it
// force-transitions to resting regardless of the current state's outgoing
// edges — a safety net for a stuck state, not a modeled transition.
func (h *Hub) rearmWatchdog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	h.watchdog = time.AfterFunc(watchdogTimeout, func() {
		h.mu.Lock()
		stuck := h.state
		h.mu.Unlock()
		if stuck == StateResting {
			return
		}
		logging.L().Warn("hubfsm: watchdog expired, forcing resting", zap.String("stuck_state", string(stuck)))
		h.applyTransition(StateResting, "watchdog expired")
	})
}

// Pause freezes the FSM: Tick becomes a no-op and the watchdog is cancelled.
func (h *Hub) Pause() {
	h.mu.Lock()
	h.paused = true
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	h.mu.Unlock()
}

// Resume un-freezes the FSM and re-arms the watchdog.
func (h *Hub) Resume() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
	h.rearmWatchdog()
}

// IsPaused reports whether Tick is currently a no-op.
func (h *Hub) IsPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// Run starts a goroutine calling gather and Tick on every tickInterval,
// until Stop is called.
func (h *Hub) Run(tickInterval time.Duration, gather func() SystemState) {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	h.stop = make(chan struct{})
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				h.Tick(gather())
			}
		}
	}()
}

// Stop halts Run's goroutine and waits for it to exit.
func (h *Hub) Stop() {
	if h.stop == nil {
		return
	}
	close(h.stop)
	<-h.done
	h.mu.Lock()
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	h.mu.Unlock()
}
