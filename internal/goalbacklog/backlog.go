package goalbacklog

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcom/internal/eventbus"
	"agentcom/internal/store"
)

// transition is one allowed (from, to) edge, mirroring the table-driven FSM
// pattern used throughout AgentCom's state machines.
type transition struct {
	From Status
	To   Status
}

var allowedTransitions = []transition{
	{StatusSubmitted, StatusDecomposing},
	{StatusDecomposing, StatusExecuting},
	{StatusDecomposing, StatusFailed},
	{StatusExecuting, StatusVerifying},
	{StatusExecuting, StatusFailed},
	{StatusVerifying, StatusComplete},
	{StatusVerifying, StatusFailed},
	{StatusVerifying, StatusExecuting},
}

func isAllowed(from, to Status) bool {
	for _, t := range allowedTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// SubmitParams are the caller-supplied fields for Submit.
type SubmitParams struct {
	Description     string
	SuccessCriteria []string
	Priority        int
	DependsOn       []string
	Source          Source
}

// Backlog is the single-writer actor owning all Goal records.
type Backlog struct {
	mu sync.Mutex

	h     *store.Handle
	bus   *eventbus.Bus
	goals map[string]*Goal
}

// New constructs a Backlog and rebuilds its in-memory set from disk.
func New(h *store.Handle, bus *eventbus.Bus) (*Backlog, error) {
	b := &Backlog{h: h, bus: bus, goals: make(map[string]*Goal)}
	err := h.Fold(func(_, v []byte) error {
		var g Goal
		if err := json.Unmarshal(v, &g); err != nil {
			return fmt.Errorf("goalbacklog: corrupt record during load: %w", err)
		}
		b.goals[g.ID] = &g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func now() int64 { return time.Now().UnixMilli() }

func (b *Backlog) persist(g *Goal) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("goalbacklog: marshal failed: %w", err)
	}
	return b.h.Insert([]byte(g.ID), data)
}

// Submit validates success_criteria is non-empty, assigns an id, persists,
// and emits goal_submitted.
func (b *Backlog) Submit(p SubmitParams) (*Goal, error) {
	if p.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if len(p.SuccessCriteria) == 0 {
		return nil, fmt.Errorf("%w: success_criteria must be non-empty", ErrValidation)
	}
	source := p.Source
	if source == "" {
		source = SourceAPI
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, dep := range p.DependsOn {
		if _, ok := b.goals[dep]; !ok {
			return nil, fmt.Errorf("%w: depends_on goal %s does not exist", ErrValidation, dep)
		}
	}

	ts := now()
	g := &Goal{
		ID:              uuid.New().String(),
		Description:     p.Description,
		SuccessCriteria: p.SuccessCriteria,
		Priority:        p.Priority,
		Status:          StatusSubmitted,
		DependsOn:       p.DependsOn,
		Source:          source,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	g.appendHistory("submitted", "")

	if err := b.persist(g); err != nil {
		return nil, err
	}
	b.goals[g.ID] = g

	if b.bus != nil {
		b.bus.Publish(eventbus.TopicGoals, "goal_submitted", g.clone())
	}
	return g.clone(), nil
}

// Get returns a snapshot of a goal by id.
func (b *Backlog) Get(id string) (*Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.goals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g.clone(), nil
}

// List returns snapshots of every goal.
func (b *Backlog) List() []*Goal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Goal, 0, len(b.goals))
	for _, g := range b.goals {
		out = append(out, g.clone())
	}
	return out
}

// Transition moves a goal along an allowed edge of the status graph,
// refusing anything not in allowedTransitions.
func (b *Backlog) Transition(id string, to Status, reason string) (*Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.goals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !isAllowed(g.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Status, to)
	}

	prev := *g
	g.Status = to
	g.UpdatedAt = now()
	g.appendHistory(string(to), reason)

	if err := b.persist(g); err != nil {
		*g = prev
		return nil, err
	}

	if b.bus != nil {
		b.bus.Publish(eventbus.TopicGoals, "goal_"+string(to), g.clone())
	}
	return g.clone(), nil
}

// AttachChildTask records a task id as belonging to this goal (called by the
// decomposition step that produces Tasks from a decomposing Goal).
func (b *Backlog) AttachChildTask(goalID, taskID string) (*Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.goals[goalID]
	if !ok {
		return nil, ErrNotFound
	}

	prev := *g
	g.ChildTaskIDs = append(g.ChildTaskIDs, taskID)
	g.UpdatedAt = now()
	g.appendHistory("child_task_attached", taskID)

	if err := b.persist(g); err != nil {
		*g = prev
		return nil, err
	}
	return g.clone(), nil
}

// EvaluateProgress applies a goal's child-task completion counts against the
// verifying->complete / verifying->failed edges — the scheduler (or an
// operator) calls this once it has gathered TaskQueue.GoalProgress for the
// goal. It is a no-op (returns the goal unchanged) if the goal is not in
// verifying.
func (b *Backlog) EvaluateProgress(goalID string, total, completed, failed, deadLetter int) (*Goal, error) {
	b.mu.Lock()
	g, ok := b.goals[goalID]
	status := Status("")
	if ok {
		status = g.Status
	}
	b.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if status != StatusVerifying {
		return b.Get(goalID)
	}

	switch {
	case completed == total && total > 0:
		return b.Transition(goalID, StatusComplete, "all child tasks completed")
	case deadLetter > 0 || failed > 0:
		return b.Transition(goalID, StatusFailed, "one or more child tasks failed")
	default:
		return b.Get(goalID)
	}
}
