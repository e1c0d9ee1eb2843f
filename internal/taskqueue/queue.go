package taskqueue

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcom/internal/eventbus"
	"agentcom/internal/logging"
	"agentcom/internal/store"

	"go.uber.org/zap"
)

// Filter narrows List results. Zero-valued fields are unconstrained.
type Filter struct {
	Status     Status
	Priority   *Priority
	AssignedTo string
	GoalID     string
}

// Stats summarizes queue occupancy by status, including dead-letter.
type Stats struct {
	Queued     int
	Assigned   int
	Working    int
	Completed  int
	Failed     int
	DeadLetter int
	Cancelled  int
}

// GoalProgress counts child task statuses for a goal.
type GoalProgress struct {
	Total      int
	Queued     int
	Assigned   int
	Working    int
	Completed  int
	Failed     int
	DeadLetter int
	Cancelled  int
}

// SubmitParams are the caller-supplied fields for Submit.
type SubmitParams struct {
	Description        string
	Priority           Priority
	NeededCapabilities []string
	DependsOn          []string
	GoalID             string
	MaxRetries         int
	CompleteBy         *int64
	Repo               string
	Branch             string
	FileHints          []string
	SuccessCriteria    []string
	VerificationSteps  []string
	Complexity         string
	RoutingDecision    string
	Labels             map[string]string
}

type indexEntry struct {
	ID        string
	Priority  Priority
	CreatedAt int64
}

// Queue is the single-writer actor owning all Task records.
type Queue struct {
	mu sync.Mutex

	main       *store.Handle
	deadLetter *store.Handle
	bus        *eventbus.Bus

	tasks map[string]*Task
	index []indexEntry // sorted by (Priority, CreatedAt); queued tasks only
}

// New constructs a Queue and rebuilds its in-memory index from disk —
// "priority index ... rebuilt from disk at startup by scanning the main
// table" (spec.md §4.2).
func New(main, deadLetter *store.Handle, bus *eventbus.Bus) (*Queue, error) {
	q := &Queue{
		main:       main,
		deadLetter: deadLetter,
		bus:        bus,
		tasks:      make(map[string]*Task),
	}

	load := func(h *store.Handle) error {
		return h.Fold(func(_, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("taskqueue: corrupt record during load: %w", err)
			}
			q.tasks[t.ID] = &t
			return nil
		})
	}
	if err := load(main); err != nil {
		return nil, err
	}
	if err := load(deadLetter); err != nil {
		return nil, err
	}

	q.rebuildIndex()
	return q, nil
}

func (q *Queue) rebuildIndex() {
	q.index = q.index[:0]
	for _, t := range q.tasks {
		if t.Status == StatusQueued {
			q.index = append(q.index, indexEntry{ID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt})
		}
	}
	sortIndex(q.index)
}

func sortIndex(idx []indexEntry) {
	sort.SliceStable(idx, func(i, j int) bool {
		if idx[i].Priority != idx[j].Priority {
			return idx[i].Priority < idx[j].Priority
		}
		return idx[i].CreatedAt < idx[j].CreatedAt
	})
}

func (q *Queue) persist(t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("taskqueue: marshal failed: %w", err)
	}
	h := q.main
	if t.Status == StatusDeadLetter {
		h = q.deadLetter
	}
	return h.Insert([]byte(t.ID), data)
}

// persistMove writes t to its correct table and, if it moved tables (queue
// <-> dead_letter), removes it from the other one.
func (q *Queue) persistMove(t *Task, from *store.Handle) error {
	if err := q.persist(t); err != nil {
		return err
	}
	to := q.main
	if t.Status == StatusDeadLetter {
		to = q.deadLetter
	}
	if from != nil && from != to {
		_ = from.Delete([]byte(t.ID))
	}
	return nil
}

func now() int64 { return time.Now().UnixMilli() }

// Submit validates dependencies exist, assigns an id, persists, and emits
// task_submitted.
func (q *Queue) Submit(p SubmitParams) (*Task, error) {
	if p.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, dep := range p.DependsOn {
		if _, ok := q.tasks[dep]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrDependencyMissing, dep)
		}
	}

	ts := now()
	t := &Task{
		ID:                 uuid.New().String(),
		Description:        p.Description,
		Priority:           p.Priority,
		Status:             StatusQueued,
		MaxRetries:         maxRetries,
		NeededCapabilities: p.NeededCapabilities,
		DependsOn:          p.DependsOn,
		GoalID:             p.GoalID,
		CompleteBy:         p.CompleteBy,
		CreatedAt:          ts,
		UpdatedAt:          ts,
		Repo:               p.Repo,
		Branch:             p.Branch,
		FileHints:          p.FileHints,
		SuccessCriteria:    p.SuccessCriteria,
		VerificationSteps:  p.VerificationSteps,
		Complexity:         p.Complexity,
		RoutingDecision:    p.RoutingDecision,
		Labels:             p.Labels,
	}
	t.appendHistory("submitted", "")

	if err := q.persist(t); err != nil {
		return nil, err
	}

	q.tasks[t.ID] = t
	q.index = append(q.index, indexEntry{ID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt})
	sortIndex(q.index)

	if q.bus != nil {
		q.bus.Publish(eventbus.TopicTasks, "task_submitted", t.clone())
	}
	logging.L().Info("taskqueue: submitted", zap.String("task_id", t.ID), zap.String("goal_id", t.GoalID))
	return t.clone(), nil
}

// Get returns a snapshot of a task by id.
func (q *Queue) Get(id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(), nil
}

// List returns snapshots of tasks matching filter.
func (q *Queue) List(f Filter) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Task
	for _, t := range q.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Priority != nil && t.Priority != *f.Priority {
			continue
		}
		if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
			continue
		}
		if f.GoalID != "" && t.GoalID != f.GoalID {
			continue
		}
		out = append(out, t.clone())
	}
	return out
}

// TasksForGoal scans both the main and dead-letter tables for a goal's
// children.
func (q *Queue) TasksForGoal(goalID string) []*Task {
	return q.List(Filter{GoalID: goalID})
}

// ReadyTasks returns queued tasks in strict priority+FIFO order whose
// dependencies are all completed — the scheduler's candidate list.
func (q *Queue) ReadyTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Task, 0, len(q.index))
	for _, e := range q.index {
		t := q.tasks[e.ID]
		if t == nil || t.Status != StatusQueued {
			continue
		}
		if q.dependenciesSatisfiedLocked(t) {
			out = append(out, t.clone())
		}
	}
	return out
}

func (q *Queue) dependenciesSatisfiedLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := q.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (q *Queue) removeFromIndexLocked(id string) {
	for i, e := range q.index {
		if e.ID == id {
			q.index = append(q.index[:i], q.index[i+1:]...)
			return
		}
	}
}

// Assign atomically transitions queued -> assigned, stamps assigned_to,
// bumps generation, persists, and emits task_assigned. Refuses if the task
// is not currently queued.
func (q *Queue) Assign(taskID, agentID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != StatusQueued {
		return nil, fmt.Errorf("%w: task %s is %s", ErrNotQueued, taskID, t.Status)
	}

	prev := *t
	t.Status = StatusAssigned
	t.AssignedTo = agentID
	t.AssignedAt = now()
	t.Generation++
	t.UpdatedAt = now()
	t.appendHistory("assigned", agentID)

	if err := q.persist(t); err != nil {
		*t = prev
		return nil, err
	}

	q.removeFromIndexLocked(t.ID)

	if q.bus != nil {
		q.bus.Publish(eventbus.TopicTasks, "task_assigned", t.clone())
	}
	return t.clone(), nil
}

// requireGeneration is the shared guard for every agent-reported lifecycle
// frame: stale generations are refused, making reclaim-then-reassign safe.
func (q *Queue) requireGeneration(t *Task, agentID string, generation int64) error {
	if t.Generation != generation {
		return fmt.Errorf("%w: task %s has generation %d, frame carried %d", ErrStaleGeneration, t.ID, t.Generation, generation)
	}
	if t.AssignedTo != agentID {
		return ErrWrongAgent
	}
	return nil
}

// Accept transitions assigned -> working on behalf of the agent that holds
// the matching generation.
func (q *Queue) Accept(taskID, agentID string, generation int64) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := q.requireGeneration(t, agentID, generation); err != nil {
		return nil, err
	}

	prev := *t
	t.Status = StatusWorking
	t.UpdatedAt = now()
	t.appendHistory("accepted", agentID)

	if err := q.persist(t); err != nil {
		*t = prev
		return nil, err
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.TopicTasks, "task_accepted", t.clone())
	}
	return t.clone(), nil
}

// Progress records an intermediate progress frame without changing status.
func (q *Queue) Progress(taskID, agentID string, generation int64, details string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := q.requireGeneration(t, agentID, generation); err != nil {
		return nil, err
	}

	prev := *t
	t.UpdatedAt = now()
	t.appendHistory("progress", details)

	if err := q.persist(t); err != nil {
		*t = prev
		return nil, err
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.TopicTasks, "task_progress", t.clone())
	}
	return t.clone(), nil
}

// Complete transitions to completed and clears assignment in the same
// persisted step (spec.md invariant #2).
func (q *Queue) Complete(taskID, agentID string, generation int64, result string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := q.requireGeneration(t, agentID, generation); err != nil {
		return nil, err
	}

	prev := *t
	t.Status = StatusCompleted
	t.AssignedTo = ""
	t.UpdatedAt = now()
	t.appendHistory("completed", result)

	if err := q.persist(t); err != nil {
		*t = prev
		return nil, err
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.TopicTasks, "task_completed", t.clone())
	}
	return t.clone(), nil
}

// Fail transitions working -> queued (retry) or dead_letter (retries
// exhausted), clearing assignment in the same persisted step.
func (q *Queue) Fail(taskID, agentID string, generation int64, errMsg string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := q.requireGeneration(t, agentID, generation); err != nil {
		return nil, err
	}

	prev := *t
	t.AssignedTo = ""
	t.LastError = errMsg
	t.RetryCount++
	t.UpdatedAt = now()
	t.appendHistory("failed", errMsg)

	if t.RetryCount >= t.MaxRetries {
		t.Status = StatusDeadLetter
	} else {
		t.Status = StatusQueued
		t.Generation++
	}

	from := q.main
	if err := q.persistMove(t, from); err != nil {
		*t = prev
		return nil, err
	}

	if t.Status == StatusQueued {
		q.index = append(q.index, indexEntry{ID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt})
		sortIndex(q.index)
	}

	if q.bus != nil {
		topic := "task_failed"
		if t.Status == StatusDeadLetter {
			topic = "task_dead_lettered"
		}
		q.bus.Publish(eventbus.TopicTasks, topic, t.clone())
	}
	return t.clone(), nil
}

// Reclaim returns an assigned/working task to queued, bumping generation
// and retry_count. Used by agentfsm.Registry when an agent disconnects or
// misses its heartbeat deadline.
func (q *Queue) Reclaim(taskID, reason string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != StatusAssigned && t.Status != StatusWorking {
		return nil, fmt.Errorf("%w: task %s is %s", ErrAlreadyTerminal, taskID, t.Status)
	}

	prev := *t
	t.Status = StatusQueued
	t.AssignedTo = ""
	t.RetryCount++
	t.Generation++
	t.UpdatedAt = now()
	t.appendHistory("reclaimed", reason)

	if err := q.persist(t); err != nil {
		*t = prev
		return nil, err
	}

	q.index = append(q.index, indexEntry{ID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt})
	sortIndex(q.index)

	if q.bus != nil {
		q.bus.Publish(eventbus.TopicTasks, "task_reclaimed", t.clone())
	}
	return t.clone(), nil
}

// DeadLetter force-moves a task to dead_letter regardless of retry count
// (admin action).
func (q *Queue) DeadLetter(taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}

	prev := *t
	from := q.main
	t.Status = StatusDeadLetter
	t.AssignedTo = ""
	t.UpdatedAt = now()
	t.appendHistory("dead_lettered", "")

	if err := q.persistMove(t, from); err != nil {
		*t = prev
		return nil, err
	}
	q.removeFromIndexLocked(t.ID)

	if q.bus != nil {
		q.bus.Publish(eventbus.TopicTasks, "task_dead_lettered", t.clone())
	}
	return t.clone(), nil
}

// Retry requeues a dead-letter task with retry_count reset to zero.
func (q *Queue) Retry(deadLetterID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[deadLetterID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != StatusDeadLetter {
		return nil, ErrNotDeadLetter
	}

	prev := *t
	from := q.deadLetter
	t.Status = StatusQueued
	t.RetryCount = 0
	t.Generation++
	t.UpdatedAt = now()
	t.appendHistory("retried", "")

	if err := q.persistMove(t, from); err != nil {
		*t = prev
		return nil, err
	}

	q.index = append(q.index, indexEntry{ID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt})
	sortIndex(q.index)

	if q.bus != nil {
		q.bus.Publish(eventbus.TopicTasks, "task_retried", t.clone())
	}
	return t.clone(), nil
}

// Cancel moves a task to cancelled from any non-terminal status, reclaiming
// it first if it was in flight.
func (q *Queue) Cancel(id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return nil, fmt.Errorf("%w: task %s is %s", ErrAlreadyTerminal, id, t.Status)
	}

	prev := *t
	wasQueued := t.Status == StatusQueued
	t.Status = StatusCancelled
	t.AssignedTo = ""
	t.UpdatedAt = now()
	t.appendHistory("cancelled", "")
	if prev.Status == StatusAssigned || prev.Status == StatusWorking {
		t.RetryCount++
		t.Generation++
	}

	from := q.main
	if prev.Status == StatusDeadLetter {
		from = q.deadLetter
	}
	if err := q.persistMove(t, from); err != nil {
		*t = prev
		return nil, err
	}

	if wasQueued {
		q.removeFromIndexLocked(t.ID)
	}

	if q.bus != nil {
		q.bus.Publish(eventbus.TopicTasks, "task_cancelled", t.clone())
	}
	return t.clone(), nil
}

// Stats summarizes occupancy by status across both tables.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, t := range q.tasks {
		switch t.Status {
		case StatusQueued:
			s.Queued++
		case StatusAssigned:
			s.Assigned++
		case StatusWorking:
			s.Working++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusDeadLetter:
			s.DeadLetter++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// GoalProgress counts a goal's child tasks by status, including dead-letter.
func (q *Queue) GoalProgress(goalID string) GoalProgress {
	q.mu.Lock()
	defer q.mu.Unlock()

	var p GoalProgress
	for _, t := range q.tasks {
		if t.GoalID != goalID {
			continue
		}
		p.Total++
		switch t.Status {
		case StatusQueued:
			p.Queued++
		case StatusAssigned:
			p.Assigned++
		case StatusWorking:
			p.Working++
		case StatusCompleted:
			p.Completed++
		case StatusFailed:
			p.Failed++
		case StatusDeadLetter:
			p.DeadLetter++
		case StatusCancelled:
			p.Cancelled++
		}
	}
	return p
}
