// Package taskqueue is the authoritative store and state machine of Task
// records — the sole component permitted to mutate a task. It is a
// single-writer actor (guarded by a mutex, the simplest of the mailbox/mutex
// options spec.md §9 allows) backed by internal/store for durability and
// internal/eventbus for fanout.
package taskqueue

import (
	"time"
)

// Priority mirrors spec.md's four-tier ordering; lower value sorts first.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// Status is a Task's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusAssigned   Status = "assigned"
	StatusWorking    Status = "working"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusCancelled  Status = "cancelled"
)

// historyCap bounds the per-task event ring (spec.md: N≈50).
const historyCap = 50

// HistoryEvent is one entry in a Task's capped event ring.
type HistoryEvent struct {
	Event   string    `json:"event"`
	Ts      time.Time `json:"ts"`
	Details string    `json:"details,omitempty"`
}

// Task is the authoritative record of a unit of work routed to an agent.
type Task struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Status      Status   `json:"status"`

	AssignedTo string `json:"assigned_to,omitempty"`
	AssignedAt int64  `json:"assigned_at,omitempty"` // unix-ms
	Generation int64  `json:"generation"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`

	NeededCapabilities []string `json:"needed_capabilities,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
	GoalID             string   `json:"goal_id,omitempty"`

	CompleteBy *int64 `json:"complete_by,omitempty"` // unix-ms deadline
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`

	History []HistoryEvent `json:"history,omitempty"`

	// Execution enrichment (spec.md §3).
	Repo              string   `json:"repo,omitempty"`
	Branch            string   `json:"branch,omitempty"`
	FileHints         []string `json:"file_hints,omitempty"`
	SuccessCriteria   []string `json:"success_criteria,omitempty"`
	VerificationSteps []string `json:"verification_steps,omitempty"`
	Complexity        string   `json:"complexity,omitempty"`
	RoutingDecision   string   `json:"routing_decision,omitempty"`

	// Labels is a supplemented, non-load-bearing free-form tag set for
	// dashboard filtering (SPEC_FULL.md §3) — never read by scheduling logic.
	Labels map[string]string `json:"labels,omitempty"`
}

func (t *Task) appendHistory(event, details string) {
	t.History = append(t.History, HistoryEvent{Event: event, Ts: time.Now(), Details: details})
	if len(t.History) > historyCap {
		t.History = t.History[len(t.History)-historyCap:]
	}
}

// clone returns a deep-enough copy safe to hand to callers outside the lock.
func (t *Task) clone() *Task {
	cp := *t
	cp.NeededCapabilities = append([]string(nil), t.NeededCapabilities...)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.FileHints = append([]string(nil), t.FileHints...)
	cp.SuccessCriteria = append([]string(nil), t.SuccessCriteria...)
	cp.VerificationSteps = append([]string(nil), t.VerificationSteps...)
	cp.History = append([]HistoryEvent(nil), t.History...)
	if t.Labels != nil {
		cp.Labels = make(map[string]string, len(t.Labels))
		for k, v := range t.Labels {
			cp.Labels[k] = v
		}
	}
	if t.CompleteBy != nil {
		v := *t.CompleteBy
		cp.CompleteBy = &v
	}
	return &cp
}
