// Package goalbacklog is the authoritative store and state machine of Goal
// records — spec.md's smaller mirror of internal/taskqueue. A Goal tracks
// decomposition into child tasks and aggregates their completion into its
// own lifecycle.
package goalbacklog

import "time"

// Status is a Goal's lifecycle state.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusDecomposing Status = "decomposing"
	StatusExecuting   Status = "executing"
	StatusVerifying   Status = "verifying"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

// Source names where a Goal originated.
type Source string

const (
	SourceAPI      Source = "api"
	SourceCLI      Source = "cli"
	SourceInternal Source = "internal"
)

const historyCap = 200

// HistoryEvent is one entry in a Goal's capped event ring.
type HistoryEvent struct {
	Event   string    `json:"event"`
	Ts      time.Time `json:"ts"`
	Details string    `json:"details,omitempty"`
}

// Goal is the authoritative record of a higher-level objective decomposed
// into one or more Tasks.
type Goal struct {
	ID               string   `json:"id"`
	Description      string   `json:"description"`
	SuccessCriteria  []string `json:"success_criteria"`
	Priority         int      `json:"priority"`
	Status           Status   `json:"status"`
	ChildTaskIDs     []string `json:"child_task_ids,omitempty"`
	DependsOn        []string `json:"depends_on,omitempty"`
	Source           Source   `json:"source"`
	CreatedAt        int64    `json:"created_at"`
	UpdatedAt        int64    `json:"updated_at"`
	History          []HistoryEvent `json:"history,omitempty"`
}

func (g *Goal) appendHistory(event, details string) {
	g.History = append(g.History, HistoryEvent{Event: event, Ts: time.Now(), Details: details})
	if len(g.History) > historyCap {
		g.History = g.History[len(g.History)-historyCap:]
	}
}

func (g *Goal) clone() *Goal {
	cp := *g
	cp.SuccessCriteria = append([]string(nil), g.SuccessCriteria...)
	cp.ChildTaskIDs = append([]string(nil), g.ChildTaskIDs...)
	cp.DependsOn = append([]string(nil), g.DependsOn...)
	cp.History = append([]HistoryEvent(nil), g.History...)
	return &cp
}
