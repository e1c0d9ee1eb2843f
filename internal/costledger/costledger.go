// Package costledger caps LLM/CLI invocations per hub-state within the
// current clock hour; each count resets when a new hour starts, so the
// window is fixed, not sliding. CheckBudget is grounded on the teacher's
// budget.BudgetEnforcer.PreAuthorize/CheckBudget split — generalized from
// per-user dollar caps to per-hub-state invocation counts — but its hot
// path is reworked to a lock-free atomic counter: PreAuthorize's teacher
// implementation queries gorm on every call, which is exactly the
// "serialized mutation point" spec.md §4.7 forbids for CheckBudget.
package costledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"agentcom/internal/logging"
	"agentcom/internal/store"
)

// HubState names the hub-state dimension a budget cap applies to. Using a
// plain string rather than hubfsm.State avoids a dependency cycle —
// internal/hubfsm's tick calls CheckBudget, so costledger cannot import it.
type HubState string

const (
	StateExecuting     HubState = "executing"
	StateImproving     HubState = "improving"
	StateContemplating HubState = "contemplating"
)

// defaultLimits is spec.md's per-hour invocation cap per hub-state.
var defaultLimits = map[HubState]int64{
	StateExecuting:     20,
	StateImproving:     10,
	StateContemplating: 5,
}

// Invocation is one durable, append-only ledger entry.
type Invocation struct {
	ID         string    `json:"id"`
	HubState   HubState  `json:"hub_state"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	PromptType string    `json:"prompt_type"`
}

type window struct {
	hourStart atomic.Int64 // unix hour index
	count     atomic.Int64
}

func currentHourIndex() int64 { return time.Now().Unix() / 3600 }

// observe returns the window's count for the current hour, resetting it
// first if the hour has rolled over. Lock-free: a CAS race between two
// concurrent rollovers is harmless, both land on count=0 for the new hour.
func (w *window) observe() int64 {
	now := currentHourIndex()
	if w.hourStart.Load() != now {
		if w.hourStart.CompareAndSwap(w.hourStart.Load(), now) {
			w.count.Store(0)
		}
	}
	return w.count.Load()
}

func (w *window) increment() {
	now := currentHourIndex()
	if w.hourStart.Load() != now {
		if w.hourStart.CompareAndSwap(w.hourStart.Load(), now) {
			w.count.Store(0)
		}
	}
	w.count.Add(1)
}

// Denial describes why CheckBudget refused.
type Denial struct {
	HubState HubState
	Limit    int64
	Count    int64
}

func (d *Denial) Error() string {
	return fmt.Sprintf("costledger: %s hourly cap reached (%d/%d)", d.HubState, d.Count, d.Limit)
}

// Ledger caps invocations per hub-state within the current clock hour and persists
// every invocation to a durable append-only journal.
type Ledger struct {
	limits  map[HubState]int64
	windows sync.Map // HubState -> *window

	h *store.Handle // nil means fail-open: infra not yet initialized
}

// New constructs a Ledger. h may be nil during startup before the store is
// available — CheckBudget and RecordInvocation both fail open in that case,
// since spec.md prioritizes availability over cost control at boot.
func New(h *store.Handle, limitOverrides map[HubState]int64) *Ledger {
	limits := make(map[HubState]int64, len(defaultLimits))
	for k, v := range defaultLimits {
		limits[k] = v
	}
	for k, v := range limitOverrides {
		limits[k] = v
	}
	return &Ledger{limits: limits, h: h}
}

func (l *Ledger) windowFor(state HubState) *window {
	v, _ := l.windows.LoadOrStore(state, &window{})
	return v.(*window)
}

// CheckBudget is the hot path: a direct in-memory atomic read, never
// blocking on the durable ledger.
func (l *Ledger) CheckBudget(state HubState) error {
	if l.h == nil {
		return nil
	}
	limit, ok := l.limits[state]
	if !ok {
		return nil
	}
	w := l.windowFor(state)
	if w.observe() >= limit {
		return &Denial{HubState: state, Limit: limit, Count: w.observe()}
	}
	return nil
}

// RecordInvocation appends to the durable ledger and updates the in-memory
// clock-hour counter used by CheckBudget.
func (l *Ledger) RecordInvocation(state HubState, durationMs int64, promptType string) error {
	l.windowFor(state).increment()

	if l.h == nil {
		return nil
	}

	inv := Invocation{
		ID:         fmt.Sprintf("%d-%s", time.Now().UnixNano(), state),
		HubState:   state,
		Timestamp:  time.Now(),
		DurationMs: durationMs,
		PromptType: promptType,
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("costledger: marshal failed: %w", err)
	}
	if err := l.h.Insert([]byte(inv.ID), data); err != nil {
		logging.L().Warn("costledger: failed to persist invocation", zap.Error(err))
		return err
	}
	return nil
}

// Stats reports the current hour's count per hub-state against its limit.
type Stats struct {
	HubState HubState `json:"hub_state"`
	Count    int64    `json:"count"`
	Limit    int64    `json:"limit"`
}

// Stats returns current-hour usage for every configured hub-state.
func (l *Ledger) Stats() []Stats {
	out := make([]Stats, 0, len(l.limits))
	for state, limit := range l.limits {
		out = append(out, Stats{HubState: state, Count: l.windowFor(state).observe(), Limit: limit})
	}
	return out
}

// History returns up to limit most recent invocations, most recent first.
func (l *Ledger) History(limit int) ([]Invocation, error) {
	if l.h == nil {
		return nil, nil
	}
	var all []Invocation
	err := l.h.Fold(func(_, v []byte) error {
		var inv Invocation
		if err := json.Unmarshal(v, &inv); err != nil {
			return fmt.Errorf("costledger: corrupt record: %w", err)
		}
		all = append(all, inv)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}
