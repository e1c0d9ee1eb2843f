// Package ratelimiter implements AgentCom's per-agent token-bucket gate,
// evaluated on every WebSocket message and HTTP request. Its shape — a
// map of per-key limiters plus a cleanup sweep — is grounded on the
// teacher's middleware.IPRateLimiter, but the bucket arithmetic itself is a
// custom lazy-refill algorithm (spec.md §4.6's exact retry_after_ms and
// :warn semantics cannot be expressed through golang.org/x/time/rate, which
// the teacher keeps for the coarser IP-level HTTP guard instead).
package ratelimiter

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Channel names a transport.
type Channel string

const (
	ChannelWS   Channel = "ws"
	ChannelHTTP Channel = "http"
)

// Tier names an action cost class.
type Tier string

const (
	TierLight  Tier = "light"
	TierNormal Tier = "normal"
	TierHeavy  Tier = "heavy"
)

// tierDefault holds a tier's capacity and per-minute refill rate.
type tierDefault struct {
	Capacity     int64
	RefillPerMin int64
}

var tierDefaults = map[Tier]tierDefault{
	TierLight:  {Capacity: 120, RefillPerMin: 120},
	TierNormal: {Capacity: 60, RefillPerMin: 60},
	TierHeavy:  {Capacity: 10, RefillPerMin: 10},
}

// cost is the fixed per-check debit, expressed in the same x1000
// fixed-point units as bucket tokens (spec.md: "tokens stored as integer x
// 1000 to retain sub-unit precision").
const cost = 1000

// warnThresholdFraction marks the remaining-capacity ratio below which an
// otherwise-successful Check returns :warn instead of :allow.
const warnThresholdFraction = 0.20

// backoffSteps is the progressive violation backoff ladder, in seconds.
var backoffSteps = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

const violationQuietWindow = 60 * time.Second

// Decision is Check's result.
type Decision struct {
	Outcome      Outcome
	Remaining    int64 // tokens remaining, x1000 units
	RetryAfterMS int64
	Exempt       bool
}

// Outcome enumerates Check's possible results.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeWarn  Outcome = "warn"
	OutcomeDeny  Outcome = "deny"
)

type bucket struct {
	mu                sync.Mutex
	tokens            int64 // x1000 units
	capacity          int64 // x1000 units
	refillPerMs       float64
	lastRefillMonoMs  int64
}

func newBucket(td tierDefault) *bucket {
	capUnits := td.Capacity * cost
	return &bucket{
		tokens:           capUnits,
		capacity:         capUnits,
		refillPerMs:      float64(td.RefillPerMin*cost) / (60.0 * 1000.0),
		lastRefillMonoMs: nowMonoMs(),
	}
}

func nowMonoMs() int64 { return time.Now().UnixMilli() }

// check applies the lazy-refill algorithm (spec.md §4.6) under the bucket's
// own lock — contention is per-(agent,channel,tier), never system-wide.
func (b *bucket) check(nowMs int64) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := nowMs - b.lastRefillMonoMs
	if elapsed < 0 {
		elapsed = 0
	}
	refilled := b.tokens + int64(math.Floor(float64(elapsed)*b.refillPerMs))
	if refilled > b.capacity {
		refilled = b.capacity
	}

	if refilled >= cost {
		b.tokens = refilled - cost
		b.lastRefillMonoMs = nowMs
		if float64(b.tokens) < float64(b.capacity)*warnThresholdFraction {
			return Decision{Outcome: OutcomeWarn, Remaining: b.tokens}
		}
		return Decision{Outcome: OutcomeAllow, Remaining: b.tokens}
	}

	deficit := float64(cost - refilled)
	retryMs := int64(math.Ceil(deficit / b.refillPerMs))
	b.tokens = refilled
	b.lastRefillMonoMs = nowMs
	return Decision{Outcome: OutcomeDeny, Remaining: b.tokens, RetryAfterMS: retryMs}
}

type violationRecord struct {
	mu          sync.Mutex
	consecutive int
	windowStart time.Time
}

// Limiter is the registry of all rate-limit state for every agent.
type Limiter struct {
	buckets    sync.Map // key string -> *bucket
	violations sync.Map // agent_id -> *violationRecord
	overrides  sync.Map // agent_id -> map[Tier]tierDefault
	whitelist  sync.Map // agent_id -> struct{}
}

// New constructs an empty Limiter.
func New() *Limiter {
	return &Limiter{}
}

func bucketKey(agentID string, channel Channel, tier Tier) string {
	return fmt.Sprintf("%s|%s|%s", agentID, channel, tier)
}

// Check evaluates one action against the bucket for (agentID, channel,
// tier), applying the lazy-refill algorithm. A whitelisted agent always
// gets {allow, exempt}.
func (l *Limiter) Check(agentID string, channel Channel, tier Tier) Decision {
	if _, exempt := l.whitelist.Load(agentID); exempt {
		return Decision{Outcome: OutcomeAllow, Exempt: true}
	}

	td := l.tierFor(agentID, tier)
	key := bucketKey(agentID, channel, tier)
	v, _ := l.buckets.LoadOrStore(key, newBucket(td))
	b := v.(*bucket)
	return b.check(nowMonoMs())
}

func (l *Limiter) tierFor(agentID string, tier Tier) tierDefault {
	if ov, ok := l.overrides.Load(agentID); ok {
		if m, ok := ov.(map[Tier]tierDefault); ok {
			if td, ok := m[tier]; ok {
				return td
			}
		}
	}
	return tierDefaults[tier]
}

// RecordViolation tracks a consecutive-violation count per agent and
// returns the progressive backoff to apply, resetting the streak after a
// 60-second quiet window.
func (l *Limiter) RecordViolation(agentID string) int64 {
	v, _ := l.violations.LoadOrStore(agentID, &violationRecord{})
	rec := v.(*violationRecord)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := time.Now()
	if rec.windowStart.IsZero() || now.Sub(rec.windowStart) > violationQuietWindow {
		rec.consecutive = 0
		rec.windowStart = now
	}
	rec.consecutive++

	idx := rec.consecutive - 1
	if idx >= len(backoffSteps) {
		idx = len(backoffSteps) - 1
	}
	return backoffSteps[idx].Milliseconds()
}

// RateLimited reports whether agentID currently has an active violation
// streak — used by the scheduler to exclude it from idle-agent matching.
func (l *Limiter) RateLimited(agentID string) bool {
	v, ok := l.violations.Load(agentID)
	if !ok {
		return false
	}
	rec := v.(*violationRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.consecutive == 0 {
		return false
	}
	return time.Since(rec.windowStart) <= violationQuietWindow
}

// SetOverride installs a per-agent tier override, resetting affected
// buckets so the new limits take effect immediately.
func (l *Limiter) SetOverride(agentID string, overrides map[Tier]struct{ Capacity, RefillPerMin int64 }) {
	m := make(map[Tier]tierDefault, len(overrides))
	for tier, v := range overrides {
		m[tier] = tierDefault{Capacity: v.Capacity, RefillPerMin: v.RefillPerMin}
	}
	l.overrides.Store(agentID, m)
	l.resetBucketsFor(agentID)
}

// RemoveOverride clears a per-agent tier override.
func (l *Limiter) RemoveOverride(agentID string) {
	l.overrides.Delete(agentID)
	l.resetBucketsFor(agentID)
}

func (l *Limiter) resetBucketsFor(agentID string) {
	for _, channel := range []Channel{ChannelWS, ChannelHTTP} {
		for tier := range tierDefaults {
			l.buckets.Delete(bucketKey(agentID, channel, tier))
		}
	}
}

// AddToWhitelist exempts agentID from all rate checks.
func (l *Limiter) AddToWhitelist(agentID string) {
	l.whitelist.Store(agentID, struct{}{})
}

// RemoveFromWhitelist revokes an agent's exemption.
func (l *Limiter) RemoveFromWhitelist(agentID string) {
	l.whitelist.Delete(agentID)
}

// UpdateWhitelist replaces the entire whitelist set.
func (l *Limiter) UpdateWhitelist(agentIDs []string) {
	l.whitelist.Range(func(k, _ any) bool {
		l.whitelist.Delete(k)
		return true
	})
	for _, id := range agentIDs {
		l.whitelist.Store(id, struct{}{})
	}
}

// AgentStatus summarizes one agent's current rate-limit standing.
type AgentStatus struct {
	AgentID         string `json:"agent_id"`
	Whitelisted     bool   `json:"whitelisted"`
	RateLimited     bool   `json:"rate_limited"`
	ConsecutiveHits int    `json:"consecutive_violations"`
}

// AgentRateStatus reports one agent's current standing.
func (l *Limiter) AgentRateStatus(agentID string) AgentStatus {
	_, whitelisted := l.whitelist.Load(agentID)
	status := AgentStatus{AgentID: agentID, Whitelisted: whitelisted}
	if v, ok := l.violations.Load(agentID); ok {
		rec := v.(*violationRecord)
		rec.mu.Lock()
		status.ConsecutiveHits = rec.consecutive
		status.RateLimited = rec.consecutive > 0 && time.Since(rec.windowStart) <= violationQuietWindow
		rec.mu.Unlock()
	}
	return status
}

// PruneExpiredViolations drops violation records whose quiet window has
// long since elapsed, bounding the reaper's per-sweep work with maxPrune.
func (l *Limiter) PruneExpiredViolations(maxPrune int) int {
	pruned := 0
	l.violations.Range(func(k, v any) bool {
		if maxPrune > 0 && pruned >= maxPrune {
			return false
		}
		rec := v.(*violationRecord)
		rec.mu.Lock()
		expired := rec.consecutive == 0 || time.Since(rec.windowStart) > violationQuietWindow
		rec.mu.Unlock()
		if expired {
			l.violations.Delete(k)
			pruned++
		}
		return true
	})
	return pruned
}

// PruneDormantBuckets drops buckets that have not been touched within idleTTL.
func (l *Limiter) PruneDormantBuckets(idleTTL time.Duration, maxPrune int) int {
	pruned := 0
	now := nowMonoMs()
	cutoffMs := int64(idleTTL / time.Millisecond)
	l.buckets.Range(func(k, v any) bool {
		if maxPrune > 0 && pruned >= maxPrune {
			return false
		}
		b := v.(*bucket)
		b.mu.Lock()
		idle := now-b.lastRefillMonoMs > cutoffMs
		b.mu.Unlock()
		if idle {
			l.buckets.Delete(k)
			pruned++
		}
		return true
	})
	return pruned
}

// SystemSummary aggregates rate-limit state across every known agent.
type SystemSummary struct {
	TrackedAgents    int `json:"tracked_agents"`
	WhitelistedCount int `json:"whitelisted_count"`
	RateLimitedCount int `json:"rate_limited_count"`
}

// SystemRateSummary reports aggregate counts for dashboards/metrics.
func (l *Limiter) SystemRateSummary() SystemSummary {
	var summary SystemSummary
	seen := make(map[string]bool)

	l.violations.Range(func(k, v any) bool {
		agentID := k.(string)
		seen[agentID] = true
		summary.TrackedAgents++
		rec := v.(*violationRecord)
		rec.mu.Lock()
		if rec.consecutive > 0 && time.Since(rec.windowStart) <= violationQuietWindow {
			summary.RateLimitedCount++
		}
		rec.mu.Unlock()
		return true
	})
	l.whitelist.Range(func(k, _ any) bool {
		summary.WhitelistedCount++
		return true
	})
	return summary
}
