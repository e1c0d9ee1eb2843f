// Package reaper runs AgentCom's periodic maintenance sweeps: evicting
// stale offline agents, pruning expired rate-limit violation records and
// dormant buckets, and expiring TTL'd mailbox messages. Its start/stop,
// ticker-driven goroutine is grounded on the teacher's
// metrics.BusinessMetricsCollector.Start/Stop idiom.
package reaper

import (
	"time"

	"go.uber.org/zap"

	"agentcom/internal/logging"
)

// DefaultInterval is spec.md's default sweep cadence.
const DefaultInterval = 10 * time.Second

// DefaultOfflineGrace is how long an offline agent's record survives before
// the registry purges it entirely.
const DefaultOfflineGrace = 5 * time.Minute

// DefaultBucketIdleTTL is how long an untouched rate-limit bucket survives.
const DefaultBucketIdleTTL = 30 * time.Minute

// maxPerSweep bounds per-sweep pruning work, per spec.md's "bounded
// per-sweep work" requirement.
const maxPerSweep = 500

// AgentEvictor purges stale offline agent records.
type AgentEvictor interface {
	EvictStaleOffline(grace time.Duration) int
}

// RateState prunes expired violation records and dormant buckets.
type RateState interface {
	PruneExpiredViolations(maxPrune int) int
	PruneDormantBuckets(idleTTL time.Duration, maxPrune int) int
}

// MailboxExpirer expires mailbox messages past their TTL.
type MailboxExpirer interface {
	ExpireMessages(maxPrune int) int
}

// Reaper drives all periodic sweeps from a single ticker.
type Reaper struct {
	interval     time.Duration
	offlineGrace time.Duration
	bucketTTL    time.Duration

	agents    AgentEvictor
	rates     RateState
	mailboxes MailboxExpirer

	stop chan struct{}
	done chan struct{}
}

// Config configures a Reaper. Zero-valued durations fall back to defaults.
// Any dependency left nil is simply skipped each sweep.
type Config struct {
	Interval     time.Duration
	OfflineGrace time.Duration
	BucketTTL    time.Duration
	Agents       AgentEvictor
	Rates        RateState
	Mailboxes    MailboxExpirer
}

// New constructs a Reaper from cfg.
func New(cfg Config) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	grace := cfg.OfflineGrace
	if grace <= 0 {
		grace = DefaultOfflineGrace
	}
	bucketTTL := cfg.BucketTTL
	if bucketTTL <= 0 {
		bucketTTL = DefaultBucketIdleTTL
	}
	return &Reaper{
		interval:     interval,
		offlineGrace: grace,
		bucketTTL:    bucketTTL,
		agents:       cfg.Agents,
		rates:        cfg.Rates,
		mailboxes:    cfg.Mailboxes,
	}
}

// Start launches the sweep goroutine. Stop with Stop.
func (r *Reaper) Start() {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (r *Reaper) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
}

// SweepResult reports one sweep's work, for telemetry.
type SweepResult struct {
	AgentsEvicted    int
	ViolationsPruned int
	BucketsPruned    int
	MessagesExpired  int
}

func (r *Reaper) sweep() SweepResult {
	var result SweepResult

	if r.agents != nil {
		result.AgentsEvicted = r.agents.EvictStaleOffline(r.offlineGrace)
	}
	if r.rates != nil {
		result.ViolationsPruned = r.rates.PruneExpiredViolations(maxPerSweep)
		result.BucketsPruned = r.rates.PruneDormantBuckets(r.bucketTTL, maxPerSweep)
	}
	if r.mailboxes != nil {
		result.MessagesExpired = r.mailboxes.ExpireMessages(maxPerSweep)
	}

	if result.AgentsEvicted > 0 || result.ViolationsPruned > 0 || result.BucketsPruned > 0 || result.MessagesExpired > 0 {
		logging.L().Debug("reaper: sweep complete",
			zap.Int("agents_evicted", result.AgentsEvicted),
			zap.Int("violations_pruned", result.ViolationsPruned),
			zap.Int("buckets_pruned", result.BucketsPruned),
			zap.Int("messages_expired", result.MessagesExpired),
		)
	}
	return result
}

// SweepNow runs one sweep synchronously — used by tests and by the
// cmd/agentcomd "compact"-style maintenance subcommands.
func (r *Reaper) SweepNow() SweepResult {
	return r.sweep()
}
