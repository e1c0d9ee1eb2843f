package metrics

import (
	"time"
)

// QueueStats is the narrow slice of taskqueue.Stats the collector needs —
// satisfied structurally, avoiding an import of internal/taskqueue here.
type QueueStats struct {
	Queued, Assigned, Working, Completed, Failed, DeadLetter, Cancelled int
}

// Snapshottable is implemented by *scheduler-adjacent* components whose
// current state the collector polls on each tick. Each method mirrors an
// already-existing query method on the real component (taskqueue.Queue,
// agentfsm.Registry, hubfsm.Hub, ratelimiter.Limiter) — the collector
// depends on these narrow shapes, not the concrete packages, exactly like
// internal/reaper's AgentEvictor/RateState/MailboxExpirer interfaces.
type Snapshottable interface {
	QueueStats() QueueStats
	AgentStateCounts() map[string]int
	HubState() string
	RateLimitTrackedAgents() int
}

// Collector periodically polls the wired components and updates gauges —
// grounded on the teacher's BusinessMetricsCollector (ticker goroutine,
// collectAll dispatching to per-domain collect* methods).
type Collector struct {
	source   Snapshottable
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewCollector constructs a Collector. interval <= 0 defaults to 15s.
func NewCollector(source Snapshottable, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{source: source, interval: interval}
}

// Start begins periodic collection in a background goroutine.
func (c *Collector) Start() {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.collectAll()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.collectAll()
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
}

func (c *Collector) collectAll() {
	m := Get()
	stats := c.source.QueueStats()
	m.TaskQueueDepth.WithLabelValues("queued").Set(float64(stats.Queued))
	m.TaskQueueDepth.WithLabelValues("assigned").Set(float64(stats.Assigned))
	m.TaskQueueDepth.WithLabelValues("working").Set(float64(stats.Working))
	m.TaskQueueDepth.WithLabelValues("completed").Set(float64(stats.Completed))
	m.TaskQueueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
	m.TaskQueueDepth.WithLabelValues("dead_letter").Set(float64(stats.DeadLetter))
	m.TaskQueueDepth.WithLabelValues("cancelled").Set(float64(stats.Cancelled))

	for state, count := range c.source.AgentStateCounts() {
		m.AgentsByState.WithLabelValues(state).Set(float64(count))
	}

	current := c.source.HubState()
	for _, state := range []string{"resting", "executing", "improving", "contemplating", "healing"} {
		v := 0.0
		if state == current {
			v = 1.0
		}
		m.HubStateGauge.WithLabelValues(state).Set(v)
	}

	m.RateLimitTrackedAgents.Set(float64(c.source.RateLimitTrackedAgents()))
}
