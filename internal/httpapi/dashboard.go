package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agentcom/internal/alerts"
	"agentcom/internal/metrics"
)

func (s *Server) registerDashboardRoutes(api *gin.RouterGroup) {
	api.GET("/dashboard/snapshot", s.dashboardSnapshot)
}

// dashboardSnapshot composes a read-only view from already-existing query
// methods; no new subsystem.
func (s *Server) dashboardSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"hub_state":   s.Hub.State(),
		"hub_paused":  s.Hub.IsPaused(),
		"queue_stats": s.Queue.Stats(),
		"agents":      s.Registry.Snapshot(),
		"rate_limits": s.Limiter.SystemRateSummary(),
	})
}

func (s *Server) listAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.Alerts.List()})
}

func (s *Server) acknowledgeAlert(c *gin.Context) {
	rule := c.Param("rule")
	if !s.Alerts.Acknowledge(alerts.Rule(rule)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_rule"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged", "rule": rule})
}

// QueueStats adapts taskqueue.Stats to metrics.Snapshottable.
func (s *Server) QueueStats() metrics.QueueStats {
	st := s.Queue.Stats()
	return metrics.QueueStats{
		Queued:     st.Queued,
		Assigned:   st.Assigned,
		Working:    st.Working,
		Completed:  st.Completed,
		Failed:     st.Failed,
		DeadLetter: st.DeadLetter,
		Cancelled:  st.Cancelled,
	}
}

// AgentStateCounts adapts agentfsm.Registry's snapshot into per-state tallies.
func (s *Server) AgentStateCounts() map[string]int {
	counts := make(map[string]int)
	for _, snap := range s.Registry.Snapshot() {
		counts[string(snap.FSMState)]++
	}
	return counts
}

// HubState satisfies metrics.Snapshottable.
func (s *Server) HubState() string {
	return string(s.Hub.State())
}

// RateLimitTrackedAgents satisfies metrics.Snapshottable.
func (s *Server) RateLimitTrackedAgents() int {
	return s.Limiter.SystemRateSummary().TrackedAgents
}
