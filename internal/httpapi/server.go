// Package httpapi is AgentCom's HTTP/JSON surface (spec.md §6), grounded on
// the teacher's internal/api and internal/handlers package layout: a Server
// struct wired to every domain component, one file per resource group
// (tasks.go, goals.go, hub.go, admin.go, webhooks.go, onboard.go,
// dashboard.go), registered through internal/middleware's gin stack.
package httpapi

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"agentcom/internal/agentfsm"
	"agentcom/internal/alerts"
	"agentcom/internal/auth"
	"agentcom/internal/costledger"
	"agentcom/internal/detsbackup"
	"agentcom/internal/goalbacklog"
	"agentcom/internal/hubfsm"
	"agentcom/internal/mailbox"
	"agentcom/internal/metrics"
	"agentcom/internal/middleware"
	"agentcom/internal/ratelimiter"
	"agentcom/internal/taskqueue"
	"agentcom/internal/wire"
)

// Server wires every domain component to HTTP handlers. It holds no
// business logic of its own — every handler delegates to the owning
// component and translates its typed result/error into spec.md §7's
// response envelopes.
type Server struct {
	Queue      *taskqueue.Queue
	Backlog    *goalbacklog.Backlog
	Hub        *hubfsm.Hub
	Registry   *agentfsm.Registry
	Limiter    *ratelimiter.Limiter
	Ledger     *costledger.Ledger
	Maintainer *detsbackup.Maintainer
	Mailbox    *mailbox.Mailbox
	Alerts     *alerts.Registry
	Tokens     *auth.Registry
	WireHub    *wire.Hub

	// GitHubWebhookSecret, if set, enables POST /api/webhooks/github's
	// HMAC verification. RegisteredRepos lists the "repository.full_name"
	// values (owner/repo) whose push/PR events may force-transition the
	// hub toward improving.
	GitHubWebhookSecret string
	RegisteredRepos     map[string]bool
}

// Router builds the full gin engine: middleware stack, then every route
// group. Callers mount this at the configured HTTPAddr.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Recovery(), middleware.RequestLogger(), middleware.CORS(), middleware.Security(), middleware.IPRateLimit(50, 100), metrics.PrometheusMiddleware())

	api := r.Group("/api")
	{
		s.registerTaskRoutes(api)
		s.registerGoalRoutes(api)
		s.registerHubRoutes(api)
		s.registerAdminRoutes(api)
		s.registerOnboardRoutes(api)
		s.registerWebhookRoutes(api)
		s.registerDashboardRoutes(api)

		api.GET("/metrics", metrics.Handler())
		api.GET("/alerts", s.listAlerts)
		api.POST("/alerts/:rule/acknowledge", s.requireAuth(), s.rateLimitHTTP(ratelimiter.TierNormal), s.acknowledgeAlert)
	}

	return r
}

// requireAuth is the bearer-auth middleware shared by every mutating route
// group, per spec.md §6: "all mutating endpoints require Authorization:
// Bearer <token>".
func (s *Server) requireAuth() gin.HandlerFunc {
	return middleware.RequireAgentAuth(s.Tokens)
}

// rateLimitHTTP enforces the same per-agent/channel/tier token bucket
// spec.md §4.6 puts in the hot path of every request, not just every WS
// message. It must run after requireAuth (which stashes agent_id in the
// context); routes mount it per-action, each registration passing the tier
// for its verb.
func (s *Server) rateLimitHTTP(tier ratelimiter.Tier) gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.GetString("agent_id")
		if agentID == "" || s.Limiter == nil {
			c.Next()
			return
		}

		decision := s.Limiter.Check(agentID, ratelimiter.ChannelHTTP, tier)
		s.syncRateLimitFlag(agentID)

		switch decision.Outcome {
		case ratelimiter.OutcomeDeny:
			retryMs := s.Limiter.RecordViolation(agentID)
			s.syncRateLimitFlag(agentID)
			middleware.RespondRateLimited(c, retryMs)
			c.Abort()
			return
		case ratelimiter.OutcomeWarn:
			c.Header("X-RateLimit-Warning", string(tier))
		}
		c.Next()
	}
}

// syncRateLimitFlag mirrors the limiter's violation-streak state onto the
// agent's "rate_limited" flag, which agentfsm.Registry.IdleAgents checks to
// exclude a backed-off agent from scheduling (spec.md §4.3 step 2).
func (s *Server) syncRateLimitFlag(agentID string) {
	if s.Registry == nil || s.Limiter == nil {
		return
	}
	a, ok := s.Registry.Get(agentID)
	if !ok {
		return
	}
	a.SetFlag("rate_limited", s.Limiter.RateLimited(agentID))
}

// parseLimit parses a query-string limit, falling back to def on absence
// or a malformed value.
func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
