package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agentcom/internal/middleware"
	"agentcom/internal/ratelimiter"
)

func (s *Server) registerAdminRoutes(api *gin.RouterGroup) {
	g := api.Group("/admin", s.requireAuth(), s.rateLimitHTTP(ratelimiter.TierNormal))
	g.PUT("/rate-limits/:agent_id", s.setRateLimitOverride)
	g.DELETE("/rate-limits/:agent_id", s.removeRateLimitOverride)
	g.PUT("/whitelist/:agent_id", s.addToWhitelist)
	g.DELETE("/whitelist/:agent_id", s.removeFromWhitelist)
	g.POST("/backup", s.triggerBackup)
	g.POST("/compact/:table", s.compactTable)
	g.POST("/restore/:table", s.restoreTable)
}

type rateLimitOverrideRequest struct {
	Overrides map[string]struct {
		Capacity     int64 `json:"capacity"`
		RefillPerMin int64 `json:"refill_per_min"`
	} `json:"overrides"`
}

func (s *Server) setRateLimitOverride(c *gin.Context) {
	var req rateLimitOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondValidationFailed(c, err.Error())
		return
	}

	overrides := make(map[ratelimiter.Tier]struct{ Capacity, RefillPerMin int64 }, len(req.Overrides))
	for tier, o := range req.Overrides {
		overrides[ratelimiter.Tier(tier)] = struct{ Capacity, RefillPerMin int64 }{o.Capacity, o.RefillPerMin}
	}

	s.Limiter.SetOverride(c.Param("agent_id"), overrides)
	c.JSON(http.StatusOK, s.Limiter.AgentRateStatus(c.Param("agent_id")))
}

func (s *Server) removeRateLimitOverride(c *gin.Context) {
	s.Limiter.RemoveOverride(c.Param("agent_id"))
	c.JSON(http.StatusOK, s.Limiter.AgentRateStatus(c.Param("agent_id")))
}

func (s *Server) addToWhitelist(c *gin.Context) {
	s.Limiter.AddToWhitelist(c.Param("agent_id"))
	c.JSON(http.StatusOK, s.Limiter.AgentRateStatus(c.Param("agent_id")))
}

func (s *Server) removeFromWhitelist(c *gin.Context) {
	s.Limiter.RemoveFromWhitelist(c.Param("agent_id"))
	c.JSON(http.StatusOK, s.Limiter.AgentRateStatus(c.Param("agent_id")))
}

func (s *Server) triggerBackup(c *gin.Context) {
	paths, err := s.Maintainer.BackupAll()
	if err != nil {
		middleware.RespondRefusal(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": paths})
}

func (s *Server) compactTable(c *gin.Context) {
	if err := s.Maintainer.CompactTable(c.Param("table")); err != nil {
		middleware.RespondRefusal(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "compacted", "table": c.Param("table")})
}

func (s *Server) restoreTable(c *gin.Context) {
	if err := s.Maintainer.RestoreTable(c.Param("table")); err != nil {
		middleware.RespondRefusal(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restored", "table": c.Param("table")})
}
