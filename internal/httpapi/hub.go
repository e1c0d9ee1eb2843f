package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agentcom/internal/ratelimiter"
)

func (s *Server) registerHubRoutes(api *gin.RouterGroup) {
	g := api.Group("/hub", s.requireAuth())
	g.POST("/pause", s.rateLimitHTTP(ratelimiter.TierNormal), s.pauseHub)
	g.POST("/resume", s.rateLimitHTTP(ratelimiter.TierNormal), s.resumeHub)
	g.GET("/state", s.rateLimitHTTP(ratelimiter.TierLight), s.hubState)
	g.GET("/history", s.rateLimitHTTP(ratelimiter.TierLight), s.hubHistory)
}

func (s *Server) pauseHub(c *gin.Context) {
	s.Hub.Pause()
	c.JSON(http.StatusOK, gin.H{"state": s.Hub.State(), "paused": true})
}

func (s *Server) resumeHub(c *gin.Context) {
	s.Hub.Resume()
	c.JSON(http.StatusOK, gin.H{"state": s.Hub.State(), "paused": false})
}

func (s *Server) hubState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": s.Hub.State(), "paused": s.Hub.IsPaused()})
}

func (s *Server) hubHistory(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)
	c.JSON(http.StatusOK, gin.H{"history": s.Hub.History(limit)})
}
