package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentcom/internal/auth"
	"agentcom/internal/middleware"
)

// HubWSURL and HubAPIURL are advertised to newly-registered agents so their
// sidecars know where to dial back. Set from config at boot.
var (
	HubWSURL  string
	HubAPIURL string
)

func (s *Server) registerOnboardRoutes(api *gin.RouterGroup) {
	api.POST("/onboard/register", s.registerAgent)
}

type onboardRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) registerAgent(c *gin.Context) {
	var req onboardRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		middleware.RespondValidationFailed(c, "agent_id is required")
		return
	}

	token, err := s.Tokens.Register(req.AgentID)
	if err != nil {
		if errors.Is(err, auth.ErrAgentTaken) {
			middleware.RespondRefusal(c, http.StatusConflict, "agent_id_taken")
			return
		}
		middleware.RespondRefusal(c, http.StatusInternalServerError, "registration_failed")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"agent_id":    req.AgentID,
		"token":       token,
		"hub_ws_url":  HubWSURL,
		"hub_api_url": HubAPIURL,
	})
}
