package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agentcom/internal/goalbacklog"
	"agentcom/internal/middleware"
	"agentcom/internal/ratelimiter"
)

func (s *Server) registerGoalRoutes(api *gin.RouterGroup) {
	g := api.Group("/goals", s.requireAuth())
	g.POST("", s.rateLimitHTTP(ratelimiter.TierHeavy), s.submitGoal)
	g.GET("", s.rateLimitHTTP(ratelimiter.TierLight), s.listGoals)
	g.PATCH("/:id/transition", s.rateLimitHTTP(ratelimiter.TierNormal), s.transitionGoal)
}

type submitGoalRequest struct {
	Description     string   `json:"description"`
	SuccessCriteria []string `json:"success_criteria"`
	Priority        int      `json:"priority"`
	DependsOn       []string `json:"depends_on"`
	Source          string   `json:"source"`
}

func (s *Server) submitGoal(c *gin.Context) {
	var req submitGoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondValidationFailed(c, err.Error())
		return
	}

	source := goalbacklog.SourceAPI
	if req.Source != "" {
		source = goalbacklog.Source(req.Source)
	}

	g, err := s.Backlog.Submit(goalbacklog.SubmitParams{
		Description:     req.Description,
		SuccessCriteria: req.SuccessCriteria,
		Priority:        req.Priority,
		DependsOn:       req.DependsOn,
		Source:          source,
	})
	if err != nil {
		middleware.RespondValidationFailed(c, err.Error())
		return
	}

	c.JSON(http.StatusCreated, g)
}

func (s *Server) listGoals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"goals": s.Backlog.List()})
}

type transitionGoalRequest struct {
	Status       string   `json:"status"`
	Reason       string   `json:"reason"`
	ChildTaskIDs []string `json:"child_task_ids"`
}

func (s *Server) transitionGoal(c *gin.Context) {
	var req transitionGoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondValidationFailed(c, err.Error())
		return
	}

	id := c.Param("id")
	for _, taskID := range req.ChildTaskIDs {
		if _, err := s.Backlog.AttachChildTask(id, taskID); err != nil {
			middleware.RespondRefusal(c, http.StatusConflict, err.Error())
			return
		}
	}

	g, err := s.Backlog.Transition(id, goalbacklog.Status(req.Status), req.Reason)
	if err != nil {
		middleware.RespondRefusal(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, g)
}
