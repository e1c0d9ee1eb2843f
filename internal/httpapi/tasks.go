package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agentcom/internal/middleware"
	"agentcom/internal/ratelimiter"
	"agentcom/internal/taskqueue"
)

func (s *Server) registerTaskRoutes(api *gin.RouterGroup) {
	g := api.Group("/tasks", s.requireAuth())
	g.POST("", s.rateLimitHTTP(ratelimiter.TierHeavy), s.submitTask)
	g.GET("", s.rateLimitHTTP(ratelimiter.TierLight), s.listTasks)
	g.GET("/:id", s.rateLimitHTTP(ratelimiter.TierLight), s.getTask)
	g.POST("/:id/retry", s.rateLimitHTTP(ratelimiter.TierNormal), s.retryTask)
	g.POST("/:id/cancel", s.rateLimitHTTP(ratelimiter.TierNormal), s.cancelTask)
}

type submitTaskRequest struct {
	Description        string            `json:"description"`
	Priority            *int             `json:"priority"`
	NeededCapabilities  []string         `json:"needed_capabilities"`
	DependsOn           []string         `json:"depends_on"`
	GoalID              string           `json:"goal_id"`
	MaxRetries          int              `json:"max_retries"`
	CompleteBy          *int64           `json:"complete_by"`
	Repo                string           `json:"repo"`
	Branch              string           `json:"branch"`
	FileHints           []string         `json:"file_hints"`
	SuccessCriteria     []string         `json:"success_criteria"`
	VerificationSteps   []string         `json:"verification_steps"`
	Complexity          string           `json:"complexity"`
	RoutingDecision     string           `json:"routing_decision"`
	Labels              map[string]string `json:"labels"`
}

func (s *Server) submitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondValidationFailed(c, err.Error())
		return
	}

	priority := taskqueue.PriorityNormal
	if req.Priority != nil {
		priority = taskqueue.Priority(*req.Priority)
	}

	t, err := s.Queue.Submit(taskqueue.SubmitParams{
		Description:        req.Description,
		Priority:           priority,
		NeededCapabilities: req.NeededCapabilities,
		DependsOn:          req.DependsOn,
		GoalID:             req.GoalID,
		MaxRetries:         req.MaxRetries,
		CompleteBy:         req.CompleteBy,
		Repo:               req.Repo,
		Branch:             req.Branch,
		FileHints:          req.FileHints,
		SuccessCriteria:    req.SuccessCriteria,
		VerificationSteps:  req.VerificationSteps,
		Complexity:         req.Complexity,
		RoutingDecision:    req.RoutingDecision,
		Labels:             req.Labels,
	})
	if err != nil {
		if errors.Is(err, taskqueue.ErrValidation) || errors.Is(err, taskqueue.ErrDependencyMissing) {
			middleware.RespondValidationFailed(c, err.Error())
			return
		}
		middleware.RespondRefusal(c, http.StatusConflict, err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":     "queued",
		"task_id":    t.ID,
		"priority":   t.Priority,
		"created_at": t.CreatedAt,
	})
}

func (s *Server) listTasks(c *gin.Context) {
	f := taskqueue.Filter{
		Status:     taskqueue.Status(c.Query("status")),
		AssignedTo: c.Query("assigned_to"),
		GoalID:     c.Query("goal_id"),
	}
	if raw := c.Query("priority"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			p := taskqueue.Priority(n)
			f.Priority = &p
		}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.Queue.List(f)})
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.Queue.Get(c.Param("id"))
	if err != nil {
		middleware.RespondRefusal(c, http.StatusNotFound, "task_not_found")
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) retryTask(c *gin.Context) {
	t, err := s.Queue.Retry(c.Param("id"))
	if err != nil {
		middleware.RespondRefusal(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) cancelTask(c *gin.Context) {
	t, err := s.Queue.Cancel(c.Param("id"))
	if err != nil {
		middleware.RespondRefusal(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, t)
}
