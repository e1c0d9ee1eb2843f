package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"agentcom/internal/hubfsm"
	"agentcom/internal/middleware"
)

func (s *Server) registerWebhookRoutes(api *gin.RouterGroup) {
	api.POST("/webhooks/github", s.handleGitHubWebhook)
}

type githubWebhookPayload struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handleGitHubWebhook verifies the shared-secret HMAC signature (spec.md:
// "POST /api/webhooks/github ... HMAC-SHA256 ... x-hub-signature-256:
// sha256=<hex>"), confirms the repo is one this hub watches, and force-
// transitions the hub toward improving.
func (s *Server) handleGitHubWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		middleware.RespondValidationFailed(c, "unreadable body")
		return
	}

	if s.GitHubWebhookSecret == "" || !validSignature(s.GitHubWebhookSecret, body, c.GetHeader("x-hub-signature-256")) {
		middleware.RespondRefusal(c, http.StatusUnauthorized, "invalid_signature")
		return
	}

	var payload githubWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		middleware.RespondValidationFailed(c, "malformed payload")
		return
	}

	if !s.RegisteredRepos[payload.Repository.FullName] {
		middleware.RespondRefusal(c, http.StatusForbidden, "repo_not_registered")
		return
	}

	event := c.GetHeader("x-github-event")
	if err := s.Hub.ForceTransition(hubfsm.StateImproving, "github_webhook:"+event+":"+payload.Repository.FullName); err != nil {
		middleware.RespondRefusal(c, http.StatusConflict, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func validSignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, prefix)))
}
