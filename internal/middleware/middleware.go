// Package middleware is AgentCom's gin middleware stack, grounded on the
// teacher's internal/middleware (ErrorHandler/Recovery/RequestID/CORS/
// Security/Timeout), adapted to spec.md §7's error taxonomy: validation
// failures return {error: "validation_failed", errors: [...]}, rate-limited
// requests return 429 with Retry-After and {error, retry_after_ms}.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"agentcom/internal/logging"
)

// ErrorResponse is the standard envelope for non-2xx JSON responses.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Reason    string   `json:"reason,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

func generateRequestID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// RequestID stamps every request with an X-Request-ID, reusing one the
// caller already supplied.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = generateRequestID()
		}
		c.Header("X-Request-ID", id)
		c.Set("request_id", id)
		c.Next()
	}
}

// RequestLogger writes one structured log line per request via zap,
// matching the teacher's gin.LoggerWithConfig formatter but through the
// project's own logger instead of gin's default writer.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		logging.L().Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}

// Recovery converts a panicking handler into a 500 JSON response instead of
// crashing the process, mirroring the teacher's gin.CustomRecovery use.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L().Error("panic recovered in handler",
			zap.Any("recovered", recovered),
			zap.String("request_id", c.GetString("request_id")),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "internal_error",
			RequestID: c.GetString("request_id"),
		})
	})
}

// CORS enforces the same origin allow-list idiom as internal/wire's
// websocket upgrader — CORS_ALLOWED_ORIGINS env var, strict in production.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(origin string) bool {
	allowedEnv := os.Getenv("CORS_ALLOWED_ORIGINS")
	if allowedEnv == "" {
		return os.Getenv("ENVIRONMENT") != "production"
	}
	for _, allowed := range strings.Split(allowedEnv, ",") {
		if strings.TrimSpace(allowed) == origin {
			return true
		}
	}
	return false
}

// Security adds the same baseline response headers as the teacher's
// Security middleware.
func Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// Timeout aborts a handler that overruns duration with a 503, matching the
// teacher's context.WithTimeout + c.Next()-in-goroutine pattern.
func Timeout(duration time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		finished := make(chan struct{})
		go func() {
			c.Next()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(duration):
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error:     "request_timeout",
				RequestID: c.GetString("request_id"),
			})
			c.Abort()
		}
	}
}

// TokenVerifier is the narrow interface RequireAgentAuth depends on —
// satisfied structurally by *auth.Registry.
type TokenVerifier interface {
	Verify(token, agentID string) error
	AgentIDForToken(token string) (string, bool)
}

// RequireAgentAuth enforces spec.md §6's "all mutating endpoints require
// Authorization: Bearer <token>" rule. It only checks that the token is
// live; it does not bind it to a specific agent_id (that binding happens on
// the WS identify frame, per internal/wire). The resolved agent_id is
// stashed in the context under "agent_id" for downstream middleware (e.g.
// per-agent HTTP rate limiting) to read.
func RequireAgentAuth(tokens TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "auth_required", RequestID: c.GetString("request_id")})
			c.Abort()
			return
		}
		token := strings.TrimPrefix(header, prefix)
		if err := tokens.Verify(token, ""); err != nil {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid_token", RequestID: c.GetString("request_id")})
			c.Abort()
			return
		}
		if agentID, ok := tokens.AgentIDForToken(token); ok {
			c.Set("agent_id", agentID)
		}
		c.Next()
	}
}

// RespondValidationFailed writes spec.md §6/§7's validation-error envelope.
func RespondValidationFailed(c *gin.Context, errs ...string) {
	c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
		Error:     "validation_failed",
		Errors:    errs,
		RequestID: c.GetString("request_id"),
	})
}

// RespondRateLimited writes spec.md §6/§7's 429 envelope with Retry-After.
func RespondRateLimited(c *gin.Context, retryAfterMS int64) {
	c.Header("Retry-After", strconv.FormatInt((retryAfterMS+999)/1000, 10))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":          "rate_limited",
		"retry_after_ms": retryAfterMS,
	})
}

// RespondRefusal writes spec.md §7's typed business-rule refusal envelope.
func RespondRefusal(c *gin.Context, status int, reason string) {
	c.JSON(status, ErrorResponse{Error: "refused", Reason: reason, RequestID: c.GetString("request_id")})
}

// ipLimiters tracks one golang.org/x/time/rate.Limiter per client IP. This
// is a coarse, unauthenticated-traffic guard sitting in front of the HTTP
// stack — distinct from internal/ratelimiter's per-agent, per-channel token
// buckets, which only apply once a caller has identified itself.
type ipLimiters struct {
	mu    sync.Mutex
	perIP map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func newIPLimiters(rps float64, burst int) *ipLimiters {
	return &ipLimiters{perIP: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
}

func (l *ipLimiters) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.perIP[ip] = lim
	}
	return lim
}

// IPRateLimit bounds request volume per client IP before any auth or
// business logic runs, protecting onboarding and webhook routes that
// RequireAgentAuth doesn't cover. rps/burst follow the same shape as
// rate.NewLimiter: sustained rate and instantaneous allowance.
func IPRateLimit(rps float64, burst int) gin.HandlerFunc {
	limiters := newIPLimiters(rps, burst)
	return func(c *gin.Context) {
		if !limiters.limiterFor(c.ClientIP()).Allow() {
			RespondRateLimited(c, 1000)
			c.Abort()
			return
		}
		c.Next()
	}
}
