// Package api is the thin HTTP adapter in front of the agent mesh: an
// authenticated request becomes a task, the correlated response becomes the
// HTTP response. All business logic stays in the agents.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/umt-project/umt/pkg/agent"
	"github.com/umt-project/umt/pkg/apikeys"
	"github.com/umt-project/umt/pkg/models"
)

const shutdownGrace = 5 * time.Second

// Server exposes the task-submission surface over HTTP.
type Server struct {
	caller *agent.BaseAgent
	keys   *apikeys.Service
	logger *slog.Logger
}

// NewServer wires the HTTP adapter. caller must be a started agent; it is
// the sender of every submitted task.
func NewServer(caller *agent.BaseAgent, keys *apikeys.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		caller: caller,
		keys:   keys,
		logger: logger.With("component", "api"),
	}
}

// Engine builds the route table.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.Health)

	v1 := r.Group("/api/v1", s.RequireAPIKey("tasks"))
	v1.POST("/tasks", s.SubmitTask)

	return r
}

// Run serves the API until ctx is cancelled, then drains open connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Engine()}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.InfoContext(ctx, "API server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Health reports liveness plus whether the calling agent can reach the
// broker.
func (s *Server) Health(c *gin.Context) {
	ready := s.caller.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status": "ok",
		"ready":  ready,
	})
}

// RequireAPIKey authenticates the request from the Authorization bearer
// token or the X-API-Key header, then applies the key's rate limit.
func (s *Server) RequireAPIKey(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		plaintext := c.GetHeader("X-API-Key")
		if plaintext == "" {
			if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
				plaintext = bearer
			}
		}
		if plaintext == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}

		key, err := s.keys.Validate(c.Request.Context(), plaintext, scope)
		if err != nil {
			c.AbortWithStatusJSON(httpStatus(models.KindOf(err)), gin.H{"error": err.Error()})
			return
		}

		verdict := s.keys.CheckRateLimit(c.Request.Context(), key)
		c.Header("X-RateLimit-Limit", strconv.Itoa(verdict.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(verdict.Remaining))
		if !verdict.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "rate limit exceeded",
				"retry_after_seconds": int(verdict.ResetAfter.Seconds()),
			})
			return
		}

		c.Set("api_key", key)
		c.Next()
	}
}

type taskRequest struct {
	TargetAgentID  string         `json:"target_agent_id" binding:"required"`
	TaskType       string         `json:"task_type" binding:"required"`
	Payload        map[string]any `json:"payload"`
	TimeoutSeconds int            `json:"timeout_seconds" binding:"gte=0,lte=120"`
}

// SubmitTask sends one task to its target agent and waits for the correlated
// response.
func (s *Server) SubmitTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	resp, err := s.caller.SendTask(c.Request.Context(),
		req.TargetAgentID, req.TaskType, req.Payload, true, timeout)
	if err != nil {
		s.logger.WarnContext(c.Request.Context(), "Task submission failed",
			"target", req.TargetAgentID, "task_type", req.TaskType, "error", err)
		c.JSON(httpStatus(models.KindOf(err)), gin.H{"error": err.Error()})
		return
	}

	if resp.Status != models.StatusSuccess {
		c.JSON(httpStatus(kindFromResponse(resp.Error)), gin.H{
			"status": "error",
			"error":  resp.Error,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"result": resp.Result,
	})
}

// kindFromResponse recovers the error kind from a response envelope, where
// classified errors serialize as "kind: detail".
func kindFromResponse(errText string) models.ErrorKind {
	prefix, _, _ := strings.Cut(errText, ":")
	switch kind := models.ErrorKind(prefix); kind {
	case models.KindValidation, models.KindAuth, models.KindForbidden,
		models.KindNotFound, models.KindConflict, models.KindUpstream,
		models.KindTransport, models.KindTimeout, models.KindInternal:
		return kind
	default:
		return models.KindInternal
	}
}

func httpStatus(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindAuth:
		return http.StatusUnauthorized
	case models.KindForbidden:
		return http.StatusForbidden
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict:
		return http.StatusConflict
	case models.KindTimeout:
		return http.StatusGatewayTimeout
	case models.KindUpstream:
		return http.StatusBadGateway
	case models.KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
