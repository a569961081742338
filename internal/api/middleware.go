package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentfabric/agentfabric/internal/apierr"
	"github.com/agentfabric/agentfabric/internal/authsession"
	"github.com/agentfabric/agentfabric/internal/identity"
	"github.com/agentfabric/agentfabric/internal/metrics"
	"github.com/agentfabric/agentfabric/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const ctxAgentIDKey = "agent_id"

func correlationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Correlation-ID")
		if id == "" {
			id = c.GetHeader("X-Request-ID")
		}
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("correlation_id", id)
		c.Header("X-Correlation-ID", id)
		c.Next()
	}
}

func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("correlation_id", c.GetString("correlation_id")),
		}
		switch {
		case c.Writer.Status() >= 500:
			logger.Error("request", fields...)
		case c.Writer.Status() >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Correlation-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func timeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		go func() {
			c.Next()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
		}
	}
}

func metricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// apiKeyMiddleware validates the caller against the identity registry and
// stashes the agent id in context. The caller may present either the raw
// X-API-Key/Bearer API key, or a short-lived bearer session minted by
// POST /api/v1/agents/:id/session — whichever arrives in the Authorization header is
// dispatched by shape, since a session JWT and a raw sk_live_ key never
// collide on dot count.
func apiKeyMiddleware(reg *identity.Registry, sessions *authsession.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			writeError(c, apierr.Unauthorized("missing X-API-Key header"))
			c.Abort()
			return
		}

		if sessions != nil && authsession.LooksLikeJWT(key) {
			agentID, err := sessions.Verify(key)
			if err != nil {
				writeError(c, err)
				c.Abort()
				return
			}
			agent, err := reg.RequireActive(c.Request.Context(), agentID)
			if err != nil {
				writeError(c, err)
				c.Abort()
				return
			}
			c.Set(ctxAgentIDKey, agent.AgentID)
			c.Next()
			return
		}

		agent, err := reg.ValidateAPIKey(c.Request.Context(), key)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(ctxAgentIDKey, agent.AgentID)
		c.Next()
	}
}

func callerAgentID(c *gin.Context) string {
	v, _ := c.Get(ctxAgentIDKey)
	id, _ := v.(string)
	return id
}

func rateLimitMiddleware(limiter *ratelimit.Limiter, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := callerAgentID(c)
		if agentID == "" || limiter == nil {
			c.Next()
			return
		}
		d := limiter.Check(agentID)
		if !d.Allowed {
			window := "minute"
			if d.RetryAfter > time.Minute {
				window = "day"
			}
			m.RateLimitRejections.WithLabelValues(window).Inc()
			c.Header("Retry-After", formatRetryAfter(d.RetryAfter))
			writeError(c, apierr.RateLimited("rate limit exceeded, retry after %s", d.RetryAfter.Round(time.Second)))
			c.Abort()
			return
		}
		c.Next()
	}
}

func formatRetryAfter(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
