package gin

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	x402 "github.com/soulmarket/soul-x402"
	soulhttp "github.com/soulmarket/soul-x402/http"
	"github.com/soulmarket/soul-x402/http/internal/helpers"
	"github.com/soulmarket/soul-x402/metrics"
	"github.com/soulmarket/soul-x402/ratelimit"
)

// HeaderRequestID carries the request id on requests and responses.
const HeaderRequestID = "X-Request-Id"

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// RequestID propagates the caller's X-Request-Id or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// AccessLog writes one structured line per request.
func AccessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest && status != http.StatusPaymentRequired:
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			"id", c.GetString(RequestIDKey),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"agent", c.GetHeader(soulhttp.HeaderAgentID),
			"duration", time.Since(start))
	}
}

// Metrics records every request on rec, labelled by route pattern.
func Metrics(rec *metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		rec.ObserveRequest(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// RateLimit rejects requests over the limiter's budget with 429. See
// rateKey for how callers are bucketed.
func RateLimit(limiter ratelimit.Limiter, rec *metrics.Recorder, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rateKey(c)

		ok, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			// Fail open.
			logger.Warn("rate limiter unavailable", "key", key, "error", err)
			c.Next()
			return
		}
		if !ok {
			if rec != nil {
				rec.RateLimited()
			}
			c.Header("Retry-After", "1")
			_ = helpers.WriteError(c.Writer, x402.ErrRateLimited)
			c.Abort()
			return
		}
		c.Next()
	}
}

// rateKey buckets unpaid calls by client IP, since X-Agent-Id is just a
// header until a signature backs it. Calls carrying a payment are bucketed
// by agent; the orchestrator rejects a payer that is not that agent.
func rateKey(c *gin.Context) string {
	agent := c.GetHeader(soulhttp.HeaderAgentID)
	if agent != "" && c.GetHeader(soulhttp.HeaderPaymentSignature) != "" {
		return "agent:" + strings.ToLower(agent)
	}
	return "ip:" + clientIP(c)
}

func clientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return host
}
