// Package gin serves the marketplace payment API on a Gin engine.
// Endpoint logic lives in the http package; this package adds the routing
// and the per-request middleware (request ids, access logs, metrics and
// per-agent rate limiting).
package gin

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	soulhttp "github.com/soulmarket/soul-x402/http"
	"github.com/soulmarket/soul-x402/metrics"
	"github.com/soulmarket/soul-x402/ratelimit"
)

// Config describes the engine NewRouter builds.
type Config struct {
	// Handler serves the endpoints. Required.
	Handler *soulhttp.Handler

	// Limiter rate-limits purchase routes per agent. Nil disables limiting.
	Limiter ratelimit.Limiter

	// Metrics records requests and exposes GET /metrics. Optional.
	Metrics *metrics.Recorder

	Logger *slog.Logger
}

// NewRouter returns a Gin engine serving the marketplace endpoints.
func NewRouter(cfg Config) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), AccessLog(logger))
	if cfg.Metrics != nil {
		r.Use(Metrics(cfg.Metrics))
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := cfg.Handler
	limited := r.Group("/")
	if cfg.Limiter != nil {
		limited.Use(RateLimit(cfg.Limiter, cfg.Metrics, logger))
	}
	limited.GET("/payment-nonce", gin.WrapH(h.Nonce()))
	limited.POST("/payment", gin.WrapH(h.Payment()))
	limited.POST("/buy", gin.WrapH(h.Buy()))
	if h.ServesForks() {
		limited.POST("/fork", gin.WrapH(h.Fork()))
	}
	if h.ServesCatalog() {
		r.GET("/listings", gin.WrapH(h.ListListings()))
		r.GET("/souls", gin.WrapH(h.ListSouls()))
		r.GET("/listings/:id", withPathID(h.Listing()))
		r.GET("/souls/:id", withPathID(h.Soul()))
	}
	return r
}

// withPathID exposes Gin's :id parameter through http.Request.PathValue.
func withPathID(next http.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.SetPathValue("id", c.Param("id"))
		next.ServeHTTP(c.Writer, c.Request)
	}
}
