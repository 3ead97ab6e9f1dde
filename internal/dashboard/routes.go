package dashboard

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zulandar/mjgate/internal/gateway"
	"github.com/zulandar/mjgate/internal/verify"
)

const defaultStatusInterval = 3 * time.Second

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	interval := opts.StatusInterval
	if interval <= 0 {
		interval = defaultStatusInterval
	}

	router.GET("/healthz", handleHealth(opts.Fleet))
	router.GET("/api/accounts", handleAccounts(opts.Fleet))
	router.GET("/api/accounts/:id", handleAccount(opts.Fleet))
	router.GET("/api/events", handleSSE(opts.Fleet, interval))
	router.POST("/captcha/callback", handleCaptchaCallback(opts))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// handleHealth reports ok while at least one enabled account is running,
// or while no account is enabled at all.
func handleHealth(f Fleet) gin.HandlerFunc {
	return func(c *gin.Context) {
		statuses, err := f.Statuses(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
			return
		}
		enabled, running := 0, 0
		for _, s := range statuses {
			if !s.Enabled {
				continue
			}
			enabled++
			if s.Connection.State == gateway.StateRunning.String() {
				running++
			}
		}
		code := http.StatusOK
		status := "ok"
		if enabled > 0 && running == 0 {
			code = http.StatusServiceUnavailable
			status = "degraded"
		}
		c.JSON(code, gin.H{"status": status, "enabled": enabled, "running": running})
	}
}

func handleAccounts(f Fleet) gin.HandlerFunc {
	return func(c *gin.Context) {
		statuses, err := f.Statuses(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, statuses)
	}
}

func handleAccount(f Fleet) gin.HandlerFunc {
	return func(c *gin.Context) {
		statuses, err := f.Statuses(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		id := c.Param("id")
		for _, s := range statuses {
			if s.AccountID == id {
				c.JSON(http.StatusOK, s)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	}
}

// handleCaptchaCallback receives the outcome of a verification handed to
// an external workflow.
func handleCaptchaCallback(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var o verify.Outcome
		if err := c.ShouldBindJSON(&o); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if o.AccountID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
			return
		}
		if err := opts.Fleet.ResolveVerification(c.Request.Context(), o); err != nil {
			opts.Logger.Error().Err(err).Str("account", o.AccountID).Msg("apply verification outcome")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "applied"})
	}
}
