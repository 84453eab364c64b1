// Package api exposes the engine's observability surface: health and
// stats endpoints, trigger inspection and reload, the HOT token list,
// recent alerts and a websocket stream of live alerts.
package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/cabal-engine/internal/alerting"
	"github.com/rawblock/cabal-engine/internal/db"
	"github.com/rawblock/cabal-engine/internal/detect"
	"github.com/rawblock/cabal-engine/internal/store"
)

type APIHandler struct {
	store        *store.Store
	pg           *db.PostgresStore
	hub          *Hub
	evaluator    *detect.TriggerEvaluator
	dispatcher   *alerting.Dispatcher
	triggersFile string
	stats        func() map[string]any
}

// RouterDeps wires the pipeline components the API reads from.
type RouterDeps struct {
	Store        *store.Store
	PG           *db.PostgresStore
	Hub          *Hub
	Evaluator    *detect.TriggerEvaluator
	Dispatcher   *alerting.Dispatcher
	TriggersFile string
	Stats        func() map[string]any
}

func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.Default()

	// CORS, configurable via ALLOWED_ORIGINS (comma separated). Empty
	// means allow all, for local dashboards.
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Origin, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		store:        deps.Store,
		pg:           deps.PG,
		hub:          deps.Hub,
		evaluator:    deps.Evaluator,
		dispatcher:   deps.Dispatcher,
		triggersFile: deps.TriggersFile,
		stats:        deps.Stats,
	}

	limiter := NewRateLimiter(120, 30)

	r.GET("/health", handler.handleHealth)

	api := r.Group("/api", limiter.Middleware())
	{
		api.GET("/stats", handler.handleStats)
		api.GET("/triggers", handler.handleTriggers)
		api.POST("/triggers/reload", AuthMiddleware(), handler.handleTriggerReload)
		api.GET("/hot", handler.handleHotTokens)
		api.GET("/alerts/recent", handler.handleRecentAlerts)
		api.GET("/stream", deps.Hub.Subscribe)
	}

	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"engine":      "Cabal Detection Engine v1.0",
		"dbConnected": h.pg != nil,
		"wsClients":   h.hub.ClientCount(),
	})
}

func (h *APIHandler) handleStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Stats not available"})
		return
	}
	c.JSON(http.StatusOK, h.stats())
}

func (h *APIHandler) handleTriggers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"triggers": h.evaluator.Triggers(),
	})
}

// handleTriggerReload re-reads the trigger file on this instance and
// publishes the new config so every other instance picks it up too.
func (h *APIHandler) handleTriggerReload(c *gin.Context) {
	if err := h.evaluator.Reload(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Reload failed", "details": err.Error()})
		return
	}

	if h.store != nil && h.triggersFile != "" {
		data, err := os.ReadFile(h.triggersFile)
		if err == nil {
			if err := h.store.SetConfig(c.Request.Context(), "triggers", data); err != nil {
				c.JSON(http.StatusOK, gin.H{
					"status":  "reloaded_locally",
					"warning": "publish to other instances failed: " + err.Error(),
				})
				return
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "reloaded",
		"triggers": len(h.evaluator.Triggers()),
	})
}

// handleHotTokens lists the tokens currently under full monitoring, with
// profile metadata and dominant venue where available.
func (h *APIHandler) handleHotTokens(c *gin.Context) {
	mints, err := h.store.HotTokens(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read HOT set", "details": err.Error()})
		return
	}

	tokens := make([]gin.H, 0, len(mints))
	for _, mint := range mints {
		entry := gin.H{"mint": mint}
		if mcap, price, ok, err := h.store.Mcap(c.Request.Context(), mint); err == nil && ok {
			entry["mcap_sol"] = mcap
			entry["price_sol"] = price
		}
		if h.pg != nil {
			if profile, err := h.pg.GetTokenProfile(c.Request.Context(), mint); err == nil && profile != nil {
				entry["name"] = profile.Name
				entry["symbol"] = profile.Symbol
				entry["trigger_reason"] = profile.TriggerReason
				entry["became_hot_at"] = profile.BecameHotAt
			}
			if venue, err := h.pg.DominantVenue(c.Request.Context(), mint); err == nil && venue != "" {
				entry["venue"] = venue
			}
		}
		tokens = append(tokens, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"count":  len(tokens),
		"tokens": tokens,
	})
}

// handleRecentAlerts serves from the dispatcher's in-memory history and
// falls back to Postgres when the process has just restarted.
func (h *APIHandler) handleRecentAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	alerts := h.dispatcher.Recent(limit)
	if len(alerts) == 0 && h.pg != nil {
		stored, err := h.pg.RecentAlerts(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch alerts", "details": err.Error()})
			return
		}
		alerts = stored
	}

	c.JSON(http.StatusOK, gin.H{
		"count":  len(alerts),
		"alerts": alerts,
	})
}
