// Package api exposes the cashier-facing HTTP surface over the save queue,
// the local store and the sync orchestrator
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/service"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type Queue interface {
	Add(ctx context.Context, p models.Product) (models.QueueRecord, error)
	Stats() models.QueueStats
	Records() []models.QueueRecord
	ClearCompleted(ctx context.Context) int
	Retry(ctx context.Context, id string) (models.QueueRecord, error)
}

type LocalStore interface {
	Put(ctx context.Context, collection string, entry models.LocalEntry) (models.LocalEntry, error)
	Get(ctx context.Context, collection, id string) (models.LocalEntry, error)
	Counts(ctx context.Context) (map[string]map[models.SyncStatus]int, error)
}

type Syncer interface {
	Trigger()
	Online() bool
	LastReport() service.SweepReport
}

type PriceLookup interface {
	FindByBarcode(code string) (models.PriceReferenceEntry, bool)
	FindByName(name string) (models.PriceReferenceEntry, bool)
}

type Handler struct {
	queue  Queue
	local  LocalStore
	sync   Syncer
	prices PriceLookup
	logger *slog.Logger
}

func NewHandler(queue Queue, local LocalStore, sync Syncer, prices PriceLookup, logger *slog.Logger) *Handler {
	return &Handler{
		queue:  queue,
		local:  local,
		sync:   sync,
		prices: prices,
		logger: logger,
	}
}

// NewRouter wires the routes. An empty origins list allows every origin, which is what
// a till served from file:// or a LAN address needs
func NewRouter(h *Handler, origins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))

	corsConfig := cors.DefaultConfig()
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type")
	r.Use(cors.New(corsConfig))

	r.GET("/health", h.health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/captures", h.createCapture)

		v1.GET("/queue/stats", h.queueStats)
		v1.GET("/queue/records", h.queueRecords)
		v1.DELETE("/queue/completed", h.clearCompleted)
		v1.POST("/queue/records/:id/retry", h.retryRecord)

		v1.GET("/local/stats", h.localStats)
		v1.GET("/local/:collection/:id", h.getLocal)
		v1.PUT("/local/:collection/:id", h.putLocal)

		v1.POST("/sync", h.triggerSync)
		v1.GET("/sync/report", h.syncReport)

		v1.GET("/prices/:code", h.lookupPrice)
	}

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= 500 {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
