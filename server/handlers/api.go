package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/cribwatch/server/models"
	"github.com/san-kum/cribwatch/server/processor"
	"github.com/san-kum/cribwatch/server/store"
	"go.uber.org/zap"
)

// Monitor is the control surface of the running pipeline.
type Monitor interface {
	GetStatus() models.Status
	ForceReport(ctx context.Context) bool
	TestAlert(ctx context.Context) bool
	GetPrompt() string
	UpdatePrompt(ctx context.Context, text string) error
	Stats(ctx context.Context) map[string]any
}

type LogReader interface {
	RecentVision(ctx context.Context, limit int) ([]models.VisionLogEntry, error)
	RecentAlerts(ctx context.Context, limit int) ([]models.AlertLogEntry, error)
	RecentEvents(ctx context.Context, limit int) ([]models.EventLogEntry, error)
	RecentAudio(ctx context.Context, limit int) ([]models.AudioLogEntry, error)
	Counts(ctx context.Context) (models.LogCounts, error)
}

type APIHandler struct {
	monitor Monitor
	logs    LogReader
	logger  *zap.Logger
}

type PromptRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

func NewAPIHandler(monitor Monitor, logs LogReader, logger *zap.Logger) *APIHandler {
	return &APIHandler{
		monitor: monitor,
		logs:    logs,
		logger:  logger,
	}
}

func (h *APIHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.GetStatus())
}

func (h *APIHandler) ForceReport(c *gin.Context) {
	ok := h.monitor.ForceReport(c.Request.Context())
	h.logger.Info("Manual report requested", zap.Bool("success", ok), zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{
		"success":   ok,
		"timestamp": time.Now().Unix(),
	})
}

func (h *APIHandler) TestAlert(c *gin.Context) {
	ok := h.monitor.TestAlert(c.Request.Context())
	h.logger.Info("Test alert requested", zap.Bool("success", ok), zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{
		"success":   ok,
		"timestamp": time.Now().Unix(),
	})
}

func (h *APIHandler) GetPrompt(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"prompt": h.monitor.GetPrompt()})
}

func (h *APIHandler) UpdatePrompt(c *gin.Context) {
	var request PromptRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	err := h.monitor.UpdatePrompt(c.Request.Context(), request.Prompt)
	switch {
	case errors.Is(err, processor.ErrEmptyPrompt), errors.Is(err, processor.ErrPromptTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("Failed to update prompt", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update prompt"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "prompt": h.monitor.GetPrompt()})
}

func (h *APIHandler) GetLogs(c *gin.Context) {
	limit := store.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = store.ClampLimit(n)
	}

	ctx := c.Request.Context()
	var (
		entries any
		err     error
	)
	switch kind := c.Param("kind"); kind {
	case "vision":
		entries, err = h.logs.RecentVision(ctx, limit)
	case "alerts":
		entries, err = h.logs.RecentAlerts(ctx, limit)
	case "events":
		entries, err = h.logs.RecentEvents(ctx, limit)
	case "audio":
		entries, err = h.logs.RecentAudio(ctx, limit)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown log kind: " + kind})
		return
	}

	if err != nil {
		h.logger.Error("Failed to read logs", zap.String("kind", c.Param("kind")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": entries, "limit": limit})
}

func (h *APIHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := h.logs.Counts(ctx)
	if err != nil {
		h.logger.Error("Failed to read log counts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"counts":    counts,
		"system":    h.monitor.Stats(ctx),
		"timestamp": time.Now().Unix(),
	})
}
