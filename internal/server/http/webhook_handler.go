package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"agentdash/internal/ingest"
	"agentdash/internal/logging"
)

// Ingester applies worker notifications.
type Ingester interface {
	IngestEnvelope(ctx context.Context, env ingest.Envelope) error
}

// WebhookHandler accepts lifecycle notifications from orchestrator workers.
type WebhookHandler struct {
	ingester Ingester
	logger   logging.Logger
}

func NewWebhookHandler(ingester Ingester, logger logging.Logger) *WebhookHandler {
	return &WebhookHandler{ingester: ingester, logger: logging.OrNop(logger)}
}

// HandleNotify decodes an envelope and hands it to the ingester.
func (h *WebhookHandler) HandleNotify(c *gin.Context) {
	var env ingest.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification body"})
		return
	}
	env.Event = strings.TrimSpace(env.Event)
	if env.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event is required"})
		return
	}

	if err := h.ingester.IngestEnvelope(c.Request.Context(), env); err != nil {
		if errors.Is(err, ingest.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Webhook %s failed: %v", env.Event, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process webhook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
