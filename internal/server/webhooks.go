package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HandleWebhook verifies and records a processor event. A processing failure
// returns 500 so the processor redelivers it.
func (s *Server) HandleWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes+1))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(payload) == 0 || len(payload) > maxWebhookBytes {
		AbortWithError(c, newValidationError("payload", "invalid_payload", "invalid payload size"))
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		signature = c.GetHeader("X-Webhook-Signature")
	}

	if err := s.webhookSvc.IngestWebhook(c.Request.Context(), provider, payload, signature); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
