package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/adops/internal/billingwebhook"
)

const stripeSignatureHeader = "Stripe-Signature"

func (s *Server) HandleStripeWebhook(c *gin.Context) {
	if s.webhooks == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, billingwebhook.MaxPayloadBytes)
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, newValidationError("body", "payload_too_large", "payload too large"))
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhooks.Ingest(c.Request.Context(), payload, c.GetHeader(stripeSignatureHeader))
	if result.EventType != "" {
		c.Set("webhook_event_type", result.EventType)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": result.Outcome})
}
