package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetSubscription(c *gin.Context) {
	item, err := s.subscriptionSvc.Get(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ListSubscriptionHistory(c *gin.Context) {
	limit, err := parseOptionalLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	entries, err := s.subscriptionSvc.History(c.Request.Context(), userIDFromContext(c), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}
