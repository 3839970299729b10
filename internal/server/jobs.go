package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/adops/internal/scheduler"
	"go.uber.org/zap"
)

// RunSubscriptionSweep runs one sweep for the external scheduler. Row failures
// are reported inside the result; only a failed job yields a 500.
func (s *Server) RunSubscriptionSweep(c *gin.Context) {
	if s.sweeper == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	result, err := s.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrSweepInProgress) {
			AbortWithError(c, err)
			return
		}
		s.log.Error("subscription sweep failed", zap.String("run_id", result.RunID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"data": result,
			"error": errorPayload{
				Type:    "sweep_failed",
				Message: "one or more sweep jobs failed",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
