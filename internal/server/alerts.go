package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	alertdomain "github.com/smallbiznis/adops/internal/alert/domain"
)

type updateAlertRequest struct {
	IsActive *bool `json:"is_active"`
}

type evaluateAlertsRequest struct {
	CampaignName string                `json:"campaign_name"`
	Snapshot     *alertdomain.Snapshot `json:"snapshot"`
}

func (s *Server) ListAlerts(c *gin.Context) {
	items, err := s.alertSvc.List(c.Request.Context(), userIDFromContext(c), strings.TrimSpace(c.Query("campaign_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) CreateAlert(c *gin.Context) {
	var req alertdomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	item, err := s.alertSvc.Create(c.Request.Context(), userIDFromContext(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": item})
}

func (s *Server) UpdateAlert(c *gin.Context) {
	var req updateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.IsActive == nil {
		AbortWithError(c, newValidationError("is_active", "required", "is_active is required"))
		return
	}

	item, err := s.alertSvc.SetActive(c.Request.Context(), userIDFromContext(c), strings.TrimSpace(c.Param("id")), *req.IsActive)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) DeleteAlert(c *gin.Context) {
	if err := s.alertSvc.Delete(c.Request.Context(), userIDFromContext(c), strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// EvaluateCampaignAlerts runs the campaign's rules against a freshly polled snapshot.
func (s *Server) EvaluateCampaignAlerts(c *gin.Context) {
	var req evaluateAlertsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Snapshot == nil {
		AbortWithError(c, newValidationError("snapshot", "required", "snapshot is required"))
		return
	}

	result, err := s.alertSvc.Evaluate(c.Request.Context(), alertdomain.EvaluateRequest{
		UserID:       userIDFromContext(c),
		CampaignID:   strings.TrimSpace(c.Param("campaign_id")),
		CampaignName: strings.TrimSpace(req.CampaignName),
		Snapshot:     *req.Snapshot,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
