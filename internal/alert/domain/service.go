package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Create(ctx context.Context, userID string, req CreateRequest) (CampaignAlert, error)
	List(ctx context.Context, userID, campaignID string) ([]CampaignAlert, error)
	Delete(ctx context.Context, userID, id string) error
	SetActive(ctx context.Context, userID, id string, active bool) (CampaignAlert, error)

	Evaluate(ctx context.Context, req EvaluateRequest) (EvaluationResult, error)
}

type CreateRequest struct {
	CampaignID     string   `json:"campaign_id"`
	CampaignName   string   `json:"campaign_name"`
	MetricType     string   `json:"metric_type"`
	Operator       string   `json:"operator"`
	ThresholdValue *float64 `json:"threshold_value"`
	Channels       []string `json:"notification_channels"`
	Active         *bool    `json:"is_active"`
}

type EvaluateRequest struct {
	UserID       string
	CampaignID   string
	CampaignName string
	Snapshot     Snapshot
}

// RuleOutcome describes what one evaluation did to one rule.
type RuleOutcome struct {
	AlertID string     `json:"alert_id"`
	Metric  MetricKind `json:"metric"`
	Value   float64    `json:"value"`
	Matched bool       `json:"matched"`
	Fired   bool       `json:"fired"`
	Cleared bool       `json:"cleared"`
	Error   string     `json:"error,omitempty"`
}

type EvaluationResult struct {
	CampaignID  string        `json:"campaign_id"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Outcomes    []RuleOutcome `json:"outcomes"`
}

var (
	ErrUnknownMetric     = errors.New("unknown_metric")
	ErrInvalidOperator   = errors.New("invalid_operator")
	ErrInvalidChannel    = errors.New("invalid_channel")
	ErrInvalidUserID     = errors.New("invalid_user_id")
	ErrInvalidCampaignID = errors.New("invalid_campaign_id")
	ErrInvalidThreshold  = errors.New("invalid_threshold")
	ErrInvalidID         = errors.New("invalid_id")
	ErrNotFound          = errors.New("alert_not_found")
)
