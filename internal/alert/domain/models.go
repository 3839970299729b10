// Package domain holds campaign alert rules and the comparison semantics used
// to evaluate them against metric snapshots.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// MetricKind selects which snapshot value a rule watches.
type MetricKind string

const (
	MetricResults     MetricKind = "results"
	MetricAmountSpent MetricKind = "amount_spent"
	MetricCPC         MetricKind = "cpc"
	MetricROAS        MetricKind = "roas"
)

func ParseMetricKind(value string) (MetricKind, error) {
	switch kind := MetricKind(strings.ToLower(strings.TrimSpace(value))); kind {
	case MetricResults, MetricAmountSpent, MetricCPC, MetricROAS:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMetric, value)
	}
}

type Operator string

const (
	OperatorGTE   Operator = ">="
	OperatorLTE   Operator = "<="
	OperatorEqual Operator = "="
)

// EqualityTolerance is the absolute difference under which "=" matches.
const EqualityTolerance = 0.01

func ParseOperator(value string) (Operator, error) {
	switch op := Operator(strings.TrimSpace(value)); op {
	case OperatorGTE, OperatorLTE, OperatorEqual:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperator, value)
	}
}

// Compare reports whether value satisfies the operator against threshold.
func (o Operator) Compare(value, threshold float64) (bool, error) {
	switch o {
	case OperatorGTE:
		return value >= threshold, nil
	case OperatorLTE:
		return value <= threshold, nil
	case OperatorEqual:
		return math.Abs(value-threshold) < EqualityTolerance, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidOperator, string(o))
	}
}

type Channel string

const (
	ChannelVisual Channel = "visual"
	ChannelSound  Channel = "sound"
	ChannelEmail  Channel = "email"
)

func ParseChannel(value string) (Channel, error) {
	switch ch := Channel(strings.ToLower(strings.TrimSpace(value))); ch {
	case ChannelVisual, ChannelSound, ChannelEmail:
		return ch, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, value)
	}
}

// Snapshot is a campaign's metrics at one polling instant.
type Snapshot struct {
	Results float64 `json:"results"`
	Spent   float64 `json:"spent"`
	CPC     float64 `json:"cpc"`
	ROAS    float64 `json:"roas"`
}

func (s Snapshot) Value(kind MetricKind) (float64, error) {
	switch kind {
	case MetricResults:
		return s.Results, nil
	case MetricAmountSpent:
		return s.Spent, nil
	case MetricCPC:
		return s.CPC, nil
	case MetricROAS:
		return s.ROAS, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, string(kind))
	}
}

// CampaignAlert is a user's watch rule on one campaign metric. TriggeredAt is
// set only while the condition holds and is the sole record that the current
// episode has already notified.
type CampaignAlert struct {
	ID                   snowflake.ID                 `json:"id"`
	UserID               string                       `json:"user_id"`
	CampaignID           string                       `json:"campaign_id"`
	CampaignName         string                       `json:"campaign_name"`
	MetricType           MetricKind                   `json:"metric_type"`
	Operator             Operator                     `json:"operator"`
	ThresholdValue       float64                      `json:"threshold_value"`
	IsActive             bool                         `json:"is_active"`
	NotificationChannels datatypes.JSONSlice[Channel] `json:"notification_channels"`
	TriggeredAt          *time.Time                   `json:"triggered_at,omitempty"`
	CreatedAt            time.Time                    `json:"created_at"`
	UpdatedAt            time.Time                    `json:"updated_at"`
}

func (CampaignAlert) TableName() string { return "campaign_alerts" }

// Matches evaluates the rule against the snapshot and returns the observed value.
func (a CampaignAlert) Matches(s Snapshot) (float64, bool, error) {
	value, err := s.Value(a.MetricType)
	if err != nil {
		return 0, false, err
	}
	matched, err := a.Operator.Compare(value, a.ThresholdValue)
	if err != nil {
		return value, false, err
	}
	return value, matched, nil
}

func (a CampaignAlert) HasChannel(ch Channel) bool {
	for _, c := range a.NotificationChannels {
		if c == ch {
			return true
		}
	}
	return false
}
