package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	alertdomain "github.com/smallbiznis/adops/internal/alert/domain"
	"github.com/smallbiznis/adops/internal/clock"
	"github.com/smallbiznis/adops/internal/config"
	"github.com/smallbiznis/adops/internal/livefeed"
	"github.com/smallbiznis/adops/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/adops/internal/observability/metrics"
	"github.com/smallbiznis/adops/internal/providers/email"
	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const notifyTimeout = 15 * time.Second

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	repo     alertdomain.Repository
	profiles subscriptiondomain.Repository
	hub      *livefeed.Hub
	email    email.Provider
	metrics  *obsmetrics.Metrics

	dashboardURL string
	runAsync     func(func())
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     alertdomain.Repository
	Profiles subscriptiondomain.Repository
	Hub      *livefeed.Hub
	Email    email.Provider
	Metrics  *obsmetrics.Metrics `optional:"true"`
	Config   config.Config
}

func NewService(p ServiceParam) alertdomain.Service {
	return newService(p)
}

func newService(p ServiceParam) *Service {
	provider := p.Email
	if provider == nil {
		provider = email.NoOpProvider{}
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("alert.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		profiles:     p.Profiles,
		hub:          p.Hub,
		email:        provider,
		metrics:      p.Metrics,
		dashboardURL: strings.TrimRight(strings.TrimSpace(p.Config.Email.DashboardURL), "/"),
		runAsync:     func(fn func()) { go fn() },
	}
}

func (s *Service) Create(ctx context.Context, userID string, req alertdomain.CreateRequest) (alertdomain.CampaignAlert, error) {
	userID, err := parseUserID(userID)
	if err != nil {
		return alertdomain.CampaignAlert{}, err
	}
	campaignID := strings.TrimSpace(req.CampaignID)
	if campaignID == "" {
		return alertdomain.CampaignAlert{}, alertdomain.ErrInvalidCampaignID
	}
	metric, err := alertdomain.ParseMetricKind(req.MetricType)
	if err != nil {
		return alertdomain.CampaignAlert{}, err
	}
	operator, err := alertdomain.ParseOperator(req.Operator)
	if err != nil {
		return alertdomain.CampaignAlert{}, err
	}
	if req.ThresholdValue == nil || math.IsNaN(*req.ThresholdValue) || math.IsInf(*req.ThresholdValue, 0) {
		return alertdomain.CampaignAlert{}, alertdomain.ErrInvalidThreshold
	}
	channels, err := normalizeChannels(req.Channels)
	if err != nil {
		return alertdomain.CampaignAlert{}, err
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.clock.Now().UTC()
	record := alertdomain.CampaignAlert{
		ID:                   s.genID.Generate(),
		UserID:               userID,
		CampaignID:           campaignID,
		CampaignName:         strings.TrimSpace(req.CampaignName),
		MetricType:           metric,
		Operator:             operator,
		ThresholdValue:       *req.ThresholdValue,
		IsActive:             active,
		NotificationChannels: channels,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.Insert(ctx, s.db, &record); err != nil {
		return alertdomain.CampaignAlert{}, err
	}
	return record, nil
}

func (s *Service) List(ctx context.Context, userID, campaignID string) ([]alertdomain.CampaignAlert, error) {
	userID, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.List(ctx, s.db, userID, strings.TrimSpace(campaignID))
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []alertdomain.CampaignAlert{}
	}
	return items, nil
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	userID, err := parseUserID(userID)
	if err != nil {
		return err
	}
	alertID, err := parseID(id)
	if err != nil {
		return err
	}
	deleted, err := s.repo.Delete(ctx, s.db, userID, alertID)
	if err != nil {
		return err
	}
	if !deleted {
		return alertdomain.ErrNotFound
	}
	return nil
}

func (s *Service) SetActive(ctx context.Context, userID, id string, active bool) (alertdomain.CampaignAlert, error) {
	userID, err := parseUserID(userID)
	if err != nil {
		return alertdomain.CampaignAlert{}, err
	}
	alertID, err := parseID(id)
	if err != nil {
		return alertdomain.CampaignAlert{}, err
	}

	updated, err := s.repo.SetActive(ctx, s.db, userID, alertID, active, s.clock.Now().UTC())
	if err != nil {
		return alertdomain.CampaignAlert{}, err
	}
	if !updated {
		return alertdomain.CampaignAlert{}, alertdomain.ErrNotFound
	}

	item, err := s.repo.FindByID(ctx, s.db, userID, alertID)
	if err != nil {
		return alertdomain.CampaignAlert{}, err
	}
	if item == nil {
		return alertdomain.CampaignAlert{}, alertdomain.ErrNotFound
	}
	return *item, nil
}

// Evaluate checks every active rule of the campaign against the snapshot.
// A rule notifies only when this call flips triggered_at from NULL, so
// repeated or concurrent evaluations within one episode stay silent.
// Per-rule failures are logged and reported in the outcome, never returned.
func (s *Service) Evaluate(ctx context.Context, req alertdomain.EvaluateRequest) (alertdomain.EvaluationResult, error) {
	userID, err := parseUserID(req.UserID)
	if err != nil {
		return alertdomain.EvaluationResult{}, err
	}
	campaignID := strings.TrimSpace(req.CampaignID)
	if campaignID == "" {
		return alertdomain.EvaluationResult{}, alertdomain.ErrInvalidCampaignID
	}

	now := s.clock.Now().UTC()
	result := alertdomain.EvaluationResult{
		CampaignID:  campaignID,
		EvaluatedAt: now,
		Outcomes:    []alertdomain.RuleOutcome{},
	}

	rules, err := s.repo.ListActiveForCampaign(ctx, s.db, userID, campaignID)
	if err != nil {
		return result, err
	}

	log := logger.WithUser(s.log, userID).With(zap.String("campaign_id", campaignID))
	for _, rule := range rules {
		result.Outcomes = append(result.Outcomes, s.evaluateRule(ctx, log, rule, req, now))
	}
	return result, nil
}

func (s *Service) evaluateRule(ctx context.Context, log *zap.Logger, rule alertdomain.CampaignAlert, req alertdomain.EvaluateRequest, now time.Time) alertdomain.RuleOutcome {
	outcome := alertdomain.RuleOutcome{
		AlertID: rule.ID.String(),
		Metric:  rule.MetricType,
	}
	log = log.With(zap.String("alert_id", outcome.AlertID), zap.String("metric", string(rule.MetricType)))

	value, matched, err := rule.Matches(req.Snapshot)
	outcome.Value = value
	outcome.Matched = matched
	if err != nil {
		log.Warn("alert rule cannot be evaluated", zap.Error(err))
		outcome.Error = err.Error()
		return outcome
	}

	switch {
	case matched && rule.TriggeredAt == nil:
		fired, err := s.repo.MarkTriggered(ctx, s.db, rule.ID, now)
		if err != nil {
			log.Warn("failed to mark alert triggered", zap.Error(err))
			outcome.Error = err.Error()
			return outcome
		}
		if !fired {
			return outcome
		}
		outcome.Fired = true
		rule.TriggeredAt = &now
		s.metrics.RecordAlertTriggered(string(rule.MetricType))
		log.Info("alert triggered",
			zap.Float64("value", value),
			zap.String("operator", string(rule.Operator)),
			zap.Float64("threshold", rule.ThresholdValue),
		)
		s.fire(ctx, log, rule, campaignName(rule, req), value)
	case !matched && rule.TriggeredAt != nil:
		cleared, err := s.repo.ClearTriggered(ctx, s.db, rule.ID, now)
		if err != nil {
			log.Warn("failed to clear alert trigger", zap.Error(err))
			outcome.Error = err.Error()
			return outcome
		}
		if cleared {
			outcome.Cleared = true
			s.metrics.RecordAlertCleared(string(rule.MetricType))
			log.Info("alert cleared", zap.Float64("value", value))
		}
	}
	return outcome
}

// fire sends each configured channel once for a new episode.
func (s *Service) fire(ctx context.Context, log *zap.Logger, rule alertdomain.CampaignAlert, name string, value float64) {
	badge := rule.HasChannel(alertdomain.ChannelVisual)
	sound := rule.HasChannel(alertdomain.ChannelSound)
	if badge || sound {
		s.hub.Publish(rule.UserID, livefeed.AlertEvent{
			AlertID:      rule.ID.String(),
			CampaignID:   rule.CampaignID,
			CampaignName: name,
			Metric:       string(rule.MetricType),
			Operator:     string(rule.Operator),
			Threshold:    rule.ThresholdValue,
			Value:        value,
			TriggeredAt:  *rule.TriggeredAt,
			Badge:        badge,
			Sound:        sound,
		})
	}
	if rule.HasChannel(alertdomain.ChannelEmail) {
		s.sendEmail(ctx, log, rule, name, value)
	}
}

func (s *Service) sendEmail(ctx context.Context, log *zap.Logger, rule alertdomain.CampaignAlert, name string, value float64) {
	base := context.WithoutCancel(ctx)

	s.runAsync(func() {
		ctx, cancel := context.WithTimeout(base, notifyTimeout)
		defer cancel()

		err := s.deliverEmail(ctx, rule, name, value)
		if err != nil {
			s.metrics.RecordNotificationFailure(string(alertdomain.ChannelEmail))
			log.Warn("failed to send alert email", zap.Error(err))
		}
	})
}

func (s *Service) deliverEmail(ctx context.Context, rule alertdomain.CampaignAlert, name string, value float64) error {
	if s.profiles == nil {
		return errors.New("profile_lookup_unavailable")
	}
	profile, err := s.profiles.FindProfile(ctx, s.db, rule.UserID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if profile == nil || profile.Email == nil || strings.TrimSpace(*profile.Email) == "" {
		return errors.New("recipient_missing")
	}

	data := map[string]any{
		"campaign_name": name,
		"campaign_id":   rule.CampaignID,
		"metric":        string(rule.MetricType),
		"operator":      string(rule.Operator),
		"threshold":     rule.ThresholdValue,
		"value":         value,
		"subject":       fmt.Sprintf("Alert: %s %s %s %v", name, rule.MetricType, rule.Operator, rule.ThresholdValue),
	}
	if profile.FullName != nil {
		data["full_name"] = *profile.FullName
	}
	if s.dashboardURL != "" {
		data["dashboard_url"] = s.dashboardURL + "/campaigns/" + rule.CampaignID
	}
	return s.email.SendTemplate(ctx, []string{*profile.Email}, email.TemplateAlertTriggered, data)
}

func campaignName(rule alertdomain.CampaignAlert, req alertdomain.EvaluateRequest) string {
	if name := strings.TrimSpace(req.CampaignName); name != "" {
		return name
	}
	if rule.CampaignName != "" {
		return rule.CampaignName
	}
	return rule.CampaignID
}

func normalizeChannels(values []string) ([]alertdomain.Channel, error) {
	if len(values) == 0 {
		return []alertdomain.Channel{alertdomain.ChannelVisual}, nil
	}
	seen := make(map[alertdomain.Channel]bool, len(values))
	channels := make([]alertdomain.Channel, 0, len(values))
	for _, value := range values {
		ch, err := alertdomain.ParseChannel(value)
		if err != nil {
			return nil, err
		}
		if seen[ch] {
			continue
		}
		seen[ch] = true
		channels = append(channels, ch)
	}
	return channels, nil
}

func parseUserID(value string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return "", alertdomain.ErrInvalidUserID
	}
	return parsed.String(), nil
}

func parseID(value string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed == 0 {
		return 0, alertdomain.ErrInvalidID
	}
	return parsed, nil
}
