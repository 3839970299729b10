package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/adops/internal/archive"
	"github.com/smallbiznis/adops/internal/clock"
	"github.com/smallbiznis/adops/internal/config"
	"github.com/smallbiznis/adops/internal/events"
	"github.com/smallbiznis/adops/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/adops/internal/observability/metrics"
	"github.com/smallbiznis/adops/internal/providers/email"
	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"github.com/smallbiznis/adops/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	writeMaxAttempts    = 3
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	notifyTimeout       = 15 * time.Second
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	repo      subscriptiondomain.Repository
	plans     subscriptiondomain.PlanCatalog
	sealer    *archive.Sealer
	publisher events.Publisher
	email     email.Provider
	metrics   *obsmetrics.Metrics

	gracePeriod  time.Duration
	archiveDelay time.Duration
	dashboardURL string

	runAsync func(func())
}

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      subscriptiondomain.Repository
	Plans     subscriptiondomain.PlanCatalog
	Sealer    *archive.Sealer
	Publisher events.Publisher
	Email     email.Provider
	Metrics   *obsmetrics.Metrics `optional:"true"`
	Config    config.Config
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return newService(p)
}

func newService(p ServiceParam) *Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	provider := p.Email
	if provider == nil {
		provider = email.NoOpProvider{}
	}

	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		plans:     p.Plans,
		sealer:    p.Sealer,
		publisher: publisher,
		email:     provider,
		metrics:   p.Metrics,

		gracePeriod:  p.Config.Lifecycle.GracePeriod,
		archiveDelay: p.Config.Lifecycle.ArchiveDelay,
		dashboardURL: strings.TrimRight(p.Config.Email.DashboardURL, "/"),

		runAsync: func(fn func()) { go fn() },
	}
}

// Get implements domain.Service.
func (s *Service) Get(ctx context.Context, userID string) (subscriptiondomain.Subscription, error) {
	userID, err := parseUserID(userID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	item, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *item, nil
}

// History implements domain.Service.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]subscriptiondomain.HistoryEntry, error) {
	userID, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	entries, err := s.repo.ListHistory(ctx, s.db, userID, limit)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// EnsureWritable returns ErrReadonly unless the user holds an active, writable subscription.
func (s *Service) EnsureWritable(ctx context.Context, userID string) error {
	sub, err := s.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return subscriptiondomain.ErrReadonly
		}
		return err
	}
	if sub.ReadonlyMode || sub.State != subscriptiondomain.StateActive {
		return subscriptiondomain.ErrReadonly
	}
	return nil
}

// Expire implements domain.Service.
func (s *Service) Expire(ctx context.Context, sub subscriptiondomain.Subscription) error {
	now := s.clock.Now()
	if !subscriptiondomain.ShouldExpire(sub, now) {
		return subscriptiondomain.ErrTransitionNotAllowed
	}

	updated := sub
	subscriptiondomain.ApplyExpire(&updated, now, s.gracePeriod)

	metadata := map[string]interface{}{
		"source":               "sweep",
		"grace_period_ends_at": updated.GracePeriodEndsAt.Format(time.RFC3339),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.commit(ctx, tx, sub, &updated, subscriptiondomain.EventTransitioned, subscriptiondomain.ReasonSubscriptionPeriodEnded, metadata)
	})
	if err != nil {
		return err
	}

	s.afterTransition(ctx, sub.State, updated, nil, email.TemplateSubscriptionExpired)
	return nil
}

// Suspend implements domain.Service.
func (s *Service) Suspend(ctx context.Context, sub subscriptiondomain.Subscription) error {
	now := s.clock.Now()
	if !subscriptiondomain.ShouldSuspend(sub, now) {
		return subscriptiondomain.ErrTransitionNotAllowed
	}

	updated := sub
	subscriptiondomain.ApplySuspend(&updated, now, s.archiveDelay)

	metadata := map[string]interface{}{
		"source":               "sweep",
		"archive_scheduled_at": updated.ArchiveScheduledAt.Format(time.RFC3339),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.commit(ctx, tx, sub, &updated, subscriptiondomain.EventTransitioned, subscriptiondomain.ReasonGracePeriodEnded, metadata)
	})
	if err != nil {
		return err
	}

	s.afterTransition(ctx, sub.State, updated, nil, email.TemplateSubscriptionSuspended)
	return nil
}

type archiveSnapshot struct {
	Profile      *subscriptiondomain.Profile     `json:"profile,omitempty"`
	Subscription subscriptiondomain.Subscription `json:"subscription"`
	ArchivedAt   time.Time                       `json:"archived_at"`
}

// Archive seals a snapshot of the profile and subscription, anonymizes the
// profile and marks the row archived, all in one transaction.
func (s *Service) Archive(ctx context.Context, sub subscriptiondomain.Subscription) error {
	now := s.clock.Now()
	if !subscriptiondomain.ShouldArchive(sub, now) {
		return subscriptiondomain.ErrTransitionNotAllowed
	}
	if s.sealer == nil || !s.sealer.Configured() {
		return archive.ErrKeyMissing
	}

	updated := sub
	subscriptiondomain.ApplyArchive(&updated, now)

	var profile *subscriptiondomain.Profile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		metadata := map[string]interface{}{
			"source":      "sweep",
			"key_version": archive.KeyVersion,
		}
		if err := s.commit(ctx, tx, sub, &updated, subscriptiondomain.EventTransitioned, subscriptiondomain.ReasonArchivePeriodEnded, metadata); err != nil {
			return err
		}

		var err error
		profile, err = s.repo.FindProfile(ctx, tx, sub.UserID)
		if err != nil {
			return err
		}

		plaintext, err := json.Marshal(archiveSnapshot{
			Profile:      profile,
			Subscription: sub,
			ArchivedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("marshal archive snapshot: %w", err)
		}
		payload, err := s.sealer.Seal(plaintext, []byte(sub.UserID))
		if err != nil {
			return err
		}

		if err := s.repo.InsertArchive(ctx, tx, &subscriptiondomain.ArchivedUserData{
			ID:         s.genID.Generate(),
			UserID:     sub.UserID,
			Payload:    payload,
			KeyVersion: archive.KeyVersion,
			ArchivedAt: now,
		}); err != nil {
			return err
		}

		if profile == nil {
			return nil
		}
		return s.repo.AnonymizeProfile(ctx, tx, sub.UserID, now)
	})
	if err != nil {
		return err
	}

	// The captured profile still carries the address needed for the final notice.
	if profile == nil {
		profile = &subscriptiondomain.Profile{ID: sub.UserID}
	}
	s.afterTransition(ctx, sub.State, updated, profile, email.TemplateSubscriptionArchived)
	return nil
}

// Reactivate restores a subscription to active from any state. Lost races
// against the sweep are retried so the billing provider's view wins.
func (s *Service) Reactivate(ctx context.Context, req subscriptiondomain.ReactivateRequest) (subscriptiondomain.Subscription, error) {
	switch req.Reason {
	case subscriptiondomain.ReasonCheckoutCompleted,
		subscriptiondomain.ReasonInvoicePaid,
		subscriptiondomain.ReasonSubscriptionUpdated:
	default:
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidReason
	}

	priceID := strings.TrimSpace(req.Billing.ProviderPriceID)
	if priceID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrMissingProviderPrice
	}
	plan, err := s.plans.Lookup(priceID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= writeMaxAttempts; attempt++ {
		sub, err := s.reactivateOnce(ctx, req, plan)
		if !errors.Is(err, subscriptiondomain.ErrConcurrentUpdate) {
			return sub, err
		}
		lastErr = err
		logger.WithContext(ctx, s.log).Warn("reactivate lost a concurrent update, retrying",
			zap.String("user_id", req.UserID),
			zap.String("event_id", req.EventID),
			zap.Int("attempt", attempt),
		)
	}
	return subscriptiondomain.Subscription{}, lastErr
}

func (s *Service) reactivateOnce(ctx context.Context, req subscriptiondomain.ReactivateRequest, plan subscriptiondomain.Plan) (subscriptiondomain.Subscription, error) {
	existing, userID, err := s.resolve(ctx, req.UserID, req.Billing)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	now := s.clock.Now()
	metadata := webhookMetadata(req.EventID, plan.Code)

	if existing == nil {
		sub := subscriptiondomain.Subscription{
			UserID:    userID,
			Version:   1,
			CreatedAt: now,
		}
		applyBilling(&sub, req.Billing)
		subscriptiondomain.ApplyPlan(&sub, plan)
		subscriptiondomain.ApplyReactivate(&sub, now, req.Reason)

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.repo.Insert(ctx, tx, &sub); err != nil {
				if db.IsDuplicateKeyErr(err) {
					return subscriptiondomain.ErrConcurrentUpdate
				}
				return err
			}
			return s.repo.InsertHistory(ctx, tx, s.historyEntry("", sub, subscriptiondomain.EventCreated, req.Reason, metadata))
		})
		if err != nil {
			return subscriptiondomain.Subscription{}, err
		}

		s.afterTransition(ctx, "", sub, nil, "")
		return sub, nil
	}

	before := *existing
	updated := before
	applyBilling(&updated, req.Billing)
	subscriptiondomain.ApplyPlan(&updated, plan)
	subscriptiondomain.ApplyReactivate(&updated, now, req.Reason)

	eventType := subscriptiondomain.EventTransitioned
	if before.State == subscriptiondomain.StateActive {
		eventType = subscriptiondomain.EventBillingUpdated
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.commit(ctx, tx, before, &updated, eventType, req.Reason, metadata)
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	if before.State != subscriptiondomain.StateActive {
		s.afterTransition(ctx, before.State, updated, nil, email.TemplateSubscriptionReactivate)
	}
	return updated, nil
}

// RecordBillingUpdate stores the provider's billing view without changing state.
func (s *Service) RecordBillingUpdate(ctx context.Context, req subscriptiondomain.BillingUpdateRequest) (subscriptiondomain.Subscription, error) {
	switch req.Reason {
	case subscriptiondomain.ReasonPaymentFailed,
		subscriptiondomain.ReasonSubscriptionCanceled,
		subscriptiondomain.ReasonSubscriptionUpdated:
	default:
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidReason
	}

	var lastErr error
	for attempt := 1; attempt <= writeMaxAttempts; attempt++ {
		sub, err := s.recordBillingOnce(ctx, req)
		if !errors.Is(err, subscriptiondomain.ErrConcurrentUpdate) {
			return sub, err
		}
		lastErr = err
	}
	return subscriptiondomain.Subscription{}, lastErr
}

func (s *Service) recordBillingOnce(ctx context.Context, req subscriptiondomain.BillingUpdateRequest) (subscriptiondomain.Subscription, error) {
	existing, _, err := s.resolve(ctx, req.UserID, req.Billing)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if existing == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	before := *existing
	updated := before
	applyBilling(&updated, req.Billing)
	updated.UpdatedAt = s.clock.Now()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.commit(ctx, tx, before, &updated, subscriptiondomain.EventBillingUpdated, req.Reason, webhookMetadata(req.EventID, ""))
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	if req.Reason == subscriptiondomain.ReasonPaymentFailed {
		s.notify(ctx, updated, nil, email.TemplatePaymentFailed)
	}
	return updated, nil
}

// commit writes the version-guarded update and its history entry on tx.
func (s *Service) commit(
	ctx context.Context,
	tx *gorm.DB,
	before subscriptiondomain.Subscription,
	after *subscriptiondomain.Subscription,
	eventType string,
	reason subscriptiondomain.TransitionReason,
	metadata map[string]interface{},
) error {
	ok, err := s.repo.UpdateIfVersion(ctx, tx, after, before.Version)
	if err != nil {
		return err
	}
	if !ok {
		return subscriptiondomain.ErrConcurrentUpdate
	}
	return s.repo.InsertHistory(ctx, tx, s.historyEntry(before.State, *after, eventType, reason, metadata))
}

func (s *Service) historyEntry(
	from subscriptiondomain.State,
	sub subscriptiondomain.Subscription,
	eventType string,
	reason subscriptiondomain.TransitionReason,
	metadata map[string]interface{},
) *subscriptiondomain.HistoryEntry {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return &subscriptiondomain.HistoryEntry{
		ID:             s.genID.Generate(),
		UserID:         sub.UserID,
		EventType:      eventType,
		FromState:      from,
		ToState:        sub.State,
		PlanCode:       sub.PlanCode,
		ProviderStatus: sub.ProviderStatus,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		Reason:         reason,
		Metadata:       datatypes.JSONMap(metadata),
		CreatedAt:      sub.UpdatedAt,
	}
}

// resolve finds the row by user id, falling back to the provider subscription id.
func (s *Service) resolve(ctx context.Context, userID string, billing subscriptiondomain.BillingSnapshot) (*subscriptiondomain.Subscription, string, error) {
	if strings.TrimSpace(userID) != "" {
		id, err := parseUserID(userID)
		if err != nil {
			return nil, "", err
		}
		item, err := s.repo.FindByUserID(ctx, s.db, id)
		if err != nil {
			return nil, "", err
		}
		return item, id, nil
	}

	ref := strings.TrimSpace(billing.ProviderSubscriptionID)
	if ref == "" {
		return nil, "", subscriptiondomain.ErrMissingSubscriptionRef
	}
	item, err := s.repo.FindByProviderSubscriptionID(ctx, s.db, ref)
	if err != nil {
		return nil, "", err
	}
	if item == nil {
		return nil, "", subscriptiondomain.ErrSubscriptionNotFound
	}
	return item, item.UserID, nil
}

func (s *Service) afterTransition(ctx context.Context, from subscriptiondomain.State, sub subscriptiondomain.Subscription, profile *subscriptiondomain.Profile, templateName string) {
	obsmetrics.Scheduler().IncTransition(string(from), string(sub.State))

	log := logger.WithUser(logger.WithContext(ctx, s.log), sub.UserID)
	log.Info("subscription transitioned",
		zap.String("from_state", string(from)),
		zap.String("to_state", string(sub.State)),
		zap.String("reason", sub.StateReason),
		zap.Int64("version", sub.Version),
	)

	event := events.LifecycleEvent{
		ID:             s.genID.Generate().String(),
		UserID:         sub.UserID,
		FromState:      string(from),
		ToState:        string(sub.State),
		Reason:         sub.StateReason,
		PlanCode:       sub.PlanCode,
		ProviderStatus: sub.ProviderStatus,
		OccurredAt:     sub.UpdatedAt,
	}
	if err := s.publisher.PublishLifecycle(ctx, event); err != nil {
		log.Warn("failed to publish lifecycle event", zap.Error(err))
	}

	if templateName != "" {
		s.notify(ctx, sub, profile, templateName)
	}
}

// notify sends a lifecycle email in the background. Failures are logged only.
func (s *Service) notify(ctx context.Context, sub subscriptiondomain.Subscription, profile *subscriptiondomain.Profile, templateName string) {
	base := context.WithoutCancel(ctx)
	log := logger.WithUser(s.log, sub.UserID).With(zap.String("template", templateName))

	s.runAsync(func() {
		ctx, cancel := context.WithTimeout(base, notifyTimeout)
		defer cancel()

		target := profile
		if target == nil || target.Email == nil {
			found, err := s.repo.FindProfile(ctx, s.db, sub.UserID)
			if err != nil {
				log.Warn("failed to load profile for lifecycle email", zap.Error(err))
				return
			}
			target = found
		}
		if target == nil || target.Email == nil || strings.TrimSpace(*target.Email) == "" {
			log.Debug("skipping lifecycle email without recipient")
			return
		}

		err := s.email.SendTemplate(ctx, []string{strings.TrimSpace(*target.Email)}, templateName, s.emailData(sub, target))
		s.metrics.RecordLifecycleEmail(templateName, err)
		if err != nil {
			log.Warn("failed to send lifecycle email", zap.Error(err))
		}
	})
}

func (s *Service) emailData(sub subscriptiondomain.Subscription, profile *subscriptiondomain.Profile) map[string]interface{} {
	name := "there"
	if profile != nil && profile.FullName != nil && strings.TrimSpace(*profile.FullName) != "" {
		name = strings.TrimSpace(*profile.FullName)
	}
	data := map[string]interface{}{
		"full_name":     name,
		"plan_name":     sub.PlanName,
		"dashboard_url": s.dashboardURL,
	}
	if sub.GracePeriodEndsAt != nil {
		data["grace_period_ends_at"] = sub.GracePeriodEndsAt.Format("January 2, 2006")
	}
	if sub.ArchiveScheduledAt != nil {
		data["archive_scheduled_at"] = sub.ArchiveScheduledAt.Format("January 2, 2006")
	}
	return data
}

func applyBilling(sub *subscriptiondomain.Subscription, billing subscriptiondomain.BillingSnapshot) {
	if v := strings.TrimSpace(billing.ProviderSubscriptionID); v != "" {
		sub.ProviderSubscriptionID = &v
	}
	if v := strings.TrimSpace(billing.ProviderCustomerID); v != "" {
		sub.ProviderCustomerID = &v
	}
	if v := strings.TrimSpace(billing.ProviderPriceID); v != "" {
		sub.ProviderPriceID = &v
	}
	if v := strings.TrimSpace(billing.ProviderStatus); v != "" {
		sub.ProviderStatus = strings.ToLower(v)
	}
	if billing.PeriodStart != nil {
		start := billing.PeriodStart.UTC()
		sub.CurrentPeriodStart = &start
	}
	if billing.PeriodEnd != nil {
		end := billing.PeriodEnd.UTC()
		sub.CurrentPeriodEnd = &end
	}
	sub.CancelAtPeriodEnd = billing.CancelAtPeriodEnd
}

func webhookMetadata(eventID, planCode string) map[string]interface{} {
	metadata := map[string]interface{}{"source": "webhook"}
	if eventID = strings.TrimSpace(eventID); eventID != "" {
		metadata["event_id"] = eventID
	}
	if planCode != "" {
		metadata["plan_code"] = planCode
	}
	return metadata
}

// parseUserID returns the canonical lowercase form so rows, history and alert
// rules all key on the same string.
func parseUserID(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", subscriptiondomain.ErrInvalidUserID
	}
	parsed, err := uuid.Parse(value)
	if err != nil {
		return "", subscriptiondomain.ErrInvalidUserID
	}
	return parsed.String(), nil
}
