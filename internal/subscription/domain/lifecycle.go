package domain

import (
	"strings"
	"time"
)

// ProviderStatusActive is the billing provider status that marks a renewed subscription.
const ProviderStatusActive = "active"

// IsHealthyProviderStatus reports whether a provider status should restore access.
func IsHealthyProviderStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return true
	default:
		return false
	}
}

// ShouldExpire reports whether an active row's paid period ended without renewal.
func ShouldExpire(sub Subscription, now time.Time) bool {
	if sub.State != StateActive || sub.CurrentPeriodEnd == nil {
		return false
	}
	if !sub.CurrentPeriodEnd.Before(now) {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(sub.ProviderStatus), ProviderStatusActive)
}

func ShouldSuspend(sub Subscription, now time.Time) bool {
	return sub.State == StateExpired &&
		sub.GracePeriodEndsAt != nil &&
		sub.GracePeriodEndsAt.Before(now)
}

func ShouldArchive(sub Subscription, now time.Time) bool {
	return sub.State == StateSuspended &&
		sub.ArchiveScheduledAt != nil &&
		sub.ArchiveScheduledAt.Before(now)
}

// ApplyExpire moves an active row to expired and opens the grace window.
func ApplyExpire(sub *Subscription, now time.Time, grace time.Duration) {
	graceEnds := now.Add(grace)
	sub.State = StateExpired
	sub.ReadonlyMode = true
	sub.GracePeriodEndsAt = &graceEnds
	sub.ArchiveScheduledAt = nil
	sub.StateReason = string(ReasonSubscriptionPeriodEnded)
	sub.UpdatedAt = now
}

// ApplySuspend schedules archiving archiveDelay after the grace window ended.
func ApplySuspend(sub *Subscription, now time.Time, archiveDelay time.Duration) {
	anchor := now
	if sub.GracePeriodEndsAt != nil {
		anchor = *sub.GracePeriodEndsAt
	}
	scheduled := anchor.Add(archiveDelay)
	sub.State = StateSuspended
	sub.ReadonlyMode = true
	sub.ArchiveScheduledAt = &scheduled
	sub.StateReason = string(ReasonGracePeriodEnded)
	sub.UpdatedAt = now
}

func ApplyArchive(sub *Subscription, now time.Time) {
	archivedAt := now
	sub.State = StateArchived
	sub.ReadonlyMode = true
	sub.ArchivedAt = &archivedAt
	sub.StateReason = string(ReasonArchivePeriodEnded)
	sub.UpdatedAt = now
}

// ApplyReactivate returns the row to active and clears every lifecycle timestamp.
func ApplyReactivate(sub *Subscription, now time.Time, reason TransitionReason) {
	sub.State = StateActive
	sub.ReadonlyMode = false
	sub.GracePeriodEndsAt = nil
	sub.ArchiveScheduledAt = nil
	sub.ArchivedAt = nil
	sub.StateReason = string(reason)
	sub.UpdatedAt = now
}

// ApplyPlan copies catalog limits and features onto the row.
func ApplyPlan(sub *Subscription, plan Plan) {
	sub.PlanCode = plan.Code
	sub.PlanName = plan.Name
	sub.StoreLimit = plan.StoreLimit
	sub.CampaignLimit = plan.CampaignLimit
	features := make([]string, len(plan.Features))
	copy(features, plan.Features)
	sub.Features = features
}
