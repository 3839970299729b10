package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestShouldExpire(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	base := Subscription{State: StateActive, CurrentPeriodEnd: ptrTime(now.Add(-time.Hour)), ProviderStatus: "past_due"}

	assert.True(t, ShouldExpire(base, now))

	renewed := base
	renewed.ProviderStatus = "Active"
	assert.False(t, ShouldExpire(renewed, now))

	notDue := base
	notDue.CurrentPeriodEnd = ptrTime(now.Add(time.Hour))
	assert.False(t, ShouldExpire(notDue, now))

	noPeriod := base
	noPeriod.CurrentPeriodEnd = nil
	assert.False(t, ShouldExpire(noPeriod, now))

	expired := base
	expired.State = StateExpired
	assert.False(t, ShouldExpire(expired, now))
}

func TestApplyTransitionsKeepReadonlyInvariant(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	week := 7 * 24 * time.Hour
	sub := Subscription{State: StateActive}

	ApplyExpire(&sub, now, week)
	assert.Equal(t, StateExpired, sub.State)
	assert.True(t, sub.ReadonlyMode)
	assert.Equal(t, now.Add(week), *sub.GracePeriodEndsAt)

	later := now.Add(week + 3*time.Hour)
	assert.True(t, ShouldSuspend(sub, later))
	ApplySuspend(&sub, later, week)
	assert.Equal(t, StateSuspended, sub.State)
	assert.Equal(t, now.Add(2*week), *sub.ArchiveScheduledAt)

	archiveAt := now.Add(2*week + time.Minute)
	assert.True(t, ShouldArchive(sub, archiveAt))
	ApplyArchive(&sub, archiveAt)
	assert.Equal(t, StateArchived, sub.State)
	assert.True(t, sub.ReadonlyMode)

	ApplyReactivate(&sub, archiveAt, ReasonInvoicePaid)
	assert.Equal(t, StateActive, sub.State)
	assert.False(t, sub.ReadonlyMode)
	assert.Nil(t, sub.GracePeriodEndsAt)
	assert.Nil(t, sub.ArchiveScheduledAt)
	assert.Nil(t, sub.ArchivedAt)
	assert.Equal(t, string(ReasonInvoicePaid), sub.StateReason)
}

func TestIsHealthyProviderStatus(t *testing.T) {
	assert.True(t, IsHealthyProviderStatus("active"))
	assert.True(t, IsHealthyProviderStatus(" TRIALING "))
	assert.False(t, IsHealthyProviderStatus("past_due"))
	assert.False(t, IsHealthyProviderStatus("canceled"))
	assert.False(t, IsHealthyProviderStatus(""))
}

func TestApplyPlanCopiesFeatures(t *testing.T) {
	features := []string{"alerts", "sheets_sync"}
	var sub Subscription
	ApplyPlan(&sub, Plan{Code: "pro", Name: "Pro", StoreLimit: 5, Features: features})
	features[0] = "mutated"

	assert.Equal(t, "pro", sub.PlanCode)
	assert.Equal(t, 0, sub.CampaignLimit)
	assert.True(t, sub.HasFeature("alerts"))
	assert.False(t, sub.HasFeature("mutated"))
}

var stateRank = map[State]int{
	StateActive:    0,
	StateExpired:   1,
	StateSuspended: 2,
	StateArchived:  3,
}

func TestLifecycleSweepProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		day := 24 * time.Hour
		grace := time.Duration(rapid.IntRange(1, 14).Draw(t, "grace_days")) * day
		delay := time.Duration(rapid.IntRange(1, 14).Draw(t, "delay_days")) * day
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		sub := Subscription{State: StateActive, CurrentPeriodEnd: ptrTime(now), ProviderStatus: "past_due"}

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			now = now.Add(time.Duration(rapid.IntRange(1, 240).Draw(t, "advance_hours")) * time.Hour)

			if rapid.IntRange(0, 9).Draw(t, "reactivate") == 0 {
				ApplyReactivate(&sub, now, ReasonInvoicePaid)
				sub.CurrentPeriodEnd = ptrTime(now.Add(30 * day))
				if sub.ReadonlyMode || sub.GracePeriodEndsAt != nil || sub.ArchiveScheduledAt != nil || sub.ArchivedAt != nil {
					t.Fatalf("reactivated row kept lifecycle fields: %+v", sub)
				}
				continue
			}

			from := sub.State
			switch {
			case ShouldExpire(sub, now):
				ApplyExpire(&sub, now, grace)
			case ShouldSuspend(sub, now):
				ApplySuspend(&sub, now, delay)
			case ShouldArchive(sub, now):
				ApplyArchive(&sub, now)
			}

			if step := stateRank[sub.State] - stateRank[from]; step < 0 || step > 1 {
				t.Fatalf("sweep moved %s to %s", from, sub.State)
			}
			if sub.ReadonlyMode != (sub.State != StateActive) {
				t.Fatalf("readonly_mode=%v in state %s", sub.ReadonlyMode, sub.State)
			}
			switch sub.State {
			case StateExpired:
				if sub.GracePeriodEndsAt == nil || sub.ArchiveScheduledAt != nil {
					t.Fatalf("expired row has wrong timestamps: %+v", sub)
				}
			case StateSuspended:
				if sub.ArchiveScheduledAt == nil || !sub.ArchiveScheduledAt.Equal(sub.GracePeriodEndsAt.Add(delay)) {
					t.Fatalf("archive not anchored on grace end: %+v", sub)
				}
			case StateArchived:
				if sub.ArchivedAt == nil {
					t.Fatalf("archived row without archived_at")
				}
			}
		}
	})
}
