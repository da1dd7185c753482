package subscription

import (
	"time"

	"github.com/pario-ai/tokenmeter/pkg/models"
)

var transitions = map[models.Status][]models.Status{
	models.StatusTrial:   {models.StatusActive, models.StatusExpired, models.StatusCancelled},
	models.StatusActive:  {models.StatusExpired, models.StatusCancelled},
	models.StatusExpired: {models.StatusActive, models.StatusCancelled},
}

// CanTransition reports whether from -> to is allowed. Cancelled is terminal.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EventKind names a lifecycle event produced by Advance or an operation.
type EventKind string

const (
	EventTrialExpired EventKind = "trial_expired"
	EventRollover     EventKind = "period_rollover"
)

// Event describes one lifecycle change.
type Event struct {
	Kind        EventKind
	PeriodStart time.Time
	PeriodEnd   time.Time
	Periods     int
}

// Advance applies time-driven transitions as of now: trial expiry and period
// rollover. It is pure; persisting the result is the caller's job, and
// advancing an already advanced subscription yields no events.
func Advance(sub models.Subscription, plan models.Plan, now time.Time) (models.Subscription, []Event) {
	var events []Event

	if sub.Status == models.StatusTrial && sub.TrialEndsAt != nil && !now.Before(*sub.TrialEndsAt) {
		sub.Status = models.StatusExpired
		events = append(events, Event{Kind: EventTrialExpired, PeriodStart: sub.PeriodStart, PeriodEnd: sub.PeriodEnd})
	}

	if sub.Status == models.StatusActive && !now.Before(sub.PeriodEnd) {
		period := plan.Period()
		// Number of whole periods that have ended; the new window starts at the
		// old end so the timeline has no gaps.
		n := int(now.Sub(sub.PeriodEnd)/period) + 1
		start := sub.PeriodEnd.Add(time.Duration(n-1) * period)
		sub = openPeriod(sub, start, period)
		events = append(events, Event{Kind: EventRollover, PeriodStart: sub.PeriodStart, PeriodEnd: sub.PeriodEnd, Periods: n})
	}

	return sub, events
}

// Rollover forces a new period starting at start, regardless of elapsed time.
func Rollover(sub models.Subscription, plan models.Plan, start time.Time) models.Subscription {
	return openPeriod(sub, start, plan.Period())
}

func openPeriod(sub models.Subscription, start time.Time, period time.Duration) models.Subscription {
	sub.PeriodStart = start.UTC()
	sub.PeriodEnd = start.Add(period).UTC()
	sub.TokensUsedThisPeriod = 0
	return sub
}

// Start builds a new subscription for plan as of now. Trial plans begin in
// trial with a single window ending at the trial end.
func Start(userID, orgID string, plan models.Plan, now time.Time) models.Subscription {
	now = now.UTC()
	sub := models.Subscription{
		UserID:         userID,
		OrganizationID: orgID,
		PlanID:         plan.ID,
		StartedAt:      now,
		PeriodStart:    now,
	}
	if plan.Kind() == models.PlanTrial {
		ends := now.Add(plan.TrialDuration())
		sub.Status = models.StatusTrial
		sub.TrialEndsAt = &ends
		sub.PeriodEnd = ends
		return sub
	}
	sub.Status = models.StatusActive
	sub.PeriodEnd = now.Add(plan.Period())
	if plan.Kind() == models.PlanPaid {
		sub.PaidAt = &now
	}
	return sub
}

// Cancel moves sub to cancelled. Ledger entries and balance are untouched.
func Cancel(sub models.Subscription, reason string, now time.Time) (models.Subscription, error) {
	if !CanTransition(sub.Status, models.StatusCancelled) {
		return sub, models.Errorf(models.KindInvalidState, "cancel", "subscription %d is already %s", sub.ID, sub.Status)
	}
	at := now.UTC()
	sub.Status = models.StatusCancelled
	sub.CancelledAt = &at
	sub.CancelledReason = &reason
	return sub, nil
}

// ExtendTrial pushes the trial end, and the trial window with it, by days.
func ExtendTrial(sub models.Subscription, days int) (models.Subscription, error) {
	if days <= 0 {
		return sub, models.Errorf(models.KindInvalidAmount, "extend trial", "days must be positive, got %d", days)
	}
	if sub.Status != models.StatusTrial || sub.TrialEndsAt == nil {
		return sub, models.Errorf(models.KindInvalidState, "extend trial", "subscription %d is %s, not trial", sub.ID, sub.Status)
	}
	ext := time.Duration(days) * 24 * time.Hour
	ends := sub.TrialEndsAt.Add(ext)
	if sub.PeriodEnd.Equal(*sub.TrialEndsAt) {
		sub.PeriodEnd = ends
	}
	sub.TrialEndsAt = &ends
	return sub, nil
}
